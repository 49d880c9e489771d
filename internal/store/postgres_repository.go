/**
 * @description
 * PostgreSQL implementation of the Store. Every unit of work runs in a single
 * database transaction that first takes a transaction-scoped advisory lock, so
 * state-mutating operations are serialized across all replicas of the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/proofpay/settlement-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// engineLockKey is the advisory lock held by every unit of work.
const engineLockKey int64 = 0x70726f6f66706179

const paymentColumns = `id, sequence, sender, recipient, amount, asset, status, proof_type, proof_data,
	description, requires_proof, origin_message_id, dispute_reason, created_at, completed_at`

const eventColumns = `id, sequence, kind, COALESCE(payment_id, ''), COALESCE(message_id, ''),
	COALESCE(actor, ''), attributes, occurred_at`

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the pgx-backed Store.
type PostgresRepository struct {
	pgReader
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pgReader: pgReader{q: db}, db: db}
}

// EnsureSchema applies the embedded schema. Statements are idempotent.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn inside a database transaction holding the engine lock.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, engineLockKey); err != nil {
		return fmt.Errorf("acquire engine lock: %w", err)
	}

	if err := fn(ctx, &postgresTx{pgReader: pgReader{q: tx}, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ReadPendingAudit reads both audit aggregates in one read-only REPEATABLE READ
// transaction so a concurrent unit of work cannot show up on one side only.
func (r *PostgresRepository) ReadPendingAudit(ctx context.Context) (PendingAudit, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return PendingAudit{}, fmt.Errorf("begin audit snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	snap := pgReader{q: tx}
	pending, err := snap.ListPendingBalances(ctx)
	if err != nil {
		return PendingAudit{}, fmt.Errorf("read pending balances: %w", err)
	}
	escrowed, err := snap.SumEscrowedByRecipient(ctx)
	if err != nil {
		return PendingAudit{}, fmt.Errorf("sum escrowed payments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return PendingAudit{}, fmt.Errorf("close audit snapshot: %w", err)
	}
	return PendingAudit{PendingBalances: pending, EscrowedByRecipient: escrowed}, nil
}

// ClaimOutboxEvents marks a batch of unpublished events as processing and returns them.
// Events stuck in processing longer than staleAfter are reclaimed.
func (r *PostgresRepository) ClaimOutboxEvents(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	staleAfterSeconds := int(staleAfter.Seconds())
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM events
			WHERE (
				(publish_status = 'pending' AND next_attempt_at <= NOW())
				OR (publish_status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY sequence
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE events AS e
		SET publish_status = 'processing',
			processing_started_at = NOW(),
			attempts = e.attempts + 1
		FROM candidates
		WHERE e.id = candidates.id
		RETURNING e.id, e.sequence, e.kind, COALESCE(e.payment_id, ''), COALESCE(e.message_id, ''),
			COALESCE(e.actor, ''), e.attributes, e.occurred_at, e.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.OutboxEvent, 0, limit)
	for rows.Next() {
		var (
			item       domain.OutboxEvent
			kind       string
			attributes []byte
		)
		if err := rows.Scan(&item.ID, &item.Sequence, &kind, &item.PaymentID, &item.MessageID,
			&item.Actor, &attributes, &item.OccurredAt, &item.Attempts); err != nil {
			return nil, err
		}
		item.Kind = domain.EventKind(kind)
		if err := decodeAttributes(attributes, &item.Event); err != nil {
			return nil, err
		}
		events = append(events, item)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE events
		SET publish_status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxEventNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id uuid.UUID, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE events
		SET publish_status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// pgReader implements Reader over either the pool or an open transaction.
type pgReader struct {
	q querier
}

func (r pgReader) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (r pgReader) ListPartyPaymentIDs(ctx context.Context, party string) ([]string, error) {
	rows, err := r.q.Query(ctx, `SELECT payment_id FROM party_payments WHERE party = $1 ORDER BY position`, party)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r pgReader) GetPendingBalance(ctx context.Context, party string) (int64, error) {
	var amount int64
	err := r.q.QueryRow(ctx, `SELECT amount FROM pending_balances WHERE party = $1`, party).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return amount, err
}

func (r pgReader) GetEscrowLiability(ctx context.Context, asset string) (int64, error) {
	var amount int64
	err := r.q.QueryRow(ctx, `SELECT amount FROM escrow_liabilities WHERE asset = $1`, asset).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return amount, err
}

func (r pgReader) IsDestinationAllowed(ctx context.Context, selector string) (bool, error) {
	return r.flag(ctx, `SELECT allowed FROM allowed_destinations WHERE selector = $1`, selector)
}

func (r pgReader) IsTrustedOrigin(ctx context.Context, sender string) (bool, error) {
	return r.flag(ctx, `SELECT trusted FROM trusted_origins WHERE sender = $1`, sender)
}

func (r pgReader) IsMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	return r.flag(ctx, `SELECT TRUE FROM processed_messages WHERE message_id = $1`, messageID)
}

func (r pgReader) IsDelegate(ctx context.Context, principal, actor string) (bool, error) {
	return r.flag(ctx, `SELECT TRUE FROM delegates WHERE principal = $1 AND actor = $2`, principal, actor)
}

func (r pgReader) flag(ctx context.Context, query string, args ...any) (bool, error) {
	var value bool
	err := r.q.QueryRow(ctx, query, args...).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return value, err
}

func (r pgReader) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE sequence > $1`
	args := []any{filter.AfterSequence}
	if filter.PaymentID != "" {
		args = append(args, filter.PaymentID)
		query += fmt.Sprintf(" AND payment_id = $%d", len(args))
	}
	if filter.MessageID != "" {
		args = append(args, filter.MessageID)
		query += fmt.Sprintf(" AND message_id = $%d", len(args))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY sequence LIMIT $%d", len(args))

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		var (
			event      domain.Event
			kind       string
			attributes []byte
		)
		if err := rows.Scan(&event.ID, &event.Sequence, &kind, &event.PaymentID, &event.MessageID,
			&event.Actor, &attributes, &event.OccurredAt); err != nil {
			return nil, err
		}
		event.Kind = domain.EventKind(kind)
		if err := decodeAttributes(attributes, &event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r pgReader) GetStats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(amount), 0)::BIGINT FROM payments`).
		Scan(&stats.TotalPayments, &stats.TotalVolume); err != nil {
		return stats, fmt.Errorf("payment totals: %w", err)
	}
	if err := r.q.QueryRow(ctx, `SELECT COUNT(DISTINCT party) FROM party_payments`).
		Scan(&stats.TotalParties); err != nil {
		return stats, fmt.Errorf("party totals: %w", err)
	}
	if err := r.q.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind = $1),
			COUNT(*) FILTER (WHERE kind = $2)
		FROM events
	`, string(domain.EventCrossLedgerSent), string(domain.EventCrossLedgerReceived)).
		Scan(&stats.CrossLedgerSent, &stats.CrossLedgerReceived); err != nil {
		return stats, fmt.Errorf("cross-ledger totals: %w", err)
	}
	return stats, nil
}

func (r pgReader) ListPendingBalances(ctx context.Context) (map[string]int64, error) {
	return r.sums(ctx, `SELECT party, amount FROM pending_balances WHERE amount <> 0`)
}

func (r pgReader) SumEscrowedByRecipient(ctx context.Context) (map[string]int64, error) {
	return r.sums(ctx, `
		SELECT recipient, SUM(amount)::BIGINT
		FROM payments
		WHERE status IN ('pending', 'disputed')
		GROUP BY recipient
	`)
}

func (r pgReader) sums(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			party  string
			amount int64
		)
		if err := rows.Scan(&party, &amount); err != nil {
			return nil, err
		}
		out[party] = amount
	}
	return out, rows.Err()
}

// postgresTx implements Tx on an open pgx transaction.
type postgresTx struct {
	pgReader
	tx pgx.Tx
}

func (t *postgresTx) LockPayment(ctx context.Context, id string) (*domain.Payment, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	return scanPayment(row)
}

func (t *postgresTx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, p.ID, int64(p.Sequence), p.Sender, p.Recipient, p.Amount, p.Asset, string(p.Status), string(p.ProofType),
		p.ProofData, p.Description, p.RequiresProof, p.OriginMessageID, p.DisputeReason, p.CreatedAt, p.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrPaymentExists
		}
		return err
	}
	return nil
}

func (t *postgresTx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = $2,
			proof_data = $3,
			dispute_reason = $4,
			completed_at = $5
		WHERE id = $1
	`, p.ID, string(p.Status), p.ProofData, p.DisputeReason, p.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *postgresTx) AppendPartyPayment(ctx context.Context, party, paymentID string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO party_payments (party, payment_id)
		VALUES ($1, $2)
		ON CONFLICT (party, payment_id) DO NOTHING
	`, party, paymentID)
	return err
}

func (t *postgresTx) AdjustPendingBalance(ctx context.Context, party string, delta int64) (int64, error) {
	var current int64
	err := t.tx.QueryRow(ctx, `SELECT amount FROM pending_balances WHERE party = $1 FOR UPDATE`, party).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	next, err := checkedAdd(current, delta, ErrNegativePendingBalance)
	if err != nil {
		return 0, fmt.Errorf("%w: party=%s current=%d delta=%d", err, party, current, delta)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO pending_balances (party, amount, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (party) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()
	`, party, next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (t *postgresTx) AdjustEscrowLiability(ctx context.Context, asset string, delta int64) (int64, error) {
	var current int64
	err := t.tx.QueryRow(ctx, `SELECT amount FROM escrow_liabilities WHERE asset = $1 FOR UPDATE`, asset).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	next, err := checkedAdd(current, delta, ErrNegativeEscrowLiability)
	if err != nil {
		return 0, fmt.Errorf("%w: asset=%q current=%d delta=%d", err, asset, current, delta)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO escrow_liabilities (asset, amount, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (asset) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()
	`, asset, next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (t *postgresTx) NextSequence(ctx context.Context) (uint64, error) {
	var next int64
	if err := t.tx.QueryRow(ctx, `SELECT nextval('payment_sequence')`).Scan(&next); err != nil {
		return 0, err
	}
	return uint64(next), nil
}

func (t *postgresTx) AppendEvent(ctx context.Context, event *domain.Event) error {
	attributes, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("marshal event attributes: %w", err)
	}
	if event.Attributes == nil {
		attributes = []byte("{}")
	}
	return t.tx.QueryRow(ctx, `
		INSERT INTO events (id, kind, payment_id, message_id, actor, attributes, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6::jsonb, $7)
		RETURNING sequence
	`, event.ID, string(event.Kind), event.PaymentID, event.MessageID, event.Actor, string(attributes), event.OccurredAt).
		Scan(&event.Sequence)
}

func (t *postgresTx) SetDestinationAllowed(ctx context.Context, selector string, allowed bool) (bool, error) {
	previous, err := t.flag(ctx, `SELECT allowed FROM allowed_destinations WHERE selector = $1 FOR UPDATE`, selector)
	if err != nil {
		return false, err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO allowed_destinations (selector, allowed, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (selector) DO UPDATE SET allowed = EXCLUDED.allowed, updated_at = NOW()
	`, selector, allowed)
	return previous, err
}

func (t *postgresTx) SetTrustedOrigin(ctx context.Context, sender string, trusted bool) (bool, error) {
	previous, err := t.flag(ctx, `SELECT trusted FROM trusted_origins WHERE sender = $1 FOR UPDATE`, sender)
	if err != nil {
		return false, err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO trusted_origins (sender, trusted, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (sender) DO UPDATE SET trusted = EXCLUDED.trusted, updated_at = NOW()
	`, sender, trusted)
	return previous, err
}

func (t *postgresTx) SetDelegate(ctx context.Context, principal, actor string, enabled bool) (bool, error) {
	previous, err := t.flag(ctx, `SELECT TRUE FROM delegates WHERE principal = $1 AND actor = $2 FOR UPDATE`, principal, actor)
	if err != nil {
		return false, err
	}
	if enabled {
		_, err = t.tx.Exec(ctx, `
			INSERT INTO delegates (principal, actor)
			VALUES ($1, $2)
			ON CONFLICT (principal, actor) DO NOTHING
		`, principal, actor)
	} else {
		_, err = t.tx.Exec(ctx, `DELETE FROM delegates WHERE principal = $1 AND actor = $2`, principal, actor)
	}
	return previous, err
}

func (t *postgresTx) MarkMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO processed_messages (message_id)
		VALUES ($1)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p         domain.Payment
		sequence  int64
		status    string
		proofType string
	)
	err := row.Scan(&p.ID, &sequence, &p.Sender, &p.Recipient, &p.Amount, &p.Asset, &status, &proofType,
		&p.ProofData, &p.Description, &p.RequiresProof, &p.OriginMessageID, &p.DisputeReason, &p.CreatedAt, &p.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	p.Sequence = uint64(sequence)
	p.Status = domain.PaymentStatus(status)
	p.ProofType = domain.ProofType(proofType)
	return &p, nil
}

func decodeAttributes(raw []byte, event *domain.Event) error {
	if len(raw) == 0 {
		return nil
	}
	var attributes map[string]string
	if err := json.Unmarshal(raw, &attributes); err != nil {
		return fmt.Errorf("decode event attributes: %w", err)
	}
	if len(attributes) > 0 {
		event.Attributes = attributes
	}
	return nil
}
