/**
 * @description
 * This file defines the data access contract for the settlement-service. The engine
 * performs every state-mutating operation inside a unit of work obtained from
 * Store.WithinTx; all writes made through the Tx are discarded when the callback
 * returns an error.
 *
 * @dependencies
 * - internal/domain: Core domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/proofpay/settlement-service/internal/domain"
)

var (
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrPaymentExists           = errors.New("payment already exists")
	ErrNegativePendingBalance  = errors.New("pending balance cannot go negative")
	ErrPendingBalanceOverflow  = errors.New("pending balance overflow")
	ErrNegativeEscrowLiability = errors.New("escrow liability cannot go negative")
	ErrOutboxEventNotFound     = errors.New("outbox event not found")
)

// Reader exposes the read-only queries shared by the store and its transactions.
type Reader interface {
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	ListPartyPaymentIDs(ctx context.Context, party string) ([]string, error)
	GetPendingBalance(ctx context.Context, party string) (int64, error)
	IsDestinationAllowed(ctx context.Context, selector string) (bool, error)
	IsTrustedOrigin(ctx context.Context, sender string) (bool, error)
	IsMessageProcessed(ctx context.Context, messageID string) (bool, error)
	IsDelegate(ctx context.Context, principal, actor string) (bool, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
	GetStats(ctx context.Context) (domain.Stats, error)

	// GetEscrowLiability is the amount of asset custody owes to open payments
	// and outbound messages. Only custody above it is free to spend.
	GetEscrowLiability(ctx context.Context, asset string) (int64, error)

	ListPendingBalances(ctx context.Context) (map[string]int64, error)
	SumEscrowedByRecipient(ctx context.Context) (map[string]int64, error)
}

// PendingAudit holds both sides of the pending balance invariant, read from
// one snapshot.
type PendingAudit struct {
	PendingBalances     map[string]int64
	EscrowedByRecipient map[string]int64
}

// Tx is a single unit of work.
type Tx interface {
	Reader

	// LockPayment loads a payment and holds it for the rest of the unit of work.
	LockPayment(ctx context.Context, id string) (*domain.Payment, error)
	InsertPayment(ctx context.Context, payment *domain.Payment) error
	UpdatePayment(ctx context.Context, payment *domain.Payment) error
	AppendPartyPayment(ctx context.Context, party, paymentID string) error
	// AdjustPendingBalance applies delta and returns the new balance.
	AdjustPendingBalance(ctx context.Context, party string, delta int64) (int64, error)
	AdjustEscrowLiability(ctx context.Context, asset string, delta int64) (int64, error)
	NextSequence(ctx context.Context) (uint64, error)
	// AppendEvent stores the record and assigns its Sequence.
	AppendEvent(ctx context.Context, event *domain.Event) error

	// The setters below return the previous value.
	SetDestinationAllowed(ctx context.Context, selector string, allowed bool) (bool, error)
	SetTrustedOrigin(ctx context.Context, sender string, trusted bool) (bool, error)
	SetDelegate(ctx context.Context, principal, actor string, enabled bool) (bool, error)

	// MarkMessageProcessed records the id and reports whether it was newly inserted.
	MarkMessageProcessed(ctx context.Context, messageID string) (bool, error)
}

// Store is the top-level persistence handle.
type Store interface {
	Reader

	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ReadPendingAudit reads pending balances and escrowed sums consistently.
	ReadPendingAudit(ctx context.Context) (PendingAudit, error)

	// Outbox relay of emitted records.
	ClaimOutboxEvents(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id uuid.UUID) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, retryAfterSeconds int, reason string) error
}

func checkedAdd(current, delta int64, negative error) (int64, error) {
	next := current + delta
	if delta > 0 && next < current {
		return 0, ErrPendingBalanceOverflow
	}
	if next < 0 {
		return 0, negative
	}
	return next, nil
}
