package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/proofpay/settlement-service/internal/domain"
)

const (
	outboxPending    = "pending"
	outboxProcessing = "processing"
	outboxPublished  = "published"
)

// memoryEvent is shared between snapshots. The record itself is immutable;
// the relay fields are only touched under MemoryRepository.mu.
type memoryEvent struct {
	event               domain.Event
	status              string
	attempts            int
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	lastError           string
}

// memoryState is one snapshot of every table.
type memoryState struct {
	payments     map[string]*domain.Payment
	partyIndex   map[string][]string
	pending      map[string]int64
	liabilities  map[string]int64
	destinations map[string]bool
	origins      map[string]bool
	processed    map[string]struct{}
	delegates    map[string]map[string]struct{}
	events       []*memoryEvent
	sequence     uint64
	eventSeq     int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		payments:     make(map[string]*domain.Payment),
		partyIndex:   make(map[string][]string),
		pending:      make(map[string]int64),
		liabilities:  make(map[string]int64),
		destinations: make(map[string]bool),
		origins:      make(map[string]bool),
		processed:    make(map[string]struct{}),
		delegates:    make(map[string]map[string]struct{}),
	}
}

// clone copies every table. Payments and party index slices are replaced on
// write, never mutated, so copying the references is enough.
func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		payments:     make(map[string]*domain.Payment, len(s.payments)),
		partyIndex:   make(map[string][]string, len(s.partyIndex)),
		pending:      make(map[string]int64, len(s.pending)),
		liabilities:  make(map[string]int64, len(s.liabilities)),
		destinations: make(map[string]bool, len(s.destinations)),
		origins:      make(map[string]bool, len(s.origins)),
		processed:    make(map[string]struct{}, len(s.processed)),
		delegates:    make(map[string]map[string]struct{}, len(s.delegates)),
		events:       append([]*memoryEvent(nil), s.events...),
		sequence:     s.sequence,
		eventSeq:     s.eventSeq,
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	for k, v := range s.partyIndex {
		out.partyIndex[k] = v
	}
	for k, v := range s.pending {
		out.pending[k] = v
	}
	for k, v := range s.liabilities {
		out.liabilities[k] = v
	}
	for k, v := range s.destinations {
		out.destinations[k] = v
	}
	for k, v := range s.origins {
		out.origins[k] = v
	}
	for k := range s.processed {
		out.processed[k] = struct{}{}
	}
	for principal, actors := range s.delegates {
		copied := make(map[string]struct{}, len(actors))
		for actor := range actors {
			copied[actor] = struct{}{}
		}
		out.delegates[principal] = copied
	}
	return out
}

// MemoryRepository is an in-process Store used for local runs and tests.
//
// A unit of work stages its writes on a private copy of the tables and
// publishes the copy on commit, so readers only ever see committed state.
// Units of work are serialized.
type MemoryRepository struct {
	txMu sync.Mutex

	mu    sync.RWMutex
	state *memoryState

	now func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemoryState(), now: time.Now}
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	staged := r.state.clone()
	r.mu.RUnlock()

	tx := &memoryTx{memoryReader: memoryReader{state: staged}, now: r.now}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	r.mu.Lock()
	// Relay progress made on shared records while the unit of work ran is
	// already visible through the shared pointers.
	r.state = staged
	r.mu.Unlock()
	return nil
}

// snapshot returns a reader over the committed state at the time of the call.
func (r *MemoryRepository) snapshot() memoryReader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return memoryReader{state: r.state}
}

func (r *MemoryRepository) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return r.snapshot().GetPayment(ctx, id)
}

func (r *MemoryRepository) ListPartyPaymentIDs(ctx context.Context, party string) ([]string, error) {
	return r.snapshot().ListPartyPaymentIDs(ctx, party)
}

func (r *MemoryRepository) GetPendingBalance(ctx context.Context, party string) (int64, error) {
	return r.snapshot().GetPendingBalance(ctx, party)
}

func (r *MemoryRepository) GetEscrowLiability(ctx context.Context, asset string) (int64, error) {
	return r.snapshot().GetEscrowLiability(ctx, asset)
}

func (r *MemoryRepository) IsDestinationAllowed(ctx context.Context, selector string) (bool, error) {
	return r.snapshot().IsDestinationAllowed(ctx, selector)
}

func (r *MemoryRepository) IsTrustedOrigin(ctx context.Context, sender string) (bool, error) {
	return r.snapshot().IsTrustedOrigin(ctx, sender)
}

func (r *MemoryRepository) IsMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	return r.snapshot().IsMessageProcessed(ctx, messageID)
}

func (r *MemoryRepository) IsDelegate(ctx context.Context, principal, actor string) (bool, error) {
	return r.snapshot().IsDelegate(ctx, principal, actor)
}

func (r *MemoryRepository) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	return r.snapshot().ListEvents(ctx, filter)
}

func (r *MemoryRepository) GetStats(ctx context.Context) (domain.Stats, error) {
	return r.snapshot().GetStats(ctx)
}

func (r *MemoryRepository) ListPendingBalances(ctx context.Context) (map[string]int64, error) {
	return r.snapshot().ListPendingBalances(ctx)
}

func (r *MemoryRepository) SumEscrowedByRecipient(ctx context.Context) (map[string]int64, error) {
	return r.snapshot().SumEscrowedByRecipient(ctx)
}

// ReadPendingAudit reads both aggregates from the same committed snapshot.
func (r *MemoryRepository) ReadPendingAudit(ctx context.Context) (PendingAudit, error) {
	snap := r.snapshot()
	pending, err := snap.ListPendingBalances(ctx)
	if err != nil {
		return PendingAudit{}, err
	}
	escrowed, err := snap.SumEscrowedByRecipient(ctx)
	if err != nil {
		return PendingAudit{}, err
	}
	return PendingAudit{PendingBalances: pending, EscrowedByRecipient: escrowed}, nil
}

func (r *MemoryRepository) ClaimOutboxEvents(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	claimed := make([]domain.OutboxEvent, 0)
	for _, item := range r.state.events {
		if len(claimed) == limit {
			break
		}
		ready := item.status == outboxPending && !item.nextAttemptAt.After(now)
		stale := item.status == outboxProcessing && item.processingStartedAt.Before(now.Add(-staleAfter))
		if !ready && !stale {
			continue
		}
		item.status = outboxProcessing
		item.processingStartedAt = now
		item.attempts++
		claimed = append(claimed, domain.OutboxEvent{Event: cloneEvent(item.event), Attempts: item.attempts})
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.findEvent(id)
	if item == nil {
		return ErrOutboxEventNotFound
	}
	item.status = outboxPublished
	item.lastError = ""
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id uuid.UUID, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.findEvent(id)
	if item == nil {
		return ErrOutboxEventNotFound
	}
	item.status = outboxPending
	item.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
	item.lastError = reason
	return nil
}

func (r *MemoryRepository) findEvent(id uuid.UUID) *memoryEvent {
	for _, item := range r.state.events {
		if item.event.ID == id {
			return item
		}
	}
	return nil
}

// memoryReader answers queries against one snapshot. A published snapshot is
// never written again, so it can be read without holding mu.
type memoryReader struct {
	state *memoryState
}

func (m memoryReader) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	p, ok := m.state.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (m memoryReader) ListPartyPaymentIDs(ctx context.Context, party string) ([]string, error) {
	return append([]string{}, m.state.partyIndex[party]...), nil
}

func (m memoryReader) GetPendingBalance(ctx context.Context, party string) (int64, error) {
	return m.state.pending[party], nil
}

func (m memoryReader) GetEscrowLiability(ctx context.Context, asset string) (int64, error) {
	return m.state.liabilities[asset], nil
}

func (m memoryReader) IsDestinationAllowed(ctx context.Context, selector string) (bool, error) {
	return m.state.destinations[selector], nil
}

func (m memoryReader) IsTrustedOrigin(ctx context.Context, sender string) (bool, error) {
	return m.state.origins[sender], nil
}

func (m memoryReader) IsMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	_, ok := m.state.processed[messageID]
	return ok, nil
}

func (m memoryReader) IsDelegate(ctx context.Context, principal, actor string) (bool, error) {
	_, ok := m.state.delegates[principal][actor]
	return ok, nil
}

func (m memoryReader) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := make([]domain.Event, 0)
	for _, item := range m.state.events {
		if !filter.Matches(item.event) {
			continue
		}
		out = append(out, cloneEvent(item.event))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m memoryReader) GetStats(ctx context.Context) (domain.Stats, error) {
	stats := domain.Stats{
		TotalPayments: int64(len(m.state.payments)),
		TotalParties:  int64(len(m.state.partyIndex)),
	}
	for _, p := range m.state.payments {
		stats.TotalVolume += p.Amount
	}
	for _, item := range m.state.events {
		switch item.event.Kind {
		case domain.EventCrossLedgerSent:
			stats.CrossLedgerSent++
		case domain.EventCrossLedgerReceived:
			stats.CrossLedgerReceived++
		}
	}
	return stats, nil
}

func (m memoryReader) ListPendingBalances(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(m.state.pending))
	for party, amount := range m.state.pending {
		if amount != 0 {
			out[party] = amount
		}
	}
	return out, nil
}

func (m memoryReader) SumEscrowedByRecipient(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, p := range m.state.payments {
		if p.Status.Escrowed() {
			out[p.Recipient] += p.Amount
		}
	}
	return out, nil
}

// memoryTx writes to its private snapshot. Nothing is visible to other
// readers until WithinTx publishes it.
type memoryTx struct {
	memoryReader
	now func() time.Time
}

func (t *memoryTx) LockPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return t.GetPayment(ctx, id)
}

func (t *memoryTx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	if _, exists := t.state.payments[p.ID]; exists {
		return ErrPaymentExists
	}
	t.state.payments[p.ID] = p.Clone()
	return nil
}

func (t *memoryTx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	if _, ok := t.state.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	t.state.payments[p.ID] = p.Clone()
	return nil
}

func (t *memoryTx) AppendPartyPayment(ctx context.Context, party, paymentID string) error {
	ids := t.state.partyIndex[party]
	for _, id := range ids {
		if id == paymentID {
			return nil
		}
	}
	t.state.partyIndex[party] = append(append([]string{}, ids...), paymentID)
	return nil
}

func (t *memoryTx) AdjustPendingBalance(ctx context.Context, party string, delta int64) (int64, error) {
	next, err := checkedAdd(t.state.pending[party], delta, ErrNegativePendingBalance)
	if err != nil {
		return 0, err
	}
	t.state.pending[party] = next
	return next, nil
}

func (t *memoryTx) AdjustEscrowLiability(ctx context.Context, asset string, delta int64) (int64, error) {
	next, err := checkedAdd(t.state.liabilities[asset], delta, ErrNegativeEscrowLiability)
	if err != nil {
		return 0, err
	}
	t.state.liabilities[asset] = next
	return next, nil
}

func (t *memoryTx) NextSequence(ctx context.Context) (uint64, error) {
	t.state.sequence++
	return t.state.sequence, nil
}

func (t *memoryTx) AppendEvent(ctx context.Context, event *domain.Event) error {
	t.state.eventSeq++
	event.Sequence = t.state.eventSeq
	t.state.events = append(t.state.events, &memoryEvent{
		event:         cloneEvent(*event),
		status:        outboxPending,
		nextAttemptAt: t.now(),
	})
	return nil
}

func (t *memoryTx) SetDestinationAllowed(ctx context.Context, selector string, allowed bool) (bool, error) {
	previous := t.state.destinations[selector]
	t.state.destinations[selector] = allowed
	return previous, nil
}

func (t *memoryTx) SetTrustedOrigin(ctx context.Context, sender string, trusted bool) (bool, error) {
	previous := t.state.origins[sender]
	t.state.origins[sender] = trusted
	return previous, nil
}

func (t *memoryTx) SetDelegate(ctx context.Context, principal, actor string, enabled bool) (bool, error) {
	actors := t.state.delegates[principal]
	_, previous := actors[actor]
	if enabled {
		if actors == nil {
			actors = make(map[string]struct{})
			t.state.delegates[principal] = actors
		}
		actors[actor] = struct{}{}
	} else {
		delete(actors, actor)
	}
	return previous, nil
}

func (t *memoryTx) MarkMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	if _, ok := t.state.processed[messageID]; ok {
		return false, nil
	}
	t.state.processed[messageID] = struct{}{}
	return true, nil
}

func cloneEvent(e domain.Event) domain.Event {
	if e.Attributes != nil {
		attributes := make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			attributes[k] = v
		}
		e.Attributes = attributes
	}
	return e
}

// SortedParties returns map keys in a stable order.
func SortedParties(m map[string]int64) []string {
	parties := make([]string, 0, len(m))
	for party := range m {
		parties = append(parties, party)
	}
	sort.Strings(parties)
	return parties
}
