package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies an emitted audit record.
type EventKind string

const (
	EventPaymentCreated          EventKind = "payment.created"
	EventProofSubmitted          EventKind = "payment.proof_submitted"
	EventPaymentCompleted        EventKind = "payment.completed"
	EventPaymentDisputed         EventKind = "payment.disputed"
	EventPaymentCancelled        EventKind = "payment.cancelled"
	EventCrossLedgerSent         EventKind = "crossledger.sent"
	EventCrossLedgerReceived     EventKind = "crossledger.received"
	EventCrossLedgerAcknowledged EventKind = "crossledger.acknowledged"
	EventDestinationChanged      EventKind = "admin.destination_changed"
	EventTrustedOriginChanged    EventKind = "admin.trusted_origin_changed"
	EventDelegateAdded           EventKind = "delegate.added"
	EventDelegateRemoved         EventKind = "delegate.removed"
)

// Event is an append-only audit record. Sequence is assigned by the store on insert.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Sequence   int64             `json:"sequence"`
	Kind       EventKind         `json:"kind"`
	PaymentID  string            `json:"payment_id,omitempty"`
	MessageID  string            `json:"message_id,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// RoutingKey is the broker routing key under which the event is relayed.
func (e Event) RoutingKey() string {
	return string(e.Kind)
}

// EventFilter narrows an event log query. Zero values match everything.
type EventFilter struct {
	PaymentID     string
	MessageID     string
	Kind          EventKind
	AfterSequence int64
	Limit         int
}

// Matches reports whether the event satisfies the filter, ignoring Limit.
func (f EventFilter) Matches(e Event) bool {
	if f.PaymentID != "" && e.PaymentID != f.PaymentID {
		return false
	}
	if f.MessageID != "" && e.MessageID != f.MessageID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return e.Sequence > f.AfterSequence
}

// OutboxEvent is an emitted record awaiting relay to the message broker.
type OutboxEvent struct {
	Event
	Attempts int `json:"attempts"`
}
