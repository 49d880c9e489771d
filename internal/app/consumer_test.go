package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/proofpay/settlement-service/internal/domain"
	"github.com/proofpay/settlement-service/internal/store"
	"github.com/proofpay/settlement-service/pkg/crossledger"
)

type recordingAckPublisher struct {
	acks []crossledger.AckEnvelope
}

func (p *recordingAckPublisher) PublishAck(ctx context.Context, ack crossledger.AckEnvelope) error {
	p.acks = append(p.acks, ack)
	return nil
}

func envelopeBody(t *testing.T, envelope crossledger.Envelope) []byte {
	t.Helper()
	body, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestCrossLedgerConsumer_SettlesAndAcks(t *testing.T) {
	e := newTestEngine(t)
	allowRemoteLedger(t, e)
	e.book.Deposit(custodyAccount, domain.NativeAsset, 500)
	acks := &recordingAckPublisher{}
	consumer := NewCrossLedgerConsumer(e.svc, acks, "ledger-a")

	body := envelopeBody(t, crossledger.Envelope{
		MessageID:      "remote-msg-1",
		OriginSelector: "ledger-b",
		OriginSender:   "engine-b",
		Destination:    "ledger-a",
		Payload:        encodePayload(t, "bob", 70),
	})

	if !consumer.HandleMessage(body) {
		t.Fatal("expected message to be acknowledged")
	}
	if got := e.balance("bob"); got != 1070 {
		t.Fatalf("expected bob balance 1070, got %d", got)
	}
	if len(acks.acks) != 1 || acks.acks[0].OK != "success" || acks.acks[0].Origin != "ledger-b" || acks.acks[0].Destination != "ledger-a" {
		t.Fatalf("unexpected acks %+v", acks.acks)
	}

	// Redelivery of a settled message is acked as settled again, with no second credit.
	if !consumer.HandleMessage(body) {
		t.Fatal("expected redelivered message to be acknowledged")
	}
	if got := e.balance("bob"); got != 1070 {
		t.Fatalf("expected no second credit, got %d", got)
	}
	if len(acks.acks) != 2 || acks.acks[1].OK != "success" || acks.acks[1].Error != "" {
		t.Fatalf("expected redelivery to be answered with a success ack, got %+v", acks.acks)
	}
}

func TestCrossLedgerConsumer_RejectionIsAckedAsFailure(t *testing.T) {
	e := newTestEngine(t)
	acks := &recordingAckPublisher{}
	consumer := NewCrossLedgerConsumer(e.svc, acks, "ledger-a")

	body := envelopeBody(t, crossledger.Envelope{
		MessageID:      "remote-msg-7",
		OriginSelector: "ledger-b",
		OriginSender:   "engine-b",
		Destination:    "ledger-a",
		Payload:        encodePayload(t, "bob", 70),
	})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected rejected message not to be requeued")
	}
	if len(acks.acks) != 1 || acks.acks[0].OK == "success" || acks.acks[0].Error == "" {
		t.Fatalf("expected a failed ack for an untrusted origin, got %+v", acks.acks)
	}
}

func TestCrossLedgerConsumer_DropsMalformedAndMisrouted(t *testing.T) {
	e := newTestEngine(t)
	acks := &recordingAckPublisher{}
	consumer := NewCrossLedgerConsumer(e.svc, acks, "ledger-a")

	cases := map[string][]byte{
		"not json":      []byte("{"),
		"no message id": envelopeBody(t, crossledger.Envelope{OriginSelector: "ledger-b", Destination: "ledger-a"}),
		"other ledger":  envelopeBody(t, crossledger.Envelope{MessageID: "m", OriginSelector: "ledger-b", Destination: "ledger-c"}),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if !consumer.HandleMessage(body) {
				t.Fatal("expected message to be dropped, not requeued")
			}
		})
	}
	if len(acks.acks) != 0 {
		t.Fatalf("expected no acks, got %+v", acks.acks)
	}
}

type failingStore struct {
	store.Store
}

func (failingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return errors.New("connection refused")
}

func TestCrossLedgerConsumer_RequeuesOnInfrastructureFailure(t *testing.T) {
	e := newTestEngine(t)
	svc := NewService(failingStore{Store: e.repo}, e.book, nil, e.transport, Config{OwnerID: "owner"})
	acks := &recordingAckPublisher{}
	consumer := NewCrossLedgerConsumer(svc, acks, "ledger-a")

	body := envelopeBody(t, crossledger.Envelope{MessageID: "remote-msg-1", OriginSelector: "ledger-b", OriginSender: "engine-b", Destination: "ledger-a"})
	if consumer.HandleMessage(body) {
		t.Fatal("expected message to be requeued")
	}
	if len(acks.acks) != 0 {
		t.Fatal("expected no ack while the message is requeued")
	}
}

func TestAckConsumer_RecordsAndIgnoresUnknown(t *testing.T) {
	e := newTestEngine(t)
	allowRemoteLedger(t, e)
	consumer := NewAckConsumer(e.svc)

	if _, err := e.svc.SendCrossLedgerPayment(context.Background(), "alice", domain.SendCrossLedgerRequest{Destination: "ledger-b", Recipient: "remote-bob", Amount: 10}); err != nil {
		t.Fatalf("SendCrossLedgerPayment returned error: %v", err)
	}

	body, _ := json.Marshal(crossledger.AckEnvelope{MessageID: "msg-1", Origin: "ledger-a", Destination: "ledger-b", OK: "success"})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack to be consumed")
	}
	unknown, _ := json.Marshal(crossledger.AckEnvelope{MessageID: "msg-404", Origin: "ledger-a", OK: "success"})
	if !consumer.HandleMessage(unknown) {
		t.Fatal("expected unknown ack to be dropped")
	}

	acks := e.events(t, domain.EventCrossLedgerAcknowledged)
	if len(acks) != 1 || acks[0].Attributes["success"] != "true" {
		t.Fatalf("unexpected ack records %+v", acks)
	}
}
