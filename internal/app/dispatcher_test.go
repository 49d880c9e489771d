package app

import (
	"context"
	"errors"
	"testing"

	"github.com/proofpay/settlement-service/internal/domain"
	"github.com/proofpay/settlement-service/pkg/crossledger"
	"github.com/proofpay/settlement-service/pkg/feeoracle"
	"github.com/proofpay/settlement-service/pkg/rabbitmq"
)

func allowRemoteLedger(t *testing.T, e *testEngine) {
	t.Helper()
	ctx := context.Background()
	if err := e.svc.SetAllowedDestination(ctx, "owner", "ledger-b", true); err != nil {
		t.Fatalf("SetAllowedDestination returned error: %v", err)
	}
	if err := e.svc.SetTrustedOrigin(ctx, "owner", "engine-b", true); err != nil {
		t.Fatalf("SetTrustedOrigin returned error: %v", err)
	}
}

func encodePayload(t *testing.T, recipient string, amount int64) []byte {
	t.Helper()
	payload, err := domain.SettlementPayload{Sender: "remote-alice", Recipient: recipient, Amount: amount, Description: "remote invoice"}.Encode()
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	return payload
}

func TestSendCrossLedgerPayment_EscrowsPaysFeeAndDispatches(t *testing.T) {
	e := newTestEngine(t)
	allowRemoteLedger(t, e)
	e.book.Deposit(custodyAccount, domain.NativeAsset, 50)
	e.transport.fee = 10

	result, err := e.svc.SendCrossLedgerPayment(context.Background(), "alice", domain.SendCrossLedgerRequest{
		Destination: "ledger-b",
		Recipient:   "remote-bob",
		Amount:      100,
		Description: "cross-ledger invoice",
	})
	if err != nil {
		t.Fatalf("SendCrossLedgerPayment returned error: %v", err)
	}

	if result.MessageID != "msg-1" || result.Fee != 10 {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := e.balance("alice"); got != 900 {
		t.Fatalf("expected alice balance 900, got %d", got)
	}
	if got := e.balance("collector"); got != 10 {
		t.Fatalf("expected fee collector to receive 10, got %d", got)
	}
	if got := e.balance(custodyAccount); got != 140 {
		t.Fatalf("expected custody balance 140, got %d", got)
	}
	if got := e.liability(t); got != 100 {
		t.Fatalf("expected the sent amount to stay owed by custody, got %d", got)
	}
	if len(e.transport.dispatched) != 1 || e.transport.dispatched[0].destination != "ledger-b" {
		t.Fatalf("unexpected dispatches %+v", e.transport.dispatched)
	}
	payload, err := domain.DecodeSettlementPayload(e.transport.dispatched[0].payload)
	if err != nil {
		t.Fatalf("dispatched payload did not decode: %v", err)
	}
	if payload.Sender != "alice" || payload.Recipient != "remote-bob" || payload.Amount != 100 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	sent := e.events(t, domain.EventCrossLedgerSent)
	if len(sent) != 1 || sent[0].MessageID != "msg-1" || sent[0].Attributes["fee"] != "10" {
		t.Fatalf("unexpected sent records %+v", sent)
	}
}

func TestSendCrossLedgerPayment_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(e *testEngine)
		req     domain.SendCrossLedgerRequest
		want    error
	}{
		{
			name: "destination not allowlisted",
			req:  domain.SendCrossLedgerRequest{Destination: "ledger-z", Recipient: "remote-bob", Amount: 10},
			want: ErrUntrustedOrigin,
		},
		{
			name: "missing recipient",
			req:  domain.SendCrossLedgerRequest{Destination: "ledger-b", Amount: 10},
			want: ErrInvalidArgument,
		},
		{
			name: "zero amount",
			req:  domain.SendCrossLedgerRequest{Destination: "ledger-b", Recipient: "remote-bob"},
			want: ErrInvalidArgument,
		},
		{
			name:    "fee balance too low",
			prepare: func(e *testEngine) { e.transport.fee = 10 },
			req:     domain.SendCrossLedgerRequest{Destination: "ledger-b", Recipient: "remote-bob", Amount: 10},
			want:    ErrInsufficientFunds,
		},
		{
			name: "sender cannot fund escrow",
			req:  domain.SendCrossLedgerRequest{Destination: "ledger-b", Recipient: "remote-bob", Amount: 5000},
			want: ErrInsufficientFunds,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t)
			allowRemoteLedger(t, e)
			if tc.prepare != nil {
				tc.prepare(e)
			}

			if _, err := e.svc.SendCrossLedgerPayment(context.Background(), "alice", tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := e.balance("alice"); got != 1000 {
				t.Fatalf("expected alice balance untouched, got %d", got)
			}
			if len(e.transport.dispatched) != 0 {
				t.Fatal("expected nothing to be dispatched")
			}
		})
	}
}

func TestSendCrossLedgerPayment_DispatchFailureReversesTransfers(t *testing.T) {
	e := newTestEngine(t)
	allowRemoteLedger(t, e)
	e.book.Deposit(custodyAccount, domain.NativeAsset, 50)
	e.transport.fee = 10
	e.transport.dispatchErr = errors.New("broker unavailable")

	_, err := e.svc.SendCrossLedgerPayment(context.Background(), "alice", domain.SendCrossLedgerRequest{
		Destination: "ledger-b",
		Recipient:   "remote-bob",
		Amount:      100,
	})
	if err == nil {
		t.Fatal("expected dispatch failure")
	}

	if got := e.balance("alice"); got != 1000 {
		t.Fatalf("expected escrow to be returned to alice, got %d", got)
	}
	if got := e.balance("collector"); got != 0 {
		t.Fatalf("expected fee to be reclaimed, got %d", got)
	}
	if got := e.balance(custodyAccount); got != 50 {
		t.Fatalf("expected custody balance 50, got %d", got)
	}
	if got := e.liability(t); got != 0 {
		t.Fatalf("expected no escrow liability after rollback, got %d", got)
	}
	if len(e.events(t, domain.EventCrossLedgerSent)) != 0 {
		t.Fatal("expected no sent record")
	}
}

func TestSendCrossLedgerPayment_FeeCannotSpendOtherEscrow(t *testing.T) {
	e := newTestEngine(t)
	allowRemoteLedger(t, e)
	ctx := context.Background()
	first := e.create(t, "alice", "bob", 100, false)
	second := e.create(t, "alice", "carol", 50, false)
	e.transport.fee = 60
	req := domain.SendCrossLedgerRequest{Destination: "ledger-b", Recipient: "remote-dave", Amount: 50}

	// Custody holds 150, all of it owed to the two open payments.
	if _, err := e.svc.SendCrossLedgerPayment(ctx, "bob", req); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds while custody only backs escrow, got %v", err)
	}
	if got := e.balance("collector"); got != 0 {
		t.Fatalf("expected no fee to be paid, got %d", got)
	}
	if got := e.balance("bob"); got != 1000 {
		t.Fatalf("expected bob balance untouched, got %d", got)
	}

	e.book.Deposit(custodyAccount, domain.NativeAsset, 60)
	if _, err := e.svc.SendCrossLedgerPayment(ctx, "bob", req); err != nil {
		t.Fatalf("SendCrossLedgerPayment returned error: %v", err)
	}
	if got := e.liability(t); got != 200 {
		t.Fatalf("expected custody to owe 200, got %d", got)
	}

	if _, err := e.svc.CompletePayment(ctx, "alice", first.ID); err != nil {
		t.Fatalf("expected earlier payment to complete after the send, got %v", err)
	}
	if _, err := e.svc.CancelPayment(ctx, "alice", second.ID); err != nil {
		t.Fatalf("expected earlier payment to cancel after the send, got %v", err)
	}

	if got := e.balance("alice"); got != 900 {
		t.Fatalf("expected alice balance 900, got %d", got)
	}
	if got := e.balance("bob"); got != 1050 {
		t.Fatalf("expected bob balance 1050, got %d", got)
	}
	if got := e.balance("collector"); got != 60 {
		t.Fatalf("expected collector balance 60, got %d", got)
	}
	if got, owed := e.balance(custodyAccount), e.liability(t); got != 50 || owed != 50 {
		t.Fatalf("expected custody to hold exactly the sent 50, got balance=%d owed=%d", got, owed)
	}
	assertPendingInvariant(t, e.repo)
}

func TestReceiveCrossLedgerMessage_CreditCannotSpendOtherEscrow(t *testing.T) {
	e := newTestEngine(t)
	allowRemoteLedger(t, e)
	ctx := context.Background()
	payment := e.create(t, "alice", "bob", 100, false)
	payload := encodePayload(t, "carol", 100)

	if _, err := e.svc.ReceiveCrossLedgerMessage(ctx, "remote-msg-2", "ledger-b", "engine-b", payload); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds while custody only backs escrow, got %v", err)
	}
	if got := e.balance("carol"); got != 0 {
		t.Fatalf("expected carol not to be credited, got %d", got)
	}
	if _, err := e.svc.CancelPayment(ctx, "alice", payment.ID); err != nil {
		t.Fatalf("expected pending payment to cancel after the rejected credit, got %v", err)
	}
	if got := e.balance("alice"); got != 1000 {
		t.Fatalf("expected alice to be refunded in full, got %d", got)
	}

	// Once custody is funded the same message settles; the rejection left no marker.
	e.book.Deposit(custodyAccount, domain.NativeAsset, 100)
	if _, err := e.svc.ReceiveCrossLedgerMessage(ctx, "remote-msg-2", "ledger-b", "engine-b", payload); err != nil {
		t.Fatalf("ReceiveCrossLedgerMessage returned error: %v", err)
	}
	if got := e.balance("carol"); got != 100 {
		t.Fatalf("expected carol balance 100, got %d", got)
	}
	if got := e.liability(t); got != 0 {
		t.Fatalf("expected no escrow liability, got %d", got)
	}
}

func TestReceiveCrossLedgerMessage_CreditLeavesEscrowCompletable(t *testing.T) {
	e := newTestEngine(t)
	allowRemoteLedger(t, e)
	ctx := context.Background()
	payment := e.create(t, "alice", "bob", 100, false)
	e.book.Deposit(custodyAccount, domain.NativeAsset, 70)

	if _, err := e.svc.ReceiveCrossLedgerMessage(ctx, "remote-msg-3", "ledger-b", "engine-b", encodePayload(t, "carol", 70)); err != nil {
		t.Fatalf("ReceiveCrossLedgerMessage returned error: %v", err)
	}
	if _, err := e.svc.CompletePayment(ctx, "bob", payment.ID); err != nil {
		t.Fatalf("expected pending payment to complete after the credit, got %v", err)
	}
	if got := e.balance("bob"); got != 1100 {
		t.Fatalf("expected bob balance 1100, got %d", got)
	}
	if got := e.balance(custodyAccount); got != 0 {
		t.Fatalf("expected custody to be drained exactly, got %d", got)
	}
}

func TestSendCrossLedgerPayment_UnavailableBrokerAbortsSend(t *testing.T) {
	e := newTestEngine(t)
	allowRemoteLedger(t, e)
	transport := crossledger.NewTransport(feeoracle.NewLinearQuoter(0, 0), crossledger.NewRabbitPublisher(&rabbitmq.EventProducerFallback{}, "proofpay.crossledger"), "ledger-a", "engine-a")
	svc := NewService(e.repo, e.book, nil, transport, Config{OwnerID: "owner"})

	_, err := svc.SendCrossLedgerPayment(context.Background(), "alice", domain.SendCrossLedgerRequest{Destination: "ledger-b", Recipient: "remote-bob", Amount: 100})
	if !errors.Is(err, rabbitmq.ErrPublisherUnavailable) {
		t.Fatalf("expected ErrPublisherUnavailable, got %v", err)
	}
	if got := e.balance("alice"); got != 1000 {
		t.Fatalf("expected escrow to be returned to alice, got %d", got)
	}
	if got := e.liability(t); got != 0 {
		t.Fatalf("expected nothing locked for an unsent message, got %d", got)
	}
	if len(e.events(t, domain.EventCrossLedgerSent)) != 0 {
		t.Fatal("expected no sent record")
	}
}

func TestReceiveCrossLedgerMessage_CreditsRecipientOnce(t *testing.T) {
	e := newTestEngine(t)
	allowRemoteLedger(t, e)
	e.book.Deposit(custodyAccount, domain.NativeAsset, 500)
	ctx := context.Background()
	payload := encodePayload(t, "bob", 70)

	payment, err := e.svc.ReceiveCrossLedgerMessage(ctx, "remote-msg-1", "ledger-b", "engine-b", payload)
	if err != nil {
		t.Fatalf("ReceiveCrossLedgerMessage returned error: %v", err)
	}
	if payment.Status != domain.PaymentStatusCompleted || payment.RequiresProof {
		t.Fatalf("expected settled payment without proof gating, got %+v", payment)
	}
	if payment.OriginMessageID == nil || *payment.OriginMessageID != "remote-msg-1" {
		t.Fatalf("expected origin message id, got %+v", payment.OriginMessageID)
	}
	if got := e.balance("bob"); got != 1070 {
		t.Fatalf("expected bob balance 1070, got %d", got)
	}
	if got := e.pending(t, "bob"); got != 0 {
		t.Fatalf("expected no pending balance for a settled credit, got %d", got)
	}

	if _, err := e.svc.ReceiveCrossLedgerMessage(ctx, "remote-msg-1", "ledger-b", "engine-b", payload); !errors.Is(err, ErrReplayedMessage) {
		t.Fatalf("expected ErrReplayedMessage, got %v", err)
	}
	if got := e.balance("bob"); got != 1070 {
		t.Fatalf("expected no additional credit on replay, got %d", got)
	}
	received := e.events(t, domain.EventCrossLedgerReceived)
	if len(received) != 1 || received[0].MessageID != "remote-msg-1" || received[0].PaymentID != payment.ID {
		t.Fatalf("unexpected received records %+v", received)
	}
	assertPendingInvariant(t, e.repo)
}

func TestReceiveCrossLedgerMessage_RejectionsLeaveNoMarker(t *testing.T) {
	cases := []struct {
		name     string
		selector string
		sender   string
		payload  func(t *testing.T) []byte
		want     error
	}{
		{
			name:     "origin ledger not allowlisted",
			selector: "ledger-z",
			sender:   "engine-b",
			payload:  func(t *testing.T) []byte { return encodePayload(t, "bob", 70) },
			want:     ErrUntrustedOrigin,
		},
		{
			name:     "origin sender not trusted",
			selector: "ledger-b",
			sender:   "impostor",
			payload:  func(t *testing.T) []byte { return encodePayload(t, "bob", 70) },
			want:     ErrUntrustedOrigin,
		},
		{
			name:     "undecodable payload",
			selector: "ledger-b",
			sender:   "engine-b",
			payload:  func(t *testing.T) []byte { return []byte("not json") },
			want:     ErrInvalidArgument,
		},
		{
			name:     "wrong payload version",
			selector: "ledger-b",
			sender:   "engine-b",
			payload: func(t *testing.T) []byte {
				return []byte(`{"version":"other-9","recipient":"bob","amount":70}`)
			},
			want: ErrInvalidArgument,
		},
		{
			name:     "custody cannot cover credit",
			selector: "ledger-b",
			sender:   "engine-b",
			payload:  func(t *testing.T) []byte { return encodePayload(t, "bob", 10_000) },
			want:     ErrInsufficientFunds,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t)
			allowRemoteLedger(t, e)
			e.book.Deposit(custodyAccount, domain.NativeAsset, 500)
			ctx := context.Background()

			if _, err := e.svc.ReceiveCrossLedgerMessage(ctx, "remote-msg-9", tc.selector, tc.sender, tc.payload(t)); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			processed, err := e.repo.IsMessageProcessed(ctx, "remote-msg-9")
			if err != nil {
				t.Fatalf("IsMessageProcessed returned error: %v", err)
			}
			if processed {
				t.Fatal("expected rejected message to leave no replay marker")
			}
			if got := e.balance("bob"); got != 1000 {
				t.Fatalf("expected bob balance unchanged, got %d", got)
			}
		})
	}
}

func TestAcknowledgeCrossLedgerMessage(t *testing.T) {
	e := newTestEngine(t)
	allowRemoteLedger(t, e)
	ctx := context.Background()

	if err := e.svc.AcknowledgeCrossLedgerMessage(ctx, "msg-1", domain.AckSuccess()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown message, got %v", err)
	}

	if _, err := e.svc.SendCrossLedgerPayment(ctx, "alice", domain.SendCrossLedgerRequest{Destination: "ledger-b", Recipient: "remote-bob", Amount: 10}); err != nil {
		t.Fatalf("SendCrossLedgerPayment returned error: %v", err)
	}
	if err := e.svc.AcknowledgeCrossLedgerMessage(ctx, "msg-1", domain.Ack{Error: "recipient rejected"}); err != nil {
		t.Fatalf("AcknowledgeCrossLedgerMessage returned error: %v", err)
	}
	if err := e.svc.AcknowledgeCrossLedgerMessage(ctx, "msg-1", domain.AckSuccess()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected duplicate ack to fail, got %v", err)
	}

	acks := e.events(t, domain.EventCrossLedgerAcknowledged)
	if len(acks) != 1 {
		t.Fatalf("expected one ack record, got %d", len(acks))
	}
	if acks[0].Attributes["success"] != "false" || acks[0].Attributes["error"] != "recipient rejected" || acks[0].Attributes["destination"] != "ledger-b" {
		t.Fatalf("unexpected ack attributes %+v", acks[0].Attributes)
	}
}
