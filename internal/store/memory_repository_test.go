package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/proofpay/settlement-service/internal/domain"
)

func TestMemoryRepository_RollbackDiscardsEveryWrite(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p := &domain.Payment{ID: "0xabc", Sender: "alice", Recipient: "bob", Amount: 10, Status: domain.PaymentStatusPending}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendPartyPayment(ctx, "alice", p.ID); err != nil {
			return err
		}
		if _, err := tx.AdjustPendingBalance(ctx, "bob", 10); err != nil {
			return err
		}
		if _, err := tx.SetDestinationAllowed(ctx, "ledger-b", true); err != nil {
			return err
		}
		if _, err := tx.MarkMessageProcessed(ctx, "msg-1"); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &domain.Event{ID: uuid.New(), Kind: domain.EventPaymentCreated, PaymentID: p.ID}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := repo.GetPayment(ctx, "0xabc"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected payment to be rolled back, got %v", err)
	}
	if ids, _ := repo.ListPartyPaymentIDs(ctx, "alice"); len(ids) != 0 {
		t.Fatalf("expected empty party index, got %v", ids)
	}
	if balance, _ := repo.GetPendingBalance(ctx, "bob"); balance != 0 {
		t.Fatalf("expected pending balance 0, got %d", balance)
	}
	if allowed, _ := repo.IsDestinationAllowed(ctx, "ledger-b"); allowed {
		t.Fatal("expected destination change to be rolled back")
	}
	if processed, _ := repo.IsMessageProcessed(ctx, "msg-1"); processed {
		t.Fatal("expected processed marker to be rolled back")
	}
	if events, _ := repo.ListEvents(ctx, domain.EventFilter{}); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestMemoryRepository_EventsVisibleOnlyAfterCommit(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.AppendEvent(ctx, &domain.Event{ID: uuid.New(), Kind: domain.EventPaymentCreated}); err != nil {
			return err
		}
		events, err := repo.ListEvents(ctx, domain.EventFilter{})
		if err != nil {
			return err
		}
		if len(events) != 0 {
			t.Fatalf("expected uncommitted event to be hidden, got %d", len(events))
		}
		claimed, err := repo.ClaimOutboxEvents(ctx, 10, time.Minute)
		if err != nil {
			return err
		}
		if len(claimed) != 0 {
			t.Fatalf("expected uncommitted event to be unclaimable, got %d", len(claimed))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}

	events, _ := repo.ListEvents(ctx, domain.EventFilter{})
	if len(events) != 1 || events[0].Sequence != 1 {
		t.Fatalf("expected one committed event with sequence 1, got %+v", events)
	}
}

func TestMemoryRepository_AdjustPendingBalanceRejectsNegative(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.AdjustPendingBalance(ctx, "bob", -1)
		return err
	})
	if !errors.Is(err, ErrNegativePendingBalance) {
		t.Fatalf("expected ErrNegativePendingBalance, got %v", err)
	}
}

func TestMemoryRepository_ReadersSeeOnlyCommittedWrites(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p := &domain.Payment{ID: "0xabc", Sender: "alice", Recipient: "bob", Amount: 10, Status: domain.PaymentStatusPending}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		if _, err := tx.AdjustPendingBalance(ctx, "bob", 10); err != nil {
			return err
		}
		if _, err := tx.AdjustEscrowLiability(ctx, domain.NativeAsset, 10); err != nil {
			return err
		}

		// The unit of work sees its own writes.
		if _, err := tx.GetPayment(ctx, "0xabc"); err != nil {
			t.Fatalf("expected staged payment inside the unit of work, got %v", err)
		}
		// Concurrent readers do not.
		if _, err := repo.GetPayment(ctx, "0xabc"); !errors.Is(err, ErrPaymentNotFound) {
			t.Fatalf("expected uncommitted payment to be invisible, got %v", err)
		}
		if balance, _ := repo.GetPendingBalance(ctx, "bob"); balance != 0 {
			t.Fatalf("expected uncommitted pending balance to be invisible, got %d", balance)
		}
		if owed, _ := repo.GetEscrowLiability(ctx, domain.NativeAsset); owed != 0 {
			t.Fatalf("expected uncommitted liability to be invisible, got %d", owed)
		}
		if stats, _ := repo.GetStats(ctx); stats.TotalPayments != 0 {
			t.Fatalf("expected uncommitted payment to be left out of stats, got %+v", stats)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}

	if _, err := repo.GetPayment(ctx, "0xabc"); err != nil {
		t.Fatalf("expected committed payment, got %v", err)
	}
	if balance, _ := repo.GetPendingBalance(ctx, "bob"); balance != 10 {
		t.Fatalf("expected committed pending balance 10, got %d", balance)
	}
	if owed, _ := repo.GetEscrowLiability(ctx, domain.NativeAsset); owed != 10 {
		t.Fatalf("expected committed liability 10, got %d", owed)
	}
}

func TestMemoryRepository_AdjustEscrowLiability(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.AdjustEscrowLiability(ctx, "usdc", 30); err != nil {
			return err
		}
		owed, err := tx.AdjustEscrowLiability(ctx, "usdc", -10)
		if err != nil {
			return err
		}
		if owed != 20 {
			t.Fatalf("expected liability 20, got %d", owed)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}

	err = repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.AdjustEscrowLiability(ctx, "usdc", -21)
		return err
	})
	if !errors.Is(err, ErrNegativeEscrowLiability) {
		t.Fatalf("expected ErrNegativeEscrowLiability, got %v", err)
	}
	if owed, _ := repo.GetEscrowLiability(ctx, "usdc"); owed != 20 {
		t.Fatalf("expected rejected release to leave liability at 20, got %d", owed)
	}
	if owed, _ := repo.GetEscrowLiability(ctx, domain.NativeAsset); owed != 0 {
		t.Fatalf("expected liabilities to be tracked per asset, got %d", owed)
	}
}

func TestMemoryRepository_ReadPendingAudit(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, p := range []*domain.Payment{
			{ID: "0x1", Sender: "alice", Recipient: "bob", Amount: 10, Status: domain.PaymentStatusPending},
			{ID: "0x2", Sender: "alice", Recipient: "bob", Amount: 5, Status: domain.PaymentStatusPending},
			{ID: "0x3", Sender: "alice", Recipient: "carol", Amount: 7, Status: domain.PaymentStatusCompleted},
		} {
			if err := tx.InsertPayment(ctx, p); err != nil {
				return err
			}
		}
		_, err := tx.AdjustPendingBalance(ctx, "bob", 15)
		return err
	})
	if err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}

	audit, err := repo.ReadPendingAudit(ctx)
	if err != nil {
		t.Fatalf("ReadPendingAudit returned error: %v", err)
	}
	if len(audit.PendingBalances) != 1 || audit.PendingBalances["bob"] != 15 {
		t.Fatalf("unexpected pending balances %v", audit.PendingBalances)
	}
	if len(audit.EscrowedByRecipient) != 1 || audit.EscrowedByRecipient["bob"] != 15 {
		t.Fatalf("unexpected escrowed sums %v", audit.EscrowedByRecipient)
	}
}

func TestMemoryRepository_MarkMessageProcessedOnce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var first, second bool
	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if first, err = tx.MarkMessageProcessed(ctx, "msg-1"); err != nil {
			return err
		}
		second, err = tx.MarkMessageProcessed(ctx, "msg-1")
		return err
	})
	if err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}
	if !first || second {
		t.Fatalf("expected first insert true and second false, got %t/%t", first, second)
	}
}

func TestMemoryRepository_OutboxLifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	id := uuid.New()
	if err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendEvent(ctx, &domain.Event{ID: id, Kind: domain.EventPaymentCompleted})
	}); err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}

	claimed, err := repo.ClaimOutboxEvents(ctx, 10, time.Minute)
	if err != nil || len(claimed) != 1 || claimed[0].Attempts != 1 {
		t.Fatalf("expected one claimed event on first attempt, got %+v err=%v", claimed, err)
	}
	if again, _ := repo.ClaimOutboxEvents(ctx, 10, time.Minute); len(again) != 0 {
		t.Fatalf("expected processing event not to be reclaimed before stale, got %d", len(again))
	}

	if err := repo.MarkOutboxFailed(ctx, id, 30, "broker down"); err != nil {
		t.Fatalf("MarkOutboxFailed returned error: %v", err)
	}
	if early, _ := repo.ClaimOutboxEvents(ctx, 10, time.Minute); len(early) != 0 {
		t.Fatal("expected retry to wait for next attempt time")
	}

	now = now.Add(31 * time.Second)
	retried, _ := repo.ClaimOutboxEvents(ctx, 10, time.Minute)
	if len(retried) != 1 || retried[0].Attempts != 2 {
		t.Fatalf("expected retry on second attempt, got %+v", retried)
	}
	if err := repo.MarkOutboxPublished(ctx, id); err != nil {
		t.Fatalf("MarkOutboxPublished returned error: %v", err)
	}

	now = now.Add(time.Hour)
	if done, _ := repo.ClaimOutboxEvents(ctx, 10, time.Minute); len(done) != 0 {
		t.Fatal("expected published event to stay published")
	}
	if err := repo.MarkOutboxPublished(ctx, uuid.New()); !errors.Is(err, ErrOutboxEventNotFound) {
		t.Fatalf("expected ErrOutboxEventNotFound, got %v", err)
	}
}
