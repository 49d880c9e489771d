package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/proofpay/settlement-service/internal/domain"
	"github.com/proofpay/settlement-service/internal/store"
)

// compensation undoes one external transfer made by a unit of work.
type compensation struct {
	description string
	run         func(ctx context.Context) error
}

// unitOfWork carries one operation's store transaction and the transfers it
// has made. If the operation fails, the store rolls back and the recorded
// transfers are reversed newest first.
type unitOfWork struct {
	operation     string
	tx            store.Tx
	assets        AssetTransfer
	now           time.Time
	newEventID    func() uuid.UUID
	compensations []compensation
}

// pullFunds moves amount of asset from party into custody.
func (u *unitOfWork) pullFunds(ctx context.Context, from, asset string, amount int64) error {
	if err := u.assets.TransferIn(ctx, from, asset, amount); err != nil {
		return mapTransferError("escrow funds", err)
	}
	u.compensations = append(u.compensations, compensation{
		description: fmt.Sprintf("return %d of %q to %s", amount, asset, from),
		run: func(ctx context.Context) error {
			return u.assets.TransferOut(ctx, from, asset, amount)
		},
	})
	return nil
}

// releaseFunds moves amount of asset out of custody to party.
func (u *unitOfWork) releaseFunds(ctx context.Context, to, asset string, amount int64) error {
	if err := u.assets.TransferOut(ctx, to, asset, amount); err != nil {
		return mapTransferError("release funds", err)
	}
	u.compensations = append(u.compensations, compensation{
		description: fmt.Sprintf("reclaim %d of %q from %s", amount, asset, to),
		run: func(ctx context.Context) error {
			return u.assets.TransferIn(ctx, to, asset, amount)
		},
	})
	return nil
}

// lockEscrow adds amount to what custody owes for asset. A negative amount
// releases it.
func (u *unitOfWork) lockEscrow(ctx context.Context, asset string, amount int64) error {
	if _, err := u.tx.AdjustEscrowLiability(ctx, asset, amount); err != nil {
		return fmt.Errorf("adjust escrow liability: %w", err)
	}
	return nil
}

// spendFromCustody fails unless custody holds amount of asset beyond what it
// owes to escrowed payments and outbound messages.
func (u *unitOfWork) spendFromCustody(ctx context.Context, asset string, amount int64, purpose string) error {
	held, err := u.assets.CustodyBalance(ctx, asset)
	if err != nil {
		return fmt.Errorf("read custody balance: %w", err)
	}
	owed, err := u.tx.GetEscrowLiability(ctx, asset)
	if err != nil {
		return fmt.Errorf("read escrow liability: %w", err)
	}
	if free := held - owed; free < amount {
		return fmt.Errorf("%w: %s of %d exceeds free custody %d of %q (held %d, owed to escrow %d)", ErrInsufficientFunds, purpose, amount, free, asset, held, owed)
	}
	return nil
}

func (u *unitOfWork) emit(ctx context.Context, event domain.Event) (*domain.Event, error) {
	event.ID = u.newEventID()
	event.OccurredAt = u.now
	if err := u.tx.AppendEvent(ctx, &event); err != nil {
		return nil, fmt.Errorf("append %s record: %w", event.Kind, err)
	}
	return &event, nil
}

func (u *unitOfWork) compensate(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	for i := len(u.compensations) - 1; i >= 0; i-- {
		c := u.compensations[i]
		if err := c.run(ctx); err != nil {
			log.Printf("level=error component=engine msg=\"CRITICAL compensation failed; manual reconciliation required\" operation=%s action=%q cause=%q err=%v", u.operation, c.description, cause, err)
			continue
		}
		log.Printf("level=warn component=engine msg=\"transfer compensated\" operation=%s action=%q", u.operation, c.description)
	}
	u.compensations = nil
}
