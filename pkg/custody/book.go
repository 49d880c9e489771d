/**
 * @description
 * This package provides an in-process asset book. It holds per-party balances
 * for every asset and moves funds between parties and the engine's custody
 * account. Each transfer either fully applies or leaves balances untouched.
 *
 * A receive hook can be installed to model receivers that run their own logic
 * when credited (token callbacks, contract receivers). The hook runs after the
 * credit, outside the book's lock; a hook error reverts the transfer.
 */
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("transfer amount must be positive")
	// ErrRevertFailed means a rejected transfer could not be undone because the
	// receiver no longer holds the funds. The credit stands.
	ErrRevertFailed = errors.New("transfer revert failed")
)

// Transfer describes a completed movement of funds.
type Transfer struct {
	From   string
	To     string
	Asset  string
	Amount int64
}

// ReceiveHook is invoked after funds are credited to a receiver.
type ReceiveHook func(ctx context.Context, transfer Transfer) error

// Book is a thread-safe in-memory balance sheet.
type Book struct {
	mu       sync.Mutex
	account  string
	balances map[string]map[string]int64
	hook     ReceiveHook
}

// NewBook creates a book whose custody account is named account.
func NewBook(account string) *Book {
	return &Book{
		account:  account,
		balances: make(map[string]map[string]int64),
	}
}

// Account returns the custody account name.
func (b *Book) Account() string {
	return b.account
}

// SetReceiveHook installs the hook run after outbound credits.
func (b *Book) SetReceiveHook(hook ReceiveHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

// Deposit mints funds for party. Used for seeding local environments.
func (b *Book) Deposit(party, asset string, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(party, asset, amount)
}

// BalanceOf returns the balance party holds in asset.
func (b *Book) BalanceOf(party, asset string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[party][asset]
}

// TransferIn moves funds from a party into custody.
func (b *Book) TransferIn(ctx context.Context, from, asset string, amount int64) error {
	return b.move(ctx, from, b.account, asset, amount, false)
}

// TransferOut releases funds from custody to a party and runs the receive hook.
func (b *Book) TransferOut(ctx context.Context, to, asset string, amount int64) error {
	return b.move(ctx, b.account, to, asset, amount, true)
}

// CustodyBalance returns the custody account's balance in asset.
func (b *Book) CustodyBalance(ctx context.Context, asset string) (int64, error) {
	return b.BalanceOf(b.account, asset), nil
}

func (b *Book) move(ctx context.Context, from, to, asset string, amount int64, notify bool) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	if b.balances[from][asset] < amount {
		have := b.balances[from][asset]
		b.mu.Unlock()
		return fmt.Errorf("%w: %s holds %d of %q, needs %d", ErrInsufficientFunds, from, have, asset, amount)
	}
	b.balances[from][asset] -= amount
	b.credit(to, asset, amount)
	hook := b.hook
	b.mu.Unlock()

	if !notify || hook == nil {
		return nil
	}

	transfer := Transfer{From: from, To: to, Asset: asset, Amount: amount}
	if err := hook(ctx, transfer); err != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		if held := b.balances[to][asset]; held < amount {
			return fmt.Errorf("%w: %s holds %d of %q, needs %d: %w", ErrRevertFailed, to, held, asset, amount, err)
		}
		b.balances[to][asset] -= amount
		b.credit(from, asset, amount)
		return fmt.Errorf("receiver rejected transfer: %w", err)
	}
	return nil
}

func (b *Book) credit(party, asset string, amount int64) {
	assets, ok := b.balances[party]
	if !ok {
		assets = make(map[string]int64)
		b.balances[party] = assets
	}
	assets[asset] += amount
}
