package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/proofpay/settlement-service/internal/store"
	"github.com/proofpay/settlement-service/pkg/assetclient"
	"github.com/proofpay/settlement-service/pkg/custody"
)

// Error kinds surfaced by every engine operation. Callers branch with errors.Is.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrReplayedMessage   = errors.New("replayed message")
	ErrUntrustedOrigin   = errors.New("untrusted origin")

	// ErrReentrantCall is returned when a protected operation is entered from
	// inside another one, typically from a transfer callback.
	ErrReentrantCall = fmt.Errorf("%w: reentrant call rejected", ErrInvalidState)
)

// ErrorKind names the taxonomy bucket of err for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant_call"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrReplayedMessage):
		return "replayed_message"
	case errors.Is(err, ErrUntrustedOrigin):
		return "untrusted_origin"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

// IsDomainError reports whether err is one of the engine's error kinds, as
// opposed to an infrastructure failure that may succeed on retry.
func IsDomainError(err error) bool {
	for _, kind := range []error{
		ErrInvalidArgument,
		ErrNotFound,
		ErrInvalidState,
		ErrUnauthorized,
		ErrInsufficientFunds,
		ErrReplayedMessage,
		ErrUntrustedOrigin,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func mapTransferError(op string, err error) error {
	if errors.Is(err, custody.ErrInsufficientFunds) || errors.Is(err, assetclient.ErrInsufficientFunds) {
		return fmt.Errorf("%w: %s: %v", ErrInsufficientFunds, op, err)
	}
	if errors.Is(err, custody.ErrInvalidAmount) {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgument, op, err)
	}
	if IsDomainError(err) {
		// A receiver callback surfaced an engine error (e.g. a rejected re-entry).
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrPaymentNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrNegativePendingBalance), errors.Is(err, store.ErrNegativeEscrowLiability), errors.Is(err, store.ErrPaymentExists):
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	case errors.Is(err, store.ErrPendingBalanceOverflow):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	default:
		return err
	}
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func invalidState(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func unauthorized(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}
