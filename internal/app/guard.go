package app

import (
	"context"
	"fmt"
)

type operationKey struct{}

// guard serializes state-mutating operations and rejects nested entry.
// A nested call is recognized by the marker on its context, so transfer
// callbacks must run with the context they were handed.
type guard struct {
	sem chan struct{}
}

func newGuard() *guard {
	return &guard{sem: make(chan struct{}, 1)}
}

func (g *guard) enter(ctx context.Context, operation string) (context.Context, func(), error) {
	if outer, ok := ctx.Value(operationKey{}).(string); ok {
		return nil, nil, fmt.Errorf("%w: %s called during %s", ErrReentrantCall, operation, outer)
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	return context.WithValue(ctx, operationKey{}, operation), func() { <-g.sem }, nil
}

// InOperation reports whether ctx belongs to a running engine operation.
func InOperation(ctx context.Context) bool {
	_, ok := ctx.Value(operationKey{}).(string)
	return ok
}
