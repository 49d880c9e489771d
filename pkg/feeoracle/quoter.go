// Package feeoracle quotes cross-ledger dispatch fees from a static schedule.
package feeoracle

import (
	"context"
	"errors"
	"math"
	"strings"
)

var ErrFeeOverflow = errors.New("fee quote overflows")

// LinearQuoter charges a base fee per message plus a per-byte fee on the payload.
// Destination overrides replace the base fee for a specific ledger.
type LinearQuoter struct {
	Base      int64
	PerByte   int64
	Overrides map[string]int64
}

// NewLinearQuoter creates a quoter. Negative inputs are clamped to zero.
func NewLinearQuoter(base, perByte int64) *LinearQuoter {
	if base < 0 {
		base = 0
	}
	if perByte < 0 {
		perByte = 0
	}
	return &LinearQuoter{Base: base, PerByte: perByte, Overrides: map[string]int64{}}
}

// QuoteFee returns the fee for sending payload to destination.
func (q *LinearQuoter) QuoteFee(ctx context.Context, destination string, payload []byte) (int64, error) {
	base := q.Base
	if override, ok := q.Overrides[strings.TrimSpace(destination)]; ok {
		base = override
	}
	size := int64(len(payload))
	if q.PerByte > 0 && size > (math.MaxInt64-base)/q.PerByte {
		return 0, ErrFeeOverflow
	}
	return base + q.PerByte*size, nil
}
