/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the payment records held in escrow, the request DTOs
 * accepted by the API, and the aggregate views returned by queries.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest unit of their asset.
 * - An empty asset reference denotes the native asset of the ledger.
 */

package domain

import (
	"fmt"
	"strings"
	"time"
)

// Bounds applied to caller-supplied payment data.
const (
	MaxDescriptionLength   = 500
	MaxProofSize           = 10000
	MaxDisputeReasonLength = 200
)

// NativeAsset is the asset reference used for the ledger's native currency.
const NativeAsset = ""

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusDisputed  PaymentStatus = "disputed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Escrowed reports whether funds for a payment in this status are still held in custody.
// Disputed payments keep their escrow until a resolution mechanism releases it.
func (s PaymentStatus) Escrowed() bool {
	return s == PaymentStatusPending || s == PaymentStatusDisputed
}

// ProofType describes the kind of evidence a recipient is expected to submit.
type ProofType string

const (
	ProofTypeNone     ProofType = "none"
	ProofTypeText     ProofType = "text"
	ProofTypePhoto    ProofType = "photo"
	ProofTypeAttested ProofType = "attested"
	ProofTypeHybrid   ProofType = "hybrid"
)

// ParseProofType normalizes a caller-supplied proof type. Empty input maps to ProofTypeNone.
func ParseProofType(raw string) (ProofType, error) {
	switch ProofType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ProofTypeNone:
		return ProofTypeNone, nil
	case ProofTypeText:
		return ProofTypeText, nil
	case ProofTypePhoto:
		return ProofTypePhoto, nil
	case ProofTypeAttested:
		return ProofTypeAttested, nil
	case ProofTypeHybrid:
		return ProofTypeHybrid, nil
	default:
		return "", fmt.Errorf("unknown proof type %q", raw)
	}
}

// Payment is the central escrow record. It maps directly to the `payments` table.
type Payment struct {
	ID            string        `json:"id"`
	Sequence      uint64        `json:"sequence"`
	Sender        string        `json:"sender"`
	Recipient     string        `json:"recipient"`
	Amount        int64         `json:"amount"`
	Asset         string        `json:"asset"`
	Status        PaymentStatus `json:"status"`
	ProofType     ProofType     `json:"proof_type"`
	ProofData     []byte        `json:"proof_data,omitempty"`
	Description   string        `json:"description"`
	RequiresProof bool          `json:"requires_proof"`
	// OriginMessageID is set for payments credited from an inbound cross-ledger message.
	OriginMessageID *string    `json:"origin_message_id,omitempty"`
	DisputeReason   *string    `json:"dispute_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the payment.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ProofData != nil {
		cp.ProofData = append([]byte(nil), p.ProofData...)
	}
	if p.OriginMessageID != nil {
		v := *p.OriginMessageID
		cp.OriginMessageID = &v
	}
	if p.DisputeReason != nil {
		v := *p.DisputeReason
		cp.DisputeReason = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// CreatePaymentRequest is the DTO for incoming escrow creation requests.
type CreatePaymentRequest struct {
	Recipient     string `json:"recipient"`
	Amount        int64  `json:"amount"`
	Asset         string `json:"asset"`
	ProofType     string `json:"proof_type"`
	Description   string `json:"description"`
	RequiresProof bool   `json:"requires_proof"`
}

// SubmitProofRequest carries the recipient's evidence for a proof-gated payment.
type SubmitProofRequest struct {
	Proof []byte `json:"proof"`
}

// DisputeRequest carries the reason a party disputes a pending payment.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// PendingBalance is the escrowed liability owed to a party.
type PendingBalance struct {
	Party  string `json:"party"`
	Amount int64  `json:"amount"`
}

// Stats aggregates lifetime counters for the engine.
type Stats struct {
	TotalPayments       int64 `json:"total_payments"`
	TotalVolume         int64 `json:"total_volume"`
	TotalParties        int64 `json:"total_parties"`
	CrossLedgerSent     int64 `json:"cross_ledger_sent"`
	CrossLedgerReceived int64 `json:"cross_ledger_received"`
}
