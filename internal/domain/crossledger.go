package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SettlementPayloadVersion tags the wire format of cross-ledger settlement payloads.
const SettlementPayloadVersion = "proofpay-1"

// SettlementPayload is the opaque body carried between ledgers for a cross-ledger payment.
type SettlementPayload struct {
	Version     string `json:"version"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Amount      int64  `json:"amount"`
	Asset       string `json:"asset"`
	ProofData   []byte `json:"proof_data,omitempty"`
	Description string `json:"description"`
}

// Encode serializes the payload for dispatch.
func (p SettlementPayload) Encode() ([]byte, error) {
	if p.Version == "" {
		p.Version = SettlementPayloadVersion
	}
	return json.Marshal(p)
}

// DecodeSettlementPayload parses and shape-checks an inbound payload.
func DecodeSettlementPayload(raw []byte) (SettlementPayload, error) {
	var payload SettlementPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SettlementPayload{}, fmt.Errorf("invalid payload: %w", err)
	}
	if payload.Version != SettlementPayloadVersion {
		return SettlementPayload{}, fmt.Errorf("unsupported payload version %q", payload.Version)
	}
	if strings.TrimSpace(payload.Recipient) == "" {
		return SettlementPayload{}, fmt.Errorf("payload recipient is empty")
	}
	if payload.Amount <= 0 {
		return SettlementPayload{}, fmt.Errorf("payload amount must be positive")
	}
	return payload, nil
}

// SendCrossLedgerRequest is the DTO for outbound cross-ledger payment requests.
type SendCrossLedgerRequest struct {
	Destination string `json:"destination"`
	Recipient   string `json:"recipient"`
	Amount      int64  `json:"amount"`
	Asset       string `json:"asset"`
	Proof       []byte `json:"proof,omitempty"`
	Description string `json:"description"`
}

// SendCrossLedgerResult is returned once an outbound message has been dispatched.
type SendCrossLedgerResult struct {
	MessageID string `json:"message_id"`
	Fee       int64  `json:"fee"`
}

// Ack is the acknowledgement returned to the transport for an inbound message.
type Ack struct {
	OK    string `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// Succeeded reports whether the ack signals successful settlement.
func (a Ack) Succeeded() bool {
	return a.Error == ""
}

// AckSuccess builds a successful ack.
func AckSuccess() Ack {
	return Ack{OK: "success"}
}

// AckFailure builds a failed ack carrying the rejection reason.
func AckFailure(err error) Ack {
	return Ack{Error: err.Error()}
}

// AckRequest is the DTO the host transport uses to report a destination's ack.
type AckRequest struct {
	MessageID string `json:"message_id"`
	Ack       Ack    `json:"ack"`
}
