package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/proofpay/settlement-service/internal/app"
	"github.com/proofpay/settlement-service/internal/domain"
	"github.com/proofpay/settlement-service/pkg/crossledger"
)

type inboundMessageResponse struct {
	Ack       domain.Ack `json:"ack"`
	PaymentID string     `json:"payment_id,omitempty"`
}

func (h *Handler) handleSendCrossLedger(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req domain.SendCrossLedgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.SendCrossLedgerPayment(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, "send_cross_ledger", err)
		return
	}
	log.Printf("level=info component=api endpoint=send_cross_ledger outcome=success message_id=%s destination=%s fee=%d", result.MessageID, req.Destination, result.Fee)
	writeJSON(w, http.StatusAccepted, result)
}

// handleReceiveMessage is called by the host transport with an inbound envelope.
// The body is always an ack so the transport can relay it to the origin ledger.
// A redelivered message that already settled is acked as settled again.
func (h *Handler) handleReceiveMessage(w http.ResponseWriter, r *http.Request) {
	var envelope crossledger.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeJSON(w, http.StatusBadRequest, inboundMessageResponse{Ack: domain.Ack{Error: "invalid envelope"}})
		return
	}

	payment, err := h.service.ReceiveCrossLedgerMessage(r.Context(), envelope.MessageID, envelope.OriginSelector, envelope.OriginSender, envelope.Payload)
	if errors.Is(err, app.ErrReplayedMessage) {
		// Already settled here; the origin may have missed the first ack.
		paymentID, lookupErr := h.service.SettledInboundPayment(r.Context(), envelope.MessageID)
		if lookupErr != nil {
			log.Printf("level=warn component=api endpoint=receive_cross_ledger msg=\"settled payment lookup failed\" message_id=%s err=%v", envelope.MessageID, lookupErr)
		}
		log.Printf("level=info component=api endpoint=receive_cross_ledger outcome=replay message_id=%s payment_id=%s", envelope.MessageID, paymentID)
		writeJSON(w, http.StatusOK, inboundMessageResponse{Ack: domain.AckSuccess(), PaymentID: paymentID})
		return
	}
	if err != nil {
		status := statusForError(err)
		if !app.IsDomainError(err) {
			log.Printf("level=error component=api endpoint=receive_cross_ledger outcome=error message_id=%s err=%v", envelope.MessageID, err)
			writeJSON(w, status, inboundMessageResponse{Ack: domain.Ack{Error: "internal error"}})
			return
		}
		log.Printf("level=warn component=api endpoint=receive_cross_ledger outcome=reject reason=%s message_id=%s origin=%s", app.ErrorKind(err), envelope.MessageID, envelope.OriginSelector)
		writeJSON(w, status, inboundMessageResponse{Ack: domain.AckFailure(err)})
		return
	}

	writeJSON(w, http.StatusOK, inboundMessageResponse{Ack: domain.AckSuccess(), PaymentID: payment.ID})
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req domain.AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.AcknowledgeCrossLedgerMessage(r.Context(), req.MessageID, req.Ack); err != nil {
		writeServiceError(w, "acknowledge_cross_ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
