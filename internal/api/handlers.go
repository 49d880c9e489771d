/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's escrow API.
 * Handlers parse the request, resolve the authenticated caller, call the engine
 * and translate its error kinds into HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: Engine operations and models.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/proofpay/settlement-service/internal/app"
	"github.com/proofpay/settlement-service/internal/domain"
)

const maxEventPageSize = 500

// Handler holds the engine the HTTP handlers call into.
type Handler struct {
	service *app.Service
}

func NewHandler(service *app.Service) *Handler {
	return &Handler{service: service}
}

type partyPaymentsResponse struct {
	Party      string   `json:"party"`
	PaymentIDs []string `json:"payment_ids"`
}

type eventsResponse struct {
	Events []domain.Event `json:"events"`
}

func (h *Handler) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req domain.CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment, err := h.service.CreatePayment(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, "create_payment", err)
		return
	}
	log.Printf("level=info component=api endpoint=create_payment outcome=success payment_id=%s sender=%s recipient=%s amount=%d", payment.ID, payment.Sender, payment.Recipient, payment.Amount)
	writeJSON(w, http.StatusCreated, payment)
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.service.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "get_payment", err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req domain.SubmitProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment, err := h.service.SubmitProof(r.Context(), caller, chi.URLParam(r, "id"), req.Proof)
	if err != nil {
		writeServiceError(w, "submit_proof", err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleCompletePayment(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	payment, err := h.service.CompletePayment(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "complete_payment", err)
		return
	}
	log.Printf("level=info component=api endpoint=complete_payment outcome=success payment_id=%s caller=%s", payment.ID, caller)
	writeJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleDisputePayment(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req domain.DisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment, err := h.service.DisputePayment(r.Context(), caller, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeServiceError(w, "dispute_payment", err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	payment, err := h.service.CancelPayment(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "cancel_payment", err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleListPartyPayments(w http.ResponseWriter, r *http.Request) {
	party := strings.TrimSpace(chi.URLParam(r, "party"))
	ids, err := h.service.ListPartyPayments(r.Context(), party)
	if err != nil {
		writeServiceError(w, "list_party_payments", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, partyPaymentsResponse{Party: party, PaymentIDs: ids})
}

func (h *Handler) handleGetPendingBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.GetPendingBalance(r.Context(), chi.URLParam(r, "party"))
	if err != nil {
		writeServiceError(w, "get_pending_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.EventFilter{
		PaymentID: strings.TrimSpace(query.Get("payment_id")),
		MessageID: strings.TrimSpace(query.Get("message_id")),
		Kind:      domain.EventKind(strings.TrimSpace(query.Get("kind"))),
		Limit:     100,
	}

	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid after cursor")
			return
		}
		filter.AfterSequence = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		if limit > maxEventPageSize {
			limit = maxEventPageSize
		}
		filter.Limit = limit
	}

	events, err := h.service.ListEvents(r.Context(), filter)
	if err != nil {
		writeServiceError(w, "list_events", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		writeServiceError(w, "get_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get caller from context")
		return "", false
	}
	return caller, true
}

// statusForError maps the engine's error kinds to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrUnauthorized), errors.Is(err, app.ErrUntrustedOrigin):
		return http.StatusForbidden
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidState), errors.Is(err, app.ErrReplayedMessage):
		return http.StatusConflict
	case errors.Is(err, app.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=error err=%v", endpoint, err)
		writeError(w, status, "Internal server error")
		return
	}
	log.Printf("level=warn component=api endpoint=%s outcome=reject reason=%s err=%q", endpoint, app.ErrorKind(err), err.Error())
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
