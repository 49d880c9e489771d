package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type delegateRequest struct {
	Actor string `json:"actor"`
}

type destinationRequest struct {
	Allowed bool `json:"allowed"`
}

type trustedOriginRequest struct {
	Trusted bool `json:"trusted"`
}

func (h *Handler) handleAddDelegate(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	actor := strings.TrimSpace(req.Actor)
	if err := h.service.AddDelegate(r.Context(), caller, actor); err != nil {
		writeServiceError(w, "add_delegate", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"principal": caller, "delegate": actor})
}

func (h *Handler) handleRemoveDelegate(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveDelegate(r.Context(), caller, chi.URLParam(r, "actor")); err != nil {
		writeServiceError(w, "remove_delegate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetDestination(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req destinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	selector := chi.URLParam(r, "selector")
	if err := h.service.SetAllowedDestination(r.Context(), caller, selector, req.Allowed); err != nil {
		writeServiceError(w, "set_destination", err)
		return
	}
	log.Printf("level=info component=api endpoint=set_destination outcome=success selector=%s allowed=%t", selector, req.Allowed)
	writeJSON(w, http.StatusOK, map[string]interface{}{"selector": selector, "allowed": req.Allowed})
}

func (h *Handler) handleSetTrustedOrigin(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req trustedOriginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sender := chi.URLParam(r, "sender")
	if err := h.service.SetTrustedOrigin(r.Context(), caller, sender, req.Trusted); err != nil {
		writeServiceError(w, "set_trusted_origin", err)
		return
	}
	log.Printf("level=info component=api endpoint=set_trusted_origin outcome=success sender=%s trusted=%t", sender, req.Trusted)
	writeJSON(w, http.StatusOK, map[string]interface{}{"sender": sender, "trusted": req.Trusted})
}
