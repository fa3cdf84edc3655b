/**
 * @description
 * This file contains the HTTP handler functions for the billing-service.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate business logic in the service layer, and mapping the service's
 * error taxonomy onto HTTP responses with actionable messages.
 */
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/happylife/billing-service/internal/app"
	"github.com/happylife/billing-service/internal/store"
)

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service app.Service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service app.Service) *Handler {
	return &Handler{service: service}
}

// handleVerifyCheckout reconciles a checkout session after the payer returns
// from the processor's hosted checkout page.
func (h *Handler) handleVerifyCheckout(w http.ResponseWriter, r *http.Request) {
	payerID, ok := authenticatedPayerID(w, r)
	if !ok {
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	sub, err := h.service.VerifyCheckout(r.Context(), req.SessionID, payerID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, sub)
}

// handleVerifyFeature reconciles a one-time feature purchase session into a
// featured grant on the listing named in the session metadata.
func (h *Handler) handleVerifyFeature(w http.ResponseWriter, r *http.Request) {
	payerID, ok := authenticatedPayerID(w, r)
	if !ok {
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	listing, err := h.service.VerifyFeatureCheckout(r.Context(), req.SessionID, payerID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, listing)
}

// handleGetSubscription returns the caller's current subscription state.
func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	payerID, ok := authenticatedPayerID(w, r)
	if !ok {
		return
	}

	state, err := h.service.GetSubscriptionState(r.Context(), payerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, state)
}

// handleListingVisibility evaluates the public visibility predicate for a
// listing. The CRUD layer calls this on every public list/detail render.
func (h *Handler) handleListingVisibility(w http.ResponseWriter, r *http.Request) {
	listingID, err := uuid.Parse(chi.URLParam(r, "listingID"))
	if err != nil {
		http.Error(w, "invalid listing id", http.StatusBadRequest)
		return
	}

	visibility, err := h.service.ListingVisibility(r.Context(), listingID)
	if err != nil {
		if errors.Is(err, store.ErrListingNotFound) {
			http.Error(w, "listing not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, visibility)
}

// authenticatedPayerID extracts and parses the payer id injected by the auth
// middleware, writing the error response itself when absent or malformed.
func authenticatedPayerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw, ok := GetPayerID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	payerID, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "Invalid payer identity", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return payerID, true
}

// respondWithServiceError maps the service error taxonomy onto HTTP codes.
func respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrSessionOwnership):
		http.Error(w, "checkout session belongs to a different account", http.StatusForbidden)
	case errors.Is(err, app.ErrPaymentIncomplete):
		http.Error(w, "payment not completed; finish checkout and try again", http.StatusPaymentRequired)
	case errors.Is(err, app.ErrProcessorUnavailable):
		http.Error(w, "payment provider is unavailable, please retry", http.StatusBadGateway)
	case errors.Is(err, store.ErrListingNotFound):
		http.Error(w, "listing not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
