/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from
 * the payment processor. It is the entry point for all asynchronous
 * subscription lifecycle notifications.
 *
 * Key features:
 * - Security: validates the HMAC-SHA256 signature of every payload before
 *   any state is touched. An unverifiable payload is rejected outright.
 * - Redelivery: any downstream failure after signature verification responds
 *   non-2xx so the processor redelivers; the reconciler is safe to re-invoke
 *   with the same event.
 */
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/happylife/billing-service/internal/app"
	"github.com/happylife/billing-service/internal/domain"
)

// SignatureHeader carries the processor's HMAC signature over the raw body.
const SignatureHeader = "X-Payment-Signature"

// WebhookHandler processes incoming webhooks from the payment processor.
type WebhookHandler struct {
	reconciler *app.Reconciler
	secret     string
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(reconciler *app.Reconciler, secret string) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, secret: secret}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("error reading webhook body: %v", err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.isValidSignature(r.Header.Get(SignatureHeader), body) {
		log.Printf("rejected webhook with invalid signature from %s", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	var event domain.ProcessorEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("error decoding webhook JSON: %v", err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if event.Type == "" {
		log.Printf("webhook missing event type, raw payload: %s", string(body))
		http.Error(w, "Missing event type", http.StatusBadRequest)
		return
	}

	log.Printf("received webhook event %s (delivery %s)", event.Type, event.ID)

	if err := h.reconciler.HandleEvent(r.Context(), event); err != nil {
		// Non-2xx makes the processor redeliver. The reconciler's applies
		// are idempotent, so a retry converges rather than double-applies.
		log.Printf("failed to apply event %s (delivery %s): %v", event.Type, event.ID, err)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))
}

// isValidSignature validates the HMAC-SHA256 signature of the webhook body.
// The header value is hex encoded, optionally prefixed with "sha256=".
func (h *WebhookHandler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.secret == "" {
		log.Println("Warning: PAYMENT_WEBHOOK_SECRET is not set. Skipping signature validation.")
		return true
	}

	header := strings.TrimSpace(signatureHeader)
	header = strings.TrimPrefix(header, "sha256=")
	if header == "" {
		return false
	}

	provided, err := hex.DecodeString(header)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(provided, expected)
}
