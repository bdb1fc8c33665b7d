package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/GoCodeAlone/controlplane/store"
)

const webhookBodyLimit = 1 << 20

// WebhookObserver records webhook latency.
type WebhookObserver interface {
	ObserveWebhook(outcome string, d time.Duration)
}

// Handler serves the direct-callback billing channel.
type Handler struct {
	pipeline *Pipeline
	observer WebhookObserver
}

// NewHandler creates a webhook Handler. observer may be nil.
func NewHandler(pipeline *Pipeline, observer WebhookObserver) *Handler {
	return &Handler{pipeline: pipeline, observer: observer}
}

// RegisterRoutes registers the webhook endpoint on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/billing/webhook", h)
}

// ServeHTTP verifies and processes one webhook delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := OutcomeFailed
	defer func() {
		if h.observer != nil {
			h.observer.ObserveWebhook(string(outcome), time.Since(start))
		}
	}()

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		outcome = OutcomeInvalid
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	rep, err := h.pipeline.Process(r.Context(), &RawEvent{
		Channel:   ChannelWebhook,
		Body:      body,
		Signature: r.Header.Get("Stripe-Signature"),
	})
	outcome = rep.Outcome
	switch {
	case errors.Is(err, ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event"})
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, ErrContention):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
