package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/GoCodeAlone/controlplane/catalog"
)

const testSecret = "whsec_test_secret"

func ptr[T any](v T) *T { return &v }

func eventJSON(t *testing.T, id, typ string, created int64, object map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":       id,
		"object":   "event",
		"type":     typ,
		"created":  created,
		"livemode": false,
		"data":     map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

func signedRaw(t *testing.T, body []byte) *RawEvent {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return &RawEvent{Channel: ChannelWebhook, Body: signed.Payload, Signature: signed.Header}
}

func signedRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	raw := signedRaw(t, body)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", bytes.NewReader(raw.Body))
	req.Header.Set("Stripe-Signature", raw.Signature)
	req.Header.Set("Content-Type", "application/json")
	return req
}

type tierCall struct {
	TenantID string
	Old, New catalog.Tier
}

type fakePropagator struct {
	mu    sync.Mutex
	calls []tierCall
	err   error
}

func (f *fakePropagator) OnTierChange(_ context.Context, tenantID string, oldTier, newTier catalog.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tierCall{tenantID, oldTier, newTier})
	return f.err
}

func (f *fakePropagator) Calls() []tierCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tierCall(nil), f.calls...)
}

func (f *fakePropagator) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type countingRecorder struct {
	mu        sync.Mutex
	events    map[string]int
	decisions map[string]int
	tiers     int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{events: map[string]int{}, decisions: map[string]int{}}
}

func (r *countingRecorder) RecordBillingEvent(_, _, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[outcome]++
}

func (r *countingRecorder) RecordTransition(string, string) {}

func (r *countingRecorder) RecordTierChange(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers++
}

func (r *countingRecorder) RecordQuotaDecision(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[outcome]++
}
