package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/controlplane/admin"
	"github.com/GoCodeAlone/controlplane/audit"
	"github.com/GoCodeAlone/controlplane/auth"
	"github.com/GoCodeAlone/controlplane/billing"
	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/entitlement"
	"github.com/GoCodeAlone/controlplane/metrics"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/tenant"
)

type testServer struct {
	store   *store.MemoryStore
	tokens  *auth.Tokens
	router  *Router
	metrics *metrics.Collector
	hooks   int
	healthy error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	ents := entitlement.NewService(st, st, nil, nil)
	ledger := tenant.NewLedger(st, ents, nil)
	tokens := auth.NewTokens([]byte("router-test-secret"), "controlplane", time.Hour)
	auditor := audit.NewLogger(io.Discard)
	collector := metrics.New(metrics.Config{Namespace: "test"})

	ts := &testServer{store: st, tokens: tokens, metrics: collector}
	adminSvc := admin.NewService(ents, st, st, ledger, auditor, nil)
	ts.router = NewRouter(Deps{
		Auth:         auth.NewMiddleware(tokens, ents, auditor, nil),
		Entitlements: ents,
		Quotas:       ledger,
		Checker:      billing.NewEnforcer(ents, ledger, collector, nil),
		Webhook: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			ts.hooks++
			w.WriteHeader(http.StatusOK)
		}),
		Admin:   admin.NewHandler(adminSvc, auth.PrincipalID, nil),
		Metrics: collector,
		Health:  func(context.Context) error { return ts.healthy },
	}, Config{AdminRateLimit: 100, WebhookRateLimit: 2})
	t.Cleanup(ts.router.Stop)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, principal, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if principal != "" {
		tok, err := ts.tokens.Issue(principal, "t1")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v any) string {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, v); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return env.Error
}

func TestRouter_SelfService(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/me/entitlement", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/me/entitlement", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ent entitlement.Entitlement
	decodeData(t, w, &ent)
	if ent.PrincipalID != "u1" || ent.TenantID != "t1" || ent.Tier != catalog.TierFree {
		t.Errorf("unexpected entitlement %+v", ent)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/me/quotas", "u1", "")
	var sts []tenant.Status
	decodeData(t, w, &sts)
	if w.Code != http.StatusOK || len(sts) != len(catalog.AllResources()) {
		t.Errorf("expected every resource, got %d: %+v", w.Code, sts)
	}
}

func TestRouter_MeteringCheck(t *testing.T) {
	ts := newTestServer(t)
	body := `{"permission": "posts:create", "resource": "creation-count"}`

	for i := range 5 {
		w := ts.do(t, http.MethodPost, "/api/v1/metering/check", "u1", body)
		if w.Code != http.StatusOK {
			t.Fatalf("check %d: expected 200, got %d", i, w.Code)
		}
	}

	w := ts.do(t, http.MethodPost, "/api/v1/metering/check", "u1", body)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	var d billing.Decision
	if reason := decodeData(t, w, &d); reason != string(billing.ReasonQuotaExceeded) {
		t.Errorf("expected quota_exceeded, got %q", reason)
	}
	if d.Usage != 5 || d.Limit != 5 || d.Remaining != 0 || d.Allowed {
		t.Errorf("unexpected decision %+v", d)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"permission denied", `{"permission": "api:access"}`, http.StatusForbidden},
		{"permission only", `{"permission": "posts:read"}`, http.StatusOK},
		{"bad permission", `{"permission": "posts"}`, http.StatusBadRequest},
		{"bad resource", `{"permission": "posts:read", "resource": "widgets"}`, http.StatusBadRequest},
		{"negative amount", `{"permission": "posts:read", "resource": "execution-count", "amount": -1}`, http.StatusBadRequest},
		{"resource only", `{"resource": "creation-count"}`, http.StatusBadRequest},
		{"empty", `{}`, http.StatusBadRequest},
		{"garbage", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/metering/check", "u1", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestRouter_MeteringCheckUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.store.FailWith(errors.New("timeout"))

	w := ts.do(t, http.MethodPost, "/api/v1/metering/check", "u1", `{"permission": "posts:read"}`)
	if w.Code != http.StatusServiceUnavailable || w.Header().Get("Retry-After") == "" {
		t.Errorf("expected 503 with Retry-After, got %d", w.Code)
	}
}

func TestRouter_TenantIsolation(t *testing.T) {
	ts := newTestServer(t)
	tok, _ := ts.tokens.Issue("u1", "t1")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/quotas", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set(tenant.TenantHeaderName, "t2")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a foreign tenant header, got %d", w.Code)
	}
}

func TestRouter_Admin(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.store.CreatePrincipal(context.Background(), &store.Principal{ID: "root", Role: catalog.RoleAdmin}); err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	ts.do(t, http.MethodGet, "/api/v1/me/entitlement", "u1", "")

	if w := ts.do(t, http.MethodGet, "/api/v1/admin/entitlements/u1", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/admin/entitlements/u1", "u1", ""); w.Code != http.StatusForbidden {
		t.Errorf("member: expected 403, got %d", w.Code)
	}
	w := ts.do(t, http.MethodPost, "/api/v1/admin/principals/u1/grants", "root", `{"permission": "api:access"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("grant: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, "/api/v1/metering/check", "u1", `{"permission": "api:access"}`)
	if w.Code != http.StatusOK {
		t.Errorf("granted permission should pass the check, got %d", w.Code)
	}
}

func TestRouter_WebhookRateLimited(t *testing.T) {
	ts := newTestServer(t)
	for range 2 {
		if w := ts.do(t, http.MethodPost, "/api/v1/billing/webhook", "", "{}"); w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	}
	w := ts.do(t, http.MethodPost, "/api/v1/billing/webhook", "", "{}")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if ts.hooks != 2 {
		t.Errorf("expected 2 deliveries to reach the handler, got %d", ts.hooks)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if _, err := uuid.Parse(w.Header().Get(RequestIDHeader)); err != nil {
		t.Errorf("expected a request id header, got %q", w.Header().Get(RequestIDHeader))
	}

	ts.healthy = errors.New("redis down")
	w = ts.do(t, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `test_http_requests_total{method="GET",path="GET /healthz",status_code="503"} 1`) {
		t.Errorf("expected request metrics, got:\n%s", w.Body.String())
	}
}

func TestRequestID(t *testing.T) {
	var seen uuid.UUID
	var seenAudit string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		seenAudit = audit.RequestIDFrom(r.Context())
	}))

	incoming := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, incoming.String())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen != incoming || seenAudit != incoming.String() || w.Header().Get(RequestIDHeader) != incoming.String() {
		t.Errorf("expected incoming id to be reused, got %s %q", seen, seenAudit)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == uuid.Nil || seen.String() == "not-a-uuid" {
		t.Errorf("expected a fresh id, got %s", seen)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Stop()
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}
	for range 2 {
		if w := send("10.0.0.1"); w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
	}
	w := send("10.0.0.1")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Errorf("expected 429 with Retry-After, got %d", w.Code)
	}
	if w := send("10.0.0.2"); w.Code != http.StatusNoContent {
		t.Errorf("other IPs have their own bucket, got %d", w.Code)
	}
	rl.Stop()
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "192.0.2.1:5000", "192.0.2.1"},
		{"ipv6 remote", nil, "[2001:db8::1]:5000", "2001:db8::1"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "192.0.2.1:5000", "198.51.100.7"},
		{"forwarded list", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "192.0.2.1:5000", "203.0.113.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil))
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := realIP(req); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
