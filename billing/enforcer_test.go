package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/entitlement"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/tenant"
)

func newTestEnforcer(t *testing.T) (*Enforcer, *testEngine) {
	t.Helper()
	e := newTestEngine(t)
	if _, err := e.ents.EnsurePrincipal(context.Background(), "u1", "t1"); err != nil {
		t.Fatalf("EnsurePrincipal: %v", err)
	}
	return NewEnforcer(e.ents, e.ledger, e.recorder, nil), e
}

func TestEnforcer_CheckAndConsume(t *testing.T) {
	enf, e := newTestEnforcer(t)
	ctx := context.Background()

	d, err := enf.CheckAndConsume(ctx, "u1", catalog.PermPostsCreate, catalog.ResourceCreations, 4)
	if err != nil || !d.Allowed {
		t.Fatalf("expected allowed, got %+v %v", d, err)
	}
	if d.Usage != 4 || d.Limit != 5 || d.Remaining != 1 {
		t.Errorf("unexpected quota figures %+v", d)
	}

	d, err = enf.CheckAndConsume(ctx, "u1", catalog.PermPostsCreate, catalog.ResourceCreations, 2)
	if err != nil || d.Allowed || d.Reason != ReasonQuotaExceeded {
		t.Fatalf("expected quota exceeded, got %+v %v", d, err)
	}
	if d.HTTPStatus() != http.StatusPaymentRequired || d.Usage != 4 || d.Remaining != 1 {
		t.Errorf("unexpected denial %+v", d)
	}

	d, err = enf.CheckAndConsume(ctx, "u1", catalog.PermAPIAccess, catalog.ResourceAPICalls, 1)
	if err != nil || d.Reason != ReasonPermissionDenied || d.HTTPStatus() != http.StatusForbidden {
		t.Fatalf("expected permission denied, got %+v %v", d, err)
	}
	st, err := e.ledger.Status(ctx, "u1", catalog.ResourceAPICalls)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Usage != 0 {
		t.Errorf("denied permission must not consume quota, usage %d", st.Usage)
	}

	d, err = enf.CheckAndConsume(ctx, "u1", catalog.PermPostsRead, "", 0)
	if err != nil || !d.Allowed {
		t.Errorf("permission-only check: expected allowed, got %+v %v", d, err)
	}

	if e.recorder.decisions["granted"] != 1 || e.recorder.decisions[string(ReasonQuotaExceeded)] != 1 {
		t.Errorf("unexpected recorded decisions %v", e.recorder.decisions)
	}
}

func TestEnforcer_DeniesUnknownPrincipal(t *testing.T) {
	enf, _ := newTestEnforcer(t)
	d, err := enf.CheckAndConsume(context.Background(), "ghost", catalog.PermPostsRead, "", 0)
	if err != nil || d.Allowed || d.Reason != ReasonPermissionDenied {
		t.Errorf("expected denial, got %+v %v", d, err)
	}
}

func TestEnforcer_PermissionRequired(t *testing.T) {
	enf, e := newTestEnforcer(t)
	ctx := context.Background()
	if err := e.store.CreatePrincipal(ctx, &store.Principal{ID: "u2", TenantID: "t1", Role: "bogus"}); err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	for _, pid := range []string{"u1", "u2"} {
		d, err := enf.CheckAndConsume(ctx, pid, "", catalog.ResourceCreations, 1)
		if !errors.Is(err, ErrPermissionRequired) || d.Allowed || d.Reason != ReasonInvalidRequest {
			t.Errorf("%s: resource-only check should be rejected, got %+v %v", pid, d, err)
		}
	}
	s, err := e.ledger.Status(ctx, "u2", catalog.ResourceCreations)
	if err != nil || s.Usage != 0 {
		t.Errorf("rejected check must not consume, got %+v %v", s, err)
	}

	d, err := enf.CheckAndConsume(ctx, "u2", catalog.PermPostsCreate, catalog.ResourceCreations, 1)
	if err != nil || d.Allowed || d.Reason != ReasonPermissionDenied {
		t.Errorf("unknown role should hold no permissions, got %+v %v", d, err)
	}
}

func TestEnforcer_InvalidAmount(t *testing.T) {
	enf, _ := newTestEnforcer(t)
	d, err := enf.CheckAndConsume(context.Background(), "u1", catalog.PermPostsCreate, catalog.ResourceCreations, 0)
	if !errors.Is(err, tenant.ErrInvalidAmount) || d.Allowed || d.HTTPStatus() != http.StatusBadRequest {
		t.Errorf("expected invalid request, got %+v %v", d, err)
	}
}

func TestEnforcer_FailsClosed(t *testing.T) {
	st := store.NewMemoryStore()
	ents := entitlement.NewService(st, st, nil, nil)
	if _, err := ents.EnsurePrincipal(context.Background(), "u1", "t1"); err != nil {
		t.Fatalf("EnsurePrincipal: %v", err)
	}
	enf := NewEnforcer(ents, tenant.NewLedger(st, ents, nil), nil, nil)
	st.FailWith(errors.New("timeout"))

	d, err := enf.CheckAndConsume(context.Background(), "u1", catalog.PermPostsCreate, catalog.ResourceCreations, 1)
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if d.Allowed || d.HTTPStatus() != http.StatusServiceUnavailable {
		t.Errorf("expected 503 denial, got %+v", d)
	}
}

func TestEnforcer_Require(t *testing.T) {
	enf, _ := newTestEnforcer(t)
	principalOf := func(r *http.Request) string { return r.Header.Get("X-Principal") }
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := enf.Require(catalog.PermWorkflowsExecute, catalog.ResourceExecutions, 1, principalOf)(ok)

	tests := []struct {
		name      string
		principal string
		want      int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"free lacks permission", "u1", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/run", nil)
			if tt.principal != "" {
				req.Header.Set("X-Principal", tt.principal)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}

	create := enf.Require(catalog.PermPostsCreate, catalog.ResourceCreations, 5, principalOf)(ok)
	for i, want := range []int{http.StatusNoContent, http.StatusPaymentRequired} {
		req := httptest.NewRequest(http.MethodPost, "/create", nil)
		req.Header.Set("X-Principal", "u1")
		w := httptest.NewRecorder()
		create.ServeHTTP(w, req)
		if w.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, w.Code)
		}
		if want == http.StatusPaymentRequired {
			var body struct {
				Error    string   `json:"error"`
				Decision Decision `json:"decision"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != string(ReasonQuotaExceeded) || body.Decision.Limit != 5 || body.Decision.Usage != 5 {
				t.Errorf("unexpected body %+v", body)
			}
		}
	}
}
