package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/tenant"
)

type contextKey int

const contextKeyPrincipal contextKey = iota

// Identity is the authenticated caller.
type Identity struct {
	PrincipalID string `json:"principal_id"`
	TenantID    string `json:"tenant_id"`
}

// ContextWithIdentity returns a context carrying id.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, id)
}

// IdentityFromContext returns the authenticated caller, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKeyPrincipal).(*Identity)
	return id
}

// PrincipalID returns the authenticated principal id of the request, or ""
// when the request is anonymous.
func PrincipalID(r *http.Request) string {
	if id := IdentityFromContext(r.Context()); id != nil {
		return id.PrincipalID
	}
	return ""
}

// PrincipalEnsurer loads a principal, creating it on first sight.
type PrincipalEnsurer interface {
	EnsurePrincipal(ctx context.Context, id, tenantID string) (*store.Principal, error)
}

// AuthAuditor records authentication outcomes.
type AuthAuditor interface {
	LogAuth(ctx context.Context, actor, sourceIP string, success bool, detail string)
}

// Middleware authenticates bearer tokens and binds the caller's identity and
// billing tenant to the request context.
type Middleware struct {
	tokens     *Tokens
	principals PrincipalEnsurer
	audit      AuthAuditor
	logger     *slog.Logger
}

// NewMiddleware creates a Middleware. auditor may be nil.
func NewMiddleware(tokens *Tokens, principals PrincipalEnsurer, auditor AuthAuditor, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{tokens: tokens, principals: principals, audit: auditor, logger: logger}
}

// Authenticate verifies the request's token and returns the caller. Principals
// unknown to the store are created with an implicit role.
func (m *Middleware) Authenticate(r *http.Request) (*Identity, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	claims, err := m.tokens.Verify(raw)
	if err != nil {
		return nil, err
	}
	p, err := m.principals.EnsurePrincipal(r.Context(), claims.Subject, claims.TenantID)
	if err != nil {
		return nil, err
	}
	if p.Status == store.PrincipalDisabled {
		return nil, errors.Join(ErrAuthenticationRequired, errors.New("principal disabled"))
	}
	return &Identity{PrincipalID: p.ID, TenantID: p.BillingTenant()}, nil
}

// RequireAuth rejects unauthenticated requests with 401. Store failures while
// loading the principal yield 503 so clients retry.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.Authenticate(r)
		switch {
		case errors.Is(err, store.ErrUnavailable):
			m.logger.Error("principal lookup failed", "error", err)
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
			return
		case err != nil:
			// Anonymous requests are too common to audit.
			if m.audit != nil && r.Header.Get("Authorization") != "" {
				m.audit.LogAuth(r.Context(), "", clientIP(r), false, err.Error())
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="controlplane"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := ContextWithIdentity(r.Context(), id)
		ctx = tenant.ContextWithTenant(ctx, id.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
