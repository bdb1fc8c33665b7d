package tenant

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	// TenantIDKey is the context key for the tenant ID.
	TenantIDKey contextKey = "tenant_id"

	// TenantHeaderName is the HTTP header callers may use to assert a tenant.
	TenantHeaderName = "X-Tenant-ID"
)

// TenantFromContext extracts the tenant ID from the context.
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithTenant returns a context with the tenant ID set.
func ContextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// Isolation rejects requests whose tenant header names a tenant other than
// the one already bound to the request context by authentication.
type Isolation struct {
	HeaderName string
}

// NewIsolation creates an Isolation middleware using X-Tenant-ID.
func NewIsolation() *Isolation {
	return &Isolation{HeaderName: TenantHeaderName}
}

// Process wraps an HTTP handler with tenant isolation.
func (t *Isolation) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		asserted := strings.TrimSpace(r.Header.Get(t.HeaderName))
		bound := TenantFromContext(r.Context())
		if asserted != "" && bound != "" && asserted != bound {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "tenant not allowed",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
