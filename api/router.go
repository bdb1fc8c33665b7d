package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/controlplane/admin"
	"github.com/GoCodeAlone/controlplane/auth"
	"github.com/GoCodeAlone/controlplane/tenant"
)

// Config holds configuration for the API layer.
type Config struct {
	// AdminRateLimit is the maximum number of requests per minute per IP on
	// the admin routes. Defaults to 60 when zero.
	AdminRateLimit int

	// WebhookRateLimit is the maximum number of requests per minute per IP on
	// the billing webhook. Defaults to 600 when zero.
	WebhookRateLimit int
}

// Deps groups the collaborators the router mounts.
type Deps struct {
	Auth         *auth.Middleware
	Entitlements EntitlementReader
	Quotas       QuotaReader
	Checker      Checker
	Webhook      http.Handler
	Admin        *admin.Handler

	// Metrics, when set, serves metricsPath and wraps every route.
	Metrics     MetricsCollector
	MetricsPath string

	// Health, when set, is consulted by /healthz.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

// MetricsCollector exposes a scrape handler and request instrumentation.
type MetricsCollector interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
}

// Router is the control plane's HTTP handler.
type Router struct {
	handler  http.Handler
	limiters []*RateLimiter
}

// NewRouter creates a Router with all API v1 routes registered.
func NewRouter(deps Deps, cfg Config) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.WebhookRateLimit <= 0 {
		cfg.WebhookRateLimit = 600
	}
	mux := http.NewServeMux()
	rt := &Router{}

	// --- Billing ---
	if deps.Webhook != nil {
		webhookRL := rt.limiter(cfg.WebhookRateLimit)
		mux.Handle("POST /api/v1/billing/webhook", webhookRL.Middleware(deps.Webhook))
	}

	// --- Self-service ---
	isolation := tenant.NewIsolation()
	authed := func(h http.HandlerFunc) http.Handler {
		return deps.Auth.RequireAuth(isolation.Process(h))
	}
	meH := NewMeHandler(deps.Entitlements, deps.Quotas, deps.Checker, deps.Logger)
	mux.Handle("GET /api/v1/me/entitlement", authed(meH.Entitlement))
	mux.Handle("GET /api/v1/me/quotas", authed(meH.Quotas))
	mux.Handle("POST /api/v1/metering/check", authed(meH.Check))

	// --- Admin ---
	if deps.Admin != nil {
		adminRL := rt.limiter(cfg.AdminRateLimit)
		deps.Admin.RegisterRoutes(mux, func(next http.Handler) http.Handler {
			return adminRL.Middleware(deps.Auth.RequireAuth(next))
		})
	}

	// --- Operations ---
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r.Context()); err != nil {
				deps.Logger.Warn("health check failed", "error", err)
				WriteUnavailable(w)
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var h http.Handler = mux
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, deps.Metrics.Handler())
		h = deps.Metrics.Middleware(h)
	}
	rt.handler = RequestID(h)
	return rt
}

func (rt *Router) limiter(requestsPerMinute int) *RateLimiter {
	l := NewRateLimiter(requestsPerMinute)
	rt.limiters = append(rt.limiters, l)
	return l
}

// ServeHTTP dispatches the request.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handler.ServeHTTP(w, r)
}

// Stop releases the rate limiters' cleanup goroutines.
func (rt *Router) Stop() {
	for _, l := range rt.limiters {
		l.Stop()
	}
}
