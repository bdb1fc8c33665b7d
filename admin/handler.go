package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/tenant"
)

// ActorFunc extracts the authenticated acting principal from a request.
type ActorFunc func(r *http.Request) string

// Handler serves the admin HTTP routes.
type Handler struct {
	svc     *Service
	actorOf ActorFunc
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc *Service, actorOf ActorFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, actorOf: actorOf, logger: logger}
}

// RegisterRoutes registers the admin routes on mux, each wrapped by wrap
// (typically authentication and rate limiting). wrap may be nil.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	routes := map[string]http.HandlerFunc{
		"GET /api/v1/admin/entitlements/{principalID}":                h.GetEntitlement,
		"GET /api/v1/admin/quotas/{principalID}":                      h.ListQuotas,
		"GET /api/v1/admin/quotas/{principalID}/{resource}":           h.GetQuota,
		"PUT /api/v1/admin/quotas/{principalID}/{resource}":           h.AdjustQuota,
		"POST /api/v1/admin/principals/{principalID}/quotas/reset":    h.ResetPrincipal,
		"POST /api/v1/admin/tenants/{tenantID}/quotas/reset":          h.ResetTenant,
		"POST /api/v1/admin/principals/{principalID}/grants":          h.Grant,
		"DELETE /api/v1/admin/principals/{principalID}/grants/{perm}": h.Revoke,
		"GET /api/v1/admin/subscriptions/{tenantID}":                  h.GetSubscription,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, wrap(fn))
	}
}

// actor returns the acting principal, writing 401 when there is none.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	a := h.actorOf(r)
	if a == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return a, true
}

func resourceParam(w http.ResponseWriter, r *http.Request) (catalog.ResourceType, bool) {
	rt, err := catalog.ParseResourceType(r.PathValue("resource"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return rt, true
}

// GetEntitlement handles GET /api/v1/admin/entitlements/{principalID}.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ent, err := h.svc.GetEntitlement(r.Context(), actor, r.PathValue("principalID"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// ListQuotas handles GET /api/v1/admin/quotas/{principalID}.
func (h *Handler) ListQuotas(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	sts, err := h.svc.ListQuotas(r.Context(), actor, r.PathValue("principalID"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sts)
}

// GetQuota handles GET /api/v1/admin/quotas/{principalID}/{resource}.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	rt, ok := resourceParam(w, r)
	if !ok {
		return
	}
	st, err := h.svc.GetQuota(r.Context(), actor, r.PathValue("principalID"), rt)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AdjustQuota handles PUT /api/v1/admin/quotas/{principalID}/{resource}.
func (h *Handler) AdjustQuota(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	rt, ok := resourceParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Usage *int64 `json:"usage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Usage == nil {
		writeError(w, http.StatusBadRequest, "usage is required")
		return
	}
	st, err := h.svc.AdjustQuota(r.Context(), actor, r.PathValue("principalID"), rt, *req.Usage)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ResetPrincipal handles POST /api/v1/admin/principals/{principalID}/quotas/reset.
func (h *Handler) ResetPrincipal(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	pid := r.PathValue("principalID")
	if err := h.svc.ResetPrincipal(r.Context(), actor, pid); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"principal_id": pid, "status": "reset"})
}

// ResetTenant handles POST /api/v1/admin/tenants/{tenantID}/quotas/reset.
func (h *Handler) ResetTenant(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	tid := r.PathValue("tenantID")
	n, err := h.svc.ResetTenant(r.Context(), actor, tid)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tid, "entries_reset": n})
}

// Grant handles POST /api/v1/admin/principals/{principalID}/grants.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Permission string `json:"permission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Permission == "" {
		writeError(w, http.StatusBadRequest, "permission is required")
		return
	}
	ent, err := h.svc.Grant(r.Context(), actor, r.PathValue("principalID"), catalog.Permission(req.Permission))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// Revoke handles DELETE /api/v1/admin/principals/{principalID}/grants/{perm}.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ent, err := h.svc.Revoke(r.Context(), actor, r.PathValue("principalID"), catalog.Permission(r.PathValue("perm")))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// GetSubscription handles GET /api/v1/admin/subscriptions/{tenantID}.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	sub, err := h.svc.GetSubscription(r.Context(), actor, r.PathValue("tenantID"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, tenant.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, tenant.ErrContention):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		h.logger.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: message})
}
