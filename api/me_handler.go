package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/controlplane/auth"
	"github.com/GoCodeAlone/controlplane/billing"
	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/entitlement"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/tenant"
)

// EntitlementReader resolves a principal's entitlement.
type EntitlementReader interface {
	Entitlement(ctx context.Context, principalID string) (*entitlement.Entitlement, error)
}

// QuotaReader reports a principal's ledger entries.
type QuotaReader interface {
	Statuses(ctx context.Context, principalID string) ([]*tenant.Status, error)
}

// Checker performs a metered-operation check.
type Checker interface {
	CheckAndConsume(ctx context.Context, principalID string, perm catalog.Permission, rt catalog.ResourceType, amount int64) (*billing.Decision, error)
}

// MeHandler serves the caller's own entitlement, quotas and metered checks.
type MeHandler struct {
	entitlements EntitlementReader
	quotas       QuotaReader
	checker      Checker
	logger       *slog.Logger
}

// NewMeHandler creates a MeHandler.
func NewMeHandler(ents EntitlementReader, quotas QuotaReader, checker Checker, logger *slog.Logger) *MeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeHandler{entitlements: ents, quotas: quotas, checker: checker, logger: logger}
}

// Entitlement handles GET /api/v1/me/entitlement.
func (h *MeHandler) Entitlement(w http.ResponseWriter, r *http.Request) {
	pid := auth.PrincipalID(r)
	if pid == "" {
		WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	ent, err := h.entitlements.Entitlement(r.Context(), pid)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ent)
}

// Quotas handles GET /api/v1/me/quotas.
func (h *MeHandler) Quotas(w http.ResponseWriter, r *http.Request) {
	pid := auth.PrincipalID(r)
	if pid == "" {
		WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sts, err := h.quotas.Statuses(r.Context(), pid)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sts)
}

// CheckRequest is the body of a metered check. Resource and Amount may be
// omitted for a permission-only check.
type CheckRequest struct {
	Permission catalog.Permission   `json:"permission"`
	Resource   catalog.ResourceType `json:"resource,omitempty"`
	Amount     int64                `json:"amount,omitempty"`
}

// Check handles POST /api/v1/metering/check. The decision is returned in the
// body with its mapped status, so denied checks still describe usage, limit
// and remaining.
func (h *MeHandler) Check(w http.ResponseWriter, r *http.Request) {
	pid := auth.PrincipalID(r)
	if pid == "" {
		WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req CheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Permission == "" {
		WriteError(w, http.StatusBadRequest, "permission is required")
		return
	}
	if _, err := catalog.ParsePermission(string(req.Permission)); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Resource != "" {
		if _, err := catalog.ParseResourceType(string(req.Resource)); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Amount == 0 {
			req.Amount = 1
		}
	}

	d, err := h.checker.CheckAndConsume(r.Context(), pid, req.Permission, req.Resource, req.Amount)
	if err != nil && d.Reason != billing.ReasonInvalidRequest {
		h.logger.Warn("metered check failed", "principal_id", pid, "error", err)
	}
	status := d.HTTPStatus()
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: d, Error: string(d.Reason)})
}

func (h *MeHandler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, tenant.ErrContention):
		WriteUnavailable(w)
	default:
		h.logger.Error("request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
