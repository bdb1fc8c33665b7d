package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/entitlement"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/tenant"
)

// Reason explains a denied Decision.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonInvalidRequest   Reason = "invalid_request"
)

// ErrPermissionRequired is returned for a check that names no permission.
var ErrPermissionRequired = errors.New("billing: permission is required")

// Decision is the single pass/fail result of a metered-operation check.
type Decision struct {
	Allowed    bool                 `json:"allowed"`
	Reason     Reason               `json:"reason,omitempty"`
	Permission catalog.Permission   `json:"permission,omitempty"`
	Resource   catalog.ResourceType `json:"resource,omitempty"`
	Usage      int64                `json:"usage"`
	Limit      catalog.Limit        `json:"limit"`
	Remaining  int64                `json:"remaining"`
}

// HTTPStatus maps the decision to a response status.
func (d *Decision) HTTPStatus() int {
	switch d.Reason {
	case ReasonNone:
		return http.StatusOK
	case ReasonPermissionDenied:
		return http.StatusForbidden
	case ReasonQuotaExceeded:
		return http.StatusPaymentRequired
	case ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Entitlements returns a principal's current entitlement.
type Entitlements interface {
	Entitlement(ctx context.Context, principalID string) (*entitlement.Entitlement, error)
}

// Consumer consumes quota.
type Consumer interface {
	TryConsume(ctx context.Context, principalID string, rt catalog.ResourceType, amount int64) (*tenant.Consumption, error)
}

// Enforcer combines a permission check with a quota consumption.
type Enforcer struct {
	entitlements Entitlements
	ledger       Consumer
	recorder     Recorder
	logger       *slog.Logger
}

// NewEnforcer creates an Enforcer. recorder may be nil.
func NewEnforcer(entitlements Entitlements, ledger Consumer, recorder Recorder, logger *slog.Logger) *Enforcer {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{entitlements: entitlements, ledger: ledger, recorder: recorder, logger: logger}
}

// CheckAndConsume checks that the principal holds perm, which is required,
// and when rt is set consumes amount of rt. Denials are reported in the Decision with a nil
// error; the error is non-nil only when the decision could not be made, and
// the Decision then denies. Quota is never consumed for a principal lacking
// the permission.
func (e *Enforcer) CheckAndConsume(ctx context.Context, principalID string, perm catalog.Permission, rt catalog.ResourceType, amount int64) (*Decision, error) {
	d := &Decision{Permission: perm, Resource: rt}
	if perm == "" {
		d.Reason = ReasonInvalidRequest
		return d, ErrPermissionRequired
	}
	if rt != "" && amount <= 0 {
		d.Reason = ReasonInvalidRequest
		return d, tenant.ErrInvalidAmount
	}

	ent, err := e.entitlements.Entitlement(ctx, principalID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		d.Reason = ReasonPermissionDenied
		e.record(d)
		return d, nil
	case err != nil:
		d.Reason = ReasonStoreUnavailable
		e.logger.Error("entitlement lookup failed", "principal_id", principalID, "error", err)
		e.record(d)
		return d, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	if !ent.Has(perm) {
		d.Reason = ReasonPermissionDenied
		e.record(d)
		return d, nil
	}
	if rt == "" {
		d.Allowed = true
		return d, nil
	}

	c, err := e.ledger.TryConsume(ctx, principalID, rt, amount)
	if err != nil {
		d.Reason = ReasonStoreUnavailable
		if errors.Is(err, tenant.ErrMalformedLimit) {
			d.Reason = ReasonQuotaExceeded
		}
		e.logger.Error("quota consumption failed", "principal_id", principalID, "resource", rt, "error", err)
		e.record(d)
		if d.Reason == ReasonQuotaExceeded {
			return d, nil
		}
		return d, err
	}
	d.Usage, d.Limit, d.Remaining = c.Usage, c.Limit, c.Remaining
	d.Allowed = c.Granted
	if !c.Granted {
		d.Reason = ReasonQuotaExceeded
	}
	e.record(d)
	return d, nil
}

func (e *Enforcer) record(d *Decision) {
	if d.Resource == "" {
		return
	}
	outcome := "granted"
	if !d.Allowed {
		outcome = string(d.Reason)
	}
	e.recorder.RecordQuotaDecision(string(d.Resource), outcome)
}

// PrincipalIDFunc extracts the authenticated principal from a request.
type PrincipalIDFunc func(r *http.Request) string

// Require returns middleware that admits a request only when the principal
// holds perm and, when rt is set, amount of rt can be consumed.
func (e *Enforcer) Require(perm catalog.Permission, rt catalog.ResourceType, amount int64, principalOf PrincipalIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID := principalOf(r)
			if principalID == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}
			d, _ := e.CheckAndConsume(r.Context(), principalID, perm, rt, amount)
			if !d.Allowed {
				WriteDecision(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteDecision writes a denied decision with its mapped status. Quota
// denials carry usage, limit and remaining for display.
func WriteDecision(w http.ResponseWriter, d *Decision) {
	status := d.HTTPStatus()
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, map[string]any{
		"error":    string(d.Reason),
		"decision": d,
	})
}
