// Package admin implements the administrative surface of the control plane.
// Every operation is gated by the same entitlement resolution it manages:
// the acting principal must hold the operation's permission.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/entitlement"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/tenant"
)

// Sentinel errors for admin operations.
var (
	ErrForbidden       = errors.New("admin: permission denied")
	ErrInvalidArgument = errors.New("admin: invalid argument")
)

const maxUpdateRetries = 8

// Entitlements resolves and invalidates principal entitlements.
type Entitlements interface {
	Entitlement(ctx context.Context, principalID string) (*entitlement.Entitlement, error)
	InvalidatePrincipal(ctx context.Context, principalID string)
}

// Ledger is the subset of the quota ledger the admin surface drives.
type Ledger interface {
	Status(ctx context.Context, principalID string, rt catalog.ResourceType) (*tenant.Status, error)
	Statuses(ctx context.Context, principalID string) ([]*tenant.Status, error)
	Adjust(ctx context.Context, principalID string, rt catalog.ResourceType, usage int64) (*tenant.Status, error)
	ResetPeriod(ctx context.Context, principalID string, resources ...catalog.ResourceType) error
	ResetTenant(ctx context.Context, tenantID string) (int, error)
}

// Auditor records administrative activity.
type Auditor interface {
	LogAdminOp(ctx context.Context, actor, action, resource string, success bool, metadata map[string]any)
	LogAdminDenied(ctx context.Context, actor, action, resource, permission string)
	LogPermissionChange(ctx context.Context, actor, action, principalID, permission string)
	LogQuotaChange(ctx context.Context, actor, action, resource string, metadata map[string]any)
	LogDataAccess(ctx context.Context, actor, resource, detail string)
}

// Service performs administrative operations on behalf of an acting
// principal.
type Service struct {
	entitlements Entitlements
	principals   store.PrincipalStore
	subs         store.SubscriptionStore
	ledger       Ledger
	audit        Auditor
	logger       *slog.Logger
}

// NewService creates a Service.
func NewService(ents Entitlements, principals store.PrincipalStore, subs store.SubscriptionStore, ledger Ledger, auditor Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		entitlements: ents,
		principals:   principals,
		subs:         subs,
		ledger:       ledger,
		audit:        auditor,
		logger:       logger,
	}
}

// authorize checks that actor holds perm. Lookup failures propagate and deny.
func (s *Service) authorize(ctx context.Context, actor string, perm catalog.Permission, action, resource string) error {
	ent, err := s.entitlements.Entitlement(ctx, actor)
	if errors.Is(err, store.ErrNotFound) {
		err = nil
	}
	if err != nil {
		return err
	}
	if !ent.Has(perm) {
		s.audit.LogAdminDenied(ctx, actor, action, resource, string(perm))
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, action, perm)
	}
	return nil
}

// GetEntitlement returns the resolved entitlement of a principal.
func (s *Service) GetEntitlement(ctx context.Context, actor, principalID string) (*entitlement.Entitlement, error) {
	if err := s.authorize(ctx, actor, catalog.PermEntitlementsRead, "entitlement.get", principalID); err != nil {
		return nil, err
	}
	ent, err := s.entitlements.Entitlement(ctx, principalID)
	if err != nil {
		return nil, err
	}
	s.audit.LogDataAccess(ctx, actor, "entitlements/"+principalID, "")
	return ent, nil
}

// GetQuota returns one ledger entry of a principal.
func (s *Service) GetQuota(ctx context.Context, actor, principalID string, rt catalog.ResourceType) (*tenant.Status, error) {
	if err := s.authorize(ctx, actor, catalog.PermQuotasRead, "quota.get", principalID); err != nil {
		return nil, err
	}
	st, err := s.ledger.Status(ctx, principalID, rt)
	if err != nil {
		return nil, err
	}
	s.audit.LogDataAccess(ctx, actor, "quotas/"+principalID+"/"+string(rt), "")
	return st, nil
}

// ListQuotas returns every ledger entry of a principal.
func (s *Service) ListQuotas(ctx context.Context, actor, principalID string) ([]*tenant.Status, error) {
	if err := s.authorize(ctx, actor, catalog.PermQuotasRead, "quota.list", principalID); err != nil {
		return nil, err
	}
	return s.ledger.Statuses(ctx, principalID)
}

// AdjustQuota overwrites a principal's usage. Values above the limit are
// accepted and reported as exceeded.
func (s *Service) AdjustQuota(ctx context.Context, actor, principalID string, rt catalog.ResourceType, usage int64) (*tenant.Status, error) {
	resource := "quotas/" + principalID + "/" + string(rt)
	if err := s.authorize(ctx, actor, catalog.PermQuotasAdjust, "quota.adjust", resource); err != nil {
		return nil, err
	}
	st, err := s.ledger.Adjust(ctx, principalID, rt, usage)
	if err != nil {
		s.audit.LogAdminOp(ctx, actor, "quota.adjust", resource, false, map[string]any{"error": err.Error()})
		return nil, err
	}
	s.audit.LogQuotaChange(ctx, actor, "adjust", resource, map[string]any{
		"usage": usage, "limit": st.Limit.String(), "exceeded": st.Exceeded,
	})
	s.logger.Info("quota adjusted", "actor", actor, "principal_id", principalID, "resource", rt, "usage", usage)
	return st, nil
}

// ResetPrincipal starts a new period for every periodic resource of a
// principal.
func (s *Service) ResetPrincipal(ctx context.Context, actor, principalID string) error {
	resource := "principals/" + principalID
	if err := s.authorize(ctx, actor, catalog.PermQuotasReset, "quota.reset", resource); err != nil {
		return err
	}
	if err := s.ledger.ResetPeriod(ctx, principalID); err != nil {
		s.audit.LogAdminOp(ctx, actor, "quota.reset", resource, false, map[string]any{"error": err.Error()})
		return err
	}
	s.audit.LogQuotaChange(ctx, actor, "reset", resource, nil)
	s.logger.Info("quota period reset", "actor", actor, "principal_id", principalID)
	return nil
}

// ResetTenant starts a new period for every periodic entry of a tenant and
// returns the number of entries reset.
func (s *Service) ResetTenant(ctx context.Context, actor, tenantID string) (int, error) {
	resource := "tenants/" + tenantID
	if err := s.authorize(ctx, actor, catalog.PermQuotasReset, "quota.reset_tenant", resource); err != nil {
		return 0, err
	}
	n, err := s.ledger.ResetTenant(ctx, tenantID)
	if err != nil {
		s.audit.LogAdminOp(ctx, actor, "quota.reset_tenant", resource, false,
			map[string]any{"error": err.Error(), "entries_reset": n})
		return n, err
	}
	s.audit.LogQuotaChange(ctx, actor, "reset", resource, map[string]any{"entries_reset": n})
	s.logger.Info("tenant quota period reset", "actor", actor, "tenant_id", tenantID, "entries", n)
	return n, nil
}

// Grant adds perm to the principal's individual grants and drops any
// revocation of it. It returns the principal's new entitlement.
func (s *Service) Grant(ctx context.Context, actor, principalID string, perm catalog.Permission) (*entitlement.Entitlement, error) {
	if err := s.authorize(ctx, actor, catalog.PermPermissionsGrant, "permission.grant", principalID); err != nil {
		return nil, err
	}
	return s.changePermission(ctx, actor, "grant", principalID, perm, func(p *store.Principal) {
		if !slices.Contains(p.Grants, perm) {
			p.Grants = append(p.Grants, perm)
		}
		p.Revocations = slices.DeleteFunc(p.Revocations, func(x catalog.Permission) bool { return x == perm })
	})
}

// Revoke removes perm from the principal's grants and records a revocation,
// which also masks perm when the principal's role confers it.
func (s *Service) Revoke(ctx context.Context, actor, principalID string, perm catalog.Permission) (*entitlement.Entitlement, error) {
	if err := s.authorize(ctx, actor, catalog.PermPermissionsRevoke, "permission.revoke", principalID); err != nil {
		return nil, err
	}
	return s.changePermission(ctx, actor, "revoke", principalID, perm, func(p *store.Principal) {
		p.Grants = slices.DeleteFunc(p.Grants, func(x catalog.Permission) bool { return x == perm })
		if !slices.Contains(p.Revocations, perm) {
			p.Revocations = append(p.Revocations, perm)
		}
	})
}

func (s *Service) changePermission(ctx context.Context, actor, action, principalID string, perm catalog.Permission, mutate func(*store.Principal)) (*entitlement.Entitlement, error) {
	if _, err := catalog.ParsePermission(string(perm)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	for range maxUpdateRetries {
		p, err := s.principals.GetPrincipal(ctx, principalID)
		if err != nil {
			return nil, err
		}
		mutate(p)
		err = s.principals.UpdatePrincipal(ctx, p)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			s.audit.LogAdminOp(ctx, actor, "permission."+action, principalID, false, map[string]any{"error": err.Error()})
			return nil, err
		}
		s.entitlements.InvalidatePrincipal(ctx, principalID)
		s.audit.LogPermissionChange(ctx, actor, action, principalID, string(perm))
		s.logger.Info("permission changed", "actor", actor, "action", action, "principal_id", principalID, "permission", perm)
		return s.entitlements.Entitlement(ctx, principalID)
	}
	return nil, fmt.Errorf("admin: %s %s on %q: %w", action, perm, principalID, tenant.ErrContention)
}

// GetSubscription returns a tenant's subscription record.
func (s *Service) GetSubscription(ctx context.Context, actor, tenantID string) (*store.Subscription, error) {
	if err := s.authorize(ctx, actor, catalog.PermSubscriptionsRead, "subscription.get", tenantID); err != nil {
		return nil, err
	}
	sub, err := s.subs.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.audit.LogDataAccess(ctx, actor, "subscriptions/"+tenantID, "")
	return sub, nil
}
