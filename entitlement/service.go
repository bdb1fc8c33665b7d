package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/store"
)

// Service loads principal and subscription records and resolves them.
type Service struct {
	principals store.PrincipalStore
	subs       store.SubscriptionStore
	cache      Cache
	logger     *slog.Logger
}

// NewService creates a Service. A nil cache disables caching.
func NewService(principals store.PrincipalStore, subs store.SubscriptionStore, cache Cache, logger *slog.Logger) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{principals: principals, subs: subs, cache: cache, logger: logger}
}

// Clone returns a copy whose permission set may be mutated freely.
func (e *Entitlement) Clone() *Entitlement {
	cp := *e
	cp.Permissions = e.Permissions.Clone()
	return &cp
}

// Entitlement returns the current entitlement of a principal. Store failures
// are returned to the caller, who must treat them as a denial.
func (s *Service) Entitlement(ctx context.Context, principalID string) (*Entitlement, error) {
	if e, ok := s.cache.Get(ctx, principalID); ok {
		return e.Clone(), nil
	}
	epoch, cacheable := s.cache.Epoch(ctx)
	e, err := s.load(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.cache.Set(ctx, e, epoch)
	}
	return e.Clone(), nil
}

func (s *Service) load(ctx context.Context, principalID string) (*Entitlement, error) {
	p, err := s.principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("entitlement: load principal %q: %w", principalID, err)
	}
	return s.Resolve(ctx, p)
}

// Resolve computes the entitlement of an already loaded principal.
func (s *Service) Resolve(ctx context.Context, p *store.Principal) (*Entitlement, error) {
	sub, err := s.subs.GetSubscription(ctx, p.BillingTenant())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("entitlement: load subscription %q: %w", p.BillingTenant(), err)
	}
	return Resolve(SubjectFor(p, sub)), nil
}

// QuotaLimits returns the billing tenant and current limits of a principal.
// It always reads the store: the result becomes a ledger entry's limit
// snapshot for the whole period, so it must not come from a cache that may
// predate a tier change.
func (s *Service) QuotaLimits(ctx context.Context, principalID string) (string, catalog.LimitSet, error) {
	e, err := s.load(ctx, principalID)
	if err != nil {
		return "", catalog.LimitSet{}, err
	}
	return e.TenantID, e.Limits, nil
}

// EnsurePrincipal returns the principal, creating it with an implicit role on
// first sight. tenantID may be empty for individually billed principals.
func (s *Service) EnsurePrincipal(ctx context.Context, id, tenantID string) (*store.Principal, error) {
	p, err := s.principals.GetPrincipal(ctx, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("entitlement: load principal %q: %w", id, err)
	}
	p = &store.Principal{ID: id, TenantID: tenantID, Role: catalog.RoleImplicit}
	if err := s.principals.CreatePrincipal(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return s.principals.GetPrincipal(ctx, id)
		}
		return nil, fmt.Errorf("entitlement: create principal %q: %w", id, err)
	}
	s.logger.Info("principal created", "principal_id", id, "tenant_id", p.BillingTenant())
	return p, nil
}

// InvalidatePrincipal drops the cached entitlement of one principal.
func (s *Service) InvalidatePrincipal(ctx context.Context, principalID string) {
	s.cache.InvalidatePrincipal(ctx, principalID)
}

// InvalidateTenant drops the cached entitlements of every principal billed
// to the tenant.
func (s *Service) InvalidateTenant(ctx context.Context, tenantID string) {
	s.cache.InvalidateTenant(ctx, tenantID)
}
