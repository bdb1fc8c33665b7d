package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/entitlement"
	"github.com/GoCodeAlone/controlplane/store"
)

// TierPropagator pushes a tenant's new tier into everything derived from it.
type TierPropagator interface {
	OnTierChange(ctx context.Context, tenantID string, oldTier, newTier catalog.Tier) error
}

// LimitSyncer rewrites ledger limit snapshots without touching usage.
type LimitSyncer interface {
	SyncLimits(ctx context.Context, tenantID string, limitsFor func(ctx context.Context, principalID string) (catalog.LimitSet, error)) (int, error)
}

// EntitlementSource resolves principals without the cache and invalidates
// cached entitlements.
type EntitlementSource interface {
	Resolve(ctx context.Context, p *store.Principal) (*entitlement.Entitlement, error)
	InvalidateTenant(ctx context.Context, tenantID string)
}

// Propagator recomputes ledger limits and drops cached entitlements after a
// tier change. Repeating a propagation for the same tier changes nothing.
type Propagator struct {
	ledger       LimitSyncer
	principals   store.PrincipalStore
	entitlements EntitlementSource
	logger       *slog.Logger
}

// NewPropagator creates a Propagator.
func NewPropagator(ledger LimitSyncer, principals store.PrincipalStore, entitlements EntitlementSource, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{ledger: ledger, principals: principals, entitlements: entitlements, logger: logger}
}

// OnTierChange overwrites the limit snapshot of every ledger entry of the
// tenant. Each principal gets the limits its resolved entitlement carries, so
// an explicit role above the new tier keeps its floor. Principals without a
// record get the plain limits of newTier.
func (p *Propagator) OnTierChange(ctx context.Context, tenantID string, oldTier, newTier catalog.Tier) error {
	limitsFor := func(ctx context.Context, principalID string) (catalog.LimitSet, error) {
		pr, err := p.principals.GetPrincipal(ctx, principalID)
		if errors.Is(err, store.ErrNotFound) {
			return catalog.LimitsFor(newTier), nil
		}
		if err != nil {
			return catalog.LimitSet{}, err
		}
		e, err := p.entitlements.Resolve(ctx, pr)
		if err != nil {
			return catalog.LimitSet{}, err
		}
		return e.Limits, nil
	}

	changed, err := p.ledger.SyncLimits(ctx, tenantID, limitsFor)
	// Invalidate even on partial failure; some snapshots may have moved.
	p.entitlements.InvalidateTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("billing: propagate tier %s for tenant %q: %w", newTier, tenantID, err)
	}
	p.logger.Info("tier change propagated",
		"tenant_id", tenantID, "old_tier", oldTier, "new_tier", newTier, "entries_changed", changed)
	return nil
}
