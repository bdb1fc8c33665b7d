package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/store"
)

var (
	ErrInvalidAmount  = errors.New("tenant: amount must be positive")
	ErrContention     = errors.New("tenant: quota update contention")
	ErrMalformedLimit = errors.New("tenant: malformed limit snapshot")
)

// LimitSource supplies the billing tenant and limits used when a ledger entry
// is first created.
type LimitSource interface {
	QuotaLimits(ctx context.Context, principalID string) (string, catalog.LimitSet, error)
}

// LimitSourceFunc adapts a function to LimitSource.
type LimitSourceFunc func(ctx context.Context, principalID string) (string, catalog.LimitSet, error)

func (f LimitSourceFunc) QuotaLimits(ctx context.Context, principalID string) (string, catalog.LimitSet, error) {
	return f(ctx, principalID)
}

// Consumption is the outcome of TryConsume.
type Consumption struct {
	PrincipalID string               `json:"principal_id"`
	Resource    catalog.ResourceType `json:"resource"`
	Granted     bool                 `json:"granted"`
	Usage       int64                `json:"usage"`
	Limit       catalog.Limit        `json:"limit"`
	Remaining   int64                `json:"remaining"` // -1 when unlimited
}

// Status reports one ledger entry for display.
type Status struct {
	PrincipalID string               `json:"principal_id"`
	TenantID    string               `json:"tenant_id"`
	Resource    catalog.ResourceType `json:"resource"`
	Usage       int64                `json:"usage"`
	Limit       catalog.Limit        `json:"limit"`
	Remaining   int64                `json:"remaining"`
	Exceeded    bool                 `json:"exceeded"`
	PeriodStart time.Time            `json:"period_start"`
}

func statusOf(e *store.QuotaEntry) *Status {
	return &Status{
		PrincipalID: e.PrincipalID,
		TenantID:    e.TenantID,
		Resource:    e.Resource,
		Usage:       e.Usage,
		Limit:       e.Limit,
		Remaining:   e.Limit.Remaining(e.Usage),
		Exceeded:    e.Limit.Exceeded(e.Usage),
		PeriodStart: e.PeriodStart,
	}
}

// Ledger meters per-principal resource usage against limit snapshots. All
// state lives in the QuotaStore; the ledger only sequences conditional writes.
type Ledger struct {
	store      store.QuotaStore
	limits     LimitSource
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(qs store.QuotaStore, limits LimitSource, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:      qs,
		limits:     limits,
		logger:     logger,
		maxRetries: 8,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// PeriodStart returns the start of the calendar month containing t, in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (l *Ledger) rolledOver(e *store.QuotaEntry) bool {
	return e.Resource.Periodic() && e.PeriodStart.Before(PeriodStart(l.now()))
}

// entry loads the ledger entry, creating it with a limit snapshot on first
// use and rolling it into the current period when the period has passed.
func (l *Ledger) entry(ctx context.Context, key store.QuotaKey) (*store.QuotaEntry, error) {
	for range l.maxRetries {
		e, err := l.store.GetQuota(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			tenantID, limits, err := l.limits.QuotaLimits(ctx, key.PrincipalID)
			if err != nil {
				return nil, fmt.Errorf("tenant: limits for %q: %w", key.PrincipalID, err)
			}
			limit, _ := limits.For(key.Resource)
			e = &store.QuotaEntry{
				PrincipalID: key.PrincipalID,
				TenantID:    tenantID,
				Resource:    key.Resource,
				Limit:       limit,
				PeriodStart: PeriodStart(l.now()),
			}
			err = l.store.CreateQuota(ctx, e)
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return e, nil
		}
		if err != nil {
			return nil, err
		}
		if !l.rolledOver(e) {
			return e, nil
		}
		err = l.store.ResetQuota(ctx, key, e.PeriodStart, PeriodStart(l.now()))
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		l.logger.Debug("quota period rolled over", "principal_id", key.PrincipalID, "resource", key.Resource)
	}
	return nil, ErrContention
}

func validKey(principalID string, rt catalog.ResourceType) (store.QuotaKey, error) {
	if principalID == "" {
		return store.QuotaKey{}, errors.New("tenant: principal id is required")
	}
	if _, err := catalog.ParseResourceType(string(rt)); err != nil {
		return store.QuotaKey{}, err
	}
	return store.QuotaKey{PrincipalID: principalID, Resource: rt}, nil
}

// TryConsume grants amount of rt to the principal if it fits under the entry's
// limit snapshot, incrementing usage with a single conditional write. Denials
// leave usage untouched. Any error means the consumption was not granted.
func (l *Ledger) TryConsume(ctx context.Context, principalID string, rt catalog.ResourceType, amount int64) (*Consumption, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	key, err := validKey(principalID, rt)
	if err != nil {
		return nil, err
	}
	for range l.maxRetries {
		e, err := l.entry(ctx, key)
		if err != nil {
			return nil, err
		}
		if !e.Limit.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrMalformedLimit, e.Limit)
		}
		if !e.Limit.Allows(e.Usage, amount) {
			return &Consumption{
				PrincipalID: principalID,
				Resource:    rt,
				Usage:       e.Usage,
				Limit:       e.Limit,
				Remaining:   e.Limit.Remaining(e.Usage),
			}, nil
		}
		updated, err := l.store.IncrementQuota(ctx, key, amount, e.Limit)
		if errors.Is(err, store.ErrConflict) {
			// Usage, limit or period moved underneath us; re-read and decide again.
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Consumption{
			PrincipalID: principalID,
			Resource:    rt,
			Granted:     true,
			Usage:       updated.Usage,
			Limit:       updated.Limit,
			Remaining:   updated.Limit.Remaining(updated.Usage),
		}, nil
	}
	return nil, ErrContention
}

// ResetPeriod zeroes usage and starts a new period now for the named
// resources, or for every periodic resource when none are named. The limit
// snapshot is left alone. Missing entries are skipped.
func (l *Ledger) ResetPeriod(ctx context.Context, principalID string, resources ...catalog.ResourceType) error {
	if len(resources) == 0 {
		for _, rt := range catalog.AllResources() {
			if rt.Periodic() {
				resources = append(resources, rt)
			}
		}
	}
	for _, rt := range resources {
		key, err := validKey(principalID, rt)
		if err != nil {
			return err
		}
		if err := l.reset(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) reset(ctx context.Context, key store.QuotaKey) error {
	for range l.maxRetries {
		e, err := l.store.GetQuota(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		err = l.store.ResetQuota(ctx, key, e.PeriodStart, l.now())
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return ErrContention
}

// ResetTenant resets every periodic entry belonging to the tenant and returns
// the number of entries reset.
func (l *Ledger) ResetTenant(ctx context.Context, tenantID string) (int, error) {
	entries, err := l.store.ListQuotas(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.Resource.Periodic() {
			continue
		}
		if err := l.reset(ctx, e.Key()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Adjust overwrites usage. The new value may exceed the limit; the entry then
// reports as exceeded rather than being rejected.
func (l *Ledger) Adjust(ctx context.Context, principalID string, rt catalog.ResourceType, usage int64) (*Status, error) {
	if usage < 0 {
		return nil, ErrInvalidAmount
	}
	key, err := validKey(principalID, rt)
	if err != nil {
		return nil, err
	}
	e, err := l.entry(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := l.store.SetQuotaUsage(ctx, key, usage); err != nil {
		return nil, err
	}
	e.Usage = usage
	return statusOf(e), nil
}

// Status reports an entry without writing. Entries not yet created report zero
// usage against the principal's current limits.
func (l *Ledger) Status(ctx context.Context, principalID string, rt catalog.ResourceType) (*Status, error) {
	key, err := validKey(principalID, rt)
	if err != nil {
		return nil, err
	}
	e, err := l.store.GetQuota(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		tenantID, limits, err := l.limits.QuotaLimits(ctx, principalID)
		if err != nil {
			return nil, err
		}
		limit, _ := limits.For(rt)
		e = &store.QuotaEntry{PrincipalID: principalID, TenantID: tenantID, Resource: rt, Limit: limit, PeriodStart: PeriodStart(l.now())}
	} else if err != nil {
		return nil, err
	}
	if l.rolledOver(e) {
		e.Usage = 0
		e.PeriodStart = PeriodStart(l.now())
	}
	return statusOf(e), nil
}

// Statuses reports every resource of the principal.
func (l *Ledger) Statuses(ctx context.Context, principalID string) ([]*Status, error) {
	out := make([]*Status, 0, len(catalog.AllResources()))
	for _, rt := range catalog.AllResources() {
		st, err := l.Status(ctx, principalID, rt)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// SyncLimits overwrites the limit snapshot of every entry of the tenant with
// the limits limitsFor returns for its principal. Usage is never touched and
// entries already matching are skipped, so repeating a sync is a no-op. It
// returns the number of entries changed.
func (l *Ledger) SyncLimits(ctx context.Context, tenantID string, limitsFor func(ctx context.Context, principalID string) (catalog.LimitSet, error)) (int, error) {
	entries, err := l.store.ListQuotas(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	cache := make(map[string]catalog.LimitSet)
	changed := 0
	for _, e := range entries {
		limits, ok := cache[e.PrincipalID]
		if !ok {
			if limits, err = limitsFor(ctx, e.PrincipalID); err != nil {
				return changed, err
			}
			cache[e.PrincipalID] = limits
		}
		target, _ := limits.For(e.Resource)
		if e.Limit == target {
			continue
		}
		if err := l.store.SetQuotaLimit(ctx, e.Key(), target); err != nil {
			return changed, err
		}
		changed++
		l.logger.Info("quota limit updated",
			"tenant_id", tenantID, "principal_id", e.PrincipalID,
			"resource", e.Resource, "old_limit", e.Limit.String(), "new_limit", target.String())
	}
	return changed, nil
}
