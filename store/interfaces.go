package store

import (
	"context"
	"time"

	"github.com/GoCodeAlone/controlplane/catalog"
)

// PrincipalStore persists principals.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	// CreatePrincipal inserts p if absent, returning ErrDuplicate otherwise.
	CreatePrincipal(ctx context.Context, p *Principal) error
	// UpdatePrincipal writes p if the stored version equals p.Version and
	// bumps p.Version. A version mismatch returns ErrConflict.
	UpdatePrincipal(ctx context.Context, p *Principal) error
}

// SubscriptionStore persists per-tenant subscription records.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, tenantID string) (*Subscription, error)
	FindSubscriptionByCustomer(ctx context.Context, customerID string) (*Subscription, error)
	// PutSubscription creates the record when s.Version is 0 and the tenant
	// has none, otherwise compares-and-swaps on s.Version. On success
	// s.Version is incremented.
	PutSubscription(ctx context.Context, s *Subscription) error
}

// QuotaStore persists quota ledger entries. Every mutation is a single-item
// conditional write.
type QuotaStore interface {
	GetQuota(ctx context.Context, key QuotaKey) (*QuotaEntry, error)
	// CreateQuota inserts e if absent, returning ErrDuplicate otherwise.
	CreateQuota(ctx context.Context, e *QuotaEntry) error
	// IncrementQuota adds amount to usage only if the stored limit equals
	// limit and, for finite limits, usage+amount stays within it. A failed
	// condition returns ErrConflict and leaves the entry untouched.
	IncrementQuota(ctx context.Context, key QuotaKey, amount int64, limit catalog.Limit) (*QuotaEntry, error)
	// ResetQuota zeroes usage and moves the period start to periodStart if
	// the stored period start still equals from. Otherwise ErrConflict.
	ResetQuota(ctx context.Context, key QuotaKey, from, periodStart time.Time) error
	// SetQuotaLimit overwrites the limit snapshot, leaving usage untouched.
	SetQuotaLimit(ctx context.Context, key QuotaKey, limit catalog.Limit) error
	// SetQuotaUsage overwrites usage. The new value may exceed the limit.
	SetQuotaUsage(ctx context.Context, key QuotaKey, usage int64) error
	// ListQuotas returns every entry belonging to the tenant.
	ListQuotas(ctx context.Context, tenantID string) ([]*QuotaEntry, error)
}

// EventStore persists billing event records, the deduplication mechanism
// for inbound billing events.
type EventStore interface {
	// RecordEvent inserts rec if no record with the same id exists,
	// returning ErrDuplicate otherwise.
	RecordEvent(ctx context.Context, rec *BillingEventRecord) error
	// GetEvent returns ErrNotFound for absent or expired records.
	GetEvent(ctx context.Context, id string) (*BillingEventRecord, error)
	DeleteEvent(ctx context.Context, id string) error
}

// Store aggregates every record store.
type Store interface {
	PrincipalStore
	SubscriptionStore
	QuotaStore
	EventStore
}

// Composite assembles a Store from separate backends, so the quota ledger and
// event records can live somewhere other than principals and subscriptions.
type Composite struct {
	PrincipalStore
	SubscriptionStore
	QuotaStore
	EventStore
}

var _ Store = Composite{}
