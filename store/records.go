package store

import (
	"time"

	"github.com/GoCodeAlone/controlplane/catalog"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusNone              SubscriptionStatus = "none"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusPaused            SubscriptionStatus = "paused"
)

// ParseStatus validates a provider status string.
func ParseStatus(s string) (SubscriptionStatus, bool) {
	switch st := SubscriptionStatus(s); st {
	case StatusNone, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled,
		StatusUnpaid, StatusIncomplete, StatusIncompleteExpired, StatusPaused:
		return st, true
	}
	return "", false
}

// Entitling reports whether a subscription in this state grants its plan tier.
func (s SubscriptionStatus) Entitling() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// Terminal reports whether no further transitions are expected.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// Membership is a principal's membership in an organization.
type Membership struct {
	OrgID  string          `json:"org_id"`
	Role   catalog.OrgRole `json:"role"`
	Active bool            `json:"active"`
}

// PrincipalStatus is a soft lifecycle flag; principals are never deleted.
type PrincipalStatus string

const (
	PrincipalActive   PrincipalStatus = "active"
	PrincipalDisabled PrincipalStatus = "disabled"
)

// Principal is a user known to the control plane.
type Principal struct {
	ID          string               `json:"id"`
	TenantID    string               `json:"tenant_id"`
	Role        catalog.Role         `json:"role"`
	Status      PrincipalStatus      `json:"status"`
	Memberships []Membership         `json:"memberships,omitempty"`
	Grants      []catalog.Permission `json:"grants,omitempty"`
	Revocations []catalog.Permission `json:"revocations,omitempty"`
	Version     int64                `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// BillingTenant returns the tenant whose subscription covers the principal.
// Individually billed principals are their own tenant.
func (p *Principal) BillingTenant() string {
	if p.TenantID != "" {
		return p.TenantID
	}
	return p.ID
}

// Subscription is the per-tenant subscription record.
type Subscription struct {
	TenantID           string             `json:"tenant_id"`
	SubscriptionID     string             `json:"subscription_id,omitempty"`
	CustomerID         string             `json:"customer_id,omitempty"`
	Status             SubscriptionStatus `json:"status"`
	PriceID            string             `json:"price_id,omitempty"`
	Tier               catalog.Tier       `json:"tier"`
	LimitsTier         catalog.Tier       `json:"limits_tier"`
	CurrentPeriodStart time.Time          `json:"current_period_start,omitzero"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end,omitzero"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	LastEventID        string             `json:"last_event_id,omitempty"`
	LastEventAt        time.Time          `json:"last_event_at,omitzero"`
	Version            int64              `json:"version"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// EffectiveTier is the tier the subscription currently grants. Records that
// are absent or not in an entitling state grant the free tier.
func (s *Subscription) EffectiveTier() catalog.Tier {
	if s == nil || !s.Status.Entitling() || s.Tier.Rank() < 0 {
		return catalog.TierFree
	}
	return s.Tier
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	cp := *s
	if s.TrialEnd != nil {
		t := *s.TrialEnd
		cp.TrialEnd = &t
	}
	if s.CanceledAt != nil {
		t := *s.CanceledAt
		cp.CanceledAt = &t
	}
	return &cp
}

// QuotaKey identifies one ledger entry.
type QuotaKey struct {
	PrincipalID string               `json:"principal_id"`
	Resource    catalog.ResourceType `json:"resource"`
}

// QuotaEntry is a usage counter with the limit snapshot it is checked against.
type QuotaEntry struct {
	PrincipalID string               `json:"principal_id"`
	TenantID    string               `json:"tenant_id"`
	Resource    catalog.ResourceType `json:"resource"`
	Usage       int64                `json:"usage"`
	Limit       catalog.Limit        `json:"limit"`
	PeriodStart time.Time            `json:"period_start"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Key returns the entry's key.
func (e *QuotaEntry) Key() QuotaKey {
	return QuotaKey{PrincipalID: e.PrincipalID, Resource: e.Resource}
}

// BillingEventRecord marks a provider event id as processed.
type BillingEventRecord struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Type        string    `json:"type"`
	ProcessedAt time.Time `json:"processed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// DefaultEventRetention is how long processed event ids are remembered.
const DefaultEventRetention = 30 * 24 * time.Hour

func (r *BillingEventRecord) stamp(now time.Time) {
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = now
	}
	if r.ExpiresAt.IsZero() {
		r.ExpiresAt = r.ProcessedAt.Add(DefaultEventRetention)
	}
}
