package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/store"
)

// ErrContention is returned when a subscription record kept changing under
// concurrent writers for every retry.
var ErrContention = errors.New("billing: subscription update contention")

// Transition reports what Apply did to a subscription record.
type Transition struct {
	TenantID     string                   `json:"tenant_id"`
	Transitioned bool                     `json:"transitioned"`
	Stale        bool                     `json:"stale,omitempty"`
	Ignored      bool                     `json:"ignored,omitempty"`
	OldStatus    store.SubscriptionStatus `json:"old_status"`
	NewStatus    store.SubscriptionStatus `json:"new_status"`
	OldTier      catalog.Tier             `json:"old_tier"`
	NewTier      catalog.Tier             `json:"new_tier"`
	TierChanged  bool                     `json:"tier_changed"`
}

// StateMachine applies canonical events to per-tenant subscription records.
// Each record is written with compare-and-swap on its version; a change of
// effective tier is propagated before Apply returns.
type StateMachine struct {
	subs       store.SubscriptionStore
	prices     catalog.PriceMap
	propagator TierPropagator
	logger     *slog.Logger
	maxRetries int
}

// NewStateMachine creates a StateMachine.
func NewStateMachine(subs store.SubscriptionStore, prices catalog.PriceMap, propagator TierPropagator, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{subs: subs, prices: prices, propagator: propagator, logger: logger, maxRetries: 8}
}

func isSubscriptionEvent(t string) bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventSubscriptionPaused, EventSubscriptionResumed, EventSubscriptionTrialWillEnd:
		return true
	}
	return false
}

func isInvoiceEvent(t string) bool {
	switch t {
	case EventInvoicePaymentFailed, EventInvoicePaymentSucceeded, EventInvoicePaid:
		return true
	}
	return false
}

func isKnownEvent(t string) bool {
	return isSubscriptionEvent(t) || isInvoiceEvent(t) || t == EventCheckoutCompleted
}

func malformed(ev *CanonicalEvent, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s: %s", ErrMalformedEvent, ev.Type, ev.ID, fmt.Sprintf(format, args...))
}

// Validate checks the fields the event's type requires.
func Validate(ev *CanonicalEvent) error {
	if ev.ID == "" || ev.Type == "" || ev.Created.IsZero() {
		return malformed(ev, "id, type and created are required")
	}
	switch {
	case isSubscriptionEvent(ev.Type):
		if ev.SubscriptionID == nil {
			return malformed(ev, "subscription id missing")
		}
		if ev.Type == EventSubscriptionCreated || ev.Type == EventSubscriptionUpdated {
			if ev.Status == nil {
				return malformed(ev, "status missing")
			}
			if st, ok := store.ParseStatus(*ev.Status); !ok || st == store.StatusNone {
				return malformed(ev, "unknown status %q", *ev.Status)
			}
		}
	case isInvoiceEvent(ev.Type):
		if ev.SubscriptionID == nil && ev.CustomerID == nil {
			return malformed(ev, "invoice names neither subscription nor customer")
		}
	case ev.Type == EventCheckoutCompleted:
		if ev.TenantID == nil || ev.CustomerID == nil {
			return malformed(ev, "checkout needs tenant reference and customer")
		}
	}
	return nil
}

// route finds the tenant the event belongs to.
func (m *StateMachine) route(ctx context.Context, ev *CanonicalEvent) (string, error) {
	if t := ev.Tenant(); t != "" {
		return t, nil
	}
	if ev.CustomerID == nil {
		return "", malformed(ev, "no tenant metadata and no customer to route by")
	}
	sub, err := m.subs.FindSubscriptionByCustomer(ctx, *ev.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		return "", malformed(ev, "unknown customer %q", *ev.CustomerID)
	}
	if err != nil {
		return "", fmt.Errorf("billing: route event %q: %w", ev.ID, err)
	}
	return sub.TenantID, nil
}

func (m *StateMachine) load(ctx context.Context, tenantID string) (*store.Subscription, error) {
	sub, err := m.subs.GetSubscription(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Subscription{TenantID: tenantID, Status: store.StatusNone, Tier: catalog.TierFree, LimitsTier: catalog.TierFree}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("billing: load subscription %q: %w", tenantID, err)
	}
	return sub, nil
}

func limitsTier(sub *store.Subscription) catalog.Tier {
	if sub.LimitsTier == "" {
		return catalog.TierFree
	}
	return sub.LimitsTier
}

// Apply applies one canonical event. Stale events and events for a terminal
// subscription are accepted as no-ops. Events missing required fields return
// ErrMalformedEvent. Store failures are returned unchanged in their chain so
// callers can match store.ErrUnavailable.
func (m *StateMachine) Apply(ctx context.Context, ev *CanonicalEvent) (*Transition, error) {
	if err := Validate(ev); err != nil {
		return nil, err
	}
	if !isKnownEvent(ev.Type) && ev.TenantID == nil && ev.CustomerID == nil {
		// Unrelated provider events have nothing to advance.
		return &Transition{Ignored: true}, nil
	}
	tenantID, err := m.route(ctx, ev)
	if err != nil {
		return nil, err
	}

	for range m.maxRetries {
		cur, err := m.load(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if cur.Version > 0 {
			if err := m.repair(ctx, cur); err != nil {
				return nil, err
			}
		}

		next, tr := m.transition(cur, ev)
		if next == nil {
			return tr, nil
		}
		// Limits are marked only once propagation has finished.
		next.LimitsTier = limitsTier(cur)
		err = m.subs.PutSubscription(ctx, next)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("billing: write subscription %q: %w", tenantID, err)
		}

		if tr.Transitioned {
			m.logger.Info("subscription transitioned",
				"tenant_id", tenantID, "event_id", ev.ID, "type", ev.Type,
				"old_status", tr.OldStatus, "new_status", tr.NewStatus)
		}
		if target := next.EffectiveTier(); target != next.LimitsTier {
			if err := m.propagate(ctx, tenantID, next.LimitsTier, target); err != nil {
				return nil, err
			}
			tr.TierChanged = true
		}
		return tr, nil
	}
	return nil, ErrContention
}

// repair finishes a propagation a previous Apply wrote the state for but did
// not complete.
func (m *StateMachine) repair(ctx context.Context, cur *store.Subscription) error {
	target := cur.EffectiveTier()
	from := limitsTier(cur)
	if target == from {
		return nil
	}
	m.logger.Warn("completing interrupted tier propagation",
		"tenant_id", cur.TenantID, "limits_tier", from, "effective_tier", target)
	return m.propagate(ctx, cur.TenantID, from, target)
}

func (m *StateMachine) propagate(ctx context.Context, tenantID string, from, to catalog.Tier) error {
	if err := m.propagator.OnTierChange(ctx, tenantID, from, to); err != nil {
		return err
	}
	for range m.maxRetries {
		sub, err := m.subs.GetSubscription(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("billing: mark limits tier %q: %w", tenantID, err)
		}
		if sub.EffectiveTier() != to || sub.LimitsTier == to {
			// A newer writer owns the next propagation.
			return nil
		}
		sub.LimitsTier = to
		err = m.subs.PutSubscription(ctx, sub)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("billing: mark limits tier %q: %w", tenantID, err)
		}
		return nil
	}
	return ErrContention
}

// transition computes the next record. A nil record means nothing to write.
func (m *StateMachine) transition(cur *store.Subscription, ev *CanonicalEvent) (*store.Subscription, *Transition) {
	tr := &Transition{
		TenantID:  cur.TenantID,
		OldStatus: cur.Status,
		NewStatus: cur.Status,
		OldTier:   cur.EffectiveTier(),
		NewTier:   cur.EffectiveTier(),
	}

	if ev.Type == EventCheckoutCompleted {
		return m.bindCheckout(cur, ev), tr
	}
	if cur.Version == 0 && !isSubscriptionEvent(ev.Type) {
		// Only a checkout or a subscription event starts a tenant's record.
		tr.Ignored = true
		return nil, tr
	}
	if !cur.LastEventAt.IsZero() && !ev.Created.After(cur.LastEventAt) {
		tr.Stale = true
		return nil, tr
	}

	evSub := deref(ev.SubscriptionID)
	if evSub != "" && cur.SubscriptionID != "" && evSub != cur.SubscriptionID {
		live := cur.Status != store.StatusNone && !cur.Status.Terminal()
		if live && ev.Type != EventSubscriptionCreated {
			// Late event for a subscription this tenant has moved on from.
			tr.Ignored = true
			return nil, tr
		}
	} else if cur.Status.Terminal() && evSub == cur.SubscriptionID {
		tr.Ignored = true
		return nil, tr
	}

	next := cur.Clone()
	next.LastEventID = ev.ID
	next.LastEventAt = ev.Created

	switch {
	case isSubscriptionEvent(ev.Type):
		m.applySubscription(next, ev)
	case isInvoiceEvent(ev.Type):
		if evSub == "" || evSub == cur.SubscriptionID {
			applyInvoice(next, ev)
		}
	}

	if next.Status != store.StatusNone && next.SubscriptionID == "" {
		// A paid state always names its subscription.
		next.Status = store.StatusNone
	}
	tr.NewStatus = next.Status
	tr.NewTier = next.EffectiveTier()
	tr.Transitioned = tr.NewStatus != tr.OldStatus || tr.NewTier != tr.OldTier
	return next, tr
}

func (m *StateMachine) applySubscription(next *store.Subscription, ev *CanonicalEvent) {
	next.SubscriptionID = *ev.SubscriptionID
	if ev.CustomerID != nil {
		next.CustomerID = *ev.CustomerID
	}
	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		next.Status, _ = store.ParseStatus(*ev.Status)
	case EventSubscriptionDeleted:
		next.Status = store.StatusCanceled
		canceled := ev.Created
		if ev.CanceledAt != nil {
			canceled = *ev.CanceledAt
		}
		next.CanceledAt = &canceled
	case EventSubscriptionPaused:
		next.Status = store.StatusPaused
	case EventSubscriptionResumed:
		next.Status = store.StatusActive
	}

	if ev.PeriodStart != nil {
		next.CurrentPeriodStart = *ev.PeriodStart
	}
	if ev.PeriodEnd != nil {
		next.CurrentPeriodEnd = *ev.PeriodEnd
	}
	if ev.TrialEnd != nil {
		t := *ev.TrialEnd
		next.TrialEnd = &t
	}
	if ev.CancelAtPeriodEnd != nil {
		next.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
	}
	if ev.CanceledAt != nil && next.CanceledAt == nil {
		t := *ev.CanceledAt
		next.CanceledAt = &t
	}

	if ev.PriceID == nil && ev.PriceLookupKey == nil && ev.Tier == nil {
		return
	}
	tier, ok := m.prices.Resolve(deref(ev.PriceID), deref(ev.PriceLookupKey), deref(ev.Tier))
	if !ok {
		m.logger.Warn("unmapped price, keeping current tier",
			"tenant_id", next.TenantID, "event_id", ev.ID, "price_id", deref(ev.PriceID), "tier", next.Tier)
		return
	}
	next.Tier = tier
	if ev.PriceID != nil {
		next.PriceID = *ev.PriceID
	}
}

func applyInvoice(next *store.Subscription, ev *CanonicalEvent) {
	switch ev.Type {
	case EventInvoicePaymentFailed:
		// Trials are not downgraded by a failed charge.
		if next.Status == store.StatusActive {
			next.Status = store.StatusPastDue
		}
	case EventInvoicePaymentSucceeded, EventInvoicePaid:
		if next.Status == store.StatusPastDue {
			next.Status = store.StatusActive
		}
	}
	if ev.PeriodEnd != nil && ev.PeriodEnd.After(next.CurrentPeriodEnd) {
		next.CurrentPeriodEnd = *ev.PeriodEnd
		if ev.PeriodStart != nil {
			next.CurrentPeriodStart = *ev.PeriodStart
		}
	}
}

// bindCheckout ties a tenant to its provider customer and new subscription.
// It leaves the status and event ordering to subscription events.
func (m *StateMachine) bindCheckout(cur *store.Subscription, ev *CanonicalEvent) *store.Subscription {
	next := cur.Clone()
	changed := cur.Version == 0
	if c := *ev.CustomerID; next.CustomerID != c {
		next.CustomerID = c
		changed = true
	}
	if s := deref(ev.SubscriptionID); s != "" && next.SubscriptionID != s {
		if next.Status == store.StatusNone || next.Status.Terminal() || next.SubscriptionID == "" {
			next.SubscriptionID = s
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return next
}
