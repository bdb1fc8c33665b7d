package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/controlplane/store"
)

// Normalized is the result of a successful Normalize call.
type Normalized struct {
	Event     *CanonicalEvent
	Duplicate bool
}

// Normalizer authenticates inbound events, converts them to canonical form
// and records their provider id so each id is processed at most once.
type Normalizer struct {
	verifiers map[Channel]Verifier
	events    store.EventStore
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewNormalizer creates a Normalizer. Channels without a verifier reject
// every delivery.
func NewNormalizer(events store.EventStore, verifiers map[Channel]Verifier, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		verifiers: verifiers,
		events:    events,
		retention: store.DefaultEventRetention,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRetention overrides how long processed event ids are remembered.
func (n *Normalizer) SetRetention(d time.Duration) {
	if d > 0 {
		n.retention = d
	}
}

// Normalize verifies the delivery, then checks and records the event id.
// Authenticity and parse failures return ErrInvalidEvent and leave nothing
// recorded. An id seen before yields Duplicate with no record written.
func (n *Normalizer) Normalize(ctx context.Context, raw *RawEvent) (*Normalized, error) {
	v, ok := n.verifiers[raw.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidEvent, raw.Channel)
	}
	env, err := v.Verify(raw)
	if err != nil {
		return nil, err
	}
	ev, err := Canonicalize(env, raw.Channel)
	if err != nil {
		return nil, err
	}

	if _, err := n.events.GetEvent(ctx, ev.ID); err == nil {
		return &Normalized{Event: ev, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("billing: check event %q: %w", ev.ID, err)
	}

	now := n.now()
	err = n.events.RecordEvent(ctx, &store.BillingEventRecord{
		ID:          ev.ID,
		TenantID:    ev.Tenant(),
		Type:        ev.Type,
		ProcessedAt: now,
		ExpiresAt:   now.Add(n.retention),
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Lost the race against a concurrent delivery of the same id.
		return &Normalized{Event: ev, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("billing: record event %q: %w", ev.ID, err)
	}
	n.logger.Debug("billing event recorded",
		"event_id", ev.ID, "type", ev.Type, "channel", ev.Channel, "shape", ev.Shape)
	return &Normalized{Event: ev}, nil
}

// Release forgets a recorded event id so a redelivery is processed again.
func (n *Normalizer) Release(ctx context.Context, eventID string) error {
	err := n.events.DeleteEvent(ctx, eventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("billing: release event %q: %w", eventID, err)
	}
	return nil
}
