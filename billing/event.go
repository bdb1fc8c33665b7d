package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidEvent marks events that fail authenticity or cannot be parsed.
	// They are dropped without being recorded.
	ErrInvalidEvent = errors.New("billing: invalid event")
	// ErrMalformedEvent marks authentic events missing fields their type
	// requires. They are recorded as processed and never applied.
	ErrMalformedEvent = errors.New("billing: malformed event")
)

// Channel identifies how an event reached the control plane.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelPartner Channel = "partner"
)

// Provider event types acted on by the state machine.
const (
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventSubscriptionPaused       = "customer.subscription.paused"
	EventSubscriptionResumed      = "customer.subscription.resumed"
	EventSubscriptionTrialWillEnd = "customer.subscription.trial_will_end"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaid              = "invoice.paid"
	EventCheckoutCompleted        = "checkout.session.completed"
)

// RawEvent is an inbound delivery before verification.
type RawEvent struct {
	Channel   Channel
	Body      []byte
	Signature string
}

// Envelope is the authenticated provider event with its object still encoded.
type Envelope struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Object   json.RawMessage
}

// Shape is the payload style of data.object.
type Shape string

const (
	ShapeSnapshot Shape = "snapshot"
	ShapeThin     Shape = "thin"
)

// Payload is either a *Snapshot or a *Thin.
type Payload interface {
	Shape() Shape
	top() *objectFields
}

// expandableID decodes a provider reference given either as an id string or
// as an expanded object carrying an id.
type expandableID string

func (id *expandableID) UnmarshalJSON(b []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*id = expandableID(obj.ID)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*id = expandableID(s)
	return nil
}

// objectFields are the top-level fields either shape may carry.
type objectFields struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	Customer           *expandableID     `json:"customer"`
	Subscription       *expandableID     `json:"subscription"`
	Status             *string           `json:"status"`
	CurrentPeriodStart *int64            `json:"current_period_start"`
	CurrentPeriodEnd   *int64            `json:"current_period_end"`
	TrialEnd           *int64            `json:"trial_end"`
	CancelAtPeriodEnd  *bool             `json:"cancel_at_period_end"`
	CanceledAt         *int64            `json:"canceled_at"`
	AmountDue          *int64            `json:"amount_due"`
	AmountPaid         *int64            `json:"amount_paid"`
	Currency           *string           `json:"currency"`
	ClientReferenceID  *string           `json:"client_reference_id"`
	Metadata           map[string]string `json:"metadata"`
}

type price struct {
	ID        string `json:"id"`
	LookupKey string `json:"lookup_key"`
}

type subscriptionItem struct {
	Price              price  `json:"price"`
	CurrentPeriodStart *int64 `json:"current_period_start"`
	CurrentPeriodEnd   *int64 `json:"current_period_end"`
}

type invoiceLine struct {
	Subscription *expandableID `json:"subscription"`
	Price        *price        `json:"price"`
	Period       *struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}

// Snapshot is the full provider object.
type Snapshot struct {
	objectFields
	Mode  *string `json:"mode"`
	Items *struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
	Lines *struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

func (*Snapshot) Shape() Shape         { return ShapeSnapshot }
func (s *Snapshot) top() *objectFields { return &s.objectFields }

func (s *Snapshot) firstItem() *subscriptionItem {
	if s.Items == nil || len(s.Items.Data) == 0 {
		return nil
	}
	return &s.Items.Data[0]
}

func (s *Snapshot) firstLine() *invoiceLine {
	if s.Lines == nil || len(s.Lines.Data) == 0 {
		return nil
	}
	return &s.Lines.Data[0]
}

// Thin is an abbreviated object: an id plus a handful of top-level fields.
type Thin struct {
	objectFields
}

func (*Thin) Shape() Shape         { return ShapeThin }
func (t *Thin) top() *objectFields { return &t.objectFields }

// Keys only present on full provider objects.
var snapshotMarkers = []string{"items", "lines", "mode"}

// DecodePayload decodes data.object into its tagged shape.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode data.object: %w", err)
	}
	for _, k := range snapshotMarkers {
		if _, ok := keys[k]; ok {
			var s Snapshot
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("decode snapshot object: %w", err)
			}
			return &s, nil
		}
	}
	var t Thin
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode thin object: %w", err)
	}
	return &t, nil
}

// CanonicalEvent is the shape-independent form of a provider event. Fields
// the payload did not carry stay nil.
type CanonicalEvent struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Created  time.Time `json:"created"`
	Livemode bool      `json:"livemode"`
	Channel  Channel   `json:"channel"`
	Shape    Shape     `json:"shape"`

	TenantID          *string    `json:"tenant_id,omitempty"`
	SubscriptionID    *string    `json:"subscription_id,omitempty"`
	CustomerID        *string    `json:"customer_id,omitempty"`
	Status            *string    `json:"status,omitempty"`
	PriceID           *string    `json:"price_id,omitempty"`
	PriceLookupKey    *string    `json:"price_lookup_key,omitempty"`
	Tier              *string    `json:"tier,omitempty"`
	PeriodStart       *time.Time `json:"period_start,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	TrialEnd          *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd *bool      `json:"cancel_at_period_end,omitempty"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
	AmountDue         *int64     `json:"amount_due,omitempty"`
	AmountPaid        *int64     `json:"amount_paid,omitempty"`
	Currency          *string    `json:"currency,omitempty"`
	Mode              *string    `json:"mode,omitempty"`
}

// Tenant returns the tenant id carried by the event, or "".
func (e *CanonicalEvent) Tenant() string { return deref(e.TenantID) }

type normalizeFunc func(ev *CanonicalEvent, p Payload)

// One normalization function per event type. Types not listed keep only the
// envelope fields plus tenant metadata.
var normalizers = map[string]normalizeFunc{
	EventSubscriptionCreated:      normalizeSubscription,
	EventSubscriptionUpdated:      normalizeSubscription,
	EventSubscriptionDeleted:      normalizeSubscription,
	EventSubscriptionPaused:       normalizeSubscription,
	EventSubscriptionResumed:      normalizeSubscription,
	EventSubscriptionTrialWillEnd: normalizeSubscription,
	EventInvoicePaymentFailed:     normalizeInvoice,
	EventInvoicePaymentSucceeded:  normalizeInvoice,
	EventInvoicePaid:              normalizeInvoice,
	EventCheckoutCompleted:        normalizeCheckout,
}

// Canonicalize converts an authenticated envelope into a CanonicalEvent.
func Canonicalize(env *Envelope, ch Channel) (*CanonicalEvent, error) {
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrInvalidEvent)
	}
	payload, err := DecodePayload(env.Object)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	ev := &CanonicalEvent{
		ID:       env.ID,
		Type:     env.Type,
		Created:  env.Created.UTC(),
		Livemode: env.Livemode,
		Channel:  ch,
		Shape:    payload.Shape(),
	}
	top := payload.top()
	ev.TenantID = nonEmpty(top.Metadata["tenant_id"])
	ev.Tier = nonEmpty(top.Metadata["tier"])
	if fn, ok := normalizers[env.Type]; ok {
		fn(ev, payload)
	}
	return ev, nil
}

func normalizeSubscription(ev *CanonicalEvent, p Payload) {
	top := p.top()
	ev.SubscriptionID = nonEmpty(top.ID)
	ev.CustomerID = idOf(top.Customer)
	ev.Status = top.Status
	ev.PeriodStart = unixTime(top.CurrentPeriodStart)
	ev.PeriodEnd = unixTime(top.CurrentPeriodEnd)
	ev.TrialEnd = unixTime(top.TrialEnd)
	ev.CancelAtPeriodEnd = top.CancelAtPeriodEnd
	ev.CanceledAt = unixTime(top.CanceledAt)

	switch p := p.(type) {
	case *Snapshot:
		if item := p.firstItem(); item != nil {
			ev.PriceID = nonEmpty(item.Price.ID)
			ev.PriceLookupKey = nonEmpty(item.Price.LookupKey)
			// Newer API versions carry period bounds on the item only.
			if ev.PeriodStart == nil {
				ev.PeriodStart = unixTime(item.CurrentPeriodStart)
			}
			if ev.PeriodEnd == nil {
				ev.PeriodEnd = unixTime(item.CurrentPeriodEnd)
			}
		}
	case *Thin:
		// top-level fields only
	}
}

func normalizeInvoice(ev *CanonicalEvent, p Payload) {
	top := p.top()
	ev.SubscriptionID = idOf(top.Subscription)
	ev.CustomerID = idOf(top.Customer)
	ev.AmountDue = top.AmountDue
	ev.AmountPaid = top.AmountPaid
	ev.Currency = top.Currency

	switch p := p.(type) {
	case *Snapshot:
		if line := p.firstLine(); line != nil {
			if ev.SubscriptionID == nil {
				ev.SubscriptionID = idOf(line.Subscription)
			}
			if line.Price != nil {
				ev.PriceID = nonEmpty(line.Price.ID)
				ev.PriceLookupKey = nonEmpty(line.Price.LookupKey)
			}
			if line.Period != nil {
				ev.PeriodStart = unixTime(&line.Period.Start)
				ev.PeriodEnd = unixTime(&line.Period.End)
			}
		}
	case *Thin:
		// top-level fields only
	}
}

func normalizeCheckout(ev *CanonicalEvent, p Payload) {
	top := p.top()
	if ref := top.ClientReferenceID; ref != nil && *ref != "" {
		ev.TenantID = ref
	}
	ev.CustomerID = idOf(top.Customer)
	ev.SubscriptionID = idOf(top.Subscription)
	ev.Status = top.Status
	if s, ok := p.(*Snapshot); ok {
		ev.Mode = s.Mode
	}
}

func idOf(id *expandableID) *string {
	if id == nil {
		return nil
	}
	return nonEmpty(string(*id))
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func unixTime(sec *int64) *time.Time {
	if sec == nil || *sec == 0 {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
