package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Verifier authenticates a raw delivery on one channel and returns the
// provider event inside it.
type Verifier interface {
	Verify(raw *RawEvent) (*Envelope, error)
}

// StripeVerifier checks the Stripe-Signature header of direct webhook calls.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier creates a StripeVerifier for the endpoint signing secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// Verify validates the signature and timestamp tolerance of the payload.
func (v *StripeVerifier) Verify(raw *RawEvent) (*Envelope, error) {
	if strings.TrimSpace(v.secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidEvent)
	}
	if strings.TrimSpace(raw.Signature) == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidEvent)
	}
	event, err := webhook.ConstructEventWithOptions(raw.Body, raw.Signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return envelopeOf(&event)
}

func envelopeOf(event *stripe.Event) (*Envelope, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %q has no data.object", ErrInvalidEvent, event.ID)
	}
	return &Envelope{
		ID:       event.ID,
		Type:     string(event.Type),
		Created:  time.Unix(event.Created, 0).UTC(),
		Livemode: event.Livemode,
		Object:   event.Data.Raw,
	}, nil
}

// DefaultPartnerSourcePrefix is the EventBridge source of Stripe partner
// event buses.
const DefaultPartnerSourcePrefix = "aws.partner/stripe.com"

// eventBridgeEnvelope is the wrapper EventBridge puts around partner events
// before they reach the queue.
type eventBridgeEnvelope struct {
	Version    string          `json:"version"`
	ID         string          `json:"id"`
	DetailType string          `json:"detail-type"`
	Source     string          `json:"source"`
	Account    string          `json:"account"`
	Time       time.Time       `json:"time"`
	Region     string          `json:"region"`
	Detail     json.RawMessage `json:"detail"`
}

// PartnerVerifier accepts events delivered through an EventBridge partner
// event source. Delivery itself is authenticated by IAM; the envelope must
// still name the expected partner source and, when configured, account.
type PartnerVerifier struct {
	sourcePrefix string
	account      string
}

// NewPartnerVerifier creates a PartnerVerifier. An empty prefix defaults to
// DefaultPartnerSourcePrefix; an empty account accepts any account.
func NewPartnerVerifier(sourcePrefix, account string) *PartnerVerifier {
	if sourcePrefix == "" {
		sourcePrefix = DefaultPartnerSourcePrefix
	}
	return &PartnerVerifier{sourcePrefix: sourcePrefix, account: account}
}

// Verify checks the envelope origin and unwraps the provider event.
func (v *PartnerVerifier) Verify(raw *RawEvent) (*Envelope, error) {
	var env eventBridgeEnvelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode partner envelope: %w", ErrInvalidEvent, err)
	}
	if !strings.HasPrefix(env.Source, v.sourcePrefix) {
		return nil, fmt.Errorf("%w: unexpected partner source %q", ErrInvalidEvent, env.Source)
	}
	if v.account != "" && env.Account != v.account {
		return nil, fmt.Errorf("%w: unexpected partner account %q", ErrInvalidEvent, env.Account)
	}
	if len(env.Detail) == 0 {
		return nil, fmt.Errorf("%w: partner envelope has no detail", ErrInvalidEvent)
	}
	var event stripe.Event
	if err := json.Unmarshal(env.Detail, &event); err != nil {
		return nil, fmt.Errorf("%w: decode partner detail: %w", ErrInvalidEvent, err)
	}
	if event.Type == "" {
		event.Type = stripe.EventType(env.DetailType)
	}
	return envelopeOf(&event)
}
