package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/GoCodeAlone/controlplane/audit"
)

// Outcome classifies how the pipeline disposed of a delivery.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeMalformed Outcome = "malformed"
	OutcomeFailed    Outcome = "failed"
)

// Recorder receives billing and metering measurements.
type Recorder interface {
	RecordBillingEvent(channel, eventType, outcome string)
	RecordTransition(from, to string)
	RecordTierChange(from, to string)
	RecordQuotaDecision(resource, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordBillingEvent(string, string, string) {}
func (nopRecorder) RecordTransition(string, string)           {}
func (nopRecorder) RecordTierChange(string, string)           {}
func (nopRecorder) RecordQuotaDecision(string, string)        {}

// AuditLog records billing transitions.
type AuditLog interface {
	Log(ctx context.Context, event audit.Event)
}

// Tracer opens a span around one delivery. The returned func ends it.
type Tracer interface {
	StartEvent(ctx context.Context, channel string) (context.Context, func(eventType, outcome string, err error))
}

// Report describes one processed delivery.
type Report struct {
	EventID    string      `json:"event_id,omitempty"`
	Type       string      `json:"type,omitempty"`
	Outcome    Outcome     `json:"outcome"`
	Transition *Transition `json:"transition,omitempty"`
}

// Pipeline runs a delivery through the normalizer and the state machine.
type Pipeline struct {
	normalizer *Normalizer
	machine    *StateMachine
	recorder   Recorder
	audit      AuditLog
	tracer     Tracer
	logger     *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) PipelineOption {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithAuditLog sets the audit log for transitions.
func WithAuditLog(a AuditLog) PipelineOption {
	return func(p *Pipeline) { p.audit = a }
}

// WithTracer sets the span tracer.
func WithTracer(t Tracer) PipelineOption {
	return func(p *Pipeline) { p.tracer = t }
}

// NewPipeline creates a Pipeline.
func NewPipeline(normalizer *Normalizer, machine *StateMachine, logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{normalizer: normalizer, machine: machine, recorder: nopRecorder{}, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process normalizes and applies one delivery. Invalid deliveries return
// ErrInvalidEvent; malformed events are acknowledged with a nil error so the
// provider stops redelivering them. Any other failure releases the event id
// and is returned so the provider redelivers.
func (p *Pipeline) Process(ctx context.Context, raw *RawEvent) (*Report, error) {
	var end func(string, string, error)
	if p.tracer != nil {
		ctx, end = p.tracer.StartEvent(ctx, string(raw.Channel))
	}
	rep, err := p.process(ctx, raw)
	if end != nil {
		end(rep.Type, string(rep.Outcome), err)
	}
	p.recorder.RecordBillingEvent(string(raw.Channel), rep.Type, string(rep.Outcome))
	return rep, err
}

func (p *Pipeline) process(ctx context.Context, raw *RawEvent) (*Report, error) {
	n, err := p.normalizer.Normalize(ctx, raw)
	if errors.Is(err, ErrInvalidEvent) {
		p.logger.Warn("billing event rejected", "channel", raw.Channel, "error", err)
		return &Report{Outcome: OutcomeInvalid}, err
	}
	if err != nil {
		p.logger.Error("billing event not recorded", "channel", raw.Channel, "error", err)
		return &Report{Outcome: OutcomeFailed}, err
	}

	ev := n.Event
	rep := &Report{EventID: ev.ID, Type: ev.Type}
	if n.Duplicate {
		p.logger.Debug("duplicate billing event", "event_id", ev.ID, "channel", ev.Channel)
		rep.Outcome = OutcomeDuplicate
		return rep, nil
	}

	tr, err := p.machine.Apply(ctx, ev)
	switch {
	case errors.Is(err, ErrMalformedEvent):
		p.logger.Warn("malformed billing event dropped", "event_id", ev.ID, "type", ev.Type, "error", err)
		rep.Outcome = OutcomeMalformed
		return rep, nil
	case err != nil:
		p.logger.Error("billing event apply failed, releasing for redelivery",
			"event_id", ev.ID, "type", ev.Type, "error", err)
		if rerr := p.normalizer.Release(ctx, ev.ID); rerr != nil {
			p.logger.Error("billing event release failed", "event_id", ev.ID, "error", rerr)
		}
		rep.Outcome = OutcomeFailed
		return rep, err
	}

	rep.Transition = tr
	switch {
	case tr.Stale:
		rep.Outcome = OutcomeStale
	case tr.Ignored:
		rep.Outcome = OutcomeIgnored
	default:
		rep.Outcome = OutcomeApplied
	}
	if tr.Transitioned {
		p.recorder.RecordTransition(string(tr.OldStatus), string(tr.NewStatus))
		if p.audit != nil {
			p.audit.Log(ctx, audit.Event{
				Type:     audit.EventBillingTransition,
				Action:   ev.Type,
				Actor:    string(ev.Channel),
				Resource: tr.TenantID,
				Success:  true,
				Metadata: map[string]any{
					"event_id":   ev.ID,
					"old_status": tr.OldStatus,
					"new_status": tr.NewStatus,
					"old_tier":   tr.OldTier,
					"new_tier":   tr.NewTier,
				},
			})
		}
	}
	if tr.TierChanged {
		p.recorder.RecordTierChange(string(tr.OldTier), string(tr.NewTier))
	}
	return rep, nil
}
