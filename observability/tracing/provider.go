// Package tracing configures OpenTelemetry for the control plane: an OTLP/HTTP
// exporter, HTTP server spans and spans around billing event processing.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing how a replica is deployed.
const (
	AttrStoreBackend = attribute.Key("controlplane.store.backend")
	AttrQuotaBackend = attribute.Key("controlplane.quota.backend")
	AttrCacheBackend = attribute.Key("controlplane.cache.backend")
)

// Config selects the OTLP collector and identifies this replica.
type Config struct {
	// Endpoint is the OTLP/HTTP collector, host:port.
	Endpoint string
	Insecure bool
	// SampleRate is the ratio of root traces kept. 0 and 1 keep all of them.
	SampleRate float64

	ServiceName    string
	ServiceVersion string
	Environment    string
	// InstanceID tells replicas apart. Empty uses the hostname.
	InstanceID string

	StoreBackend string
	QuotaBackend string
	CacheBackend string
}

// Resource builds the OpenTelemetry resource every span of this replica
// carries. Empty fields are left off.
func (c Config) Resource(ctx context.Context) (*resource.Resource, error) {
	name := c.ServiceName
	if name == "" {
		name = "controlplane"
	}
	instance := c.InstanceID
	if instance == "" {
		instance, _ = os.Hostname()
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	for _, kv := range []struct {
		key attribute.Key
		val string
	}{
		{semconv.ServiceVersionKey, c.ServiceVersion},
		{semconv.ServiceInstanceIDKey, instance},
		{semconv.DeploymentEnvironmentKey, c.Environment},
		{AttrStoreBackend, c.StoreBackend},
		{AttrQuotaBackend, c.QuotaBackend},
		{AttrCacheBackend, c.CacheBackend},
	} {
		if kv.val != "" {
			attrs = append(attrs, kv.key.String(kv.val))
		}
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessPID(),
		resource.WithProcessRuntimeVersion(),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}
	return res, nil
}

// Provider owns the SDK tracer provider installed as the global one.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider exports spans over OTLP/HTTP and installs the provider and a
// W3C trace context propagator globally.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("tracing: endpoint is required")
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	p, err := newProvider(ctx, cfg, sdktrace.WithBatcher(exporter))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

func newProvider(ctx context.Context, cfg Config, export sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := cfg.Resource(ctx)
	if err != nil {
		return nil, err
	}
	return &Provider{tp: sdktrace.NewTracerProvider(
		export,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	)}, nil
}

// Sampler keeps rate of root traces. Child spans follow their parent.
func Sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1.0 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// TracerProvider returns the SDK provider.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.tp
}

// Shutdown flushes buffered spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
