// Package metrics exposes control-plane measurements in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/controlplane/entitlement"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Path      string `yaml:"path" json:"path"`
	// Runtime adds Go runtime and process collectors.
	Runtime bool `yaml:"runtime" json:"runtime"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Namespace: "controlplane", Path: "/metrics", Runtime: true}
}

// Collector wraps the control plane's Prometheus metrics on a private
// registry. All Record methods are safe on a nil Collector.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	BillingEvents       *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	TierChanges         *prometheus.CounterVec
	QuotaDecisions      *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Collector with its own registry.
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	reg := prometheus.NewRegistry()
	ns := cfg.Namespace

	c := &Collector{
		config:   cfg,
		registry: reg,
		BillingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "billing_events_total",
			Help:      "Billing events processed, by channel, type and outcome",
		}, []string{"channel", "type", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "subscription_transitions_total",
			Help:      "Subscription status transitions",
		}, []string{"from", "to"}),
		TierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tier_changes_total",
			Help:      "Effective tier changes propagated to quotas",
		}, []string{"from", "to"}),
		QuotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "quota_decisions_total",
			Help:      "Quota consumption decisions, by resource and outcome",
		}, []string{"resource", "outcome"}),
		WebhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "webhook_duration_seconds",
			Help:      "Duration of billing webhook handling in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(
		c.BillingEvents, c.Transitions, c.TierChanges, c.QuotaDecisions,
		c.WebhookDuration, c.HTTPRequestsTotal, c.HTTPRequestDuration,
	)
	if cfg.Runtime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return c
}

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string { return c.config.Path }

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordBillingEvent counts one processed billing delivery.
func (c *Collector) RecordBillingEvent(channel, eventType, outcome string) {
	if c == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	c.BillingEvents.WithLabelValues(channel, eventType, outcome).Inc()
}

// RecordTransition counts a subscription status transition.
func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(from, to).Inc()
}

// RecordTierChange counts an effective tier change.
func (c *Collector) RecordTierChange(from, to string) {
	if c == nil {
		return
	}
	c.TierChanges.WithLabelValues(from, to).Inc()
}

// RecordQuotaDecision counts a quota decision.
func (c *Collector) RecordQuotaDecision(resource, outcome string) {
	if c == nil {
		return
	}
	c.QuotaDecisions.WithLabelValues(resource, outcome).Inc()
}

// ObserveWebhook records webhook handling latency.
func (c *Collector) ObserveWebhook(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.WebhookDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// CacheStatsFunc reports entitlement cache statistics.
type CacheStatsFunc func() entitlement.CacheStats

// RegisterCache exposes the entitlement cache statistics as gauges and
// counters read at scrape time.
func (c *Collector) RegisterCache(stats CacheStatsFunc) {
	ns := c.config.Namespace
	gauge := func(name, help string, v func(entitlement.CacheStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help},
			func() float64 { return v(stats()) })
	}
	counter := func(name, help string, v func(entitlement.CacheStats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help},
			func() float64 { return v(stats()) })
	}
	c.registry.MustRegister(
		gauge("entitlement_cache_entries", "Entries held by the entitlement cache",
			func(s entitlement.CacheStats) float64 { return float64(s.Size) }),
		counter("entitlement_cache_hits_total", "Entitlement cache hits",
			func(s entitlement.CacheStats) float64 { return float64(s.Hits) }),
		counter("entitlement_cache_misses_total", "Entitlement cache misses",
			func(s entitlement.CacheStats) float64 { return float64(s.Misses) }),
		counter("entitlement_cache_evictions_total", "Entitlement cache evictions",
			func(s entitlement.CacheStats) float64 { return float64(s.Evictions) }),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware records request count and latency labelled by the matched
// route pattern, so path parameters do not explode label cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		c.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	})
}
