package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// AttrRetryAfter marks a response that asked the caller to back off, which
// the control plane does when a store is unavailable.
const AttrRetryAfter = attribute.Key("controlplane.retry_after")

// ServerSpans records a server span per HTTP request.
type ServerSpans struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	skip       map[string]bool
}

// NewServerSpans creates ServerSpans on tp, or on the global provider when tp
// is nil. Requests for the skip paths, such as health and metrics scrapes,
// are not traced.
func NewServerSpans(tp trace.TracerProvider, skip ...string) *ServerSpans {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s := &ServerSpans{
		tracer:     tp.Tracer("controlplane.http"),
		propagator: otel.GetTextMapPropagator(),
		skip:       make(map[string]bool, len(skip)),
	}
	for _, p := range skip {
		s.skip[p] = true
	}
	return s
}

// Wrap returns next traced. A span starts under any incoming trace context
// and is renamed to the matched route pattern, so principal and tenant ids in
// paths never reach span names.
func (s *ServerSpans) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ctx := s.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLScheme(scheme(r)),
				semconv.ServerAddress(r.Host),
				semconv.UserAgentOriginal(r.UserAgent()),
			),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		next.ServeHTTP(sw, req)

		if req.Pattern != "" {
			span.SetName(req.Pattern)
			span.SetAttributes(semconv.HTTPRoute(req.Pattern))
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.Header().Get("Retry-After") != "" {
			span.SetAttributes(AttrRetryAfter.Bool(true))
		}
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// statusWriter remembers the first status written.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
