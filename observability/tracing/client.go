package tracing

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// HTTPClient returns a client whose requests are recorded as client spans
// under the caller's span. It is handed to the AWS SDK so DynamoDB and SQS
// calls show up inside billing event traces. A nil tp uses the global
// provider.
func HTTPClient(tp trace.TracerProvider) *http.Client {
	var opts []otelhttp.Option
	if tp != nil {
		opts = append(opts, otelhttp.WithTracerProvider(tp))
	}
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport, opts...)}
}
