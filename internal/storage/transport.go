package storage

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// InstrumentTransport wraps rt so every request to the object store gets a
// client span, named "<system> <METHOD>", under the caller's span.
func InstrumentTransport(rt http.RoundTripper, system string, opts ...otelhttp.Option) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	opts = append([]otelhttp.Option{
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return system + " " + r.Method
		}),
	}, opts...)
	return otelhttp.NewTransport(rt, opts...)
}
