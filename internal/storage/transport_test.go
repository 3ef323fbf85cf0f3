package storage_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/gardenpub/internal/storage"
)

func TestInstrumentTransportRecordsClientSpans(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("traceparent") == "" {
			http.Error(w, "missing traceparent", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx, parent := provider.Tracer("test").Start(context.Background(), "publish.state.backed_up")
	client := &http.Client{Transport: storage.InstrumentTransport(nil, "s3",
		otelhttp.WithTracerProvider(provider),
		otelhttp.WithPropagators(propagation.TraceContext{}),
	)}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, srv.URL+"/registry/garden/dev/apps.json", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	parent.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected request and parent spans, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "s3 HEAD" || span.SpanKind() != trace.SpanKindClient {
		t.Fatalf("unexpected span %q kind %v", span.Name(), span.SpanKind())
	}
	if span.Parent().SpanID() != parent.SpanContext().SpanID() {
		t.Fatal("request span should be a child of the caller's span")
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("trace context not propagated, status %d", resp.StatusCode)
	}
}
