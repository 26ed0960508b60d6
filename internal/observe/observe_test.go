package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumByAttr(t *testing.T, met *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", met.Name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestRecordModelRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordModelRequest(ctx, 120*time.Millisecond, nil)
	m.RecordModelRequest(ctx, 80*time.Millisecond, nil)
	m.RecordModelRequest(ctx, 10*time.Millisecond, errors.New("boom"))

	rm := collect(t, reader)
	met := findMetric(rm, "bpchat.model.requests")
	if met == nil {
		t.Fatal("bpchat.model.requests not found")
	}
	if got := sumByAttr(t, met, "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumByAttr(t, met, "status", "error"); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}

	hist := findMetric(rm, "bpchat.model.duration")
	if hist == nil {
		t.Fatal("bpchat.model.duration not found")
	}
	h, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok || len(h.DataPoints) == 0 {
		t.Fatal("bpchat.model.duration has no data points")
	}
	if h.DataPoints[0].Count != 3 {
		t.Errorf("duration samples = %d, want 3", h.DataPoints[0].Count)
	}
}

func TestRecordToolCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "blood_pressure", time.Millisecond, "ok")
	m.RecordToolCall(ctx, "blood_pressure", time.Millisecond, "ok")
	m.RecordToolCall(ctx, "unknown", time.Millisecond, "tool_not_supported")

	rm := collect(t, reader)
	met := findMetric(rm, "bpchat.tool.calls")
	if met == nil {
		t.Fatal("bpchat.tool.calls not found")
	}
	if got := sumByAttr(t, met, "tool", "blood_pressure"); got != 2 {
		t.Errorf("blood_pressure calls = %d, want 2", got)
	}
	if got := sumByAttr(t, met, "status", "tool_not_supported"); got != 1 {
		t.Errorf("unsupported calls = %d, want 1", got)
	}
}

func TestRecordTurn(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordTurn(context.Background(), time.Second, "ok")

	rm := collect(t, reader)
	met := findMetric(rm, "bpchat.turn.duration")
	if met == nil {
		t.Fatal("bpchat.turn.duration not found")
	}
	h := met.Data.(metricdata.Histogram[float64])
	if len(h.DataPoints) != 1 || h.DataPoints[0].Count != 1 {
		t.Fatalf("unexpected turn data points: %+v", h.DataPoints)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTurn(ctx, time.Second, "ok")
	m.RecordModelRequest(ctx, time.Second, nil)
	m.RecordToolCall(ctx, "x", time.Second, "ok")
}

func TestStartSpanRecordsName(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "engine.run")
	if CorrelationID(ctx) == "" {
		t.Error("expected a trace id on the span context")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "engine.run" {
		t.Fatalf("spans = %+v, want one engine.run", spans)
	}
}

func TestLoggerAddsTraceIDs(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()

	Logger(ctx).Info("hello")
	if !strings.Contains(buf.String(), "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log line missing trace_id: %s", buf.String())
	}

	buf.Reset()
	Logger(context.Background()).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace_id without span: %s", buf.String())
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m, reader := newTestMetrics(t)
	exp := useTestTracer(t)

	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/abc-123", nil))

	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID header")
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /sessions/{id}" {
		t.Errorf("span name = %q", spans[0].Name)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "bpchat.http.request.duration")
	if met == nil {
		t.Fatal("bpchat.http.request.duration not found")
	}
	h := met.Data.(metricdata.Histogram[float64])
	if len(h.DataPoints) != 1 {
		t.Fatalf("got %d data points, want 1", len(h.DataPoints))
	}
	path, _ := h.DataPoints[0].Attributes.Value(attribute.Key("path"))
	if path.AsString() != "/sessions/{id}" {
		t.Errorf("path attribute = %q", path.AsString())
	}
	status, _ := h.DataPoints[0].Attributes.Value(attribute.Key("status"))
	if status.AsInt64() != http.StatusNotFound {
		t.Errorf("status attribute = %d", status.AsInt64())
	}
}
