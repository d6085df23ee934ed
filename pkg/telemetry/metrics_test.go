package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()
	return reader
}

func TestRecordStageMetrics(t *testing.T) {
	reader := installMeter(t)
	ctx := context.Background()

	RecordStageMetrics(ctx, StageMetrics{
		RouteID:   "order-soap-route",
		StageName: "forward",
		StageKind: domain.StageInvokeHTTP,
		Outcome:   domain.OutcomeTimeout,
		Duration:  150 * time.Millisecond,
	})
	RecordStageMetrics(ctx, StageMetrics{
		RouteID:   "order-soap-route",
		StageName: "validate",
		StageKind: domain.StageValidate,
		Outcome:   domain.OutcomeFailure,
		ErrorKind: domain.KindValidationFailed,
		Duration:  2 * time.Millisecond,
	})

	metrics := collect(t, reader)

	exec, ok := metrics["esb.stage.executions_total"]
	if !ok {
		t.Fatalf("missing esb.stage.executions_total metric")
	}
	execData, ok := exec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(execData.DataPoints))
	}

	timeouts := metrics["esb.stage.timeout_total"].Data.(metricdata.Sum[int64])
	if len(timeouts.DataPoints) != 1 || timeouts.DataPoints[0].Value != 1 {
		t.Fatalf("expected one timeout datapoint with value 1, got %+v", timeouts.DataPoints)
	}
	if value, ok := timeouts.DataPoints[0].Attributes.Value(attribute.Key("stage.kind")); !ok || value.AsString() != "invoke-http" {
		t.Fatalf("expected stage.kind invoke-http, got %v", value)
	}

	failures := metrics["esb.stage.failures_total"].Data.(metricdata.Sum[int64])
	if len(failures.DataPoints) != 1 {
		t.Fatalf("expected one failure datapoint, got %d", len(failures.DataPoints))
	}
	if value, ok := failures.DataPoints[0].Attributes.Value(attribute.Key("error.kind")); !ok || value.AsString() != "ValidationFailed" {
		t.Fatalf("expected error.kind ValidationFailed, got %v", value)
	}

	hist := metrics["esb.stage.duration_ms"].Data.(metricdata.Histogram[float64])
	var total float64
	for _, dp := range hist.DataPoints {
		total += dp.Sum
	}
	if total != 152 {
		t.Fatalf("expected histogram sum 152, got %v", total)
	}
}

func TestRecordRunMetrics(t *testing.T) {
	reader := installMeter(t)

	RecordRunMetrics(context.Background(), RunMetrics{RouteID: "r", Status: domain.RunFailed, Duration: 10 * time.Millisecond})

	metrics := collect(t, reader)
	runs := metrics["esb.run.total"].Data.(metricdata.Sum[int64])
	if len(runs.DataPoints) != 1 || runs.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single run datapoint, got %+v", runs.DataPoints)
	}
	if value, _ := runs.DataPoints[0].Attributes.Value(attribute.Key("run.status")); value.AsString() != "failed" {
		t.Fatalf("expected run.status failed, got %v", value)
	}
}

func TestRecordStageFailure(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "stage")
	RecordStageFailure(span, "forward", domain.KindDownstreamError, 503)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "stage.failed" {
		t.Fatalf("expected a stage.failed event, got %+v", events)
	}
	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("downstream.status")); !ok || value.AsInt64() != 503 {
		t.Fatalf("expected downstream.status 503, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest("order-soap-route", http.StatusOK, 5*time.Millisecond)
	m.RecordRun("order-soap-route", "failed", "validate", "ValidationFailed")
	m.RecordDownstreamReply("order-soap-route", http.StatusCreated)
	m.RecordPoolRejected()
	m.RecordRouteReload(true, 3)
	m.RecordRouteReload(false, 0)

	if got := testutil.ToFloat64(m.routesActive); got != 3 {
		t.Fatalf("expected 3 active routes after failed reload, got %v", got)
	}
	if got := testutil.ToFloat64(m.stageFailures.WithLabelValues("order-soap-route", "validate", "ValidationFailed")); got != 1 {
		t.Fatalf("expected one validate failure, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"esb_listener_requests_total", "esb_worker_pool_rejected_total", "esb_downstream_replies_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
