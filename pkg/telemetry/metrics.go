package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/polis-esb/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	stageExecutionCounter metric.Int64Counter
	stageFailureCounter   metric.Int64Counter
	stageTimeoutCounter   metric.Int64Counter
	stageLatencyHistogram metric.Float64Histogram
	runCounter            metric.Int64Counter
	runLatencyHistogram   metric.Float64Histogram
)

// StageMetrics captures the fields needed to record one stage execution.
type StageMetrics struct {
	RouteID   string
	StageName string
	StageKind domain.StageKind
	Outcome   domain.StageOutcome
	ErrorKind domain.ErrorKind
	Duration  time.Duration
}

// RecordStageMetrics emits counters and histograms describing stage execution.
func RecordStageMetrics(ctx context.Context, m StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("route.id", m.RouteID),
		attribute.String("stage.name", m.StageName),
		attribute.String("stage.kind", string(m.StageKind)),
		attribute.String("stage.outcome", string(m.Outcome)),
	}

	stageExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		stageLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	switch m.Outcome {
	case domain.OutcomeFailure:
		stageFailureCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.kind", string(m.ErrorKind)))...))
	case domain.OutcomeTimeout:
		stageTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RunMetrics describes one complete pipeline run.
type RunMetrics struct {
	RouteID  string
	Status   domain.RunStatus
	Duration time.Duration
}

// RecordRunMetrics emits the per-run counter and latency histogram.
func RecordRunMetrics(ctx context.Context, m RunMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route.id", m.RouteID),
		attribute.String("run.status", string(m.Status)),
	)
	runCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		runLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("esb.pipeline")

		stageExecutionCounter, metricsInitErr = meter.Int64Counter(
			"esb.stage.executions_total",
			metric.WithDescription("Pipeline stage executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageFailureCounter, metricsInitErr = meter.Int64Counter(
			"esb.stage.failures_total",
			metric.WithDescription("Stage failures partitioned by error kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"esb.stage.timeout_total",
			metric.WithDescription("Stages that exceeded their deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"esb.stage.duration_ms",
			metric.WithDescription("Observed stage execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		runCounter, metricsInitErr = meter.Int64Counter(
			"esb.run.total",
			metric.WithDescription("Completed pipeline runs by status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"esb.run.duration_ms",
			metric.WithDescription("End-to-end pipeline run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordStageFailure attaches a failure event to span without leaking message content.
func RecordStageFailure(span trace.Span, stage string, kind domain.ErrorKind, status int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stage.name", stage),
		attribute.String("error.kind", string(kind)),
	}
	if status > 0 {
		attrs = append(attrs, attribute.Int("downstream.status", status))
	}

	span.AddEvent("stage.failed", trace.WithAttributes(attrs...))
}
