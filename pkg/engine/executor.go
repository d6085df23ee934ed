package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-esb/internal/governance"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/engine/runtime"
	"github.com/polisai/polis-esb/pkg/logging"
	"github.com/polisai/polis-esb/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "esb.pipeline"

// boundStage is a stage instance paired with the descriptor data the executor
// needs for timeouts, logging and error attribution.
type boundStage struct {
	name    string
	kind    domain.StageKind
	timeout time.Duration
	stage   runtime.Stage
}

// Pipeline runs the stages of one route in declared order. It is safe for
// concurrent use; every Run works on its own envelope chain.
type Pipeline struct {
	spec     domain.RouteSpec
	stages   []boundStage
	observer Observer
	logger   *slog.Logger
	excerpt  int
}

// RouteID returns the identifier of the route this pipeline was built from.
func (p *Pipeline) RouteID() string {
	return p.spec.ID
}

// Spec returns a copy of the route the pipeline was assembled from.
func (p *Pipeline) Spec() domain.RouteSpec {
	return p.spec.Clone()
}

// StageNames lists stage names in execution order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

// Close releases resources held by stages.
func (p *Pipeline) Close() error {
	var errs []error
	for _, s := range p.stages {
		if c, ok := s.stage.(runtime.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close stage %s: %w", s.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Run feeds env through every stage. Stage N starts only after stage N-1
// returned successfully. The first failure halts the run and is returned as a
// *domain.PipelineError; the envelope returned alongside it is the last one
// produced before the failure.
func (p *Pipeline) Run(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	runID := uuid.NewString()
	ctx = runtime.WithRunID(ctx, runID)
	started := time.Now()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("route.id", p.spec.ID),
		attribute.String("run.id", runID),
		attribute.String("request.id", env.RequestID()),
		attribute.Int("pipeline.stages", len(p.stages)),
	))
	defer span.End()

	p.observe("before_run", func(o Observer) error {
		return o.BeforeRun(ctx, RunInfo{RunID: runID, RouteID: p.spec.ID, RequestID: env.RequestID(), StartedAt: started})
	})

	p.logger.Info("pipeline started",
		"route_id", p.spec.ID,
		"run_id", runID,
		"request_id", env.RequestID(),
	)

	current := env
	var runErr *domain.PipelineError
	for i, b := range p.stages {
		next, err := p.runStage(ctx, tracer, runID, i, b, current)
		if err != nil {
			runErr = &domain.PipelineError{RouteID: p.spec.ID, Stage: b.name, Index: i, Err: err}
			for j := i + 1; j < len(p.stages); j++ {
				skipped := p.stages[j]
				p.observe("after_stage", func(o Observer) error {
					return o.AfterStage(ctx, StageInfo{
						RunID:   runID,
						RouteID: p.spec.ID,
						Index:   j,
						Name:    skipped.name,
						Kind:    skipped.kind,
						Outcome: domain.OutcomeSkipped,
					})
				})
			}
			break
		}
		current = next
	}

	duration := time.Since(started)
	result := RunResult{
		RunID:     runID,
		RouteID:   p.spec.ID,
		RequestID: env.RequestID(),
		StartedAt: started,
		Duration:  duration,
		Output:    current,
	}

	status := domain.RunSucceeded
	if runErr != nil {
		status = domain.RunFailed
		result.Err = runErr
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		p.logger.Warn("pipeline failed",
			"route_id", p.spec.ID,
			"run_id", runID,
			"stage", runErr.Stage,
			"kind", string(runErr.Kind()),
			"duration_ms", duration.Milliseconds(),
			"error", runErr.Err,
		)
	} else {
		p.logger.Info("pipeline completed",
			"route_id", p.spec.ID,
			"run_id", runID,
			"downstream_status", current.DownstreamStatus(),
			"duration_ms", duration.Milliseconds(),
		)
	}
	result.Status = status

	telemetry.RecordRunMetrics(ctx, telemetry.RunMetrics{RouteID: p.spec.ID, Status: status, Duration: duration})
	p.observe("after_run", func(o Observer) error {
		return o.AfterRun(ctx, result)
	})

	if runErr != nil {
		return current, runErr
	}
	return current, nil
}

func (p *Pipeline) runStage(ctx context.Context, tracer trace.Tracer, runID string, index int, b boundStage, env domain.Envelope) (domain.Envelope, error) {
	stageCtx, span := tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage.name", b.name),
		attribute.String("stage.kind", string(b.kind)),
		attribute.Int("stage.index", index),
	))
	defer span.End()

	info := StageInfo{RunID: runID, RouteID: p.spec.ID, Index: index, Name: b.name, Kind: b.kind}
	p.observe("before_stage", func(o Observer) error {
		return o.BeforeStage(ctx, info)
	})

	p.logger.Debug("stage started",
		"route_id", p.spec.ID,
		"stage", b.name,
		"run_id", runID,
		"excerpt", logging.Excerpt(env.Body(), p.excerpt),
	)

	start := time.Now()
	out, err := p.invoke(stageCtx, b, env)
	info.Duration = time.Since(start)

	info.Outcome = domain.OutcomeSuccess
	var errKind domain.ErrorKind
	if err != nil {
		info.Outcome = classifyError(err)
		info.Err = err
		errKind = domain.KindOf(err)
		var se *domain.StageError
		status := 0
		if errors.As(err, &se) {
			status = se.Status
		}
		telemetry.RecordStageFailure(span, b.name, errKind, status)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		p.logger.Info("stage completed",
			"route_id", p.spec.ID,
			"stage", b.name,
			"run_id", runID,
			"duration_ms", info.Duration.Milliseconds(),
			"excerpt", logging.Excerpt(out.Body(), p.excerpt),
		)
	}
	span.SetAttributes(
		attribute.String("stage.outcome", string(info.Outcome)),
		attribute.Int64("stage.duration_ms", info.Duration.Milliseconds()),
	)

	telemetry.RecordStageMetrics(ctx, telemetry.StageMetrics{
		RouteID:   p.spec.ID,
		StageName: b.name,
		StageKind: b.kind,
		Outcome:   info.Outcome,
		ErrorKind: errKind,
		Duration:  info.Duration,
	})
	p.observe("after_stage", func(o Observer) error {
		return o.AfterStage(ctx, info)
	})

	return out, err
}

// invoke runs one stage under its effective deadline and normalises whatever it
// returns into a *domain.StageError.
func (p *Pipeline) invoke(ctx context.Context, b boundStage, env domain.Envelope) (domain.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return env, stageError(b, "run cancelled before stage started", err)
	}

	stageCtx, cancel := governance.WithTimeout(ctx, b.timeout)
	defer cancel()

	out, err := b.stage.Process(stageCtx, env)
	if err == nil {
		return out, nil
	}

	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out, stageError(b,
			fmt.Sprintf("stage exceeded %s timeout", b.timeout),
			fmt.Errorf("%w: %w", governance.ErrRequestTimeout, context.DeadlineExceeded))
	}

	var se *domain.StageError
	if errors.As(err, &se) {
		return out, err
	}
	return out, stageError(b, "", err)
}

// stageError attributes a bare error to the failure kind of the stage that
// produced it.
func stageError(b boundStage, details string, cause error) *domain.StageError {
	return &domain.StageError{Kind: failureKind(b.kind), Details: details, Err: cause}
}

func failureKind(kind domain.StageKind) domain.ErrorKind {
	switch kind {
	case domain.StageValidate, domain.StageExtract:
		return domain.KindValidationFailed
	case domain.StageInvokeHTTP:
		return domain.KindNetworkFailed
	default:
		return domain.KindTransformFailed
	}
}

func classifyError(err error) domain.StageOutcome {
	switch {
	case errors.Is(err, governance.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.OutcomeTimeout
	default:
		return domain.OutcomeFailure
	}
}

// IsTimeout reports whether err was caused by a stage or downstream deadline.
func IsTimeout(err error) bool {
	return classifyError(err) == domain.OutcomeTimeout
}

func (p *Pipeline) observe(hook string, fn func(Observer) error) {
	if p.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("observer panicked", "route_id", p.spec.ID, "hook", hook, "panic", r)
		}
	}()
	if err := fn(p.observer); err != nil {
		p.logger.Warn("observer failed", "route_id", p.spec.ID, "hook", hook, "error", err)
	}
}
