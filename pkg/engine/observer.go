package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/storage"
	"github.com/polisai/polis-esb/pkg/telemetry"
)

// RunInfo describes a run that is about to start.
type RunInfo struct {
	RunID     string
	RouteID   string
	RequestID string
	StartedAt time.Time
}

// StageInfo describes one stage execution. Outcome, Duration and Err are set
// only in AfterStage.
type StageInfo struct {
	RunID    string
	RouteID  string
	Index    int
	Name     string
	Kind     domain.StageKind
	Outcome  domain.StageOutcome
	Duration time.Duration
	Err      error
}

// RunResult describes a finished run.
type RunResult struct {
	RunID     string
	RouteID   string
	RequestID string
	Status    domain.RunStatus
	StartedAt time.Time
	Duration  time.Duration
	Output    domain.Envelope
	// Err is the *domain.PipelineError of a failed run, nil on success.
	Err *domain.PipelineError
}

// Observer receives pipeline lifecycle hooks. Errors and panics raised by an
// observer are logged and never fail the run.
type Observer interface {
	BeforeRun(ctx context.Context, run RunInfo) error
	BeforeStage(ctx context.Context, stage StageInfo) error
	AfterStage(ctx context.Context, stage StageInfo) error
	AfterRun(ctx context.Context, result RunResult) error
}

// MultiObserver fans hooks out to every observer in order.
func MultiObserver(observers ...Observer) Observer {
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	}
	return multiObserver(list)
}

type multiObserver []Observer

func (m multiObserver) BeforeRun(ctx context.Context, run RunInfo) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.BeforeRun(ctx, run))
	}
	return errors.Join(errs...)
}

func (m multiObserver) BeforeStage(ctx context.Context, stage StageInfo) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.BeforeStage(ctx, stage))
	}
	return errors.Join(errs...)
}

func (m multiObserver) AfterStage(ctx context.Context, stage StageInfo) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.AfterStage(ctx, stage))
	}
	return errors.Join(errs...)
}

func (m multiObserver) AfterRun(ctx context.Context, result RunResult) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.AfterRun(ctx, result))
	}
	return errors.Join(errs...)
}

// JournalObserver records every finished run, with its stage trail, in a
// storage.RunJournal. Journal writes use a context detached from the request
// so a client disconnect does not lose the audit record.
type JournalObserver struct {
	journal storage.RunJournal
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string][]domain.StageRecord
}

// NewJournalObserver creates an observer writing to journal.
func NewJournalObserver(journal storage.RunJournal, logger *slog.Logger) *JournalObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalObserver{
		journal: journal,
		logger:  logger,
		timeout: 5 * time.Second,
		pending: make(map[string][]domain.StageRecord),
	}
}

// BeforeRun implements Observer.
func (o *JournalObserver) BeforeRun(_ context.Context, run RunInfo) error {
	o.mu.Lock()
	o.pending[run.RunID] = nil
	o.mu.Unlock()
	return nil
}

// BeforeStage implements Observer.
func (o *JournalObserver) BeforeStage(context.Context, StageInfo) error {
	return nil
}

// AfterStage implements Observer.
func (o *JournalObserver) AfterStage(_ context.Context, stage StageInfo) error {
	rec := domain.StageRecord{
		Index:    stage.Index,
		Name:     stage.Name,
		Kind:     stage.Kind,
		Outcome:  stage.Outcome,
		Duration: stage.Duration,
	}
	if stage.Err != nil {
		rec.Error = Sanitize(stage.Err.Error())
	}

	o.mu.Lock()
	o.pending[stage.RunID] = append(o.pending[stage.RunID], rec)
	o.mu.Unlock()
	return nil
}

// AfterRun implements Observer.
func (o *JournalObserver) AfterRun(ctx context.Context, result RunResult) error {
	o.mu.Lock()
	stages := o.pending[result.RunID]
	delete(o.pending, result.RunID)
	o.mu.Unlock()

	rec := domain.RunRecord{
		RunID:            result.RunID,
		RouteID:          result.RouteID,
		RequestID:        result.RequestID,
		Status:           result.Status,
		DownstreamStatus: result.Output.DownstreamStatus(),
		StartedAt:        result.StartedAt,
		Duration:         result.Duration,
		Stages:           stages,
	}
	if result.Err != nil {
		rec.FailedStage = result.Err.Stage
		rec.ErrorKind = result.Err.Kind()
		rec.Error = Sanitize(result.Err.Err.Error())
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()
	return o.journal.Record(writeCtx, rec)
}

// MetricsObserver feeds run outcomes into the Prometheus collectors.
type MetricsObserver struct {
	metrics *telemetry.Metrics
}

// NewMetricsObserver wraps metrics.
func NewMetricsObserver(metrics *telemetry.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

// BeforeRun implements Observer.
func (m *MetricsObserver) BeforeRun(context.Context, RunInfo) error { return nil }

// BeforeStage implements Observer.
func (m *MetricsObserver) BeforeStage(context.Context, StageInfo) error { return nil }

// AfterStage implements Observer.
func (m *MetricsObserver) AfterStage(context.Context, StageInfo) error { return nil }

// AfterRun implements Observer.
func (m *MetricsObserver) AfterRun(_ context.Context, result RunResult) error {
	var stage, kind string
	if result.Err != nil {
		stage = result.Err.Stage
		kind = string(result.Err.Kind())
	}
	m.metrics.RecordRun(result.RouteID, string(result.Status), stage, kind)
	if status := result.Output.DownstreamStatus(); status > 0 {
		m.metrics.RecordDownstreamReply(result.RouteID, status)
	}
	return nil
}
