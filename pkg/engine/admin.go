package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/storage"
	"github.com/polisai/polis-esb/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// AdminConfig wires the admin API.
type AdminConfig struct {
	Routes  *RouteRegistry
	Journal storage.RunJournal
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Admin serves health, metrics and run journal endpoints on a separate port.
type Admin struct {
	routes  *RouteRegistry
	journal storage.RunJournal
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewAdmin creates the admin API.
func NewAdmin(cfg AdminConfig) *Admin {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{routes: cfg.Routes, journal: cfg.Journal, metrics: cfg.Metrics, logger: logger}
}

// Handler returns the admin router.
func (a *Admin) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.readyz)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}
	r.Get("/routes", a.listRoutes)
	r.Get("/runs", a.listRuns)
	r.Get("/runs/{id}", a.getRun)
	return r
}

func (a *Admin) readyz(w http.ResponseWriter, r *http.Request) {
	if a.routes == nil || !a.routes.Ready() {
		a.writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", "routes not loaded")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ready"))
}

type routeView struct {
	ID        string   `json:"id"`
	Path      string   `json:"path"`
	Stages    []string `json:"stages"`
	TimeoutMS int      `json:"timeout_ms,omitempty"`
	Reply     string   `json:"reply"`
}

func (a *Admin) listRoutes(w http.ResponseWriter, r *http.Request) {
	views := []routeView{}
	if a.routes != nil {
		for _, p := range a.routes.Routes() {
			views = append(views, routeView{
				ID:        p.spec.ID,
				Path:      p.spec.Path,
				Stages:    p.StageNames(),
				TimeoutMS: p.spec.TimeoutMS,
				Reply:     string(p.spec.Reply),
			})
		}
	}
	a.writeJSON(w, http.StatusOK, views)
}

type stageView struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type runView struct {
	RunID            string      `json:"run_id"`
	RouteID          string      `json:"route_id"`
	RequestID        string      `json:"request_id,omitempty"`
	Status           string      `json:"status"`
	FailedStage      string      `json:"failed_stage,omitempty"`
	ErrorKind        string      `json:"error_kind,omitempty"`
	Error            string      `json:"error,omitempty"`
	DownstreamStatus int         `json:"downstream_status,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	DurationMS       int64       `json:"duration_ms"`
	Stages           []stageView `json:"stages,omitempty"`
}

func newRunView(rec domain.RunRecord, withStages bool) runView {
	v := runView{
		RunID:            rec.RunID,
		RouteID:          rec.RouteID,
		RequestID:        rec.RequestID,
		Status:           string(rec.Status),
		FailedStage:      rec.FailedStage,
		ErrorKind:        string(rec.ErrorKind),
		Error:            rec.Error,
		DownstreamStatus: rec.DownstreamStatus,
		StartedAt:        rec.StartedAt.UTC(),
		DurationMS:       rec.Duration.Milliseconds(),
	}
	if withStages {
		v.Stages = make([]stageView, len(rec.Stages))
		for i, s := range rec.Stages {
			v.Stages[i] = stageView{
				Index:      s.Index,
				Name:       s.Name,
				Kind:       string(s.Kind),
				Outcome:    string(s.Outcome),
				DurationMS: s.Duration.Milliseconds(),
				Error:      s.Error,
			}
		}
	}
	return v
}

func (a *Admin) listRuns(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		a.writeError(r.Context(), w, http.StatusNotFound, "JOURNAL_DISABLED", "run journal is not configured")
		return
	}

	q := r.URL.Query()
	filter := domain.RunFilter{
		RouteID: q.Get("route"),
		Status:  domain.RunStatus(q.Get("status")),
	}
	switch filter.Status {
	case "", domain.RunSucceeded, domain.RunFailed:
	default:
		a.writeError(r.Context(), w, http.StatusBadRequest, "INVALID_STATUS", "status must be success or failed")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := a.journal.List(r.Context(), filter)
	if err != nil {
		a.logger.Error("listing runs failed", "error", err)
		a.writeError(r.Context(), w, http.StatusInternalServerError, "JOURNAL_ERROR", "could not list runs")
		return
	}
	views := make([]runView, len(runs))
	for i, rec := range runs {
		views[i] = newRunView(rec, false)
	}
	a.writeJSON(w, http.StatusOK, views)
}

func (a *Admin) getRun(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		a.writeError(r.Context(), w, http.StatusNotFound, "JOURNAL_DISABLED", "run journal is not configured")
		return
	}
	rec, err := a.journal.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrRunNotFound) {
		a.writeError(r.Context(), w, http.StatusNotFound, "RUN_NOT_FOUND", "run not found")
		return
	}
	if err != nil {
		a.logger.Error("loading run failed", "error", err)
		a.writeError(r.Context(), w, http.StatusInternalServerError, "JOURNAL_ERROR", "could not load run")
		return
	}
	a.writeJSON(w, http.StatusOK, newRunView(rec, true))
}

func (a *Admin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode admin response", "error", err)
	}
}

// writeError writes a domain.ErrorResponse tagged with the active trace id.
func (a *Admin) writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	resp := domain.ErrorResponse{Code: code, Message: message}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		resp.TraceID = sc.TraceID().String()
	}
	a.writeJSON(w, status, resp)
}
