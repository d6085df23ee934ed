package engine

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-esb/internal/governance"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/telemetry"
)

// routeTable is an immutable snapshot of the active pipelines.
type routeTable struct {
	byID   map[string]*Pipeline
	byPath map[string]*Pipeline
	sorted []*Pipeline
}

func newRouteTable(pipelines []*Pipeline) *routeTable {
	t := &routeTable{
		byID:   make(map[string]*Pipeline, len(pipelines)),
		byPath: make(map[string]*Pipeline, len(pipelines)),
		sorted: make([]*Pipeline, len(pipelines)),
	}
	copy(t.sorted, pipelines)
	sort.Slice(t.sorted, func(i, j int) bool { return t.sorted[i].spec.ID < t.sorted[j].spec.ID })
	for _, p := range pipelines {
		t.byID[p.spec.ID] = p
		t.byPath[p.spec.Path] = p
	}
	return t
}

// RouteRegistryOptions wires optional collaborators into a RouteRegistry.
type RouteRegistryOptions struct {
	Metrics *telemetry.Metrics
	Limiter *governance.RateLimiter
	Logger  *slog.Logger
}

// RouteRegistry holds the active route table. Lookups are lock-free; Update swaps
// the whole table atomically so a request always sees one consistent set of
// routes, even while a reload is in progress.
type RouteRegistry struct {
	builder *Builder
	metrics *telemetry.Metrics
	limiter *governance.RateLimiter
	logger  *slog.Logger

	mu    sync.Mutex
	table atomic.Pointer[routeTable]
	ready atomic.Bool
}

// NewRouteRegistry creates an empty registry. It reports not ready until the first
// successful Update.
func NewRouteRegistry(builder *Builder, opts RouteRegistryOptions) *RouteRegistry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &RouteRegistry{
		builder: builder,
		metrics: opts.Metrics,
		limiter: opts.Limiter,
		logger:  logger,
	}
	r.table.Store(newRouteTable(nil))
	return r
}

// Update builds pipelines for specs and installs them as the active table.
// When any route fails to build, the previous table stays active and the
// error is returned.
func (r *RouteRegistry) Update(specs []domain.RouteSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pipelines, err := r.builder.Routes(specs)
	if err != nil {
		r.logger.Error("route reload rejected, keeping previous routes",
			"error", err,
			"active_routes", len(r.table.Load().sorted),
		)
		if r.metrics != nil {
			r.metrics.RecordRouteReload(false, len(r.table.Load().sorted))
		}
		return err
	}

	if r.limiter != nil {
		limits := make(map[string]governance.RateLimiterConfig, len(specs))
		for _, p := range pipelines {
			if p.spec.RateLimit > 0 {
				limits[p.spec.ID] = governance.RateLimiterConfig{
					RequestsPerSecond: p.spec.RateLimit,
					BurstSize:         p.spec.Burst,
				}
			}
		}
		r.limiter.Configure(limits)
	}

	old := r.table.Swap(newRouteTable(pipelines))
	r.ready.Store(true)
	if r.metrics != nil {
		r.metrics.RecordRouteReload(true, len(pipelines))
	}
	r.logger.Info("routes loaded", "routes", len(pipelines))

	if err := closeAll(old.sorted); err != nil {
		r.logger.Warn("closing replaced routes", "error", err)
	}
	return nil
}

// Lookup returns the pipeline serving path.
func (r *RouteRegistry) Lookup(path string) (*Pipeline, bool) {
	p, ok := r.table.Load().byPath[path]
	return p, ok
}

// Route returns the pipeline with the given route id.
func (r *RouteRegistry) Route(id string) (*Pipeline, bool) {
	p, ok := r.table.Load().byID[id]
	return p, ok
}

// Routes returns the active pipelines ordered by route id.
func (r *RouteRegistry) Routes() []*Pipeline {
	t := r.table.Load()
	out := make([]*Pipeline, len(t.sorted))
	copy(out, t.sorted)
	return out
}

// Ready reports whether a route table has been installed.
func (r *RouteRegistry) Ready() bool {
	return r.ready.Load()
}

// Close releases every active pipeline.
func (r *RouteRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.table.Swap(newRouteTable(nil))
	r.ready.Store(false)
	return closeAll(old.sorted)
}

func closeAll(pipelines []*Pipeline) error {
	var errs []error
	for _, p := range pipelines {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
