package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polisai/polis-esb/internal/governance"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/engine/stages"
)

// DefaultLogExcerpt bounds body excerpts in executor log lines.
const DefaultLogExcerpt = 256

// BuilderConfig holds the shared services routes are assembled with.
type BuilderConfig struct {
	Stages     *stages.Factory
	Observer   Observer
	Logger     *slog.Logger
	LogExcerpt int
}

// Builder turns route descriptors into runnable pipelines.
type Builder struct {
	factory  *stages.Factory
	observer Observer
	logger   *slog.Logger
	excerpt  int
}

// NewBuilder creates a builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := cfg.Stages
	if factory == nil {
		factory = &stages.Factory{}
	}
	if factory.Logger == nil {
		cp := *factory
		cp.Logger = logger
		factory = &cp
	}
	excerpt := cfg.LogExcerpt
	if excerpt <= 0 {
		excerpt = DefaultLogExcerpt
	}
	return &Builder{factory: factory, observer: cfg.Observer, logger: logger, excerpt: excerpt}
}

// Route assembles spec into a pipeline. The spec is deep-copied so later
// changes to the caller's value never reach the running pipeline. Any problem
// is reported as a *domain.ConfigurationError.
func (b *Builder) Route(spec domain.RouteSpec) (*Pipeline, error) {
	spec = normalizeRoute(spec.Clone())
	if err := ValidateRoute(spec); err != nil {
		return nil, err
	}

	p := &Pipeline{
		spec:     spec,
		stages:   make([]boundStage, 0, len(spec.Stages)),
		observer: b.observer,
		logger:   b.logger,
		excerpt:  b.excerpt,
	}
	for _, desc := range spec.Stages {
		stage, err := b.factory.New(desc)
		if err != nil {
			_ = p.Close()
			return nil, withRoute(spec.ID, desc.Name, err)
		}
		p.stages = append(p.stages, boundStage{
			name:    desc.Name,
			kind:    desc.Kind,
			timeout: governance.EffectiveTimeout(desc.Timeout(), spec.Timeout()),
			stage:   stage,
		})
	}
	return p, nil
}

// Routes assembles every spec. Route IDs and paths must be unique. On error no
// pipeline is returned and any already built are closed.
func (b *Builder) Routes(specs []domain.RouteSpec) ([]*Pipeline, error) {
	ids := make(map[string]struct{}, len(specs))
	paths := make(map[string]string, len(specs))
	out := make([]*Pipeline, 0, len(specs))

	fail := func(err error) ([]*Pipeline, error) {
		for _, p := range out {
			_ = p.Close()
		}
		return nil, err
	}

	for _, spec := range specs {
		if _, dup := ids[spec.ID]; dup {
			return fail(&domain.ConfigurationError{Route: spec.ID, Reason: "duplicate route id"})
		}
		ids[spec.ID] = struct{}{}
		if other, dup := paths[spec.Path]; dup && spec.Path != "" {
			return fail(&domain.ConfigurationError{Route: spec.ID, Reason: fmt.Sprintf("path %s already served by route %q", spec.Path, other)})
		}
		paths[spec.Path] = spec.ID

		p, err := b.Route(spec)
		if err != nil {
			return fail(err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ValidateRoute checks the structural rules every route must satisfy before
// its stages are constructed.
func ValidateRoute(spec domain.RouteSpec) error {
	if strings.TrimSpace(spec.ID) == "" {
		return &domain.ConfigurationError{Reason: "route id is required"}
	}
	if !strings.HasPrefix(spec.Path, "/") {
		return &domain.ConfigurationError{Route: spec.ID, Reason: fmt.Sprintf("path %q must start with /", spec.Path)}
	}
	if len(spec.Stages) == 0 {
		return &domain.ConfigurationError{Route: spec.ID, Reason: "route has no stages"}
	}
	if spec.TimeoutMS < 0 {
		return &domain.ConfigurationError{Route: spec.ID, Reason: "timeout_ms must not be negative"}
	}
	switch spec.Reply {
	case domain.ReplyBody, domain.ReplySummary:
	default:
		return &domain.ConfigurationError{Route: spec.ID, Reason: fmt.Sprintf("unknown reply mode %q", spec.Reply)}
	}
	if spec.RateLimit < 0 || spec.Burst < 0 {
		return &domain.ConfigurationError{Route: spec.ID, Reason: "rate_limit and burst must not be negative"}
	}

	seen := make(map[string]struct{}, len(spec.Stages))
	for _, s := range spec.Stages {
		if !s.Kind.Valid() {
			return &domain.ConfigurationError{Route: spec.ID, Stage: s.Name, Reason: fmt.Sprintf("unknown stage kind %q", s.Kind)}
		}
		if s.TimeoutMS < 0 {
			return &domain.ConfigurationError{Route: spec.ID, Stage: s.Name, Reason: "timeout_ms must not be negative"}
		}
		if _, dup := seen[s.Name]; dup {
			return &domain.ConfigurationError{Route: spec.ID, Stage: s.Name, Reason: "duplicate stage name"}
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

func normalizeRoute(spec domain.RouteSpec) domain.RouteSpec {
	spec.ID = strings.TrimSpace(spec.ID)
	spec.Path = strings.TrimSpace(spec.Path)
	if spec.Reply == "" {
		spec.Reply = domain.ReplyBody
	}
	for i := range spec.Stages {
		spec.Stages[i].Name = strings.TrimSpace(spec.Stages[i].Name)
		if spec.Stages[i].Name == "" {
			spec.Stages[i].Name = fmt.Sprintf("%s-%d", spec.Stages[i].Kind, i+1)
		}
	}
	return spec
}

func withRoute(routeID, stage string, err error) error {
	var ce *domain.ConfigurationError
	if errors.As(err, &ce) {
		out := *ce
		out.Route = routeID
		if out.Stage == "" {
			out.Stage = stage
		}
		return &out
	}
	return &domain.ConfigurationError{Route: routeID, Stage: stage, Reason: err.Error()}
}

// RouteBuilder is a fluent way to declare a route in code:
//
//	spec := engine.From("order-soap-route", "/OrderService").
//		Log("Received order message").
//		Validate("schemas/order.xsd").
//		Transform("order-to-json").
//		SetHeader("Content-Type", "application/json").
//		To("http://localhost:5000/ingest").
//		Spec()
type RouteBuilder struct {
	spec domain.RouteSpec
}

// From starts a route served at path.
func From(routeID, path string) *RouteBuilder {
	return &RouteBuilder{spec: domain.RouteSpec{ID: routeID, Path: path, Reply: domain.ReplyBody}}
}

// Timeout sets the route-level stage timeout ceiling.
func (r *RouteBuilder) Timeout(d time.Duration) *RouteBuilder {
	r.spec.TimeoutMS = int(d / time.Millisecond)
	return r
}

// Reply selects the success reply mode.
func (r *RouteBuilder) Reply(mode domain.ReplyMode) *RouteBuilder {
	r.spec.Reply = mode
	return r
}

// Stage appends an arbitrary stage descriptor.
func (r *RouteBuilder) Stage(desc domain.StageDescriptor) *RouteBuilder {
	r.spec.Stages = append(r.spec.Stages, desc.Clone())
	return r
}

// Log appends a log stage.
func (r *RouteBuilder) Log(message string) *RouteBuilder {
	return r.add(domain.StageLog, map[string]any{"message": message})
}

// Validate appends a schema validation stage.
func (r *RouteBuilder) Validate(schemaRef string) *RouteBuilder {
	return r.add(domain.StageValidate, map[string]any{"schema": schemaRef})
}

// Transform appends a stylesheet transformation stage.
func (r *RouteBuilder) Transform(stylesheetRef string) *RouteBuilder {
	return r.add(domain.StageTransform, map[string]any{"stylesheet": stylesheetRef})
}

// Extract appends a stage unwrapping the first element named local.
func (r *RouteBuilder) Extract(local string) *RouteBuilder {
	return r.add(domain.StageExtract, map[string]any{"element": local})
}

// SetHeader appends a constant header assignment.
func (r *RouteBuilder) SetHeader(name, value string) *RouteBuilder {
	return r.add(domain.StageSetHeader, map[string]any{"header": name, "value": value})
}

// SetHeaderFrom appends a computed header assignment.
func (r *RouteBuilder) SetHeaderFrom(name, from string) *RouteBuilder {
	return r.add(domain.StageSetHeader, map[string]any{"header": name, "from": from})
}

// To appends an HTTP POST to url.
func (r *RouteBuilder) To(url string) *RouteBuilder {
	return r.add(domain.StageInvokeHTTP, map[string]any{"url": url})
}

// Spec returns a copy of the declared route.
func (r *RouteBuilder) Spec() domain.RouteSpec {
	return r.spec.Clone()
}

func (r *RouteBuilder) add(kind domain.StageKind, cfg map[string]any) *RouteBuilder {
	r.spec.Stages = append(r.spec.Stages, domain.StageDescriptor{
		Name:   fmt.Sprintf("%s-%d", kind, len(r.spec.Stages)+1),
		Kind:   kind,
		Config: cfg,
	})
	return r
}
