package stages

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/engine/runtime"
	"github.com/polisai/polis-esb/pkg/logging"
)

// DefaultLogExcerpt bounds how many body bytes ${body} expands to.
const DefaultLogExcerpt = 256

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// Log emits a templated message and passes the envelope through. It never
// fails the pipeline.
type Log struct {
	name     string
	template string
	level    slog.Level
	excerpt  int
	logger   *slog.Logger
}

// NewLog builds a log stage. Config: message (required), level, excerpt.
//
// The message may reference ${body}, ${routeId}, ${requestId},
// ${downstreamStatus} and ${header.<Name>}. Unknown placeholders are left as
// written.
func NewLog(desc domain.StageDescriptor, logger *slog.Logger) (*Log, error) {
	msg, err := requireString(desc, "message")
	if err != nil {
		return nil, err
	}
	excerpt, err := intValue(desc.Config, "excerpt", DefaultLogExcerpt)
	if err != nil {
		return nil, configError(desc, "%v", err)
	}
	level := stringValue(desc.Config, "level")
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return nil, configError(desc, "unknown log level %q", level)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		name:     desc.Name,
		template: msg,
		level:    logging.ParseLevel(level),
		excerpt:  excerpt,
		logger:   logger,
	}, nil
}

// Process implements runtime.Stage.
func (s *Log) Process(ctx context.Context, env domain.Envelope) (out domain.Envelope, err error) {
	out = env
	defer func() {
		if recover() != nil {
			out, err = env, nil
		}
	}()

	if !s.logger.Enabled(ctx, s.level) {
		return env, nil
	}
	s.logger.Log(ctx, s.level, s.Render(env),
		"route_id", env.RouteID(),
		"stage", s.name,
		"run_id", runtime.RunIDFrom(ctx),
		"request_id", env.RequestID(),
	)
	return env, nil
}

// Render expands the message template against env.
func (s *Log) Render(env domain.Envelope) string {
	return placeholder.ReplaceAllStringFunc(s.template, func(match string) string {
		key := match[2 : len(match)-1]
		switch {
		case key == "body":
			return logging.Excerpt(env.Body(), s.excerpt)
		case key == "routeId":
			return env.RouteID()
		case key == "requestId":
			return env.RequestID()
		case key == "downstreamStatus":
			v, _ := env.Header(domain.HeaderDownstreamStatus)
			return v
		case strings.HasPrefix(key, "header."):
			v, _ := env.Header(strings.TrimPrefix(key, "header."))
			return v
		default:
			return match
		}
	})
}
