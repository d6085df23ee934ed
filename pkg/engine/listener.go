package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/polisai/polis-esb/internal/governance"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/soap"
	"github.com/polisai/polis-esb/pkg/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxBodyBytes caps inbound request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 1 << 20

const usageBanner = `ESB %s endpoint (route %s). Send SOAP POST requests here.
Example:
  curl -X POST http://<host>%s \
       -H "Content-Type: text/xml" \
       -d @order.xml
`

// ListenerConfig configures the inbound SOAP listener.
type ListenerConfig struct {
	Routes       *RouteRegistry
	Pool         *governance.WorkerPool
	Limiter      *governance.RateLimiter
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Listener accepts SOAP-over-HTTP requests and dispatches them to the route
// mounted at the request path.
type Listener struct {
	routes   *RouteRegistry
	pool     *governance.WorkerPool
	limiter  *governance.RateLimiter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	maxBytes int64
}

// NewListener creates a listener. Routes is required.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Routes == nil {
		panic("engine: route registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return &Listener{
		routes:   cfg.Routes,
		pool:     cfg.Pool,
		limiter:  cfg.Limiter,
		metrics:  cfg.Metrics,
		logger:   logger,
		maxBytes: maxBytes,
	}
}

// Handler returns the instrumented HTTP handler. Routes are resolved per
// request so hot-reloaded paths take effect without rebuilding the router.
func (l *Listener) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.HandleFunc("/*", l.serveRoute)
	return otelhttp.NewHandler(r, "esb.listener")
}

type requestIDKey struct{}

// requestIDMiddleware propagates X-Request-ID or assigns a fresh one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFrom returns the request id assigned by the listener, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (l *Listener) serveRoute(w http.ResponseWriter, r *http.Request) {
	pipeline, ok := l.routes.Lookup(r.URL.Path)
	if !ok {
		l.writeFault(w, http.StatusNotFound, &soap.Fault{
			Code:   soap.CodeClient,
			String: fmt.Sprintf("no route is mounted at %s", r.URL.Path),
		})
		return
	}

	switch r.Method {
	case http.MethodPost:
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, usageBanner, r.URL.Path, pipeline.RouteID(), r.URL.Path)
		return
	default:
		w.Header().Set("Allow", "GET, POST")
		l.writeFault(w, http.StatusMethodNotAllowed, &soap.Fault{
			Code:   soap.CodeClient,
			String: fmt.Sprintf("method %s not allowed", r.Method),
		})
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	l.handlePost(rec, r, pipeline)
	if l.metrics != nil {
		l.metrics.RecordRequest(pipeline.RouteID(), rec.status, time.Since(start))
	}
}

func (l *Listener) handlePost(w http.ResponseWriter, r *http.Request, pipeline *Pipeline) {
	ctx := r.Context()
	routeID := pipeline.RouteID()
	requestID := RequestIDFrom(ctx)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("route.id", routeID),
		attribute.String("request.id", requestID),
	)

	if l.limiter != nil && !l.limiter.Allow(routeID) {
		if l.metrics != nil {
			l.metrics.RecordRateLimited(routeID)
		}
		governance.WriteRetryAfter(w, l.limiter.Limit(routeID))
		l.writeFault(w, http.StatusTooManyRequests, &soap.Fault{
			Code:   soap.CodeBusy,
			String: "rate limit exceeded",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			l.writeFault(w, http.StatusRequestEntityTooLarge, &soap.Fault{
				Code:   soap.CodeClient,
				String: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		l.logger.Warn("reading request body failed", "route_id", routeID, "request_id", requestID, "error", err)
		l.writeFault(w, http.StatusBadRequest, &soap.Fault{
			Code:   soap.CodeClient,
			String: "could not read request body",
		})
		return
	}

	if l.pool != nil {
		release, err := l.pool.Acquire(ctx)
		if err != nil {
			if errors.Is(err, governance.ErrSaturated) && l.metrics != nil {
				l.metrics.RecordPoolRejected()
			}
			l.logger.Warn("request rejected, worker pool busy",
				"route_id", routeID,
				"request_id", requestID,
				"error", err,
			)
			l.writeFault(w, http.StatusServiceUnavailable, &soap.Fault{
				Code:   soap.CodeBusy,
				String: "server busy, retry later",
			})
			return
		}
		if l.metrics != nil {
			l.metrics.SetPoolInFlight(l.pool.InFlight())
		}
		defer func() {
			release()
			if l.metrics != nil {
				l.metrics.SetPoolInFlight(l.pool.InFlight())
			}
		}()
	}

	env := domain.NewEnvelope(routeID, body, inboundHeaders(r, requestID))
	out, err := pipeline.Run(ctx, env)
	if err != nil {
		l.writePipelineError(w, err)
		return
	}

	if status := out.DownstreamStatus(); status > 0 {
		w.Header().Set(domain.HeaderDownstreamStatus, strconv.Itoa(status))
	}
	if pipeline.spec.Reply == domain.ReplySummary {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Order processed. Supplier status: %d", out.DownstreamStatus())
		return
	}

	ct := out.ContentType()
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Body())
}

// inboundHeaders projects the request onto envelope headers in a fixed order:
// Content-Type, SOAPAction, then the request id.
func inboundHeaders(r *http.Request, requestID string) domain.Headers {
	var h domain.Headers
	if ct := r.Header.Get("Content-Type"); ct != "" {
		h = h.With(domain.HeaderContentType, ct)
	}
	if action := r.Header.Values("SOAPAction"); len(action) > 0 {
		h = h.With(domain.HeaderSOAPAction, action[0])
	}
	return h.With(domain.HeaderRequestID, requestID)
}

func (l *Listener) writePipelineError(w http.ResponseWriter, err error) {
	var perr *domain.PipelineError
	if !errors.As(err, &perr) {
		l.writeFault(w, http.StatusInternalServerError, &soap.Fault{
			Code:   soap.CodeServer,
			String: Sanitize(err.Error()),
		})
		return
	}
	status, fault := faultFor(perr)
	l.writeFault(w, status, fault)
}

// faultFor maps a pipeline failure onto its HTTP status and SOAP fault. The
// fault string carries the stage name and a sanitized cause only.
func faultFor(perr *domain.PipelineError) (int, *soap.Fault) {
	kind := perr.Kind()
	fault := &soap.Fault{
		Code:   soap.CodeServer,
		String: perr.Stage + ": " + Sanitize(perr.Err.Error()),
		Stage:  perr.Stage,
		Kind:   string(kind),
	}

	status := http.StatusInternalServerError
	switch kind {
	case domain.KindValidationFailed, domain.KindTransformFailed:
		fault.Code = soap.CodeClient
		status = http.StatusBadRequest
	case domain.KindNetworkFailed, domain.KindDownstreamError:
		status = http.StatusBadGateway
	}
	if IsTimeout(perr) {
		status = http.StatusGatewayTimeout
	}
	return status, fault
}

func (l *Listener) writeFault(w http.ResponseWriter, status int, fault *soap.Fault) {
	w.Header().Set("Content-Type", soap.ContentType)
	w.WriteHeader(status)
	if _, err := w.Write(fault.Marshal()); err != nil {
		l.logger.Debug("writing fault failed", "error", err)
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
