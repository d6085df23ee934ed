package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-esb/internal/governance"
	"github.com/polisai/polis-esb/pkg/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultInvokeMethod is used when the stage config names no method.
	DefaultInvokeMethod = http.MethodPost
	// DefaultInvokeContentType is sent on every outbound call unless overridden.
	DefaultInvokeContentType = "application/json"
	// maxDrainBytes bounds how much of a downstream reply is read before the
	// connection is returned to the pool.
	maxDrainBytes = 64 << 10
)

// InvokeOptions carries the process-wide downstream settings shared by every
// invoke-http stage.
type InvokeOptions struct {
	// MaxConnsPerHost bounds concurrent connections to one downstream host.
	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
	// DefaultTimeout applies when the stage sets no timeout_ms.
	DefaultTimeout time.Duration
	// Transport replaces the pooled transport, mainly for tests.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// InvokeHTTP sends the envelope to a downstream HTTP service and records the
// response status in a header. The envelope body is left unchanged.
type InvokeHTTP struct {
	name         string
	url          string
	method       string
	statusHeader string
	contentType  string
	timeout      time.Duration
	retry        *governance.RetryPolicy
	client       *http.Client
	transport    *http.Transport
	logger       *slog.Logger
}

// NewInvokeHTTP builds an invoke-http stage. Config: url (required), method,
// status_header, content_type, timeout_ms, max_retries.
func NewInvokeHTTP(desc domain.StageDescriptor, opts InvokeOptions) (*InvokeHTTP, error) {
	rawURL, err := requireString(desc, "url")
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, configError(desc, "url %q must be an absolute http(s) URL", rawURL)
	}

	method := strings.ToUpper(stringValue(desc.Config, "method"))
	if method == "" {
		method = DefaultInvokeMethod
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, configError(desc, "unsupported method %q", method)
	}

	statusHeader := stringValue(desc.Config, "status_header")
	if statusHeader == "" {
		statusHeader = domain.HeaderDownstreamStatus
	}
	contentType := stringValue(desc.Config, "content_type")
	if contentType == "" {
		contentType = DefaultInvokeContentType
	}

	timeoutMS, err := intValue(desc.Config, "timeout_ms", 0)
	if err != nil || timeoutMS < 0 {
		return nil, configError(desc, "timeout_ms must be a non-negative integer")
	}
	maxRetries, err := intValue(desc.Config, "max_retries", 0)
	if err != nil || maxRetries < 0 {
		return nil, configError(desc, "max_retries must be a non-negative integer")
	}

	timeout := opts.DefaultTimeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &InvokeHTTP{
		name:         desc.Name,
		url:          target.String(),
		method:       method,
		statusHeader: http.CanonicalHeaderKey(statusHeader),
		contentType:  contentType,
		timeout:      timeout,
		logger:       logger,
	}

	retryCfg := governance.DefaultRetryConfig()
	retryCfg.MaxRetries = maxRetries
	s.retry = governance.NewRetryPolicy(retryCfg)

	base := opts.Transport
	if base == nil {
		s.transport = newPooledTransport(opts)
		base = s.transport
	}
	s.client = &http.Client{
		Transport: otelhttp.NewTransport(base),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return s, nil
}

func newPooledTransport(opts InvokeOptions) *http.Transport {
	idle := opts.MaxIdleConnsPerHost
	if idle <= 0 {
		idle = opts.MaxConnsPerHost
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   idle,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// URL returns the downstream target.
func (s *InvokeHTTP) URL() string {
	return s.url
}

// Process implements runtime.Stage.
func (s *InvokeHTTP) Process(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	status, attempts, err := s.retry.Do(ctx, func(ctx context.Context, attempt int) (int, error) {
		return s.send(ctx, env, attempt)
	})
	if err != nil {
		s.logger.Warn("downstream call failed",
			"stage", s.name,
			"route_id", env.RouteID(),
			"method", s.method,
			"attempts", attempts+1,
			"error", err,
		)
		return env, domain.NetworkFailed(err)
	}

	out := env.WithHeader(s.statusHeader, strconv.Itoa(status))
	if status < 200 || status > 299 {
		return out, domain.DownstreamError(status)
	}
	return out, nil
}

func (s *InvokeHTTP) send(ctx context.Context, env domain.Envelope, attempt int) (int, error) {
	callCtx, cancel := governance.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, s.method, s.url, bytes.NewReader(env.Body()))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for _, h := range env.Headers().Entries() {
		if _, skip := outboundSkip[h.Name]; skip {
			continue
		}
		req.Header.Set(h.Name, h.Value)
	}
	req.Header.Set("Content-Type", s.contentType)
	if attempt > 0 {
		req.Header.Set("X-Retry-Attempt", strconv.Itoa(attempt))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, fmt.Errorf("%w: %w", governance.ErrRequestTimeout, err)
		}
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
	}()

	s.logger.Debug("downstream responded",
		"stage", s.name,
		"route_id", env.RouteID(),
		"status", resp.StatusCode,
		"attempt", attempt,
	)
	return resp.StatusCode, nil
}

// Close releases idle pooled connections.
func (s *InvokeHTTP) Close() error {
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	return nil
}

// outboundSkip lists envelope headers that never travel downstream: hop-by-hop
// headers, framing headers the client recomputes, and internal bookkeeping.
var outboundSkip = func() map[string]struct{} {
	names := []string{
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Transfer-Encoding",
		"Te",
		"Trailer",
		"Upgrade",
		"Content-Length",
		"Host",
		"Cookie",
		"Proxy-Authorization",
		domain.HeaderDownstreamStatus,
	}
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[http.CanonicalHeaderKey(n)] = struct{}{}
	}
	return out
}()
