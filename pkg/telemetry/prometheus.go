package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors served on the admin /metrics endpoint.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	runsTotal     *prometheus.CounterVec
	stageFailures *prometheus.CounterVec

	downstreamReplies *prometheus.CounterVec

	poolInFlight prometheus.Gauge
	poolRejected prometheus.Counter
	rateLimited  *prometheus.CounterVec

	routesActive prometheus.Gauge
	routeReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esb_listener_requests_total",
				Help: "Inbound listener requests by route and reply status",
			},
			[]string{"route", "status_code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "esb_listener_request_duration_seconds",
				Help:    "Inbound request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esb_pipeline_runs_total",
				Help: "Completed pipeline runs by route and status",
			},
			[]string{"route", "status"},
		),

		stageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esb_stage_failures_total",
				Help: "Pipeline failures by route, stage and error kind",
			},
			[]string{"route", "stage", "kind"},
		),

		downstreamReplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esb_downstream_replies_total",
				Help: "Downstream HTTP replies by route and status code",
			},
			[]string{"route", "status_code"},
		),

		poolInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "esb_worker_pool_in_flight",
				Help: "Pipeline runs currently holding a worker slot",
			},
		),

		poolRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "esb_worker_pool_rejected_total",
				Help: "Requests rejected because no worker slot freed up in time",
			},
		),

		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esb_rate_limited_total",
				Help: "Requests throttled by the per-route rate limiter",
			},
			[]string{"route"},
		),

		routesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "esb_routes_active",
				Help: "Number of routes in the active snapshot",
			},
		),

		routeReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esb_route_reloads_total",
				Help: "Route table reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.runsTotal,
		m.stageFailures,
		m.downstreamReplies,
		m.poolInFlight,
		m.poolRejected,
		m.rateLimited,
		m.routesActive,
		m.routeReloads,
	)

	return m
}

// RecordRequest records one listener reply.
func (m *Metrics) RecordRequest(routeID string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(routeID, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(routeID).Observe(duration.Seconds())
}

// RecordRun records a completed run. stage and kind are empty on success.
func (m *Metrics) RecordRun(routeID, status, stage, kind string) {
	m.runsTotal.WithLabelValues(routeID, status).Inc()
	if stage != "" {
		m.stageFailures.WithLabelValues(routeID, stage, kind).Inc()
	}
}

// RecordDownstreamReply records the status code returned by a downstream service.
func (m *Metrics) RecordDownstreamReply(routeID string, statusCode int) {
	m.downstreamReplies.WithLabelValues(routeID, strconv.Itoa(statusCode)).Inc()
}

// SetPoolInFlight updates the worker pool gauge.
func (m *Metrics) SetPoolInFlight(n int) {
	m.poolInFlight.Set(float64(n))
}

// RecordPoolRejected counts a request turned away by the worker pool.
func (m *Metrics) RecordPoolRejected() {
	m.poolRejected.Inc()
}

// RecordRateLimited counts a throttled request.
func (m *Metrics) RecordRateLimited(routeID string) {
	m.rateLimited.WithLabelValues(routeID).Inc()
}

// RecordRouteReload records a route table reload attempt and the resulting size.
func (m *Metrics) RecordRouteReload(ok bool, active int) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.routeReloads.WithLabelValues(status).Inc()
	if ok {
		m.routesActive.Set(float64(active))
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
