// Package metrics holds the Prometheus instruments for tokens, revocations
// and the realtime gateway. A nil *Metrics is valid and records nothing, so
// components can be built without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	tokensIssued  *prometheus.CounterVec
	validations   *prometheus.CounterVec
	revocationOps *prometheus.CounterVec

	connsActive   prometheus.Gauge
	connsTotal    *prometheus.CounterVec
	messagesTotal *prometheus.CounterVec
	evictions     prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every instrument under namespace on a private registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Tokens issued by class.",
		}, []string{"class"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Token validations by class and outcome.",
		}, []string{"class", "outcome"}),
		revocationOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocation_operations_total",
			Help:      "Revocation store operations by kind and result.",
		}, []string{"op", "result"}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Currently registered realtime connections.",
		}),
		connsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Realtime connection attempts by admission result.",
		}, []string{"result"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_total",
			Help:      "Inbound realtime messages by disposition.",
		}, []string{"kind"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "liveness_evictions_total",
			Help:      "Connections closed after missing liveness probes.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.tokensIssued, m.validations, m.revocationOps,
		m.connsActive, m.connsTotal, m.messagesTotal, m.evictions,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) TokenIssued(class string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(class).Inc()
}

func (m *Metrics) TokenValidated(class, outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(class, outcome).Inc()
}

func (m *Metrics) RevocationOp(op, result string) {
	if m == nil {
		return
	}
	m.revocationOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ConnectionAdmitted() {
	if m == nil {
		return
	}
	m.connsTotal.WithLabelValues("accepted").Inc()
	m.connsActive.Inc()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connsTotal.WithLabelValues("rejected").Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connsActive.Dec()
}

func (m *Metrics) Message(kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// HTTPMiddleware records request counts and latency per route pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
