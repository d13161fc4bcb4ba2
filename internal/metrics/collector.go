// Package metrics exposes Prometheus collectors for the generation pipeline.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Attempt outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeNoImages = "no_images"
	OutcomeTimeout  = "timeout"
)

// Collector owns a private registry so several instances (tests, embedded
// servers) never collide on registration. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	tasksSubmitted  *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	tasksInFlight   prometheus.Gauge
	tasksRecovered  prometheus.Counter
	adapterAttempts *prometheus.CounterVec
	adapterLatency  *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger zerolog.Logger
}

// NewCollector registers all collectors under namespace.
func NewCollector(namespace string, logger zerolog.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   logger.With().Str("component", "metrics").Logger(),

		tasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Generation tasks accepted, by module.",
		}, []string{"module"}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Generation tasks reaching a terminal status.",
		}, []string{"module", "status"}),
		tasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Generation runs currently executing.",
		}),
		tasksRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_recovered_total",
			Help:      "Orphaned tasks failed during startup recovery.",
		}),
		adapterAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_attempts_total",
			Help:      "Provider adapter invocations by outcome.",
		}, []string{"adapter", "outcome"}),
		adapterLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_latency_seconds",
			Help:      "Provider adapter call latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"adapter"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) TaskSubmitted(module string) {
	if c == nil {
		return
	}
	c.tasksSubmitted.WithLabelValues(module).Inc()
}

// RunStarted and RunFinished bracket one coordinator run.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.tasksInFlight.Inc()
}

func (c *Collector) RunFinished(module, status string) {
	if c == nil {
		return
	}
	c.tasksInFlight.Dec()
	c.tasksFinished.WithLabelValues(module, status).Inc()
}

func (c *Collector) TaskRecovered(module string) {
	if c == nil {
		return
	}
	c.tasksRecovered.Inc()
	c.tasksFinished.WithLabelValues(module, "failed").Inc()
}

func (c *Collector) AdapterAttempt(adapter, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.adapterAttempts.WithLabelValues(adapter, outcome).Inc()
	c.adapterLatency.WithLabelValues(adapter).Observe(took.Seconds())
}

// RecordHTTPRequest is called by the request middleware with the chi route pattern.
func (c *Collector) RecordHTTPRequest(method, route string, status int, took time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// Handler serves the exposition format for this collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: &promLogger{logger: c.logger},
	})
}

type promLogger struct {
	logger zerolog.Logger
}

func (l *promLogger) Println(v ...any) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}
