// Package metrics records task counters for the worker. All methods are
// safe to call on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Task outcomes used as the outcome label.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomePolicy   = "policy"
	OutcomeProtocol = "protocol"
)

// Collector owns a private registry with the worker's metrics.
type Collector struct {
	registry *prometheus.Registry

	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	policyDenials *prometheus.CounterVec
	wedgedTotal   prometheus.Counter
	healthChecks  prometheus.Counter
	preloadedLibs prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers the worker metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks processed, by outcome",
		},
		[]string{"outcome"},
	)

	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	c.policyDenials = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Module imports rejected by the access policy",
		},
		[]string{"module"},
	)

	c.wedgedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wedged_total",
		Help:      "Tasks that ignored the interrupt past the grace window",
	})

	c.healthChecks = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_checks_total",
		Help:      "Ping records answered",
	})

	c.preloadedLibs = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "preloaded_libraries",
		Help:      "Libraries loaded by the warmup preloader",
	})

	return c
}

// RecordTask counts one task and its duration.
func (c *Collector) RecordTask(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(outcome).Inc()
	c.taskDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordPolicyDenial counts a rejected module import.
func (c *Collector) RecordPolicyDenial(module string) {
	if c == nil {
		return
	}
	c.policyDenials.WithLabelValues(module).Inc()
}

// RecordWedged counts a task that could not be stopped.
func (c *Collector) RecordWedged() {
	if c == nil {
		return
	}
	c.wedgedTotal.Inc()
	c.logger.Warn("worker wedged")
}

// RecordPing counts a health check.
func (c *Collector) RecordPing() {
	if c == nil {
		return
	}
	c.healthChecks.Inc()
}

// SetPreloaded records how many libraries were preloaded.
func (c *Collector) SetPreloaded(n int) {
	if c == nil {
		return
	}
	c.preloadedLibs.Set(float64(n))
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
