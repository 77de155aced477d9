// Package metrics exposes dispatcher activity as Prometheus metrics.
//
// A Collector owns its registry so that several collectors (one per test,
// or one per server) never collide on the default registerer.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

const namespace = "tunedispatch"

// Collector records job and telemetry metrics. It implements
// telemetry.Observer and can be used as a jobregistry.TransitionFunc via
// OnTransition.
type Collector struct {
	registry *prometheus.Registry

	JobsSubmitted    *prometheus.CounterVec
	JobTransitions   *prometheus.CounterVec
	JobsActive       prometheus.Gauge
	TelemetryQueued  prometheus.Counter
	TelemetryFlushed prometheus.Counter
	TelemetryFailed  prometheus.Counter
	TelemetryDropped prometheus.Counter
	TelemetryDepth   prometheus.Gauge

	mu     sync.Mutex
	depths map[string]int
}

// NewCollector creates a Collector with its own registry. Go runtime and
// process collectors are registered alongside.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		depths:   make(map[string]int),
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted for dispatch, by provider kind.",
		}, []string{"provider"}),
		JobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job state changes.",
		}, []string{"from", "to"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs in PENDING or RUNNING.",
		}),
		TelemetryQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_records_enqueued_total",
			Help:      "Telemetry records accepted into job queues.",
		}),
		TelemetryFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_records_flushed_total",
			Help:      "Telemetry records uploaded.",
		}),
		TelemetryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_records_requeued_total",
			Help:      "Telemetry records returned to the queue after a failed upload.",
		}),
		TelemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_records_dropped_total",
			Help:      "Telemetry records discarded without upload.",
		}),
		TelemetryDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_queue_depth",
			Help:      "Telemetry records buffered across all jobs.",
		}),
	}

	c.registry.MustRegister(
		c.JobsSubmitted,
		c.JobTransitions,
		c.JobsActive,
		c.TelemetryQueued,
		c.TelemetryFlushed,
		c.TelemetryFailed,
		c.TelemetryDropped,
		c.TelemetryDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordSubmitted counts one accepted job. Jobs start PENDING.
func (c *Collector) RecordSubmitted(kind provider.ProviderType) {
	c.JobsSubmitted.WithLabelValues(string(kind)).Inc()
	c.JobsActive.Inc()
}

// OnTransition counts a job state change and keeps JobsActive current.
func (c *Collector) OnTransition(_ string, from, to jobregistry.JobState) {
	c.JobTransitions.WithLabelValues(string(from), string(to)).Inc()
	if !from.IsTerminal() && to.IsTerminal() {
		c.JobsActive.Dec()
	}
}

// Enqueued implements telemetry.Observer.
func (c *Collector) Enqueued(_ string, n int) {
	c.TelemetryQueued.Add(float64(n))
}

// Flushed implements telemetry.Observer.
func (c *Collector) Flushed(_ string, n int) {
	c.TelemetryFlushed.Add(float64(n))
}

// FlushFailed implements telemetry.Observer.
func (c *Collector) FlushFailed(_ string, n int) {
	c.TelemetryFailed.Add(float64(n))
}

// Dropped implements telemetry.Observer.
func (c *Collector) Dropped(_ string, n int) {
	c.TelemetryDropped.Add(float64(n))
}

// QueueDepth implements telemetry.Observer. The gauge is the sum over jobs.
func (c *Collector) QueueDepth(jobID string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if depth <= 0 {
		delete(c.depths, jobID)
	} else {
		c.depths[jobID] = depth
	}
	total := 0
	for _, d := range c.depths {
		total += d
	}
	c.TelemetryDepth.Set(float64(total))
}
