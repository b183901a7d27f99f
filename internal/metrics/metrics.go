// Package metrics exposes Prometheus instruments for tool calls. A nil *Collector is valid and
// records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolhost"

// Collector owns a private registry so several hosts can live in one test binary.
type Collector struct {
	registry     *prometheus.Registry
	calls        *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inflight     prometheus.Gauge
	faults       *prometheus.CounterVec
	reads        *prometheus.CounterVec
	auditDropped prometheus.Counter
}

// New creates the instruments for host.
func New(host string) *Collector {
	labels := prometheus.Labels{"host": host}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "tool_calls_total",
			Help:        "Tool calls by tool and outcome.",
			ConstLabels: labels,
		}, []string{"tool", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "tool_call_duration_seconds",
			Help:        "Tool call latency.",
			ConstLabels: labels,
			Buckets:     []float64{.005, .025, .1, .5, 1, 5, 30, 120, 600, 1800},
		}, []string{"tool"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "inflight_calls",
			Help:        "Tool calls currently executing.",
			ConstLabels: labels,
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "protocol_faults_total",
			Help:        "Protocol faults returned to clients by code.",
			ConstLabels: labels,
		}, []string{"code"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "resource_reads_total",
			Help:        "Resource reads by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "audit_dropped_total",
			Help:        "Audit entries dropped because the publish queue was full.",
			ConstLabels: labels,
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.calls, c.duration, c.inflight, c.faults, c.reads, c.auditDropped,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.inflight.Inc()
}

func (c *Collector) CallFinished(tool, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.inflight.Dec()
	c.calls.WithLabelValues(tool, outcome).Inc()
	c.duration.WithLabelValues(tool).Observe(d.Seconds())
}

func (c *Collector) ProtocolFault(code int) {
	if c == nil {
		return
	}
	c.faults.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (c *Collector) ResourceRead(outcome string) {
	if c == nil {
		return
	}
	c.reads.WithLabelValues(outcome).Inc()
}

func (c *Collector) AuditDropped() {
	if c == nil {
		return
	}
	c.auditDropped.Inc()
}
