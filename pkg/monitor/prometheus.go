package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusExporter mirrors Monitor readings into a Prometheus
// registry, and holds job lifecycle counters and gauges that callers
// update; pkg/job and pkg/scheduler do not touch them.
type PrometheusExporter struct {
	gauges map[MetricKind]prometheus.Gauge

	JobsSubmitted  prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsFailed     prometheus.Counter
	JobsCancelled  prometheus.Counter
	ActiveJobs     prometheus.Gauge
	QueueDepth     prometheus.Gauge
}

// NewPrometheusExporter registers one gauge per MetricKind plus the
// job lifecycle counters under namespace/subsystem, on reg.
func NewPrometheusExporter(reg prometheus.Registerer, namespace, subsystem string) *PrometheusExporter {
	e := &PrometheusExporter{gauges: make(map[MetricKind]prometheus.Gauge)}

	for _, metric := range []MetricKind{
		MetricResponseTime, MetricMemoryUsage, MetricCPUUsage, MetricDiskIO,
		MetricCacheHitRate, MetricTaskThroughput, MetricErrorRate, MetricAgentPerformance,
	} {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      string(metric),
			Help:      "rolling average for " + string(metric),
		})
		reg.MustRegister(g)
		e.gauges[metric] = g
	}

	e.JobsSubmitted = mustCounter(reg, namespace, subsystem, "jobs_submitted_total", "jobs submitted")
	e.JobsCompleted = mustCounter(reg, namespace, subsystem, "jobs_completed_total", "jobs completed successfully")
	e.JobsFailed = mustCounter(reg, namespace, subsystem, "jobs_failed_total", "jobs that ended in failure")
	e.JobsCancelled = mustCounter(reg, namespace, subsystem, "jobs_cancelled_total", "jobs cancelled before completion")

	e.ActiveJobs = mustGauge(reg, namespace, subsystem, "active_jobs", "jobs currently running")
	e.QueueDepth = mustGauge(reg, namespace, subsystem, "queue_depth", "executions waiting for admission")

	return e
}

func mustCounter(reg prometheus.Registerer, namespace, subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	reg.MustRegister(c)
	return c
}

func mustGauge(reg prometheus.Registerer, namespace, subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	reg.MustRegister(g)
	return g
}

// Export writes a Monitor snapshot into the registered gauges. Call
// this on a ticker alongside Monitor.Baseline.
func (e *PrometheusExporter) Export(snap Snapshot) {
	for metric, value := range snap.Values {
		if g, ok := e.gauges[metric]; ok {
			g.Set(value)
		}
	}
}
