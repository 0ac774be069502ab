// Package monitor implements the Performance Monitor (C10): rolling
// metric windows, regression detection against a baseline window, and
// threshold-triggered alerts.
package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricKind names one of the measurements the monitor tracks.
type MetricKind string

const (
	MetricResponseTime     MetricKind = "response_time"
	MetricMemoryUsage      MetricKind = "memory_usage"
	MetricCPUUsage         MetricKind = "cpu_usage"
	MetricDiskIO           MetricKind = "disk_io"
	MetricCacheHitRate     MetricKind = "cache_hit_rate"
	MetricTaskThroughput   MetricKind = "task_throughput"
	MetricErrorRate        MetricKind = "error_rate"
	MetricAgentPerformance MetricKind = "agent_performance"
)

// Snapshot is a point-in-time reading of every tracked metric.
type Snapshot struct {
	Values    map[MetricKind]float64
	Timestamp time.Time
}

// AlertThresholds configures when a metric reading becomes an alert.
type AlertThresholds struct {
	Max map[MetricKind]float64 // alert when value exceeds threshold
	Min map[MetricKind]float64 // alert when value falls below threshold
}

// Severity classifies how far past its threshold a breach sits.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityCritical Severity = "critical"
)

// severityProximity is how far past the threshold (as a fraction of
// its value) a breach must be to escalate from medium to critical.
const severityProximity = 0.10

// Alert describes one threshold or regression breach.
type Alert struct {
	Metric    MetricKind
	Value     float64
	Baseline  float64
	Reason    string
	Severity  Severity
	Timestamp time.Time
}

// AlertHandler is notified of every Alert the monitor raises.
type AlertHandler func(Alert)

// window is a fixed-size ring buffer of recent readings for one
// metric, used for both the live window and the comparison baseline.
type window struct {
	values []float64
	cap    int
	pos    int
	filled bool
}

func newWindow(capacity int) *window {
	return &window{values: make([]float64, capacity), cap: capacity}
}

func (w *window) add(v float64) {
	w.values[w.pos] = v
	w.pos = (w.pos + 1) % w.cap
	if w.pos == 0 {
		w.filled = true
	}
}

func (w *window) average() float64 {
	n := w.pos
	if w.filled {
		n = w.cap
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w.values[i]
	}
	return sum / float64(n)
}

// Monitor tracks recent and baseline windows per metric, flags
// threshold breaches, and detects regressions (a recent-window average
// meaningfully worse than the baseline window).
type Monitor struct {
	mu       sync.Mutex
	recent   map[MetricKind]*window
	baseline map[MetricKind]*window
	size     int // capacity of every recent and baseline window

	thresholds      AlertThresholds
	regressionRatio float64 // recent/baseline ratio that counts as regression
	handlers        []AlertHandler

	unresolved map[string]bool  // metric+reason kind -> alert already outstanding
	operations map[string]time.Time // operation id -> start time

	log zerolog.Logger
}

// New constructs a Monitor. windowSize bounds both the recent and
// baseline windows; regressionRatio (e.g. 1.5) is how much worse the
// recent window's average must be than baseline's to flag a
// regression.
func New(windowSize int, thresholds AlertThresholds, regressionRatio float64, log zerolog.Logger) *Monitor {
	if windowSize < 1 {
		windowSize = 1
	}
	return &Monitor{
		recent:          make(map[MetricKind]*window),
		baseline:        make(map[MetricKind]*window),
		size:            windowSize,
		thresholds:      thresholds,
		regressionRatio: regressionRatio,
		unresolved:      make(map[string]bool),
		operations:      make(map[string]time.Time),
		log:             log,
	}
}

// AddHandler registers a callback invoked for every raised Alert.
func (m *Monitor) AddHandler(h AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Monitor) windowFor(set map[MetricKind]*window, metric MetricKind, size int) *window {
	w, ok := set[metric]
	if !ok {
		w = newWindow(size)
		set[metric] = w
	}
	return w
}

// StartOperation marks the beginning of a timed unit of work
// identified by id. Call EndOperation with the same id to record its
// duration as a MetricResponseTime reading. Starting an id twice
// overwrites the earlier start time.
func (m *Monitor) StartOperation(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations[id] = time.Now()
}

// EndOperation closes out a StartOperation call, recording the elapsed
// time in milliseconds as a MetricResponseTime reading. meta is
// logged alongside the duration but does not affect the metric
// itself; it is the caller's place to attach identifying context
// (tool name, job ID) without widening the MetricKind vocabulary. An
// id with no matching StartOperation is ignored.
func (m *Monitor) EndOperation(id string, meta map[string]interface{}) {
	m.mu.Lock()
	start, ok := m.operations[id]
	if ok {
		delete(m.operations, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	elapsedMs := float64(time.Since(start).Milliseconds())
	event := m.log.Debug().Str("operation_id", id).Float64("elapsed_ms", elapsedMs)
	for k, v := range meta {
		event = event.Interface(k, v)
	}
	event.Msg("operation completed")

	m.Record(MetricResponseTime, elapsedMs)
}

// Record ingests one reading for metric, checks it against static
// thresholds, and rolls it into the recent window. Call Baseline
// periodically (e.g. hourly) to snapshot the recent window as the new
// comparison baseline.
func (m *Monitor) Record(metric MetricKind, value float64) {
	m.mu.Lock()
	recent := m.windowFor(m.recent, metric, m.size)
	recent.add(value)
	baseline := m.baseline[metric]
	m.mu.Unlock()

	m.checkThresholds(metric, value)
	if baseline != nil {
		m.checkRegression(metric, recent, baseline)
	}
}

// Baseline snapshots the current recent-window average as the new
// baseline for metric, so future regressions are measured against
// this moment.
func (m *Monitor) Baseline(metric MetricKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recent, ok := m.recent[metric]
	if !ok {
		return
	}
	baseline := m.windowFor(m.baseline, metric, m.size)
	baseline.add(recent.average())
}

func (m *Monitor) checkThresholds(metric MetricKind, value float64) {
	maxKey := string(metric) + ":max"
	if max, ok := m.thresholds.Max[metric]; ok {
		if value > max {
			if m.shouldRaise(maxKey) {
				overshoot := (value - max) / max
				m.raise(Alert{Metric: metric, Value: value, Baseline: max, Reason: "exceeds max threshold", Severity: severityFor(overshoot), Timestamp: time.Now()})
			}
		} else {
			m.resolve(maxKey)
		}
	}

	minKey := string(metric) + ":min"
	if min, ok := m.thresholds.Min[metric]; ok {
		if value < min {
			if m.shouldRaise(minKey) {
				undershoot := (min - value) / min
				m.raise(Alert{Metric: metric, Value: value, Baseline: min, Reason: "below min threshold", Severity: severityFor(undershoot), Timestamp: time.Now()})
			}
		} else {
			m.resolve(minKey)
		}
	}
}

func (m *Monitor) checkRegression(metric MetricKind, recent, baseline *window) {
	baseAvg := baseline.average()
	if baseAvg == 0 {
		return
	}
	recentAvg := recent.average()
	regressionKey := string(metric) + ":regression"

	ratio := recentAvg / baseAvg
	if ratio < m.regressionRatio {
		m.resolve(regressionKey)
		return
	}
	if !m.shouldRaise(regressionKey) {
		return
	}

	proximity := (ratio - m.regressionRatio) / m.regressionRatio
	m.raise(Alert{
		Metric:    metric,
		Value:     recentAvg,
		Baseline:  baseAvg,
		Reason:    "regression vs baseline",
		Severity:  severityFor(proximity),
		Timestamp: time.Now(),
	})
}

// severityFor classifies how far past its threshold a breach sits:
// critical once the overshoot is itself at least 10% of the
// threshold, medium otherwise.
func severityFor(proximity float64) Severity {
	if proximity >= severityProximity {
		return SeverityCritical
	}
	return SeverityMedium
}

// shouldRaise reports whether a new alert for key should fire, and
// marks it outstanding if so. A second breach of the same kind while
// the first is still unresolved is suppressed.
func (m *Monitor) shouldRaise(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unresolved[key] {
		return false
	}
	m.unresolved[key] = true
	return true
}

// resolve clears an outstanding alert once a reading falls back in
// bounds, so the next breach raises again instead of staying
// suppressed forever.
func (m *Monitor) resolve(key string) {
	m.mu.Lock()
	delete(m.unresolved, key)
	m.mu.Unlock()
}

func (m *Monitor) raise(a Alert) {
	m.log.Warn().Str("metric", string(a.Metric)).Float64("value", a.Value).Str("reason", a.Reason).Str("severity", string(a.Severity)).Msg("performance alert")

	m.mu.Lock()
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		go h(a)
	}
}

// Snapshot returns the current recent-window averages for every
// tracked metric.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	values := make(map[MetricKind]float64, len(m.recent))
	for metric, w := range m.recent {
		values[metric] = w.average()
	}
	return Snapshot{Values: values, Timestamp: time.Now()}
}
