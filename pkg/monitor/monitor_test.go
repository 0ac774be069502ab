package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/taskrunner/pkg/logging"
)

func TestMonitor_ThresholdAlert(t *testing.T) {
	m := New(10, AlertThresholds{Max: map[MetricKind]float64{MetricCPUUsage: 80}}, 1.5, logging.Nop())

	var mu sync.Mutex
	var alerts []Alert
	m.AddHandler(func(a Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	m.Record(MetricCPUUsage, 95)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMonitor_RegressionDetection(t *testing.T) {
	m := New(10, AlertThresholds{}, 1.5, logging.Nop())

	for i := 0; i < 10; i++ {
		m.Record(MetricResponseTime, 100)
	}
	m.Baseline(MetricResponseTime)

	var mu sync.Mutex
	var alerts []Alert
	m.AddHandler(func(a Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		m.Record(MetricResponseTime, 300)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestMonitor_SuppressesDuplicateUnresolvedAlerts(t *testing.T) {
	m := New(10, AlertThresholds{Max: map[MetricKind]float64{MetricCPUUsage: 80}}, 1.5, logging.Nop())

	var mu sync.Mutex
	var alerts []Alert
	m.AddHandler(func(a Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	m.Record(MetricCPUUsage, 95)
	m.Record(MetricCPUUsage, 96)
	m.Record(MetricCPUUsage, 97)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1
	}, time.Second, 10*time.Millisecond)

	m.Record(MetricCPUUsage, 10) // back in bounds, clears the outstanding alert
	m.Record(MetricCPUUsage, 95) // breaches again, should raise a second time

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestMonitor_SeverityEscalatesWithProximity(t *testing.T) {
	m := New(10, AlertThresholds{Max: map[MetricKind]float64{MetricCPUUsage: 100}}, 1.5, logging.Nop())

	var mu sync.Mutex
	var alerts []Alert
	m.AddHandler(func(a Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	m.Record(MetricCPUUsage, 102) // 2% over, medium
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, SeverityMedium, alerts[0].Severity)
	mu.Unlock()

	m.Record(MetricCPUUsage, 50) // resolve
	m.Record(MetricCPUUsage, 150) // 50% over, critical

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, SeverityCritical, alerts[1].Severity)
	mu.Unlock()
}

func TestMonitor_StartEndOperationRecordsResponseTime(t *testing.T) {
	m := New(10, AlertThresholds{}, 2.0, logging.Nop())

	m.StartOperation("op-1")
	time.Sleep(5 * time.Millisecond)
	m.EndOperation("op-1", map[string]interface{}{"tool": "search"})

	snap := m.Snapshot()
	assert.Greater(t, snap.Values[MetricResponseTime], 0.0)
}

func TestMonitor_EndOperationWithoutStartIsNoop(t *testing.T) {
	m := New(10, AlertThresholds{}, 2.0, logging.Nop())
	m.EndOperation("never-started", nil)

	snap := m.Snapshot()
	assert.Equal(t, 0.0, snap.Values[MetricResponseTime])
}

func TestMonitor_SnapshotReflectsRecentAverage(t *testing.T) {
	m := New(10, AlertThresholds{}, 2.0, logging.Nop())
	m.Record(MetricCacheHitRate, 0.5)
	m.Record(MetricCacheHitRate, 1.0)

	snap := m.Snapshot()
	assert.InDelta(t, 0.75, snap.Values[MetricCacheHitRate], 0.001)
}
