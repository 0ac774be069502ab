// Package scheduler implements the Execution Coordinator (C8): a
// priority-aware admission queue bounded by a concurrency cap, with
// dependency and resource admission gates, cancellation, and timeout
// scanning.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Priority selects which of the four admission lanes a task enters.
// Numeric value doubles as the lane's scheduling weight.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// task is one unit of admitted work.
type task struct {
	executionID string
	priority    Priority
	work        func(ctx context.Context) (interface{}, error)
	ctx         context.Context
	enqueuedAt  time.Time

	dependencyIDs []string // must all be in the completed set before admission
	memoryMB      int
	cpuWeight     float64
}

// QueueMetrics tracks admission queue throughput.
type QueueMetrics struct {
	TotalEnqueued   int64
	TotalDequeued   int64
	AverageWaitTime time.Duration
	mu              sync.RWMutex
}

// queueConfig sizes the four priority lanes.
type queueConfig struct {
	MaxSize        int
	EnqueueTimeout time.Duration

	CriticalRatio float64
	HighRatio     float64
	MediumRatio   float64
	LowRatio      float64
}

func defaultQueueConfig() queueConfig {
	return queueConfig{
		MaxSize:        10000,
		EnqueueTimeout: 5 * time.Second,
		CriticalRatio:  0.15,
		HighRatio:      0.25,
		MediumRatio:    0.35,
		LowRatio:       0.25,
	}
}

// priorityQueue is four buffered channels sized in proportion to their
// priority's share of the admission budget — adapted from the
// teacher's task-queue design, generalized from Task to the
// coordinator's own task type and widened from three lanes to the
// spec's four-tier {critical, high, medium, low} weighting.
type priorityQueue struct {
	config   queueConfig
	critical chan *task
	high     chan *task
	medium   chan *task
	low      chan *task

	metrics *QueueMetrics
}

func newPriorityQueue(config queueConfig) *priorityQueue {
	criticalSize := int(float64(config.MaxSize) * config.CriticalRatio)
	highSize := int(float64(config.MaxSize) * config.HighRatio)
	mediumSize := int(float64(config.MaxSize) * config.MediumRatio)
	lowSize := int(float64(config.MaxSize) * config.LowRatio)

	return &priorityQueue{
		config:   config,
		critical: make(chan *task, maxInt(criticalSize, 1)),
		high:     make(chan *task, maxInt(highSize, 1)),
		medium:   make(chan *task, maxInt(mediumSize, 1)),
		low:      make(chan *task, maxInt(lowSize, 1)),
		metrics:  &QueueMetrics{},
	}
}

func (q *priorityQueue) enqueue(t *task) error {
	var target chan *task
	switch t.priority {
	case PriorityCritical:
		target = q.critical
	case PriorityHigh:
		target = q.high
	case PriorityLow:
		target = q.low
	default:
		target = q.medium
	}

	select {
	case target <- t:
		q.metrics.mu.Lock()
		q.metrics.TotalEnqueued++
		q.metrics.mu.Unlock()
		return nil
	case <-time.After(q.config.EnqueueTimeout):
		return fmt.Errorf("queue timeout: failed to enqueue execution %s", t.executionID)
	}
}

// dequeue blocks until a task is available or ctx is done, always
// preferring critical over high over medium over low priority.
func (q *priorityQueue) dequeue(ctx context.Context) (*task, error) {
	for {
		select {
		case t := <-q.critical:
			return q.record(t), nil
		default:
		}
		select {
		case t := <-q.high:
			return q.record(t), nil
		default:
		}
		select {
		case t := <-q.medium:
			return q.record(t), nil
		default:
		}
		select {
		case t := <-q.low:
			return q.record(t), nil
		default:
		}

		select {
		case t := <-q.critical:
			return q.record(t), nil
		case t := <-q.high:
			return q.record(t), nil
		case t := <-q.medium:
			return q.record(t), nil
		case t := <-q.low:
			return q.record(t), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *priorityQueue) record(t *task) *task {
	wait := time.Since(t.enqueuedAt)
	q.metrics.mu.Lock()
	q.metrics.TotalDequeued++
	if q.metrics.TotalDequeued == 1 {
		q.metrics.AverageWaitTime = wait
	} else {
		q.metrics.AverageWaitTime = (q.metrics.AverageWaitTime + wait) / 2
	}
	q.metrics.mu.Unlock()
	return t
}

func (q *priorityQueue) Metrics() QueueMetrics {
	q.metrics.mu.RLock()
	defer q.metrics.mu.RUnlock()
	return *q.metrics
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
