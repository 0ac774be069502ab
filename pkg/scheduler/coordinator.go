package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	taskerrors "github.com/relaykit/taskrunner/pkg/errors"
	"github.com/relaykit/taskrunner/pkg/monitor"
)

// ExecStatus is the Coordinator's own execution-status vocabulary. It
// is deliberately distinct from pkg/job.Status: an execution can be
// cancelled or time out, outcomes the Job state machine folds into
// FAILED only after pkg/executor.Adapter translates them. Keeping the
// Coordinator ignorant of job.Status is what lets that translation
// live in exactly one place.
type ExecStatus string

const (
	ExecQueued    ExecStatus = "queued"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
	ExecTimeout   ExecStatus = "timeout"
)

// StatusListener receives every status transition the Coordinator
// makes for an execution. pkg/executor.Adapter implements it to
// translate into job_id-space updates.
type StatusListener interface {
	OnStatusChange(executionID string, status ExecStatus, result interface{}, err error)
}

// running tracks an in-flight execution so it can be cancelled.
type running struct {
	cancel  context.CancelFunc
	reason  string
	timeout bool
}

// ResourceLimits caps the aggregate memory and CPU weight the
// Coordinator will admit concurrently, on top of the concurrency-slot
// cap. Zero disables the corresponding gate.
type ResourceLimits struct {
	MaxMemoryMB  int
	MaxCPUWeight float64
}

// Coordinator is the Execution Coordinator (C8): it admits submitted
// work onto a bounded priority queue, gates admission on dependency
// completion and resource headroom, dispatches at most MaxConcurrent
// executions at a time, and fans out every status change to its
// listener.
type Coordinator struct {
	queue         *priorityQueue
	maxConcurrent int
	sem           chan struct{}
	limits        ResourceLimits
	admissionPoll time.Duration

	mu               sync.Mutex
	active           map[string]*running
	completed        map[string]bool
	reservedMemoryMB int
	reservedCPU      float64

	listener StatusListener
	tracer   *monitor.Tracer
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Coordinator bounded to maxConcurrent simultaneous
// executions, reporting transitions to listener.
func New(maxConcurrent int, listener StatusListener, log zerolog.Logger) *Coordinator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		queue:         newPriorityQueue(defaultQueueConfig()),
		maxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
		admissionPoll: 50 * time.Millisecond,
		active:        make(map[string]*running),
		completed:     make(map[string]bool),
		listener:      listener,
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
	}
	c.wg.Add(1)
	go c.admissionLoop()
	return c
}

// WithTracer attaches a job lifecycle tracer. runTask opens and
// immediately ends an "admit" span when an execution is dispatched and
// a "complete" span when its work returns, both tagged with the
// execution ID.
func (c *Coordinator) WithTracer(tracer *monitor.Tracer) *Coordinator {
	c.tracer = tracer
	return c
}

// WithResourceLimits attaches the aggregate memory/CPU caps enforced
// during admission, alongside the existing concurrency-slot cap.
func (c *Coordinator) WithResourceLimits(limits ResourceLimits) *Coordinator {
	c.limits = limits
	return c
}

// Submit admits work under executionID at the given priority. It
// returns once the task is enqueued, not once it runs. dependencyIDs,
// if non-empty, must all reference executions that have already
// reached ExecCompleted before this task is dispatched; memoryMB and
// cpuWeight are reserved against the Coordinator's resource caps for
// the duration of the run.
func (c *Coordinator) Submit(ctx context.Context, executionID string, priority int, dependencyIDs []string, memoryMB int, cpuWeight float64, work func(ctx context.Context) (interface{}, error)) error {
	c.listener.OnStatusChange(executionID, ExecQueued, nil, nil)
	return c.queue.enqueue(&task{
		executionID:   executionID,
		priority:      Priority(priority),
		work:          work,
		ctx:           ctx,
		enqueuedAt:    time.Now(),
		dependencyIDs: dependencyIDs,
		memoryMB:      memoryMB,
		cpuWeight:     cpuWeight,
	})
}

// Cancel stops a running execution for an operator- or
// caller-initiated reason. Only executions already dispatched by the
// admission loop are found: cancelling one that is still queued, or
// one that already finished, is a no-op and returns nil.
func (c *Coordinator) Cancel(executionID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.active[executionID]
	if !ok {
		return nil
	}
	r.reason = reason
	r.cancel()
	return nil
}

// cancelForTimeout cancels an execution the same way Cancel does, but
// marks it so runTask reports ExecTimeout instead of ExecCancelled —
// the two share a cancellation mechanism but are distinct outcomes.
func (c *Coordinator) cancelForTimeout(executionID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.active[executionID]
	if !ok {
		return nil
	}
	r.reason = reason
	r.timeout = true
	r.cancel()
	return nil
}

// Stop drains the admission loop and waits for in-flight work to
// observe cancellation.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Metrics returns a snapshot of the admission queue's throughput
// counters.
func (c *Coordinator) Metrics() QueueMetrics {
	return c.queue.Metrics()
}

// ActiveCount reports how many executions are currently running.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) admissionLoop() {
	defer c.wg.Done()
	for {
		t, err := c.queue.dequeue(c.ctx)
		if err != nil {
			return
		}

		if !c.admissible(t) {
			// Put a gated task back behind the rest of its lane so it does
			// not block admission of the tasks queued after it.
			if err := c.queue.enqueue(t); err != nil {
				c.log.Error().Err(err).Str("execution_id", t.executionID).Msg("failed to requeue gated execution")
			}
			select {
			case <-time.After(c.admissionPoll):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		select {
		case c.sem <- struct{}{}:
		case <-c.ctx.Done():
			return
		}

		c.mu.Lock()
		c.reservedMemoryMB += t.memoryMB
		c.reservedCPU += t.cpuWeight
		c.mu.Unlock()

		c.wg.Add(1)
		go c.runTask(t)
	}
}

// admissible reports whether t's dependency and resource gates are
// currently satisfied. Dependency gating (b) requires every
// dependencyID to have reached ExecCompleted; resource accounting (c)
// requires the reservation to fit within the configured caps.
func (c *Coordinator) admissible(t *task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, dep := range t.dependencyIDs {
		if !c.completed[dep] {
			return false
		}
	}
	if c.limits.MaxMemoryMB > 0 && c.reservedMemoryMB+t.memoryMB > c.limits.MaxMemoryMB {
		return false
	}
	if c.limits.MaxCPUWeight > 0 && c.reservedCPU+t.cpuWeight > c.limits.MaxCPUWeight {
		return false
	}
	return true
}

func (c *Coordinator) releaseResources(t *task) {
	c.mu.Lock()
	c.reservedMemoryMB -= t.memoryMB
	c.reservedCPU -= t.cpuWeight
	if c.reservedMemoryMB < 0 {
		c.reservedMemoryMB = 0
	}
	if c.reservedCPU < 0 {
		c.reservedCPU = 0
	}
	c.mu.Unlock()
}

func (c *Coordinator) runTask(t *task) {
	defer c.wg.Done()
	defer func() { <-c.sem }()
	defer c.releaseResources(t)

	runCtx, cancel := context.WithCancel(t.ctx)
	c.mu.Lock()
	c.active[t.executionID] = &running{cancel: cancel}
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.active, t.executionID)
		c.mu.Unlock()
	}()

	if c.tracer != nil {
		_, span := c.tracer.StartJobSpan(runCtx, "admit", t.executionID)
		span.End()
	}

	c.listener.OnStatusChange(t.executionID, ExecRunning, nil, nil)
	c.log.Debug().Str("execution_id", t.executionID).Msg("execution started")

	result, err := t.work(runCtx)

	if c.tracer != nil {
		_, span := c.tracer.StartJobSpan(runCtx, "complete", t.executionID)
		span.End()
	}

	c.mu.Lock()
	r := c.active[t.executionID]
	c.mu.Unlock()

	status := ExecCompleted
	if runCtx.Err() != nil {
		reason := "cancelled"
		isTimeout := false
		if r != nil {
			if r.reason != "" {
				reason = r.reason
			}
			isTimeout = r.timeout
		}
		if isTimeout {
			status = ExecTimeout
			err = taskerrors.Timeout(t.executionID, 0)
		} else {
			status = ExecCancelled
			err = taskerrors.CancelledWithReason(t.executionID, reason)
		}
	} else if err != nil {
		status = ExecFailed
	}

	if status == ExecCompleted {
		c.mu.Lock()
		c.completed[t.executionID] = true
		c.mu.Unlock()
	}

	c.listener.OnStatusChange(t.executionID, status, result, err)
	c.log.Debug().Str("execution_id", t.executionID).Str("status", string(status)).Msg("execution finished")
}

// ScanTimeouts cancels every execution whose job has exceeded its
// deadline, per spec.md's timeout-detection property. registry
// supplies the set of timed-out job IDs; toExecutionID maps a job ID
// to its execution ID (pkg/executor.Adapter provides this).
func (c *Coordinator) ScanTimeouts(timedOutJobIDs []string, toExecutionID func(jobID string) (string, bool)) {
	for _, jobID := range timedOutJobIDs {
		execID, ok := toExecutionID(jobID)
		if !ok {
			continue
		}
		if err := c.cancelForTimeout(execID, "deadline exceeded"); err != nil {
			c.log.Error().Err(err).Str("execution_id", execID).Msg("failed to cancel timed-out execution")
		}
	}
}
