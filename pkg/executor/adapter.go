// Package executor implements the Execution Adapter (C7): the
// translation layer between the Job Registry's job_id space and the
// Execution Coordinator's execution_id space.
package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	taskerrors "github.com/relaykit/taskrunner/pkg/errors"
	"github.com/relaykit/taskrunner/pkg/job"
	"github.com/relaykit/taskrunner/pkg/monitor"
	"github.com/relaykit/taskrunner/pkg/scheduler"
)

// WorkFunc is the unit of work a submitted job actually runs. It must
// observe ctx cancellation promptly — the adapter cancels ctx when the
// owning job is cancelled.
type WorkFunc func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// LLMClient is the shape a WorkFunc may call through to reach a
// remote language model. No concrete implementation lives in this
// module: wiring a real SDK here would reintroduce the external
// collaborator the job submission boundary deliberately excludes.
// Callers inject a concrete client (or a test double) at the call
// site that needs one.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Adapter bridges job.Registry and a Scheduler, maintaining the
// bidirectional job_id <-> execution_id mapping spec.md §4.7
// describes, and is the one place that translates the Coordinator's
// ExecStatus vocabulary into the Job Registry's Status vocabulary.
type Adapter struct {
	mu           sync.RWMutex
	jobToExec    map[string]string
	execToJob    map[string]string
	cancelByExec map[string]context.CancelFunc

	registry *job.Registry
	tracer   *monitor.Tracer
	log      zerolog.Logger
}

// WithTracer attaches a job lifecycle tracer. Without one, ExecuteJob
// still runs work, it just never opens a "run" span around it.
func (a *Adapter) WithTracer(tracer *monitor.Tracer) *Adapter {
	a.tracer = tracer
	return a
}

// Scheduler is the subset of the Execution Coordinator the adapter
// drives. Defined here (not imported from pkg/scheduler) so the
// adapter can depend on a narrow interface; pkg/scheduler.Coordinator
// satisfies it directly.
type Scheduler interface {
	Submit(ctx context.Context, executionID string, priority int, dependencyIDs []string, memoryMB int, cpuWeight float64, work func(ctx context.Context) (interface{}, error)) error
	Cancel(executionID, reason string) error
}

// New constructs an Adapter over the given Job Registry.
func New(registry *job.Registry, log zerolog.Logger) *Adapter {
	return &Adapter{
		jobToExec:    make(map[string]string),
		execToJob:    make(map[string]string),
		cancelByExec: make(map[string]context.CancelFunc),
		registry:     registry,
		log:          log,
	}
}

func depIDs(params map[string]interface{}) []string {
	raw, ok := params["dependency_ids"].([]interface{})
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids
}

func memoryMB(params map[string]interface{}) int {
	if v, ok := params["memory_mb"].(float64); ok {
		return int(v)
	}
	return 0
}

func cpuWeight(params map[string]interface{}) float64 {
	if v, ok := params["cpu_weight"].(float64); ok {
		return v
	}
	return 0
}

// ExecuteJob hands jobID's work function to sched under a fresh
// execution ID, wiring the job's abort signal to ctx cancellation.
// dependency_ids, memory_mb, and cpu_weight are pulled out of params
// when present and handed to the Coordinator's admission gates.
func (a *Adapter) ExecuteJob(sched Scheduler, jobID string, priority int, work WorkFunc, params map[string]interface{}) error {
	abort, err := a.registry.GetJobAbortSignal(jobID)
	if err != nil {
		return err
	}

	execID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.jobToExec[jobID] = execID
	a.execToJob[execID] = jobID
	a.cancelByExec[execID] = cancel
	a.mu.Unlock()

	go func() {
		select {
		case <-abort:
			cancel()
		case <-ctx.Done():
		}
	}()

	return sched.Submit(ctx, execID, priority, depIDs(params), memoryMB(params), cpuWeight(params), func(ctx context.Context) (interface{}, error) {
		if a.tracer == nil {
			return work(ctx, params)
		}
		spanCtx, span := a.tracer.StartJobSpan(ctx, "run", jobID)
		defer span.End()
		return work(spanCtx, params)
	})
}

// CancelJobExecution cancels the execution backing jobID, if any is
// currently tracked, reporting true iff the Coordinator had an active
// execution to cancel.
func (a *Adapter) CancelJobExecution(sched Scheduler, jobID, reason string) (bool, error) {
	a.mu.RLock()
	execID, ok := a.jobToExec[jobID]
	a.mu.RUnlock()
	if !ok {
		return false, taskerrors.NotFound("execution for job", jobID)
	}
	if err := sched.Cancel(execID, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) cleanupExec(jobID, executionID string) {
	a.mu.Lock()
	delete(a.jobToExec, jobID)
	delete(a.execToJob, executionID)
	delete(a.cancelByExec, executionID)
	a.mu.Unlock()
}

// OnStatusChange implements scheduler.StatusListener, translating an
// execution-id status change into a job-id Registry update. This is
// the sole place spec.md §4.7's table is applied: queued -> PENDING,
// running -> RUNNING, completed -> COMPLETED, and
// {failed, cancelled, timeout} -> FAILED, each carrying a result that
// preserves the distinction the Job status itself can no longer make.
func (a *Adapter) OnStatusChange(executionID string, status scheduler.ExecStatus, result interface{}, err error) {
	a.mu.RLock()
	jobID, ok := a.execToJob[executionID]
	a.mu.RUnlock()
	if !ok {
		a.log.Warn().Str("execution_id", executionID).Msg("status change for unknown execution")
		return
	}

	switch status {
	case scheduler.ExecQueued:
		if updateErr := a.registry.UpdateStatus(jobID, job.StatusPending, "", -1, nil); updateErr != nil {
			a.log.Error().Err(updateErr).Str("job_id", jobID).Msg("failed to update job status")
		}
		return

	case scheduler.ExecRunning:
		if updateErr := a.registry.UpdateStatus(jobID, job.StatusRunning, "", -1, nil); updateErr != nil {
			a.log.Error().Err(updateErr).Str("job_id", jobID).Msg("failed to update job status")
		}
		return

	case scheduler.ExecCompleted:
		if setErr := a.registry.SetJobResult(jobID, result, nil); setErr != nil {
			a.log.Error().Err(setErr).Str("job_id", jobID).Msg("failed to set job result")
		}

	case scheduler.ExecCancelled:
		reason := "cancelled"
		if te, ok := err.(*taskerrors.TaskError); ok && te.Message != "" {
			reason = te.Message
		}
		cancelResult := map[string]interface{}{
			"cancelled": true,
			"reason":    reason,
			"message":   reason,
		}
		if setErr := a.registry.SetJobResult(jobID, cancelResult, err); setErr != nil {
			a.log.Error().Err(setErr).Str("job_id", jobID).Msg("failed to set job result")
		}

	case scheduler.ExecTimeout:
		reason := "deadline exceeded"
		if te, ok := err.(*taskerrors.TaskError); ok && te.Message != "" {
			reason = te.Message
		}
		timeoutResult := map[string]interface{}{
			"timed_out": true,
			"reason":    reason,
			"message":   reason,
		}
		if setErr := a.registry.SetJobResult(jobID, timeoutResult, err); setErr != nil {
			a.log.Error().Err(setErr).Str("job_id", jobID).Msg("failed to set job result")
		}

	default: // ExecFailed
		if setErr := a.registry.SetJobResult(jobID, result, err); setErr != nil {
			a.log.Error().Err(setErr).Str("job_id", jobID).Msg("failed to set job result")
		}
	}

	a.cleanupExec(jobID, executionID)
}
