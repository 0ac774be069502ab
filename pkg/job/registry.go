package job

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	taskerrors "github.com/relaykit/taskrunner/pkg/errors"
)

// Stats summarizes the registry's current contents; taskrunnerd's
// job_registry health check reports it.
type Stats struct {
	Total     int
	ByStatus  map[Status]int
	OldestAge time.Duration
}

// ProgressPusher delivers a push-style notification for a job status
// mutation. The registry never imports pkg/notify directly — whoever
// wires the server attaches a ProgressPusher that fans out to whatever
// transports (SSE, websocket) are live for the job, keeping the
// dependency one-way.
type ProgressPusher interface {
	PushProgress(jobID string, status Status, message string, progress float64, pollIntervalMs int64)
}

// Registry is the Job Manager (C6): the in-memory store of record for
// every submitted Job, its dedup index, and its adaptive-poll
// bookkeeping. A Registry owns no goroutines of its own; callers drive
// CleanupOlderThan on a ticker.
type Registry struct {
	mu            sync.RWMutex
	jobs          map[string]*Job
	byFingerprint map[string]string // fingerprint -> job ID, PENDING/RUNNING only

	basePollInterval time.Duration
	maxMultiplier    int
	stepEvery        int

	pusher ProgressPusher

	log zerolog.Logger
}

// NewRegistry constructs an empty Registry. basePollInterval,
// maxMultiplier, and stepEvery parameterize the adaptive poll law from
// config.PollConfig.
func NewRegistry(basePollInterval time.Duration, maxMultiplier, stepEvery int, log zerolog.Logger) *Registry {
	if maxMultiplier < 1 {
		maxMultiplier = 1
	}
	if stepEvery < 1 {
		stepEvery = 1
	}
	return &Registry{
		jobs:             make(map[string]*Job),
		byFingerprint:    make(map[string]string),
		basePollInterval: basePollInterval,
		maxMultiplier:    maxMultiplier,
		stepEvery:        stepEvery,
		log:              log,
	}
}

// SetProgressPusher attaches the transport used for send_progress push
// notifications. Called once during server wiring, after the Notifier
// and websocket Hub exist — nil is safe and simply disables pushes.
func (r *Registry) SetProgressPusher(p ProgressPusher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pusher = p
}

func (r *Registry) pushLocked(j *Job, pollIntervalMs int64) {
	if r.pusher == nil {
		return
	}
	pusher, jobID, status, message, progress := r.pusher, j.ID, j.Status, j.ProgressMessage, j.ProgressPercentage
	go pusher.PushProgress(jobID, status, message, progress, pollIntervalMs)
}

// CreateJob deduplicates against any non-terminal job sharing the same
// fingerprint; on a hit it returns the existing job's ID and false.
// Otherwise it allocates a fresh UUID and stores a new PENDING job.
func (r *Registry) CreateJob(tool string, params map[string]interface{}, timeout time.Duration) (id string, created bool) {
	return r.CreateJobWithID(uuid.NewString(), tool, params, timeout)
}

// CreateJobWithID is CreateJob with a caller-supplied ID, used by
// callers that need a deterministic ID (tests, replay tooling).
func (r *Registry) CreateJobWithID(id, tool string, params map[string]interface{}, timeout time.Duration) (string, bool) {
	fp := Fingerprint(tool, params)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, ok := r.byFingerprint[fp]; ok {
		if existing, ok := r.jobs[existingID]; ok && !existing.Status.IsTerminal() {
			return existing.ID, false
		}
	}

	now := time.Now()
	j := &Job{
		ID:          id,
		Fingerprint: fp,
		Tool:        tool,
		Params:      params,
		Status:      StatusPending,
		CreatedAt:   now,
		cancel:      make(chan struct{}),
	}
	if timeout > 0 {
		j.Deadline = now.Add(timeout)
	}

	r.jobs[id] = j
	r.byFingerprint[fp] = id
	r.log.Debug().Str("job_id", id).Str("tool", tool).Msg("job created")
	return id, true
}

// GetJob returns a point-in-time snapshot of the job. It does not
// affect poll accounting — use GetJobWithRateLimit for polling.
func (r *Registry) GetJob(id string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return Snapshot{}, taskerrors.NotFound("job", id)
	}
	return snapshotOf(j), nil
}

// PollHint tells a caller both the current job state and how long to
// wait before polling again, per the adaptive poll law: interval =
// base * min(2^floor(access_count/step_every), max_multiplier). Wait
// is that interval minus the time already elapsed since the job was
// last polled, floored at zero; ShouldWait reports whether Wait is
// positive.
type PollHint struct {
	Snapshot
	NextPollAfter time.Duration
	Wait          time.Duration
	ShouldWait    bool
}

// GetJobWithRateLimit is the polling entry point. A terminal job or one
// that has never been polled always returns immediately (Wait=0,
// ShouldWait=false). Otherwise it computes the recommended interval
// from the access count observed so far, derives Wait from how long
// has actually elapsed since the last poll, and only advances the
// access counter when the caller is not being asked to wait — a client
// that polls early sees the same recommendation again rather than
// being credited for a poll it was told to hold off on.
func (r *Registry) GetJobWithRateLimit(id string) (PollHint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return PollHint{}, taskerrors.NotFound("job", id)
	}

	if j.Status.IsTerminal() || j.AccessCount == 0 {
		j.AccessCount++
		j.LastPolled = time.Now()
		return PollHint{Snapshot: snapshotOf(j)}, nil
	}

	recommended := r.recommendedInterval(j.AccessCount)
	elapsed := time.Since(j.LastPolled)
	wait := recommended - elapsed
	if wait < 0 {
		wait = 0
	}
	shouldWait := wait > 0

	if !shouldWait {
		j.AccessCount++
		j.LastPolled = time.Now()
	}

	return PollHint{
		Snapshot:      snapshotOf(j),
		NextPollAfter: recommended,
		Wait:          wait,
		ShouldWait:    shouldWait,
	}, nil
}

// recommendedInterval applies the adaptive poll law to an access
// count: base * min(2^floor(access_count/step_every), max_multiplier).
func (r *Registry) recommendedInterval(accessCount int64) time.Duration {
	exponent := accessCount / int64(r.stepEvery)
	multiplier := math.Pow(2, float64(exponent))
	if multiplier > float64(r.maxMultiplier) {
		multiplier = float64(r.maxMultiplier)
	}
	return time.Duration(float64(r.basePollInterval) * multiplier)
}

// UpdateStatus applies a status/progress mutation. A mutation arriving
// after the job has already reached a terminal state is not an error —
// it is logged and applied anyway, since a late update racing the
// terminal transition is expected, not exceptional. message, progress,
// and details are optional; pass "", -1, and nil to leave them
// unspecified. progress is clamped to 100 whenever the resulting
// status is terminal.
func (r *Registry) UpdateStatus(id string, status Status, message string, progress float64, details interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return taskerrors.NotFound("job", id)
	}
	if j.Status.IsTerminal() {
		r.log.Warn().Str("job_id", id).Str("status", string(j.Status)).Str("requested", string(status)).Msg("status update after terminality, applying anyway")
	}

	if status == StatusRunning && j.StartedAt.IsZero() {
		j.StartedAt = time.Now()
	}
	if message != "" {
		j.ProgressMessage = message
	}
	if progress >= 0 {
		j.ProgressPercentage = progress
	}
	if details != nil {
		j.Details = details
	}
	if status.IsTerminal() {
		j.CompletedAt = time.Now()
		j.ProgressPercentage = 100
		delete(r.byFingerprint, j.Fingerprint)
	}
	j.Status = status

	r.pushLocked(j, r.recommendedInterval(j.AccessCount).Milliseconds())
	return nil
}

// SetJobResult stores the terminal result of a job and transitions it
// to COMPLETED or FAILED depending on whether jobErr is nil. A result
// arriving for an already-terminal job is ignored with a warning —
// the first terminal transition wins.
func (r *Registry) SetJobResult(id string, result interface{}, jobErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return taskerrors.NotFound("job", id)
	}
	if j.Status.IsTerminal() {
		r.log.Warn().Str("job_id", id).Str("status", string(j.Status)).Msg("ignoring result for terminal job")
		return nil
	}

	j.Result = result
	j.Err = jobErr
	j.CompletedAt = time.Now()
	j.ProgressPercentage = 100
	if jobErr != nil {
		j.Status = StatusFailed
		j.ProgressMessage = jobErr.Error()
	} else {
		j.Status = StatusCompleted
	}
	delete(r.byFingerprint, j.Fingerprint)

	r.pushLocked(j, 0)
	return nil
}

// CancelJob cancels a RUNNING job, reporting true iff the cancellation
// was effected. A job that is not RUNNING (PENDING, or already
// terminal) is left untouched and this returns false — there is
// nothing in flight to abort, and PENDING jobs are admitted, not
// cancelled, by design. A successful cancellation trips the job's
// abort channel and routes it to FAILED through the same path as any
// other result, with reason carried verbatim in the result message.
func (r *Registry) CancelJob(id, reason string) (bool, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return false, taskerrors.NotFound("job", id)
	}
	if j.Status != StatusRunning {
		r.mu.Unlock()
		return false, nil
	}
	j.requestCancel()
	r.mu.Unlock()

	cancelErr := taskerrors.CancelledWithReason(id, reason)
	result := map[string]interface{}{
		"cancelled": true,
		"reason":    reason,
		"message":   reason,
	}
	if err := r.SetJobResult(id, result, cancelErr); err != nil {
		return false, err
	}
	return true, nil
}

// GetJobAbortSignal exposes the job's cancellation channel to the
// execution adapter without exposing the Job itself.
func (r *Registry) GetJobAbortSignal(id string) (<-chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, taskerrors.NotFound("job", id)
	}
	return j.AbortSignal(), nil
}

// IsJobTimedOut reports whether a job's deadline, if any, has passed.
func (r *Registry) IsJobTimedOut(id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return false, taskerrors.NotFound("job", id)
	}
	if j.Deadline.IsZero() {
		return false, nil
	}
	return time.Now().After(j.Deadline), nil
}

// SetJobTimeout overrides a job's deadline, used when the Timeout
// Registry recomputes a complexity-adjusted budget after submission.
func (r *Registry) SetJobTimeout(id string, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return taskerrors.NotFound("job", id)
	}
	j.Deadline = deadline
	return nil
}

// CleanupOlderThan evicts terminal jobs whose CompletedAt predates
// the cutoff, returning the count removed.
func (r *Registry) CleanupOlderThan(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, j := range r.jobs {
		if j.Status.IsTerminal() && j.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		r.log.Debug().Int("removed", removed).Msg("cleaned up old jobs")
	}
	return removed
}

// GetStats summarizes the registry's contents.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:    len(r.jobs),
		ByStatus: make(map[Status]int),
	}

	var oldest time.Time
	for _, j := range r.jobs {
		stats.ByStatus[j.Status]++
		if oldest.IsZero() || j.CreatedAt.Before(oldest) {
			oldest = j.CreatedAt
		}
	}
	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}

// TimedOutJobIDs returns the IDs of all non-terminal jobs past their
// deadline, for the Scheduler's timeout scan.
func (r *Registry) TimedOutJobIDs(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, j := range r.jobs {
		if !j.Status.IsTerminal() && !j.Deadline.IsZero() && now.After(j.Deadline) {
			ids = append(ids, id)
		}
	}
	return ids
}
