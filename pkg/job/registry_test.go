package job

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/taskrunner/pkg/logging"
)

func newTestRegistry() *Registry {
	return NewRegistry(1000*time.Millisecond, 10, 3, logging.Nop())
}

func TestRegistry_CreateJob_DedupsUnderLoad(t *testing.T) {
	r := newTestRegistry()
	params := map[string]interface{}{"path": "/tmp", "pattern": "*.go"}

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _ := r.CreateJob("search", params, 0)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	first := ids[0]
	for _, id := range ids {
		assert.Equal(t, first, id)
	}
	assert.Equal(t, 1, r.GetStats().Total)
}

func TestRegistry_CreateJob_DifferentParamsDistinctJobs(t *testing.T) {
	r := newTestRegistry()
	id1, created1 := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)
	id2, created2 := r.CreateJob("search", map[string]interface{}{"path": "/b"}, 0)

	assert.True(t, created1)
	assert.True(t, created2)
	assert.NotEqual(t, id1, id2)
}

func TestRegistry_CreateJob_CompletedJobNotDeduped(t *testing.T) {
	r := newTestRegistry()
	id1, _ := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)
	require.NoError(t, r.SetJobResult(id1, "result", nil))

	id2, created := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)
	assert.True(t, created)
	assert.NotEqual(t, id1, id2)
}

func TestRegistry_CancelJob_RunningSucceeds(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)
	require.NoError(t, r.UpdateStatus(id, StatusRunning, "", -1, nil))

	ok, err := r.CancelJob(id, "user-abort")
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := r.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Err.Error(), "user-abort")

	result, ok := snap.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, result["message"], "user-abort")

	signal, err := r.GetJobAbortSignal(id)
	require.NoError(t, err)
	select {
	case <-signal:
	default:
		t.Fatal("expected abort signal to be closed")
	}
}

func TestRegistry_CancelJob_AlreadyTerminalIsNoop(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)
	require.NoError(t, r.SetJobResult(id, "done", nil))

	ok, err := r.CancelJob(id, "too late")
	require.NoError(t, err)
	assert.False(t, ok)

	snap, err := r.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
}

func TestRegistry_CancelJob_PendingLeavesStatusUnchanged(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)

	ok, err := r.CancelJob(id, "not yet running")
	require.NoError(t, err)
	assert.False(t, ok)

	snap, err := r.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
}

func TestRegistry_GetJob_NotFound(t *testing.T) {
	r := newTestRegistry()
	_, err := r.GetJob("nonexistent")
	assert.Error(t, err)
}

func TestRegistry_IsJobTimedOut(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.CreateJob("search", map[string]interface{}{"path": "/a"}, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	timedOut, err := r.IsJobTimedOut(id)
	require.NoError(t, err)
	assert.True(t, timedOut)
}

func TestRegistry_AdaptivePollLaw_RecommendedInterval(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name        string
		accessCount int64
		want        time.Duration
	}{
		{"exponent 0", 0, 1000 * time.Millisecond},
		{"exponent 0, still under step", 2, 1000 * time.Millisecond},
		{"exponent 1", 3, 2000 * time.Millisecond},
		{"exponent 2", 6, 4000 * time.Millisecond},
		{"capped at max multiplier", 100, 10000 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.recommendedInterval(tt.accessCount))
		})
	}
}

func TestRegistry_GetJobWithRateLimit_NeverPolledReturnsImmediately(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)

	hint, err := r.GetJobWithRateLimit(id)
	require.NoError(t, err)
	assert.False(t, hint.ShouldWait)
	assert.Equal(t, time.Duration(0), hint.Wait)
}

func TestRegistry_GetJobWithRateLimit_TerminalReturnsImmediately(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)
	require.NoError(t, r.SetJobResult(id, "done", nil))

	hint, err := r.GetJobWithRateLimit(id)
	require.NoError(t, err)
	assert.False(t, hint.ShouldWait)
	assert.Equal(t, time.Duration(0), hint.Wait)
}

func TestRegistry_GetJobWithRateLimit_EarlyRepollMustWaitAndDoesNotAdvance(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)

	_, err := r.GetJobWithRateLimit(id)
	require.NoError(t, err)

	hint, err := r.GetJobWithRateLimit(id)
	require.NoError(t, err)
	assert.True(t, hint.ShouldWait)
	assert.Greater(t, hint.Wait, time.Duration(0))

	snap, err := r.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.AccessCount, "bookkeeping must not advance while should_wait is true")
}

func TestRegistry_CleanupOlderThan(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)
	require.NoError(t, r.SetJobResult(id, "done", nil))

	removed := r.CleanupOlderThan(time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, r.GetStats().Total)
}

func TestRegistry_UpdateStatus_AppliesAfterTerminalWithoutError(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.CreateJob("search", map[string]interface{}{"path": "/a"}, 0)
	require.NoError(t, r.SetJobResult(id, "done", nil))

	err := r.UpdateStatus(id, StatusRunning, "late update", 42, nil)
	require.NoError(t, err)

	snap, err := r.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, "late update", snap.ProgressMessage)
}
