package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/taskrunner/pkg/logging"
)

type recordingListener struct {
	mu       sync.Mutex
	statuses map[string][]ExecStatus
}

func newRecordingListener() *recordingListener {
	return &recordingListener{statuses: make(map[string][]ExecStatus)}
}

func (l *recordingListener) OnStatusChange(executionID string, status ExecStatus, result interface{}, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[executionID] = append(l.statuses[executionID], status)
}

func (l *recordingListener) last(executionID string) ExecStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	statuses := l.statuses[executionID]
	if len(statuses) == 0 {
		return ""
	}
	return statuses[len(statuses)-1]
}

func TestCoordinator_SubmitAndComplete(t *testing.T) {
	listener := newRecordingListener()
	c := New(2, listener, logging.Nop())
	defer c.Stop()

	done := make(chan struct{})
	err := c.Submit(context.Background(), "exec-1", int(PriorityMedium), nil, 0, 0, func(ctx context.Context) (interface{}, error) {
		close(done)
		return "ok", nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}

	require.Eventually(t, func() bool {
		return listener.last("exec-1") == ExecCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_CancelRunningTask(t *testing.T) {
	listener := newRecordingListener()
	c := New(1, listener, logging.Nop())
	defer c.Stop()

	started := make(chan struct{})
	err := c.Submit(context.Background(), "exec-cancel", int(PriorityMedium), nil, 0, 0, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, c.Cancel("exec-cancel", "user-abort"))

	require.Eventually(t, func() bool {
		return listener.last("exec-cancel") == ExecCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_CancelNonRunningIsNoop(t *testing.T) {
	listener := newRecordingListener()
	c := New(1, listener, logging.Nop())
	defer c.Stop()

	assert.NoError(t, c.Cancel("never-submitted", "no-op"))
}

func TestCoordinator_RespectsConcurrencyCap(t *testing.T) {
	listener := newRecordingListener()
	c := New(1, listener, logging.Nop())
	defer c.Stop()

	var concurrent, maxConcurrent int32
	var mu sync.Mutex
	release := make(chan struct{})

	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		err := c.Submit(context.Background(), id, int(PriorityMedium), nil, 0, 0, func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()

			<-release

			mu.Lock()
			concurrent--
			mu.Unlock()
			return nil, nil
		})
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		return c.ActiveCount() == 0
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), maxConcurrent)
}

func TestCoordinator_DependencyGatingBlocksUntilSatisfied(t *testing.T) {
	listener := newRecordingListener()
	c := New(2, listener, logging.Nop())
	defer c.Stop()

	var order []string
	var mu sync.Mutex

	err := c.Submit(context.Background(), "dependent", int(PriorityMedium), []string{"dependency"}, 0, 0, func(ctx context.Context) (interface{}, error) {
		mu.Lock()
		order = append(order, "dependent")
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	blocked := len(order) == 0
	mu.Unlock()
	assert.True(t, blocked, "dependent task should not run before its dependency completes")

	err = c.Submit(context.Background(), "dependency", int(PriorityMedium), nil, 0, 0, func(ctx context.Context) (interface{}, error) {
		mu.Lock()
		order = append(order, "dependency")
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"dependency", "dependent"}, order)
}

func TestCoordinator_ResourceCapBlocksOversizedTask(t *testing.T) {
	listener := newRecordingListener()
	c := New(2, listener, logging.Nop()).WithResourceLimits(ResourceLimits{MaxMemoryMB: 100})
	defer c.Stop()

	err := c.Submit(context.Background(), "too-big", int(PriorityMedium), nil, 1000, 0, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, ExecQueued, listener.last("too-big"), "oversized task should never be admitted")
}
