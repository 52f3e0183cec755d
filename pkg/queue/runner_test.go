package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verityhq/verity/pkg/models"
)

// blockingExecutor tracks concurrency and blocks until released or the
// session context ends.
type blockingExecutor struct {
	mu        sync.Mutex
	inFlight  int
	highWater int
	release   chan struct{}

	runs   atomic.Int32
	errors chan error
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		release: make(chan struct{}),
		errors:  make(chan error, 64),
	}
}

func (e *blockingExecutor) Run(ctx context.Context, session *models.Session, history []models.ConversationTurn) error {
	e.runs.Add(1)
	e.mu.Lock()
	e.inFlight++
	if e.inFlight > e.highWater {
		e.highWater = e.inFlight
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		e.errors <- ctx.Err()
		return ctx.Err()
	}
}

func session(id string) *models.Session {
	return &models.Session{ID: id, WorkspaceID: "ws-1", Status: models.SessionStatusProcessing}
}

func TestRunnerAdmissionLimit(t *testing.T) {
	exec := newBlockingExecutor()
	runner := NewRunner(exec, 2, time.Minute)

	for i := 0; i < 5; i++ {
		runner.Schedule(session(string(rune('a'+i))), nil)
	}

	// Only two sessions may run at once; the rest queue behind the semaphore.
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.inFlight == 2
	}, time.Second, 5*time.Millisecond)

	close(exec.release)
	runner.Stop()

	assert.Equal(t, int32(5), exec.runs.Load())
	exec.mu.Lock()
	assert.LessOrEqual(t, exec.highWater, 2)
	exec.mu.Unlock()
}

func TestRunnerCancelSession(t *testing.T) {
	exec := newBlockingExecutor()
	runner := NewRunner(exec, 4, time.Minute)

	runner.Schedule(session("target"), nil)
	require.Eventually(t, func() bool { return runner.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, runner.CancelSession("target"))
	select {
	case err := <-exec.errors:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled session did not stop")
	}

	require.Eventually(t, func() bool { return runner.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, runner.CancelSession("target"), "finished session is no longer registered")
	assert.False(t, runner.CancelSession("unknown"))

	close(exec.release)
	runner.Stop()
}

func TestRunnerSessionTimeout(t *testing.T) {
	exec := newBlockingExecutor()
	runner := NewRunner(exec, 4, 20*time.Millisecond)

	runner.Schedule(session("slow"), nil)

	select {
	case err := <-exec.errors:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("session did not time out")
	}

	close(exec.release)
	runner.Stop()
}

func TestRunnerStopRefusesNewWork(t *testing.T) {
	exec := newBlockingExecutor()
	runner := NewRunner(exec, 1, time.Minute)

	runner.Schedule(session("running"), nil)
	require.Eventually(t, func() bool { return runner.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	// Queued behind the single slot, then the runner stops: the queued
	// session is never admitted.
	runner.Schedule(session("queued"), nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(exec.release)
	}()
	runner.Stop()

	assert.Equal(t, int32(1), exec.runs.Load())
}
