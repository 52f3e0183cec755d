// Package queue schedules verification sessions as independent cooperative
// tasks: bounded admission, per-session timeout, and a cancel registry for
// API-triggered cancellation.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/verityhq/verity/pkg/models"
)

// Executor runs one session through the pipeline. Implemented by
// pipeline.Orchestrator.
type Executor interface {
	Run(ctx context.Context, session *models.Session, history []models.ConversationTurn) error
}

// Runner executes scheduled sessions concurrently, bounded by the admission
// limit. Each session gets its own timeout context registered for manual
// cancellation.
type Runner struct {
	executor Executor
	timeout  time.Duration
	sem      chan struct{}

	mu             sync.RWMutex
	activeSessions map[string]context.CancelFunc

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRunner creates a Runner admitting at most maxConcurrent sessions at
// once; further sessions queue until a slot frees.
func NewRunner(executor Executor, maxConcurrent int, sessionTimeout time.Duration) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Runner{
		executor:       executor,
		timeout:        sessionTimeout,
		sem:            make(chan struct{}, maxConcurrent),
		activeSessions: make(map[string]context.CancelFunc),
		stopCh:         make(chan struct{}),
	}
}

// Schedule queues a session for asynchronous execution and returns
// immediately. The session must already be persisted in processing state.
func (r *Runner) Schedule(session *models.Session, history []models.ConversationTurn) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-r.stopCh:
			slog.Warn("Runner stopping, session not admitted", "session_id", session.ID)
			return
		}
		// Re-check after winning a slot: a stop racing the admission must
		// still refuse the session.
		select {
		case <-r.stopCh:
			slog.Warn("Runner stopping, session not admitted", "session_id", session.ID)
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		r.register(session.ID, cancel)
		defer r.unregister(session.ID)

		if err := r.executor.Run(ctx, session, history); err != nil {
			// The executor already funneled the failure into the session row.
			slog.Warn("Session execution ended with error",
				"session_id", session.ID, "error", err)
		}
	}()
}

// CancelSession cancels a session running on this instance. Reports whether
// the session was found here.
func (r *Runner) CancelSession(sessionID string) bool {
	r.mu.RLock()
	cancel, ok := r.activeSessions[sessionID]
	r.mu.RUnlock()
	if ok {
		slog.Info("Cancelling session", "session_id", sessionID)
		cancel()
	}
	return ok
}

// ActiveCount returns the number of sessions currently registered.
func (r *Runner) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.activeSessions)
}

// Stop refuses new admissions and waits for in-flight sessions to finish.
// Running sessions complete normally (graceful shutdown).
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("Session runner stopped")
}

func (r *Runner) register(sessionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeSessions[sessionID] = cancel
}

func (r *Runner) unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeSessions, sessionID)
}
