package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/verityhq/verity/pkg/models"
)

// progressReporter writes the durable progress row and broadcasts a transient
// copy. Store failures propagate (the row is the observers' truth source);
// notify failures are only logged.
type progressReporter struct {
	store    SessionStore
	notifier Notifier
	logger   *slog.Logger
}

func (r *progressReporter) report(ctx context.Context, record models.ProgressRecord) error {
	record.UpdatedAt = time.Now().UTC()
	if err := r.store.SetProgress(ctx, record); err != nil {
		return err
	}
	if r.notifier != nil {
		if err := r.notifier.PublishProgress(ctx, record); err != nil {
			r.logger.Warn("Progress notify failed",
				"session_id", record.SessionID, "phase", record.Phase, "error", err)
		}
	}
	return nil
}

// streamAccumulator buffers writer deltas and flushes a progress update every
// updateEvery deltas, bounding DB write amplification to O(length/N).
// Flush errors are logged and swallowed: a missed partial update must not
// kill the stream.
type streamAccumulator struct {
	reporter    *progressReporter
	sessionID   string
	phase       models.Phase
	updateEvery int

	content strings.Builder
	pending int
}

func newStreamAccumulator(reporter *progressReporter, sessionID string, phase models.Phase, updateEvery int) *streamAccumulator {
	if updateEvery < 1 {
		updateEvery = 1
	}
	return &streamAccumulator{
		reporter:    reporter,
		sessionID:   sessionID,
		phase:       phase,
		updateEvery: updateEvery,
	}
}

// Add appends one delta, flushing when the throttle interval is reached.
func (a *streamAccumulator) Add(ctx context.Context, delta string) {
	a.content.WriteString(delta)
	a.pending++
	if a.pending >= a.updateEvery {
		a.flush(ctx)
	}
}

// Finish flushes any buffered deltas and returns the full accumulated content.
func (a *streamAccumulator) Finish(ctx context.Context) string {
	if a.pending > 0 {
		a.flush(ctx)
	}
	return a.content.String()
}

func (a *streamAccumulator) flush(ctx context.Context) {
	a.pending = 0
	err := a.reporter.report(ctx, models.ProgressRecord{
		SessionID:       a.sessionID,
		Phase:           a.phase,
		Status:          models.ProgressInProgress,
		StreamedContent: a.content.String(),
	})
	if err != nil {
		a.reporter.logger.Warn("Streaming progress write failed",
			"session_id", a.sessionID, "phase", a.phase, "error", err)
	}
}
