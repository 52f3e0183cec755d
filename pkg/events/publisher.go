// Package events broadcasts transient progress updates over PostgreSQL
// NOTIFY so other replicas can push them to observers without polling.
// Durable progress lives in the session_progress row; NOTIFY payloads are
// ephemeral and lost on disconnect, which is acceptable because observers
// re-read the row on reconnect.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/verityhq/verity/pkg/models"
)

// maxNotifyPayload keeps payloads under PostgreSQL's 8000-byte NOTIFY limit,
// with headroom for encoding overhead.
const maxNotifyPayload = 7900

// SessionChannel derives the NOTIFY channel name for a session.
func SessionChannel(sessionID string) string {
	return "session_" + sessionID
}

// ProgressPayload is the NOTIFY payload for a progress update.
type ProgressPayload struct {
	Type            string                `json:"type"` // always "session.progress"
	SessionID       string                `json:"session_id"`
	Phase           models.Phase          `json:"phase"`
	Status          models.ProgressStatus `json:"status"`
	StreamedContent string                `json:"streamed_content,omitempty"`
	Details         string                `json:"details,omitempty"`
	Truncated       bool                  `json:"truncated,omitempty"`
}

// Publisher broadcasts progress events via pg_notify.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher over the shared connection pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishProgress broadcasts a transient progress event on the session's
// channel. No DB persistence; the caller writes the durable row separately.
func (p *Publisher) PublishProgress(ctx context.Context, record models.ProgressRecord) error {
	payload := ProgressPayload{
		Type:            "session.progress",
		SessionID:       record.SessionID,
		Phase:           record.Phase,
		Status:          record.Status,
		StreamedContent: record.StreamedContent,
		Details:         record.Details,
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)",
		SessionChannel(record.SessionID), encoded); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// encodePayload marshals the payload, dropping the streamed content when the
// result would exceed the NOTIFY size limit. Observers fetch the full content
// from the progress row instead.
func encodePayload(payload ProgressPayload) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal progress payload: %w", err)
	}
	if len(encoded) <= maxNotifyPayload {
		return string(encoded), nil
	}

	payload.StreamedContent = ""
	payload.Truncated = true
	encoded, err = json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated progress payload: %w", err)
	}
	return string(encoded), nil
}
