// Package models defines the shared domain types for verification sessions,
// retrieved chunks, and progress records.
package models

import "time"

// SessionStatus is the lifecycle state of a verification session.
// Transitions are monotonic: processing → completed | error.
type SessionStatus string

const (
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusError      SessionStatus = "error"
)

// SessionMode controls the Writer's output register.
type SessionMode string

const (
	ModeAnswer SessionMode = "answer"
	ModeDraft  SessionMode = "draft"
)

// ValidMode reports whether m is a known session mode.
func ValidMode(m SessionMode) bool {
	return m == ModeAnswer || m == ModeDraft
}

// Session is a single query execution through the verification pipeline.
type Session struct {
	ID                    string        `json:"session_id"`
	WorkspaceID           string        `json:"workspace_id"`
	UserID                string        `json:"user_id"`
	Query                 string        `json:"query"`
	Mode                  SessionMode   `json:"mode"`
	Status                SessionStatus `json:"status"`
	Response              string        `json:"response,omitempty"`
	EvidenceCoverage      float64       `json:"evidence_coverage"`
	UnsupportedClaimCount int           `json:"unsupported_claim_count"`
	RevisionCycles        int           `json:"revision_cycles"`
	ProcessingTimeMs      int64         `json:"processing_time_ms"`
	ErrorMessage          string        `json:"error_message,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	CompletedAt           *time.Time    `json:"completed_at,omitempty"`
}

// ConversationTurn is one prior exchange passed as Writer context.
type ConversationTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Chunk is a retrieved passage. The orchestrator assigns each chunk a
// 1-based context index which becomes the citation key [cite:N].
type Chunk struct {
	ChunkID          string  `json:"chunk_id"`
	Content          string  `json:"content"`
	DocumentFilename string  `json:"document_filename,omitempty"`
	Score            float64 `json:"score"`
}

// SessionPatch carries the fields the orchestrator updates on a session.
// Nil fields are left untouched.
type SessionPatch struct {
	Status                *SessionStatus
	Response              *string
	EvidenceCoverage      *float64
	UnsupportedClaimCount *int
	RevisionCycles        *int
	ProcessingTimeMs      *int64
	ErrorMessage          *string
	CompletedAt           *time.Time
}
