package models

import "time"

// Phase identifies a pipeline phase for progress reporting.
type Phase string

const (
	PhaseRetrieval Phase = "retrieval"
	PhaseWriter    Phase = "writer"
	PhaseSkeptic   Phase = "skeptic"
	PhaseJudge     Phase = "judge"
	PhaseRevision  Phase = "revision"
)

// phaseRank orders phases along the pipeline state machine. Revision and
// judge alternate during the revision loop, so they share a rank.
var phaseRank = map[Phase]int{
	PhaseRetrieval: 0,
	PhaseWriter:    1,
	PhaseSkeptic:   2,
	PhaseJudge:     3,
	PhaseRevision:  3,
}

// PhaseRank returns the position of p in the pipeline ordering.
// Unknown phases rank before retrieval.
func PhaseRank(p Phase) int {
	if r, ok := phaseRank[p]; ok {
		return r
	}
	return -1
}

// ProgressStatus is the status of the current phase.
type ProgressStatus string

const (
	ProgressPending    ProgressStatus = "pending"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressError      ProgressStatus = "error"
)

// ProgressRecord is the single last-write-wins progress row per session.
// Observers poll it; streamed content carries the Writer's partial output.
type ProgressRecord struct {
	SessionID       string         `json:"session_id"`
	Phase           Phase          `json:"phase"`
	Status          ProgressStatus `json:"status"`
	Details         string         `json:"details,omitempty"`
	StreamedContent string         `json:"streamed_content,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
