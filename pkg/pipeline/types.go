// Package pipeline runs the multi-agent verification state machine:
// retrieval, writer, skeptic, judge, and the bounded revision loop.
package pipeline

import (
	"context"

	"github.com/verityhq/verity/pkg/ledger"
	"github.com/verityhq/verity/pkg/llm"
	"github.com/verityhq/verity/pkg/models"
)

// SessionStore is the persistence surface the orchestrator writes through.
// Implemented by store.Store.
type SessionStore interface {
	PatchSession(ctx context.Context, sessionID string, patch models.SessionPatch) error
	ReplaceLedger(ctx context.Context, sessionID string, cycle int, result *ledger.JudgeResult) error
	SetProgress(ctx context.Context, record models.ProgressRecord) error
}

// ModelClient is the chat-completion surface the agents call.
// Implemented by llm.Client.
type ModelClient interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
	CompleteStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error)
}

// Searcher is the retrieval surface. Implemented by retriever.HTTPSearcher.
type Searcher interface {
	Search(ctx context.Context, workspaceID, query string, threshold float64, limit int) ([]models.Chunk, error)
}

// Notifier pushes transient progress events to observers. Implemented by
// events.Publisher. Failures are logged, never fatal: the durable progress
// row is the source of truth.
type Notifier interface {
	PublishProgress(ctx context.Context, record models.ProgressRecord) error
}

// EmptyRetrievalResponse is returned verbatim when the search yields nothing.
const EmptyRetrievalResponse = "I couldn't find any relevant documents in your knowledge base to answer this query. Please upload relevant documents first."

// CancelledMessage is the session error message for user or system cancellation.
const CancelledMessage = "cancelled"
