package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/verityhq/verity/pkg/config"
	"github.com/verityhq/verity/pkg/ledger"
	"github.com/verityhq/verity/pkg/llm"
	"github.com/verityhq/verity/pkg/models"
	"github.com/verityhq/verity/pkg/prompt"
	"github.com/verityhq/verity/pkg/retriever"
)

// MaxUnsupportedRate is the fraction of critical+material claims allowed to
// be contradicted or not_found before a revision is forced.
const MaxUnsupportedRate = 0.05

// Agent temperatures. The Writer gets room to phrase; the Skeptic and Judge
// stay near-deterministic.
const (
	writerTemperature  = 0.3
	skepticTemperature = 0.1
	judgeTemperature   = 0.0
)

// Orchestrator drives one verification session through the pipeline state
// machine. Safe for concurrent use; all per-session state is local to Run.
type Orchestrator struct {
	store    SessionStore
	searcher Searcher
	model    ModelClient
	notifier Notifier
	prompts  *prompt.Builder
	cfg      *config.Config
	logger   *slog.Logger
}

// NewOrchestrator wires the pipeline dependencies.
func NewOrchestrator(store SessionStore, searcher Searcher, model ModelClient, notifier Notifier, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:    store,
		searcher: searcher,
		model:    model,
		notifier: notifier,
		prompts:  prompt.NewBuilder(cfg.HistoryMessageCap),
		cfg:      cfg,
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// Run executes the full pipeline for a created session. Terminal failures
// are funneled into the session row and progress record; Run itself returns
// the terminal error for the caller's logging.
//
// Phase ordering is strict: no phase starts until the previous phase's
// persistence has committed.
func (o *Orchestrator) Run(ctx context.Context, session *models.Session, history []models.ConversationTurn) error {
	start := time.Now()
	logger := o.logger.With("session_id", session.ID, "workspace_id", session.WorkspaceID)
	reporter := &progressReporter{store: o.store, notifier: o.notifier, logger: logger}

	// Retrieval.
	if err := reporter.report(ctx, progressRecord(session.ID, models.PhaseRetrieval, models.ProgressInProgress)); err != nil {
		return o.fail(session.ID, models.PhaseRetrieval, reporter, err)
	}
	chunks, err := o.searcher.Search(ctx, session.WorkspaceID, session.Query, o.cfg.RetrievalThreshold, o.cfg.RetrievalLimit)
	if err != nil {
		return o.fail(session.ID, models.PhaseRetrieval, reporter, err)
	}
	logger.Info("Retrieval complete", "chunks", len(chunks))

	if len(chunks) == 0 {
		return o.completeEmpty(ctx, session.ID, start, reporter)
	}
	contextBlock := retriever.BuildContextBlock(chunks)

	// Writer: streamed, with throttled partial-content progress.
	if err := reporter.report(ctx, progressRecord(session.ID, models.PhaseWriter, models.ProgressInProgress)); err != nil {
		return o.fail(session.ID, models.PhaseWriter, reporter, err)
	}
	draft, err := o.streamPhase(ctx, reporter, session.ID, models.PhaseWriter, llm.Request{
		Model:       o.cfg.WriterModel,
		Messages:    o.prompts.WriterMessages(session.Mode, contextBlock, session.Query, history),
		Temperature: writerTemperature,
	})
	if err != nil {
		return o.fail(session.ID, models.PhaseWriter, reporter, err)
	}
	logger.Info("Writer complete", "draft_chars", len(draft))

	// Skeptic: buffered; the report lives only in memory.
	if err := reporter.report(ctx, progressRecord(session.ID, models.PhaseSkeptic, models.ProgressInProgress)); err != nil {
		return o.fail(session.ID, models.PhaseSkeptic, reporter, err)
	}
	skepticReport, err := o.model.Complete(ctx, llm.Request{
		Model:       o.cfg.SkepticModel,
		Messages:    o.prompts.SkepticMessages(contextBlock, draft),
		Temperature: skepticTemperature,
	})
	if err != nil {
		return o.fail(session.ID, models.PhaseSkeptic, reporter, err)
	}

	// Judge / revision loop.
	response := draft
	cycle := 0
	result, decision, err := o.judge(ctx, reporter, session.ID, contextBlock, response, skepticReport, cycle)
	if err != nil {
		return o.fail(session.ID, models.PhaseJudge, reporter, err)
	}
	if result.VerifiedResponse != "" {
		response = result.VerifiedResponse
	}

	for decision.RevisionNeeded && cycle < o.cfg.MaxRevisionCycles {
		cycle++
		logger.Info("Revision cycle starting", "cycle", cycle, "coverage", decision.Coverage,
			"critical_contradiction", decision.CriticalContradiction)

		if err := reporter.report(ctx, progressRecord(session.ID, models.PhaseRevision, models.ProgressInProgress)); err != nil {
			return o.fail(session.ID, models.PhaseRevision, reporter, err)
		}
		judgeJSON, err := json.Marshal(result)
		if err != nil {
			return o.fail(session.ID, models.PhaseRevision, reporter, fmt.Errorf("encoding judge result: %w", err))
		}
		revised, err := o.streamPhase(ctx, reporter, session.ID, models.PhaseRevision, llm.Request{
			Model:       o.cfg.WriterModel,
			Messages:    o.prompts.RevisionMessages(contextBlock, response, string(judgeJSON), decision.Focus()),
			Temperature: writerTemperature,
		})
		if err != nil {
			return o.fail(session.ID, models.PhaseRevision, reporter, err)
		}
		response = revised

		result, decision, err = o.judge(ctx, reporter, session.ID, contextBlock, response, skepticReport, cycle)
		if err != nil {
			return o.fail(session.ID, models.PhaseJudge, reporter, err)
		}
		if result.VerifiedResponse != "" {
			response = result.VerifiedResponse
		}
	}

	// Completion. Gates may still fail here with the budget exhausted; the
	// last judged response is accepted and the residual gap is recorded.
	completed := models.SessionStatusCompleted
	now := time.Now().UTC()
	elapsed := time.Since(start).Milliseconds()
	patch := models.SessionPatch{
		Status:                &completed,
		Response:              &response,
		EvidenceCoverage:      &decision.Coverage,
		UnsupportedClaimCount: &decision.UnsupportedCount,
		RevisionCycles:        &cycle,
		ProcessingTimeMs:      &elapsed,
		CompletedAt:           &now,
	}
	if err := o.store.PatchSession(ctx, session.ID, patch); err != nil {
		return o.fail(session.ID, models.PhaseJudge, reporter, err)
	}
	if err := reporter.report(ctx, progressRecord(session.ID, models.PhaseJudge, models.ProgressCompleted)); err != nil {
		logger.Warn("Final progress write failed", "error", err)
	}
	logger.Info("Session completed", "cycles", cycle, "coverage", decision.Coverage,
		"unsupported", decision.UnsupportedCount, "elapsed_ms", elapsed)
	return nil
}

// judge runs one Judge pass: buffered call, total parse, ledger persistence,
// gate evaluation. Parse failures never propagate; they surface as risk
// flags inside the result.
func (o *Orchestrator) judge(ctx context.Context, reporter *progressReporter, sessionID, contextBlock, response, skepticReport string, cycle int) (*ledger.JudgeResult, GateDecision, error) {
	if err := reporter.report(ctx, progressRecord(sessionID, models.PhaseJudge, models.ProgressInProgress)); err != nil {
		return nil, GateDecision{}, err
	}
	raw, err := o.model.Complete(ctx, llm.Request{
		Model:       o.cfg.JudgeModel,
		Messages:    o.prompts.JudgeMessages(contextBlock, response, skepticReport, cycle),
		Temperature: judgeTemperature,
	})
	if err != nil {
		return nil, GateDecision{}, err
	}

	result := ledger.Parse(raw)
	for _, flag := range result.RiskFlags {
		if flag.Type == "parse_error" {
			o.logger.Warn("Judge output parse issue",
				"session_id", sessionID, "cycle", cycle, "severity", flag.Severity, "detail", flag.Detail)
		}
	}

	if err := o.store.ReplaceLedger(ctx, sessionID, cycle, result); err != nil {
		return nil, GateDecision{}, err
	}

	decision := EvaluateGates(result, cycle, o.cfg.MaxRevisionCycles, GateConfig{
		CoverageTarget:        o.cfg.CoverageTarget,
		CoverageTargetRelaxed: o.cfg.CoverageTargetRelaxed,
		MaxUnsupportedRate:    MaxUnsupportedRate,
	})
	return result, decision, nil
}

// streamPhase runs one streaming model call, feeding throttled partial
// content into the progress record. On stream failure the partial content is
// discarded; only complete phase output is ever persisted as a response.
func (o *Orchestrator) streamPhase(ctx context.Context, reporter *progressReporter, sessionID string, phase models.Phase, req llm.Request) (string, error) {
	chunks, err := o.model.CompleteStream(ctx, req)
	if err != nil {
		return "", err
	}

	acc := newStreamAccumulator(reporter, sessionID, phase, o.cfg.StreamUpdateEvery)
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		acc.Add(ctx, chunk.Delta)
	}
	return acc.Finish(ctx), nil
}

// completeEmpty finishes a session whose retrieval returned nothing: canned
// response, zero coverage, no revision cycles, no model calls.
func (o *Orchestrator) completeEmpty(ctx context.Context, sessionID string, start time.Time, reporter *progressReporter) error {
	completed := models.SessionStatusCompleted
	response := EmptyRetrievalResponse
	zero := 0.0
	zeroCount := 0
	now := time.Now().UTC()
	elapsed := time.Since(start).Milliseconds()
	err := o.store.PatchSession(ctx, sessionID, models.SessionPatch{
		Status:                &completed,
		Response:              &response,
		EvidenceCoverage:      &zero,
		UnsupportedClaimCount: &zeroCount,
		RevisionCycles:        &zeroCount,
		ProcessingTimeMs:      &elapsed,
		CompletedAt:           &now,
	})
	if err != nil {
		return o.fail(sessionID, models.PhaseRetrieval, reporter, err)
	}
	if err := reporter.report(ctx, progressRecord(sessionID, models.PhaseRetrieval, models.ProgressCompleted)); err != nil {
		o.logger.Warn("Final progress write failed", "session_id", sessionID, "error", err)
	}
	o.logger.Info("Session completed with empty retrieval", "session_id", sessionID)
	return nil
}

// fail funnels a terminal error into the session row and progress record.
// Persistence here deliberately ignores the (possibly cancelled) run context:
// the failure must land even when the session context is dead.
func (o *Orchestrator) fail(sessionID string, phase models.Phase, reporter *progressReporter, cause error) error {
	message := cause.Error()
	switch {
	case errors.Is(cause, context.Canceled):
		message = CancelledMessage
	case errors.Is(cause, context.DeadlineExceeded):
		message = "session timeout exceeded"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	failed := models.SessionStatusError
	if err := o.store.PatchSession(ctx, sessionID, models.SessionPatch{
		Status:       &failed,
		ErrorMessage: &message,
	}); err != nil {
		o.logger.Error("Failed to persist session error",
			"session_id", sessionID, "cause", cause, "error", err)
	}

	record := progressRecord(sessionID, phase, models.ProgressError)
	record.Details = message
	if err := reporter.report(ctx, record); err != nil {
		o.logger.Error("Failed to persist error progress",
			"session_id", sessionID, "cause", cause, "error", err)
	}

	o.logger.Error("Session failed", "session_id", sessionID, "phase", phase, "error", cause)
	return cause
}

func progressRecord(sessionID string, phase models.Phase, status models.ProgressStatus) models.ProgressRecord {
	return models.ProgressRecord{SessionID: sessionID, Phase: phase, Status: status}
}
