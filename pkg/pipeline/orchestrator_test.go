package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verityhq/verity/pkg/config"
	"github.com/verityhq/verity/pkg/ledger"
	"github.com/verityhq/verity/pkg/llm"
	"github.com/verityhq/verity/pkg/models"
)

// --- scripted fakes ---

type completionStep struct {
	content string
	err     error
}

type streamStep struct {
	deltas []string
	err    error // delivered as the final chunk after the deltas
}

// scriptedModel replays queued responses: streams for CompleteStream calls,
// completions for Complete calls, each consumed in order.
type scriptedModel struct {
	mu          sync.Mutex
	completions []completionStep
	streams     []streamStep

	completeReqs []llm.Request
	streamReqs   []llm.Request
}

func (m *scriptedModel) Complete(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeReqs = append(m.completeReqs, req)
	if len(m.completions) == 0 {
		return "", fmt.Errorf("unexpected Complete call %d", len(m.completeReqs))
	}
	step := m.completions[0]
	m.completions = m.completions[1:]
	return step.content, step.err
}

func (m *scriptedModel) CompleteStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamReqs = append(m.streamReqs, req)
	if len(m.streams) == 0 {
		return nil, fmt.Errorf("unexpected CompleteStream call %d", len(m.streamReqs))
	}
	step := m.streams[0]
	m.streams = m.streams[1:]

	chunks := make(chan llm.Chunk, len(step.deltas)+1)
	for _, delta := range step.deltas {
		chunks <- llm.Chunk{Delta: delta}
	}
	if step.err != nil {
		chunks <- llm.Chunk{Err: step.err}
	}
	close(chunks)
	return chunks, nil
}

type fakeSearcher struct {
	chunks []models.Chunk
	err    error
}

func (s *fakeSearcher) Search(ctx context.Context, workspaceID, query string, threshold float64, limit int) ([]models.Chunk, error) {
	return s.chunks, s.err
}

// fakeStore applies patches to an in-memory session with the same
// terminal-status guard as the real store, and records the progress trace.
type fakeStore struct {
	mu       sync.Mutex
	session  models.Session
	ledgers  map[int]*ledger.JudgeResult
	progress []models.ProgressRecord
}

func newFakeStore(session models.Session) *fakeStore {
	return &fakeStore{session: session, ledgers: map[int]*ledger.JudgeResult{}}
}

func (s *fakeStore) PatchSession(ctx context.Context, sessionID string, patch models.SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.Status != nil && s.session.Status != models.SessionStatusProcessing {
		return nil // terminal, ignored
	}
	if patch.Status != nil {
		s.session.Status = *patch.Status
	}
	if patch.Response != nil {
		s.session.Response = *patch.Response
	}
	if patch.EvidenceCoverage != nil {
		s.session.EvidenceCoverage = *patch.EvidenceCoverage
	}
	if patch.UnsupportedClaimCount != nil {
		s.session.UnsupportedClaimCount = *patch.UnsupportedClaimCount
	}
	if patch.RevisionCycles != nil {
		s.session.RevisionCycles = *patch.RevisionCycles
	}
	if patch.ProcessingTimeMs != nil {
		s.session.ProcessingTimeMs = *patch.ProcessingTimeMs
	}
	if patch.ErrorMessage != nil {
		s.session.ErrorMessage = *patch.ErrorMessage
	}
	if patch.CompletedAt != nil {
		s.session.CompletedAt = patch.CompletedAt
	}
	return nil
}

func (s *fakeStore) ReplaceLedger(ctx context.Context, sessionID string, cycle int, result *ledger.JudgeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[cycle] = result
	return nil
}

func (s *fakeStore) SetProgress(ctx context.Context, record models.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, record)
	return nil
}

func (s *fakeStore) snapshot() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *fakeStore) lastProgress() models.ProgressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.progress) == 0 {
		return models.ProgressRecord{}
	}
	return s.progress[len(s.progress)-1]
}

// --- fixtures ---

func testConfig() *config.Config {
	return &config.Config{
		WriterModel:           "writer-model",
		JudgeModel:            "judge-model",
		SkepticModel:          "skeptic-model",
		MaxRevisionCycles:     2,
		RetrievalThreshold:    0.3,
		RetrievalLimit:        15,
		StreamUpdateEvery:     2,
		HistoryMessageCap:     12,
		CoverageTarget:        0.85,
		CoverageTargetRelaxed: 0.70,
	}
}

func testChunks() []models.Chunk {
	return []models.Chunk{
		{ChunkID: "c1", Content: "Refunds are allowed within 30 days.", DocumentFilename: "policy.pdf", Score: 0.9},
		{ChunkID: "c2", Content: "Shipping takes 5 business days.", DocumentFilename: "shipping.md", Score: 0.7},
	}
}

func processingSession() models.Session {
	return models.Session{
		ID:          "sess-1",
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Query:       "what is the refund window?",
		Mode:        models.ModeAnswer,
		Status:      models.SessionStatusProcessing,
		CreatedAt:   time.Now().UTC(),
	}
}

// judgeJSON renders a JudgeResult as the raw string a Judge model would emit.
func judgeJSON(t *testing.T, result *ledger.JudgeResult) string {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	return string(raw)
}

// acceptingJudge yields coverage 1.0 and no failed gates.
func acceptingJudge(verified string) *ledger.JudgeResult {
	return &ledger.JudgeResult{
		VerifiedResponse: verified,
		Claims: []ledger.Claim{
			{ClaimID: "claim_1", ClaimText: "refund window is 30 days", ClaimType: ledger.ClaimNumeric, Importance: ledger.ImportanceCritical},
			{ClaimID: "claim_2", ClaimText: "shipping takes 5 days", ClaimType: ledger.ClaimNumeric, Importance: ledger.ImportanceMaterial},
		},
		Evidence: []ledger.EvidenceEntry{
			{ClaimID: "claim_1", SourceTag: "cite:1", Verdict: ledger.VerdictSupported, ConfidenceScore: 0.95, ChunkIDs: []string{"1"}},
			{ClaimID: "claim_2", SourceTag: "cite:2", Verdict: ledger.VerdictSupported, ConfidenceScore: 0.9, ChunkIDs: []string{"2"}},
		},
	}
}

// rejectingJudge yields coverage 0.4 (2 of 5 covered) and forces revision.
func rejectingJudge(verified string) *ledger.JudgeResult {
	result := &ledger.JudgeResult{VerifiedResponse: verified}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("claim_%d", i)
		verdict := ledger.VerdictNotFound
		if i <= 2 {
			verdict = ledger.VerdictSupported
		}
		result.Claims = append(result.Claims, ledger.Claim{
			ClaimID: id, ClaimText: "claim " + id, ClaimType: ledger.ClaimFact, Importance: ledger.ImportanceMaterial,
		})
		result.Evidence = append(result.Evidence, ledger.EvidenceEntry{ClaimID: id, Verdict: verdict})
	}
	return result
}

func newOrchestrator(store *fakeStore, searcher *fakeSearcher, model *scriptedModel) *Orchestrator {
	return NewOrchestrator(store, searcher, model, nil, testConfig())
}

// --- end-to-end scenarios ---

func TestRunEmptyRetrieval(t *testing.T) {
	store := newFakeStore(processingSession())
	model := &scriptedModel{}
	orch := newOrchestrator(store, &fakeSearcher{chunks: nil}, model)

	require.NoError(t, orch.Run(context.Background(), &models.Session{ID: "sess-1", WorkspaceID: "ws-1", Query: "q", Mode: models.ModeAnswer}, nil))

	got := store.snapshot()
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.Equal(t, EmptyRetrievalResponse, got.Response)
	assert.Zero(t, got.EvidenceCoverage)
	assert.Zero(t, got.RevisionCycles)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, model.completeReqs, "no model calls on empty retrieval")
	assert.Empty(t, model.streamReqs)

	last := store.lastProgress()
	assert.Equal(t, models.PhaseRetrieval, last.Phase)
	assert.Equal(t, models.ProgressCompleted, last.Status)
}

func TestRunSinglePassAcceptance(t *testing.T) {
	store := newFakeStore(processingSession())
	model := &scriptedModel{
		streams: []streamStep{
			{deltas: []string{"The refund ", "window is ", "30 days ", "[cite:1].", ""}},
		},
		completions: []completionStep{
			{content: "No issues found."},
			{content: judgeJSON(t, acceptingJudge("The refund window is 30 days [cite:1]."))},
		},
	}
	session := processingSession()
	orch := newOrchestrator(store, &fakeSearcher{chunks: testChunks()}, model)

	require.NoError(t, orch.Run(context.Background(), &session, nil))

	got := store.snapshot()
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.Equal(t, "The refund window is 30 days [cite:1].", got.Response)
	assert.Zero(t, got.RevisionCycles)
	assert.InDelta(t, 1.0, got.EvidenceCoverage, 1e-9)
	assert.Zero(t, got.UnsupportedClaimCount)

	// One writer stream, then skeptic and judge completions with the right models.
	require.Len(t, model.streamReqs, 1)
	assert.Equal(t, "writer-model", model.streamReqs[0].Model)
	require.Len(t, model.completeReqs, 2)
	assert.Equal(t, "skeptic-model", model.completeReqs[0].Model)
	assert.Equal(t, "judge-model", model.completeReqs[1].Model)

	// Ledger persisted for cycle 0 only.
	assert.Contains(t, store.ledgers, 0)
	assert.NotContains(t, store.ledgers, 1)
}

func TestRunOneRevisionSuccess(t *testing.T) {
	store := newFakeStore(processingSession())
	model := &scriptedModel{
		streams: []streamStep{
			{deltas: []string{"draft with thin citations"}},
			{deltas: []string{"revised draft ", "[cite:1][cite:2]"}},
		},
		completions: []completionStep{
			{content: "Several uncited claims."},
			{content: judgeJSON(t, rejectingJudge(""))},
			{content: judgeJSON(t, acceptingJudge("Revised and verified [cite:1]."))},
		},
	}
	session := processingSession()
	orch := newOrchestrator(store, &fakeSearcher{chunks: testChunks()}, model)

	require.NoError(t, orch.Run(context.Background(), &session, nil))

	got := store.snapshot()
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.Equal(t, 1, got.RevisionCycles)
	assert.Equal(t, "Revised and verified [cite:1].", got.Response)

	// Both cycles persisted; the latest carries the accepted ledger.
	require.Contains(t, store.ledgers, 0)
	require.Contains(t, store.ledgers, 1)
	assert.Len(t, store.ledgers[1].Claims, 2)

	// Revision prompt carried the prior judge result.
	require.Len(t, model.streamReqs, 2)
	revisionUser := model.streamReqs[1].Messages[1].Content
	assert.Contains(t, revisionUser, "claim_5")

	// Progress phases never move backwards (judge and revision share a rank).
	lastRank := -1
	for i, record := range store.progress {
		rank := models.PhaseRank(record.Phase)
		assert.GreaterOrEqual(t, rank, lastRank, "progress regressed to %s at step %d", record.Phase, i)
		lastRank = rank
	}
}

func TestRunBudgetExhaustion(t *testing.T) {
	store := newFakeStore(processingSession())
	model := &scriptedModel{
		streams: []streamStep{
			{deltas: []string{"draft"}},
			{deltas: []string{"revision one"}},
			{deltas: []string{"revision two"}},
		},
		completions: []completionStep{
			{content: "critique"},
			{content: judgeJSON(t, rejectingJudge(""))},
			{content: judgeJSON(t, rejectingJudge(""))},
			{content: judgeJSON(t, rejectingJudge("Best effort answer."))},
		},
	}
	session := processingSession()
	orch := newOrchestrator(store, &fakeSearcher{chunks: testChunks()}, model)

	require.NoError(t, orch.Run(context.Background(), &session, nil))

	got := store.snapshot()
	assert.Equal(t, models.SessionStatusCompleted, got.Status, "budget exhaustion is not an error")
	assert.Equal(t, 2, got.RevisionCycles)
	assert.Equal(t, "Best effort answer.", got.Response)
	assert.Equal(t, 3, got.UnsupportedClaimCount, "residual gap from the last judge pass")
	assert.InDelta(t, 0.4, got.EvidenceCoverage, 1e-9)
	assert.Empty(t, got.ErrorMessage)

	// Writer + exactly MaxRevisionCycles revision streams.
	assert.Len(t, model.streamReqs, 3)
}

func TestRunMalformedJudgeOutput(t *testing.T) {
	store := newFakeStore(processingSession())
	model := &scriptedModel{
		streams: []streamStep{
			{deltas: []string{"The writer's ", "own words."}},
		},
		completions: []completionStep{
			{content: "critique"},
			{content: "I believe the response is fine, no JSON needed."},
		},
	}
	session := processingSession()
	orch := newOrchestrator(store, &fakeSearcher{chunks: testChunks()}, model)

	require.NoError(t, orch.Run(context.Background(), &session, nil))

	got := store.snapshot()
	assert.Equal(t, models.SessionStatusCompleted, got.Status, "parse failure never kills the pipeline")
	assert.Equal(t, "The writer's own words.", got.Response, "falls back to the writer draft")
	assert.Zero(t, got.RevisionCycles)

	persisted := store.ledgers[0]
	require.NotNil(t, persisted)
	assert.Empty(t, persisted.Claims)
	require.NotEmpty(t, persisted.RiskFlags)
	assert.Equal(t, "parse_error", persisted.RiskFlags[0].Type)
	assert.Equal(t, "high", persisted.RiskFlags[0].Severity)
}

func TestRunWriterStreamAborts(t *testing.T) {
	store := newFakeStore(processingSession())
	model := &scriptedModel{
		streams: []streamStep{
			{
				deltas: []string{"partial ", "content "},
				err:    &llm.TransportError{StatusCode: http.StatusBadGateway, Err: errors.New("stream interrupted")},
			},
		},
	}
	session := processingSession()
	orch := newOrchestrator(store, &fakeSearcher{chunks: testChunks()}, model)

	err := orch.Run(context.Background(), &session, nil)
	require.Error(t, err)

	got := store.snapshot()
	assert.Equal(t, models.SessionStatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "HTTP 502")
	assert.Empty(t, got.Response, "partial content is discarded")

	last := store.lastProgress()
	assert.Equal(t, models.PhaseWriter, last.Phase)
	assert.Equal(t, models.ProgressError, last.Status)
	assert.Contains(t, last.Details, "HTTP 502")

	// No skeptic or judge calls after the failure.
	assert.Empty(t, model.completeReqs)
}

func TestRunRetrievalFailure(t *testing.T) {
	store := newFakeStore(processingSession())
	session := processingSession()
	orch := newOrchestrator(store, &fakeSearcher{err: errors.New("vector search failed: HTTP 503")}, &scriptedModel{})

	err := orch.Run(context.Background(), &session, nil)
	require.Error(t, err)

	got := store.snapshot()
	assert.Equal(t, models.SessionStatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "vector search failed")
}

func TestRunCancellation(t *testing.T) {
	store := newFakeStore(processingSession())
	model := &scriptedModel{
		streams: []streamStep{
			{deltas: []string{"before "}, err: context.Canceled},
		},
	}
	session := processingSession()
	orch := newOrchestrator(store, &fakeSearcher{chunks: testChunks()}, model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := orch.Run(ctx, &session, nil)
	require.Error(t, err)

	got := store.snapshot()
	assert.Equal(t, models.SessionStatusError, got.Status)
	assert.Equal(t, CancelledMessage, got.ErrorMessage)
}

func TestStreamProgressThrottling(t *testing.T) {
	store := newFakeStore(processingSession())
	model := &scriptedModel{
		streams: []streamStep{
			{deltas: []string{"a", "b", "c", "d", "e"}},
		},
		completions: []completionStep{
			{content: "critique"},
			{content: judgeJSON(t, acceptingJudge("done [cite:1]"))},
		},
	}
	session := processingSession()
	// StreamUpdateEvery is 2: deltas flush at 2, 4, and once more at finish.
	orch := newOrchestrator(store, &fakeSearcher{chunks: testChunks()}, model)

	require.NoError(t, orch.Run(context.Background(), &session, nil))

	var streamed []string
	for _, record := range store.progress {
		if record.Phase == models.PhaseWriter && record.StreamedContent != "" {
			streamed = append(streamed, record.StreamedContent)
		}
	}
	assert.Equal(t, []string{"ab", "abcd", "abcde"}, streamed)
}
