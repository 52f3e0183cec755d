// Package store persists verification sessions, evidence ledgers, and
// progress records in PostgreSQL. All reads and writes for a session are
// naturally serialized by session id; the store itself adds no locking.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/verityhq/verity/pkg/ledger"
	"github.com/verityhq/verity/pkg/models"
)

// Store is the PostgreSQL-backed session store.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// IsMember reports whether userID belongs to workspaceID.
func (s *Store) IsMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM workspace_members WHERE workspace_id = $1 AND user_id = $2)`,
		workspaceID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking workspace membership: %w", err)
	}
	return exists, nil
}

// AddMember adds userID to workspaceID. Idempotent.
func (s *Store) AddMember(ctx context.Context, userID, workspaceID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (workspace_id, user_id) DO NOTHING`,
		workspaceID, userID, role)
	if err != nil {
		return fmt.Errorf("adding workspace member: %w", err)
	}
	return nil
}

// CreateSession inserts a new session in processing state.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_sessions (id, workspace_id, user_id, query, mode, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.WorkspaceID, session.UserID, session.Query,
		string(session.Mode), string(session.Status), session.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, session.ID)
		}
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var (
		session     models.Session
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, user_id, query, mode, status, response,
		        evidence_coverage, unsupported_claim_count, revision_cycles,
		        processing_time_ms, error_message, created_at, completed_at
		 FROM verification_sessions WHERE id = $1`, sessionID).Scan(
		&session.ID, &session.WorkspaceID, &session.UserID, &session.Query,
		&session.Mode, &session.Status, &session.Response,
		&session.EvidenceCoverage, &session.UnsupportedClaimCount, &session.RevisionCycles,
		&session.ProcessingTimeMs, &session.ErrorMessage, &session.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	return &session, nil
}

// PatchSession updates only the non-nil fields of patch. Status moves are
// guarded in SQL so a session never leaves a terminal state: completed and
// error rows refuse further status changes.
func (s *Store) PatchSession(ctx context.Context, sessionID string, patch models.SessionPatch) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Response != nil {
		add("response", *patch.Response)
	}
	if patch.EvidenceCoverage != nil {
		add("evidence_coverage", *patch.EvidenceCoverage)
	}
	if patch.UnsupportedClaimCount != nil {
		add("unsupported_claim_count", *patch.UnsupportedClaimCount)
	}
	if patch.RevisionCycles != nil {
		add("revision_cycles", *patch.RevisionCycles)
	}
	if patch.ProcessingTimeMs != nil {
		add("processing_time_ms", *patch.ProcessingTimeMs)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, sessionID)
	query := fmt.Sprintf(
		`UPDATE verification_sessions SET %s WHERE id = $%d AND status = 'processing'`,
		strings.Join(sets, ", "), len(args))
	if patch.Status == nil {
		// Non-status patches may land on any row.
		query = fmt.Sprintf(
			`UPDATE verification_sessions SET %s WHERE id = $%d`,
			strings.Join(sets, ", "), len(args))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("patching session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("patching session: %w", err)
	}
	if n == 0 {
		// Either the session does not exist or it already reached a terminal
		// status; distinguish for the caller.
		if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
			return getErr
		}
		return nil // terminal status, patch ignored
	}
	return nil
}

// InsertClaim persists a single claim for the given revision cycle.
func (s *Store) InsertClaim(ctx context.Context, sessionID string, cycle int, claim ledger.Claim) error {
	return insertClaim(ctx, s.db, sessionID, cycle, claim)
}

// InsertEvidence persists a single evidence entry for the given revision cycle.
func (s *Store) InsertEvidence(ctx context.Context, sessionID string, cycle int, entry ledger.EvidenceEntry) error {
	return insertEvidence(ctx, s.db, sessionID, cycle, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertClaim(ctx context.Context, db execer, sessionID string, cycle int, claim ledger.Claim) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO session_claims (session_id, revision_cycle, claim_id, claim_text, claim_type, importance, requires_citation)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sessionID, cycle, claim.ClaimID, claim.ClaimText, string(claim.ClaimType),
		string(claim.Importance), claim.RequiresCitation)
	if err != nil {
		return fmt.Errorf("inserting claim: %w", err)
	}
	return nil
}

func insertEvidence(ctx context.Context, db execer, sessionID string, cycle int, entry ledger.EvidenceEntry) error {
	chunkIDs, err := json.Marshal(entry.ChunkIDs)
	if err != nil {
		return fmt.Errorf("encoding chunk ids: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO session_evidence (session_id, revision_cycle, claim_id, source_tag, verdict, confidence_score, chunk_ids, evidence_snippet, expert_assessment, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sessionID, cycle, entry.ClaimID, entry.SourceTag, string(entry.Verdict),
		entry.ConfidenceScore, chunkIDs, entry.EvidenceSnippet, entry.ExpertAssessment, entry.Notes)
	if err != nil {
		return fmt.Errorf("inserting evidence: %w", err)
	}
	return nil
}

// ReplaceLedger atomically replaces the claims, evidence, and conflicts for
// one revision cycle with the given Judge result. Earlier cycles are kept;
// GetLedger reads the latest one.
func (s *Store) ReplaceLedger(ctx context.Context, sessionID string, cycle int, result *ledger.JudgeResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ledger transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"session_claims", "session_evidence", "session_conflicts"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE session_id = $1 AND revision_cycle = $2`, table),
			sessionID, cycle); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for _, claim := range result.Claims {
		if err := insertClaim(ctx, tx, sessionID, cycle, claim); err != nil {
			return err
		}
	}
	for _, entry := range result.Evidence {
		if err := insertEvidence(ctx, tx, sessionID, cycle, entry); err != nil {
			return err
		}
	}
	for _, conflict := range result.Conflicts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_conflicts (session_id, revision_cycle, claim_id, domain, document_claim, established_fact, inline_presented)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sessionID, cycle, conflict.ClaimID, conflict.Domain, conflict.DocumentClaim,
			conflict.EstablishedFact, conflict.InlinePresented); err != nil {
			return fmt.Errorf("inserting conflict: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ledger: %w", err)
	}
	return nil
}

// Ledger is the persisted evidence ledger for a session, taken from the most
// recent revision cycle.
type Ledger struct {
	RevisionCycle int                    `json:"revision_cycle"`
	Claims        []ledger.Claim         `json:"claims"`
	Evidence      []ledger.EvidenceEntry `json:"evidence"`
}

// GetLedger returns the claims and evidence of the latest revision cycle.
// A session with no judged cycles yields an empty ledger.
func (s *Store) GetLedger(ctx context.Context, sessionID string) (*Ledger, error) {
	var cycle sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(revision_cycle) FROM session_claims WHERE session_id = $1`,
		sessionID).Scan(&cycle)
	if err != nil {
		return nil, fmt.Errorf("finding latest ledger cycle: %w", err)
	}
	out := &Ledger{Claims: []ledger.Claim{}, Evidence: []ledger.EvidenceEntry{}}
	if !cycle.Valid {
		return out, nil
	}
	out.RevisionCycle = int(cycle.Int64)

	rows, err := s.db.QueryContext(ctx,
		`SELECT claim_id, claim_text, claim_type, importance, requires_citation
		 FROM session_claims WHERE session_id = $1 AND revision_cycle = $2 ORDER BY id`,
		sessionID, out.RevisionCycle)
	if err != nil {
		return nil, fmt.Errorf("loading claims: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var claim ledger.Claim
		if err := rows.Scan(&claim.ClaimID, &claim.ClaimText, &claim.ClaimType,
			&claim.Importance, &claim.RequiresCitation); err != nil {
			return nil, fmt.Errorf("scanning claim: %w", err)
		}
		out.Claims = append(out.Claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claims: %w", err)
	}

	evidenceRows, err := s.db.QueryContext(ctx,
		`SELECT claim_id, source_tag, verdict, confidence_score, chunk_ids, evidence_snippet, expert_assessment, notes
		 FROM session_evidence WHERE session_id = $1 AND revision_cycle = $2 ORDER BY id`,
		sessionID, out.RevisionCycle)
	if err != nil {
		return nil, fmt.Errorf("loading evidence: %w", err)
	}
	defer func() { _ = evidenceRows.Close() }()
	for evidenceRows.Next() {
		var (
			entry ledger.EvidenceEntry
			raw   []byte
		)
		if err := evidenceRows.Scan(&entry.ClaimID, &entry.SourceTag, &entry.Verdict,
			&entry.ConfidenceScore, &raw, &entry.EvidenceSnippet,
			&entry.ExpertAssessment, &entry.Notes); err != nil {
			return nil, fmt.Errorf("scanning evidence: %w", err)
		}
		if err := json.Unmarshal(raw, &entry.ChunkIDs); err != nil {
			return nil, fmt.Errorf("decoding chunk ids: %w", err)
		}
		out.Evidence = append(out.Evidence, entry)
	}
	if err := evidenceRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating evidence: %w", err)
	}

	return out, nil
}

// SetProgress upserts the single last-write-wins progress row for a session.
func (s *Store) SetProgress(ctx context.Context, record models.ProgressRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_progress (session_id, phase, status, streamed_content, details, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id) DO UPDATE SET
		   phase = EXCLUDED.phase,
		   status = EXCLUDED.status,
		   streamed_content = EXCLUDED.streamed_content,
		   details = EXCLUDED.details,
		   updated_at = EXCLUDED.updated_at`,
		record.SessionID, string(record.Phase), string(record.Status),
		record.StreamedContent, record.Details, timeOrNow(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("writing progress: %w", err)
	}
	return nil
}

// GetProgress returns the current progress snapshot for a session.
func (s *Store) GetProgress(ctx context.Context, sessionID string) (*models.ProgressRecord, error) {
	var record models.ProgressRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, phase, status, streamed_content, details, updated_at
		 FROM session_progress WHERE session_id = $1`, sessionID).Scan(
		&record.SessionID, &record.Phase, &record.Status,
		&record.StreamedContent, &record.Details, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading progress: %w", err)
	}
	return &record, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
