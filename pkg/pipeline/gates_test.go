package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/verityhq/verity/pkg/ledger"
	"github.com/verityhq/verity/pkg/prompt"
)

func defaultGateConfig() GateConfig {
	return GateConfig{
		CoverageTarget:        0.85,
		CoverageTargetRelaxed: 0.70,
		MaxUnsupportedRate:    0.05,
	}
}

// judged builds a one-claim-per-verdict ledger for gate tests.
func judged(entries ...judgedClaim) *ledger.JudgeResult {
	result := &ledger.JudgeResult{}
	for i, e := range entries {
		id := e.id
		if id == "" {
			id = fmt.Sprintf("claim_%d", i+1)
		}
		result.Claims = append(result.Claims, ledger.Claim{
			ClaimID:    id,
			ClaimText:  "claim " + id,
			ClaimType:  ledger.ClaimFact,
			Importance: e.importance,
		})
		if e.verdict != "" {
			result.Evidence = append(result.Evidence, ledger.EvidenceEntry{
				ClaimID: id,
				Verdict: e.verdict,
			})
		}
	}
	return result
}

type judgedClaim struct {
	id         string
	importance ledger.Importance
	verdict    ledger.Verdict
}

func TestEvaluateGates(t *testing.T) {
	t.Run("fully supported response passes", func(t *testing.T) {
		d := EvaluateGates(judged(
			judgedClaim{importance: ledger.ImportanceCritical, verdict: ledger.VerdictSupported},
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictWeak},
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictExpertVerified},
		), 0, 2, defaultGateConfig())

		assert.False(t, d.RevisionNeeded)
		assert.InDelta(t, 1.0, d.Coverage, 1e-9)
		assert.Zero(t, d.UnsupportedCount)
		assert.Equal(t, prompt.FocusNone, d.Focus())
	})

	t.Run("low coverage forces revision", func(t *testing.T) {
		// 1 of 2 covered: coverage 0.5 < 0.85.
		d := EvaluateGates(judged(
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictSupported},
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictNotFound},
		), 0, 2, defaultGateConfig())

		assert.True(t, d.RevisionNeeded)
		assert.True(t, d.LowCoverage)
		assert.InDelta(t, 0.5, d.Coverage, 1e-9)
		assert.Equal(t, prompt.FocusLowCoverage, d.Focus())
	})

	t.Run("critical contradiction forces revision regardless of coverage", func(t *testing.T) {
		// 19 of 20 supported: coverage 0.95, but one critical contradiction.
		entries := make([]judgedClaim, 0, 20)
		for i := 0; i < 19; i++ {
			entries = append(entries, judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictSupported})
		}
		entries = append(entries, judgedClaim{importance: ledger.ImportanceCritical, verdict: ledger.VerdictContradicted})

		d := EvaluateGates(judged(entries...), 0, 2, defaultGateConfig())
		assert.True(t, d.RevisionNeeded)
		assert.True(t, d.CriticalContradiction)
		assert.InDelta(t, 0.95, d.Coverage, 1e-9)
	})

	t.Run("critical contradiction dominates the revision focus", func(t *testing.T) {
		d := EvaluateGates(&ledger.JudgeResult{
			Claims: []ledger.Claim{
				{ClaimID: "c1", ClaimText: "x", Importance: ledger.ImportanceCritical},
				{ClaimID: "c2", ClaimText: "y", Importance: ledger.ImportanceMaterial},
			},
			Evidence: []ledger.EvidenceEntry{
				{ClaimID: "c1", Verdict: ledger.VerdictContradicted},
				{ClaimID: "c2", Verdict: ledger.VerdictNotFound},
			},
			Conflicts: []ledger.Conflict{
				{DocumentClaim: "doc", EstablishedFact: "fact", InlinePresented: false},
			},
		}, 0, 2, defaultGateConfig())

		assert.True(t, d.CriticalContradiction)
		assert.True(t, d.LowCoverage)
		assert.True(t, d.ConflictUnpresented)
		assert.Equal(t, prompt.FocusCriticalContradiction, d.Focus())
	})

	t.Run("conflict flagged claims leave the denominator", func(t *testing.T) {
		// 2 supported + 1 conflict_flagged: coverage 2/(3-1) = 1.0.
		d := EvaluateGates(judged(
			judgedClaim{importance: ledger.ImportanceCritical, verdict: ledger.VerdictSupported},
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictSupported},
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictConflictFlag},
		), 0, 2, defaultGateConfig())

		assert.InDelta(t, 1.0, d.Coverage, 1e-9)
		assert.False(t, d.LowCoverage)
	})

	t.Run("unpresented conflict forces revision on its own", func(t *testing.T) {
		result := judged(
			judgedClaim{importance: ledger.ImportanceCritical, verdict: ledger.VerdictSupported},
		)
		result.Conflicts = []ledger.Conflict{
			{DocumentClaim: "boiling point is 90C", EstablishedFact: "boiling point is 100C", InlinePresented: false},
		}

		d := EvaluateGates(result, 0, 2, defaultGateConfig())
		assert.True(t, d.RevisionNeeded)
		assert.True(t, d.ConflictUnpresented)
		assert.Equal(t, prompt.FocusConflictPresentation, d.Focus())
	})

	t.Run("inline presented conflict passes", func(t *testing.T) {
		result := judged(
			judgedClaim{importance: ledger.ImportanceCritical, verdict: ledger.VerdictSupported},
		)
		result.Conflicts = []ledger.Conflict{
			{DocumentClaim: "doc view", EstablishedFact: "established view", InlinePresented: true},
		}

		d := EvaluateGates(result, 0, 2, defaultGateConfig())
		assert.False(t, d.RevisionNeeded)
	})

	t.Run("relaxed ceiling applies on the final cycle", func(t *testing.T) {
		// 3 of 4 covered: coverage 0.75, between relaxed and default targets.
		result := judged(
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictSupported},
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictSupported},
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictSupported},
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictNotFound},
		)

		early := EvaluateGates(result, 0, 2, defaultGateConfig())
		assert.True(t, early.LowCoverage, "0.75 fails the 0.85 ceiling before the last cycle")

		final := EvaluateGates(result, 2, 2, defaultGateConfig())
		assert.False(t, final.LowCoverage, "0.75 passes the relaxed 0.70 ceiling on the last cycle")
		// The unsupported-rate gate still fires: 1 of 4 claims is not_found.
		assert.True(t, final.HighUnsupportedRate)
	})

	t.Run("minor claims are ignored", func(t *testing.T) {
		d := EvaluateGates(judged(
			judgedClaim{importance: ledger.ImportanceCritical, verdict: ledger.VerdictSupported},
			judgedClaim{importance: ledger.ImportanceMinor, verdict: ledger.VerdictContradicted},
			judgedClaim{importance: ledger.ImportanceMinor, verdict: ledger.VerdictNotFound},
		), 0, 2, defaultGateConfig())

		assert.False(t, d.RevisionNeeded)
		assert.InDelta(t, 1.0, d.Coverage, 1e-9)
		assert.Equal(t, 1, d.TotalConsidered)
	})

	t.Run("claim without evidence counts as not_found", func(t *testing.T) {
		d := EvaluateGates(judged(
			judgedClaim{importance: ledger.ImportanceCritical, verdict: ledger.VerdictSupported},
			judgedClaim{importance: ledger.ImportanceMaterial}, // no evidence entry
		), 0, 2, defaultGateConfig())

		assert.Equal(t, 1, d.UnsupportedCount)
		assert.True(t, d.RevisionNeeded)
	})

	t.Run("empty ledger does not force revision", func(t *testing.T) {
		d := EvaluateGates(&ledger.JudgeResult{}, 0, 2, defaultGateConfig())
		assert.False(t, d.RevisionNeeded)
		assert.Zero(t, d.Coverage)
		assert.Zero(t, d.TotalConsidered)
	})

	t.Run("decision is a pure function of result and cycle", func(t *testing.T) {
		result := judged(
			judgedClaim{importance: ledger.ImportanceCritical, verdict: ledger.VerdictContradicted},
			judgedClaim{importance: ledger.ImportanceMaterial, verdict: ledger.VerdictSupported},
		)
		first := EvaluateGates(result, 1, 2, defaultGateConfig())
		second := EvaluateGates(result, 1, 2, defaultGateConfig())
		assert.Equal(t, first, second)
	})
}
