package pipeline

import (
	"github.com/verityhq/verity/pkg/ledger"
	"github.com/verityhq/verity/pkg/prompt"
)

// GateConfig holds the acceptance thresholds for judged responses.
type GateConfig struct {
	CoverageTarget        float64 // default acceptance ceiling
	CoverageTargetRelaxed float64 // accepted on the final revision cycle
	MaxUnsupportedRate    float64 // fraction of critical+material claims
}

// GateDecision is the outcome of evaluating one Judge result. It is a pure
// function of the result and the cycle number: re-evaluating the same inputs
// always yields the same decision.
type GateDecision struct {
	RevisionNeeded   bool
	Coverage         float64
	UnsupportedCount int
	TotalConsidered  int

	// Individual gate outcomes, most severe first.
	CriticalContradiction bool
	LowCoverage           bool
	ConflictUnpresented   bool
	HighUnsupportedRate   bool
}

// Focus returns the revision instruction for the most severe failed gate:
// critical contradiction, then low coverage, then conflict presentation.
// The unsupported-rate gate shares the coverage focus since both are fixed
// by adding or removing citations.
func (d GateDecision) Focus() prompt.Focus {
	switch {
	case d.CriticalContradiction:
		return prompt.FocusCriticalContradiction
	case d.LowCoverage, d.HighUnsupportedRate:
		return prompt.FocusLowCoverage
	case d.ConflictUnpresented:
		return prompt.FocusConflictPresentation
	default:
		return prompt.FocusNone
	}
}

// EvaluateGates applies the quality gates to a Judge result. cycle is the
// revision cycle the result was judged at; on the final allowed cycle the
// relaxed coverage ceiling applies.
//
// Coverage counts only critical and material claims. conflict_flagged claims
// are excluded from the denominator: a flagged conflict is a property of the
// corpus, not a defect of the response.
func EvaluateGates(result *ledger.JudgeResult, cycle, maxCycles int, cfg GateConfig) GateDecision {
	verdicts := verdictByClaim(result)

	var (
		considered      int
		covered         int
		conflictFlagged int
		unsupported     int
		decision        GateDecision
	)

	for _, claim := range result.Claims {
		if claim.Importance != ledger.ImportanceCritical && claim.Importance != ledger.ImportanceMaterial {
			continue
		}
		considered++

		verdict, ok := verdicts[claim.ClaimID]
		if !ok {
			verdict = ledger.VerdictNotFound // no evidence entry at all
		}

		switch verdict {
		case ledger.VerdictSupported, ledger.VerdictWeak, ledger.VerdictExpertVerified:
			covered++
		case ledger.VerdictConflictFlag:
			conflictFlagged++
		case ledger.VerdictContradicted:
			unsupported++
			if claim.Importance == ledger.ImportanceCritical {
				decision.CriticalContradiction = true
			}
		case ledger.VerdictNotFound:
			unsupported++
		}
	}

	denominator := considered - conflictFlagged
	if denominator < 1 {
		denominator = 1
	}
	decision.Coverage = float64(covered) / float64(denominator)
	decision.UnsupportedCount = unsupported
	decision.TotalConsidered = considered

	target := cfg.CoverageTarget
	if cycle >= maxCycles {
		target = cfg.CoverageTargetRelaxed
	}
	// A ledger with no critical or material claims (e.g. after a judge parse
	// failure) gives the Revision Writer nothing to fix; the coverage gate is
	// vacuous then.
	decision.LowCoverage = considered > 0 && decision.Coverage < target

	if considered > 0 {
		decision.HighUnsupportedRate = float64(unsupported)/float64(considered) > cfg.MaxUnsupportedRate
	}

	for _, conflict := range result.Conflicts {
		if !conflict.InlinePresented {
			decision.ConflictUnpresented = true
			break
		}
	}

	decision.RevisionNeeded = decision.CriticalContradiction ||
		decision.LowCoverage ||
		decision.ConflictUnpresented ||
		decision.HighUnsupportedRate
	return decision
}

// verdictByClaim indexes the first evidence entry per claim. Judges emit one
// entry per claim; extra entries for the same claim are ignored.
func verdictByClaim(result *ledger.JudgeResult) map[string]ledger.Verdict {
	out := make(map[string]ledger.Verdict, len(result.Evidence))
	for _, entry := range result.Evidence {
		if _, seen := out[entry.ClaimID]; !seen {
			out[entry.ClaimID] = entry.Verdict
		}
	}
	return out
}
