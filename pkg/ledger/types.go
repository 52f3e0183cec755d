// Package ledger defines the evidence-ledger types produced by the Judge
// agent and the best-effort parser that turns raw Judge output into them.
package ledger

// ClaimType classifies an atomic factual assertion.
type ClaimType string

const (
	ClaimFact       ClaimType = "fact"
	ClaimPolicy     ClaimType = "policy"
	ClaimNumeric    ClaimType = "numeric"
	ClaimDefinition ClaimType = "definition"
	ClaimScientific ClaimType = "scientific"
	ClaimHistorical ClaimType = "historical"
	ClaimLegal      ClaimType = "legal"
)

// Importance ranks how much a claim matters to the answer.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceMaterial Importance = "material"
	ImportanceMinor    Importance = "minor"
)

// Verdict is the Judge's ruling on a claim against the retrieved context.
type Verdict string

const (
	VerdictSupported      Verdict = "supported"
	VerdictWeak           Verdict = "weak"
	VerdictContradicted   Verdict = "contradicted"
	VerdictNotFound       Verdict = "not_found"
	VerdictExpertVerified Verdict = "expert_verified"
	VerdictConflictFlag   Verdict = "conflict_flagged"
)

// Source tags for model-sourced knowledge. Document citations use the
// dynamic form "cite:N".
const (
	SourceLLMWriter  = "llm:writer"
	SourceLLMSkeptic = "llm:skeptic"
	SourceLLMJudge   = "llm:judge"
	SourceMissing    = "missing"
)

// Claim is one atomic factual assertion extracted by the Judge.
type Claim struct {
	ClaimID          string     `json:"claimId"`
	ClaimText        string     `json:"claimText"`
	ClaimType        ClaimType  `json:"claimType"`
	Importance       Importance `json:"importance"`
	RequiresCitation bool       `json:"requiresCitation"`
}

// EvidenceEntry is the verdict for a claim.
type EvidenceEntry struct {
	ClaimID          string   `json:"claimId"`
	SourceTag        string   `json:"sourceTag"` // cite:N, llm:*, or missing
	Verdict          Verdict  `json:"verdict"`
	ConfidenceScore  float64  `json:"confidenceScore"` // clamped to [0,1]
	ChunkIDs         []string `json:"chunkIds"`        // context indices, order preserved
	EvidenceSnippet  string   `json:"evidenceSnippet,omitempty"`
	ExpertAssessment string   `json:"expertAssessment,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

// Conflict is a document claim that contradicts an established fact.
// Conflicts are flagged with both views, never auto-resolved.
type Conflict struct {
	ClaimID         string `json:"claimId,omitempty"`
	Domain          string `json:"domain,omitempty"`
	DocumentClaim   string `json:"documentClaim"`
	EstablishedFact string `json:"establishedFact"`
	InlinePresented bool   `json:"inlinePresented"`
}

// ExpertAddition is model knowledge the Judge verified outside the context.
type ExpertAddition struct {
	Topic     string `json:"topic,omitempty"`
	Content   string `json:"content"`
	SourceTag string `json:"sourceTag"`
}

// RiskFlag surfaces a non-fatal problem encountered while judging or parsing.
type RiskFlag struct {
	Type     string `json:"type"`
	Severity string `json:"severity"` // low, medium, high
	Detail   string `json:"detail,omitempty"`
}

// JudgeResult is the complete typed output of one Judge pass. Parse always
// returns a non-nil JudgeResult, however malformed its input.
type JudgeResult struct {
	VerifiedResponse string           `json:"verifiedResponse,omitempty"`
	Claims           []Claim          `json:"claims"`
	Evidence         []EvidenceEntry  `json:"evidence"`
	Conflicts        []Conflict       `json:"conflicts,omitempty"`
	ExpertAdditions  []ExpertAddition `json:"expertAdditions,omitempty"`
	RiskFlags        []RiskFlag       `json:"riskFlags,omitempty"`
}
