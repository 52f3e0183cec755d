package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Parse turns raw Judge output into a typed JudgeResult. It is total: any
// input yields a well-formed result, never an error. Strategy:
//
//  1. If the content has a fenced ```json block, parse that block; otherwise
//     parse the whole string.
//  2. On JSON failure, return an empty ledger plus a high-severity
//     parse_error risk flag so the pipeline can continue.
//  3. Keys are accepted in both camelCase and snake_case. Enum fields are
//     coerced to canonical values; confidence scores are clamped to [0,1];
//     chunk ids are normalized to strings with order preserved.
//
// Entries missing their required text fields are dropped, never guessed.
func Parse(raw string) *JudgeResult {
	result := &JudgeResult{
		Claims:   []Claim{},
		Evidence: []EvidenceEntry{},
	}

	payload := extractJSONBlock(raw)

	var root map[string]any
	if err := json.Unmarshal([]byte(payload), &root); err != nil {
		result.RiskFlags = append(result.RiskFlags, RiskFlag{
			Type:     "parse_error",
			Severity: "high",
			Detail:   fmt.Sprintf("judge output is not valid JSON: %v", err),
		})
		return result
	}

	result.VerifiedResponse, _ = getString(root, "verifiedResponse", "verified_response")

	for i, item := range getSlice(root, "claims") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		claim, ok := parseClaim(m, i)
		if !ok {
			result.RiskFlags = append(result.RiskFlags, RiskFlag{
				Type:     "parse_error",
				Severity: "medium",
				Detail:   fmt.Sprintf("claim %d dropped: missing claim text", i),
			})
			continue
		}
		result.Claims = append(result.Claims, claim)
	}

	for i, item := range getSlice(root, "evidence", "evidenceEntries", "evidence_entries") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry, ok := parseEvidence(m)
		if !ok {
			result.RiskFlags = append(result.RiskFlags, RiskFlag{
				Type:     "parse_error",
				Severity: "medium",
				Detail:   fmt.Sprintf("evidence entry %d dropped: missing claim id", i),
			})
			continue
		}
		result.Evidence = append(result.Evidence, entry)
	}

	for _, item := range getSlice(root, "conflicts") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if c, ok := parseConflict(m); ok {
			result.Conflicts = append(result.Conflicts, c)
		}
	}

	for _, item := range getSlice(root, "expertAdditions", "expert_additions") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if a, ok := parseExpertAddition(m); ok {
			result.ExpertAdditions = append(result.ExpertAdditions, a)
		}
	}

	for _, item := range getSlice(root, "riskFlags", "risk_flags") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		flagType, _ := getString(m, "type")
		if flagType == "" {
			continue
		}
		severity, _ := getString(m, "severity")
		detail, _ := getString(m, "detail", "description")
		result.RiskFlags = append(result.RiskFlags, RiskFlag{
			Type:     flagType,
			Severity: coerceSeverity(severity),
			Detail:   detail,
		})
	}

	return result
}

func parseClaim(m map[string]any, index int) (Claim, bool) {
	text, _ := getString(m, "claimText", "claim_text", "text")
	if strings.TrimSpace(text) == "" {
		return Claim{}, false
	}

	id, _ := getString(m, "claimId", "claim_id", "id")
	if id == "" {
		id = fmt.Sprintf("claim_%d", index+1)
	}

	claimType, _ := getString(m, "claimType", "claim_type", "type")
	importance, _ := getString(m, "importance")

	return Claim{
		ClaimID:          id,
		ClaimText:        text,
		ClaimType:        CoerceClaimType(claimType),
		Importance:       CoerceImportance(importance),
		RequiresCitation: true,
	}, true
}

func parseEvidence(m map[string]any) (EvidenceEntry, bool) {
	claimID, _ := getString(m, "claimId", "claim_id")
	if claimID == "" {
		return EvidenceEntry{}, false
	}

	sourceTag, _ := getString(m, "sourceTag", "source_tag", "source")
	verdict, _ := getString(m, "verdict")
	snippet, _ := getString(m, "evidenceSnippet", "evidence_snippet")
	assessment, _ := getString(m, "expertAssessment", "expert_assessment")
	notes, _ := getString(m, "notes")

	return EvidenceEntry{
		ClaimID:          claimID,
		SourceTag:        coerceSourceTag(sourceTag),
		Verdict:          CoerceVerdict(verdict),
		ConfidenceScore:  clamp01(getFloat(m, "confidenceScore", "confidence_score", "confidence")),
		ChunkIDs:         normalizeChunkIDs(getAny(m, "chunkIds", "chunk_ids")),
		EvidenceSnippet:  snippet,
		ExpertAssessment: assessment,
		Notes:            notes,
	}, true
}

func parseConflict(m map[string]any) (Conflict, bool) {
	docClaim, _ := getString(m, "documentClaim", "document_claim")
	fact, _ := getString(m, "establishedFact", "established_fact")
	if docClaim == "" && fact == "" {
		return Conflict{}, false
	}
	claimID, _ := getString(m, "claimId", "claim_id")
	domain, _ := getString(m, "domain")
	return Conflict{
		ClaimID:         claimID,
		Domain:          domain,
		DocumentClaim:   docClaim,
		EstablishedFact: fact,
		InlinePresented: getBool(m, "inlinePresented", "inline_presented", "bothViewsPresented", "both_views_presented"),
	}, true
}

func parseExpertAddition(m map[string]any) (ExpertAddition, bool) {
	content, _ := getString(m, "content", "text")
	if content == "" {
		return ExpertAddition{}, false
	}
	topic, _ := getString(m, "topic")
	tag, _ := getString(m, "sourceTag", "source_tag")
	if tag == "" {
		tag = SourceLLMJudge
	}
	return ExpertAddition{Topic: topic, Content: content, SourceTag: tag}, true
}

// extractJSONBlock returns the contents of the first fenced ```json block,
// or the trimmed input when no fence is present. Judges frequently wrap
// their JSON in markdown fences despite instructions not to.
func extractJSONBlock(raw string) string {
	lower := strings.ToLower(raw)
	start := strings.Index(lower, "```json")
	if start < 0 {
		// Also tolerate a bare fence around a JSON object.
		start = strings.Index(raw, "```")
		if start < 0 {
			return strings.TrimSpace(raw)
		}
		inner := raw[start+3:]
		if end := strings.Index(inner, "```"); end >= 0 {
			inner = inner[:end]
		}
		inner = strings.TrimSpace(inner)
		if strings.HasPrefix(inner, "{") {
			return inner
		}
		return strings.TrimSpace(raw)
	}

	inner := raw[start+len("```json"):]
	if end := strings.Index(inner, "```"); end >= 0 {
		inner = inner[:end]
	}
	return strings.TrimSpace(inner)
}

// CoerceClaimType maps a free-form claim type to its canonical enum value.
// Unknown types become fact.
func CoerceClaimType(s string) ClaimType {
	switch ClaimType(strings.ToLower(strings.TrimSpace(s))) {
	case ClaimFact, ClaimPolicy, ClaimNumeric, ClaimDefinition, ClaimScientific, ClaimHistorical, ClaimLegal:
		return ClaimType(strings.ToLower(strings.TrimSpace(s)))
	default:
		return ClaimFact
	}
}

// CoerceImportance maps a free-form importance to its canonical enum value.
// Unknown values become material.
func CoerceImportance(s string) Importance {
	switch Importance(strings.ToLower(strings.TrimSpace(s))) {
	case ImportanceCritical, ImportanceMaterial, ImportanceMinor:
		return Importance(strings.ToLower(strings.TrimSpace(s)))
	default:
		return ImportanceMaterial
	}
}

// CoerceVerdict maps a free-form verdict to its canonical enum value.
// Unknown verdicts become not_found.
func CoerceVerdict(s string) Verdict {
	switch Verdict(strings.ToLower(strings.TrimSpace(s))) {
	case VerdictSupported, VerdictWeak, VerdictContradicted, VerdictNotFound, VerdictExpertVerified, VerdictConflictFlag:
		return Verdict(strings.ToLower(strings.TrimSpace(s)))
	default:
		return VerdictNotFound
	}
}

func coerceSourceTag(s string) string {
	tag := strings.ToLower(strings.TrimSpace(s))
	switch tag {
	case SourceLLMWriter, SourceLLMSkeptic, SourceLLMJudge, SourceMissing:
		return tag
	}
	if strings.HasPrefix(tag, "cite:") {
		return tag
	}
	return SourceMissing
}

func coerceSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return "low"
	case "high":
		return "high"
	default:
		return "medium"
	}
}

// normalizeChunkIDs converts a raw chunkIds value to a string slice,
// preserving order. Numbers lose any float formatting ("3", not "3.0").
func normalizeChunkIDs(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if v == nil {
			return []string{}
		}
		items = []any{v}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, s)
			}
		case float64:
			out = append(out, strconv.FormatFloat(t, 'f', -1, 64))
		case json.Number:
			out = append(out, t.String())
		}
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// --- tolerant key helpers ---

func getAny(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func getString(m map[string]any, keys ...string) (string, bool) {
	if v := getAny(m, keys...); v != nil {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

func getFloat(m map[string]any, keys ...string) float64 {
	switch v := getAny(m, keys...).(type) {
	case float64:
		return v
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err == nil {
			return f
		}
	}
	return 0
}

func getBool(m map[string]any, keys ...string) bool {
	switch v := getAny(m, keys...).(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

func getSlice(m map[string]any, keys ...string) []any {
	if v := getAny(m, keys...); v != nil {
		if s, ok := v.([]any); ok {
			return s
		}
	}
	return nil
}
