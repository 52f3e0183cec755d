package prompt

import (
	"fmt"
	"strconv"

	"github.com/verityhq/verity/pkg/llm"
	"github.com/verityhq/verity/pkg/models"
)

// Focus names the most severe failed gate driving a revision. It selects the
// priority instruction appended to the revision user message.
type Focus string

const (
	FocusNone                  Focus = ""
	FocusCriticalContradiction Focus = "critical_contradiction"
	FocusLowCoverage           Focus = "low_coverage"
	FocusConflictPresentation  Focus = "conflict_presentation"
)

// Builder assembles conversations for the Writer, Skeptic, Judge, and
// Revision agents. Stateless apart from the history cap; all builders are
// deterministic.
type Builder struct {
	historyCap int
}

// NewBuilder creates a Builder that injects at most historyCap conversation
// messages into Writer prompts.
func NewBuilder(historyCap int) *Builder {
	return &Builder{historyCap: historyCap}
}

// WriterMessages builds the Writer conversation: mode-specific system prompt,
// capped conversation history, then the context block and query.
func (b *Builder) WriterMessages(mode models.SessionMode, contextBlock, query string, history []models.ConversationTurn) []llm.Message {
	system := writerSystemAnswer
	if mode == models.ModeDraft {
		system = writerSystemDraft
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}}

	if len(history) > b.historyCap {
		history = history[len(history)-b.historyCap:]
	}
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}

	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("## Document context\n%s\n\n## Question\n%s", contextBlock, query),
	})
	return messages
}

// SkepticMessages builds the Skeptic conversation over the context and the
// Writer's draft.
func (b *Builder) SkepticMessages(contextBlock, draft string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: skepticSystem},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"## Document context\n%s\n\n## Draft response to critique\n%s", contextBlock, draft)},
	}
}

// JudgeMessages builds the Judge conversation. revisionCycle is 0 on the
// first pass and increments with each re-judge.
func (b *Builder) JudgeMessages(contextBlock, draft, skepticReport string, revisionCycle int) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: judgeSystem},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"## Document context\n%s\n\n## Draft response\n%s\n\n## Skeptic critique\n%s\n\n## Revision cycle\n%s",
			contextBlock, draft, skepticReport, strconv.Itoa(revisionCycle))},
	}
}

// RevisionMessages builds the Revision-Writer conversation from the previous
// response and the Judge's raw JSON result. focus prepends the priority
// instruction for the most severe failed gate.
func (b *Builder) RevisionMessages(contextBlock, previousResponse, judgeJSON string, focus Focus) []llm.Message {
	user := fmt.Sprintf(
		"## Document context\n%s\n\n## Previous response\n%s\n\n## Judge result (JSON)\n%s",
		contextBlock, previousResponse, judgeJSON)
	if instr := focusInstruction(focus); instr != "" {
		user = instr + "\n\n" + user
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: revisionSystem},
		{Role: llm.RoleUser, Content: user},
	}
}

func focusInstruction(focus Focus) string {
	switch focus {
	case FocusCriticalContradiction:
		return revisionFocusCriticalContradiction
	case FocusLowCoverage:
		return revisionFocusLowCoverage
	case FocusConflictPresentation:
		return revisionFocusConflictPresentation
	default:
		return ""
	}
}
