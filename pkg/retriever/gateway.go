// Package retriever adapts the external vector search into the pipeline's
// view of the corpus: scored chunks and the citation-indexed context block.
package retriever

import (
	"context"
	"fmt"
	"strings"

	"github.com/verityhq/verity/pkg/models"
)

// Searcher is the vector search consumed by the pipeline. Implementations
// must return chunks in retriever order; the orchestrator assigns 1-based
// context indices in that order.
type Searcher interface {
	Search(ctx context.Context, workspaceID, query string, threshold float64, limit int) ([]models.Chunk, error)
}

// BuildContextBlock renders chunks into the single context string shared by
// Writer, Skeptic, and Judge. The bracketed number is the only citation
// identity the agents may reference; its position here fixes the [cite:N]
// numbering for the whole session.
func BuildContextBlock(chunks []models.Chunk) string {
	var sb strings.Builder
	for i, chunk := range chunks {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		if chunk.DocumentFilename != "" {
			fmt.Fprintf(&sb, "[%d] (%s)\n", i+1, chunk.DocumentFilename)
		} else {
			fmt.Fprintf(&sb, "[%d]\n", i+1)
		}
		sb.WriteString(chunk.Content)
	}
	return sb.String()
}
