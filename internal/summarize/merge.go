// Merging ordered chunk summaries into one text.
package summarize

import (
	"fmt"
	"strings"

	"github.com/ctxkit/compactor/internal/tokens"
)

// partPrefixThreshold: above this many parts, each gets a [Part i/N] prefix
// so a reader can trace a statement back to its chunk.
const partPrefixThreshold = 3

// Merged is the result of combining chunk summaries.
type Merged struct {
	Text       string
	TokenCount int
}

// MergeSummaries concatenates summaries (already in chunk order) with
// blank-line separators. Zero summaries yield an empty merge; a single
// summary passes through untouched.
func MergeSummaries(summaries []ChunkSummary, counter tokens.Counter, model string) Merged {
	switch len(summaries) {
	case 0:
		return Merged{}
	case 1:
		return Merged{
			Text:       summaries[0].Summary,
			TokenCount: counter.CountText(summaries[0].Summary, model),
		}
	}

	parts := make([]string, len(summaries))
	for i, s := range summaries {
		if len(summaries) > partPrefixThreshold {
			parts[i] = fmt.Sprintf("[Part %d/%d] %s", i+1, len(summaries), s.Summary)
		} else {
			parts[i] = s.Summary
		}
	}
	text := strings.Join(parts, "\n\n")
	return Merged{Text: text, TokenCount: counter.CountText(text, model)}
}
