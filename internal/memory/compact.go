package memory

import (
	"fmt"
	"strings"
	"time"
)

// compactTruncateLen caps each side of a compacted exchange. Measured in
// runes so multibyte text is never split mid-character.
const compactTruncateLen = 200

// CompactInteractions deterministically folds overflowed working memory
// into one episodic summary. No model call: this runs inline on the chat
// path, so it must be cheap and reproducible.
func CompactInteractions(interactions []Interaction, now time.Time) Episode {
	parts := make([]string, 0, len(interactions))
	for _, interaction := range interactions {
		parts = append(parts, fmt.Sprintf("U:%s A:%s",
			truncateRunes(interaction.User, compactTruncateLen),
			truncateRunes(interaction.Assistant, compactTruncateLen)))
	}

	return Episode{
		ID: NewID(),
		Summary: fmt.Sprintf("Summary of %d earlier exchanges: %s",
			len(interactions), strings.Join(parts, " | ")),
		SourceCount: len(interactions),
		CreatedAt:   now,
	}
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
