package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vinayprograms/memoryd/memory"
)

// NoMatches is what FormatMatches returns for an empty result.
const NoMatches = "Keine Treffer im Memory."

// FormatMatches renders matches as readable blocks for chat tools.
func FormatMatches(matches []memory.Match) string {
	if len(matches) == 0 {
		return NoMatches
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		meta, err := json.Marshal(m.Payload.WithoutText())
		if err != nil {
			meta = []byte("{}")
		}
		parts = append(parts, fmt.Sprintf("Score: %v\nMeta: %s\nText: %s",
			m.Score, meta, m.Payload.String(memory.KeyText)))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func newID() string { return uuid.NewString() }
