package ingest

import (
	"strings"

	"github.com/Cstannahill/ollama-desktop/internal/window"
)

// DefaultChunkTokens is the chunk size used when none is configured.
const DefaultChunkTokens = 512

// Chunk splits text on line boundaries into pieces of at most maxTokens
// estimated tokens. A single line longer than maxTokens becomes a chunk of
// its own. Blank chunks are never returned.
func Chunk(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = DefaultChunkTokens
	}

	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if cur.Len() > 0 && window.Estimate(cur.String()+line) > maxTokens {
			flush()
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return out
}
