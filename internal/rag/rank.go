package rag

import (
	"fmt"
	"slices"

	"github.com/Cstannahill/ollama-desktop/internal/window"
)

// Separator joins blocks in a context string.
const Separator = "\n---\n"

// Rank orders chunks by effective score, highest first, and keeps the
// first topK. Ties keep their input order.
func Rank(chunks []Chunk, topK int) []Chunk {
	ranked := slices.Clone(chunks)
	slices.SortStableFunc(ranked, func(a, b Chunk) int {
		switch ea, eb := a.Effective(), b.Effective(); {
		case ea > eb:
			return -1
		case ea < eb:
			return 1
		}
		return 0
	})
	if topK >= 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

// Block formats a chunk for the system prompt.
func Block(c Chunk) string {
	label := c.Label
	if label == "" {
		label = "[Document]"
	}
	return fmt.Sprintf("%s (weight %.2f) %s", label, c.Weight, c.Text)
}

// Assemble formats chunks in order until the running token estimate would
// exceed budget. The chunk that would overflow is left out, and so is
// everything after it.
func Assemble(chunks []Chunk, budget int) []string {
	var blocks []string
	used := 0
	for _, c := range chunks {
		b := Block(c)
		cost := window.Estimate(b)
		if used+cost > budget {
			break
		}
		blocks = append(blocks, b)
		used += cost
	}
	return blocks
}
