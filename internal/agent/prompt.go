package agent

import (
	"strings"

	"github.com/Cstannahill/ollama-desktop/internal/tools"
)

const (
	sandboxNotice = "The workspace directory is a sandbox. Use file_write only for plain-text.\nNEVER overwrite binary files.\n"
	contextIntro  = "Use the following context to answer the user:\n"
)

// systemPrompt assembles the tool catalogue, the sandbox notice and the
// retrieved context. It is empty when the turn has none of them.
func systemPrompt(specs []tools.Spec, ragContext string) string {
	var b strings.Builder
	if len(specs) > 0 {
		b.WriteString(tools.Catalogue(specs))
		b.WriteString(sandboxNotice)
	}
	if ragContext != "" {
		b.WriteString(contextIntro)
		b.WriteString(ragContext)
	}
	return b.String()
}
