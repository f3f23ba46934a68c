package agents

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/scribeflow/scribeflow/internal/retrieval"
)

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// RenderPrompt substitutes {{name}} placeholders in the template with values.
// Placeholders without a value stay literal so a template problem is visible
// in the generated output instead of silently dropping a section.
func RenderPrompt(template string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-2]
		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}

// formatContext renders retrieved chunks as a prompt section, highest
// similarity first (search results already arrive in that order).
func formatContext(chunks []retrieval.ScoredChunk) string {
	if len(chunks) == 0 {
		return "(no relevant context found)"
	}
	var sb strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&sb, "(Source: %s, Confidence: %.0f)\n%s\n\n", c.DocumentName, c.Confidence, c.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
