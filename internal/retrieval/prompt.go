package retrieval

import "strings"

const snippetSeparator = "\n\n"

// Augment injects retrieved snippets ahead of the user question. The stored
// user message keeps the original text; only the backend-facing prompt is
// rewritten. Zero snippets return the text unchanged.
func Augment(text string, snippets []string) string {
	if len(snippets) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString("Context from uploaded documents:\n\n")
	b.WriteString(strings.Join(snippets, snippetSeparator))
	b.WriteString("\n\n---\n\nUser question: ")
	b.WriteString(text)
	return b.String()
}
