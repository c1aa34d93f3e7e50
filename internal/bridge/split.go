package bridge

import "strings"

// splitMessage breaks text into chunks of at most maxLen bytes, preferring
// markdown-aware break points: a header line, a paragraph boundary, then any
// newline, before falling back to a hard byte split.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > maxLen {
		cut := findBreak(rest, maxLen)
		chunks = append(chunks, strings.TrimRight(rest[:cut], "\n"))
		rest = strings.TrimLeft(rest[cut:], "\n")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// findBreak picks the best break offset within the first maxLen bytes.
func findBreak(text string, maxLen int) int {
	window := text[:maxLen]

	// A header line starts a natural new chunk.
	if i := strings.LastIndex(window, "\n#"); i > 0 {
		return i + 1
	}
	// A closed code fence is a safe boundary.
	if i := strings.LastIndex(window, "```\n"); i > 0 && strings.Count(window[:i], "```")%2 == 1 {
		return i + 4
	}
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i + 1
	}
	return maxLen
}
