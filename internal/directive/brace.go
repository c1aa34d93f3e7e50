package directive

import "strings"

// extractBalancedJSON scans s for the first top-level JSON object, tracking
// string and escape state so braces inside string literals don't confuse the
// scanner. It returns the candidate substring and the byte range it
// occupied in s, or ok=false if no balanced object starts in s.
func extractBalancedJSON(s string) (candidate string, start, end int, ok bool) {
	depth := 0
	inString := false
	escaped := false
	objStart := -1

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				objStart = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && objStart >= 0 {
					return s[objStart : i+1], objStart, i + 1, true
				}
			}
		}
	}
	return "", 0, 0, false
}

// fencedJSONBlock extracts the content of the first ```json ... ``` fenced
// block in s, if any.
func fencedJSONBlock(s string) (content string, start, end int, ok bool) {
	const fenceOpen = "```json"
	openIdx := strings.Index(s, fenceOpen)
	if openIdx < 0 {
		return "", 0, 0, false
	}
	bodyStart := openIdx + len(fenceOpen)
	// skip a single newline right after the fence tag
	if bodyStart < len(s) && s[bodyStart] == '\n' {
		bodyStart++
	} else if bodyStart < len(s) && s[bodyStart] == '\r' {
		bodyStart++
		if bodyStart < len(s) && s[bodyStart] == '\n' {
			bodyStart++
		}
	}

	closeIdx := strings.Index(s[bodyStart:], "```")
	if closeIdx < 0 {
		return "", 0, 0, false
	}
	fenceEnd := bodyStart + closeIdx + len("```")
	return strings.TrimSpace(s[bodyStart : bodyStart+closeIdx]), openIdx, fenceEnd, true
}
