package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	codeBlockRe = regexp.MustCompile("(?s)```.*?```")
	headerRe    = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)$`)
	boldRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strikeRe    = regexp.MustCompile(`~~(.+?)~~`)
	imgRe       = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	linkRe      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// formatForSlack converts the assistant's standard Markdown to Slack mrkdwn
// before the pipeline posts it: headers and bold to *bold*, strikethrough,
// image/link syntax, and tables to bullet lists. Fenced code blocks are
// masked first so none of the transforms touch their contents.
func formatForSlack(text string) string {
	if text == "" {
		return ""
	}

	var codeBlocks []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, match)
		return fmt.Sprintf("\x00CODEBLOCK_%d\x00", idx)
	})

	// Tables first, since they contain | that later transforms must not see.
	text = convertTables(text)

	// Headers: lines starting with # → bold. Any **bold** inside the header
	// is unwrapped first to avoid double-processing.
	text = headerRe.ReplaceAllStringFunc(text, func(match string) string {
		content := strings.TrimSpace(strings.TrimLeft(match, "#"))
		content = boldRe.ReplaceAllString(content, "$1")
		return "*" + content + "*"
	})

	// **text** → *text*; _italic_ already matches mrkdwn and stays as-is.
	text = boldRe.ReplaceAllString(text, "*$1*")

	// ~~text~~ → ~text~
	text = strikeRe.ReplaceAllString(text, "~$1~")

	// ![alt](url) → <url|alt>, before links so the two patterns don't collide.
	text = imgRe.ReplaceAllString(text, "<$2|$1>")

	// [text](url) → <url|text>
	text = linkRe.ReplaceAllString(text, "<$2|$1>")

	for i, block := range codeBlocks {
		text = strings.Replace(text, fmt.Sprintf("\x00CODEBLOCK_%d\x00", i), block, 1)
	}

	return text
}

// convertTables finds markdown tables and converts them to bullet lists,
// one bullet per data row with *header:* value pairs.
func convertTables(text string) string {
	lines := strings.Split(text, "\n")
	var result []string
	i := 0

	for i < len(lines) {
		if isTableRow(lines[i]) && i+1 < len(lines) && isSeparatorRow(lines[i+1]) {
			headers := parseTableRow(lines[i])
			i += 2 // skip header and separator

			for i < len(lines) && isTableRow(lines[i]) && !isSeparatorRow(lines[i]) {
				cells := parseTableRow(lines[i])
				if len(headers) == 1 {
					val := ""
					if len(cells) > 0 {
						val = cells[0]
					}
					result = append(result, "• "+val)
				} else {
					var pairs []string
					for j, h := range headers {
						val := ""
						if j < len(cells) {
							val = cells[j]
						}
						pairs = append(pairs, fmt.Sprintf("*%s:* %s", h, val))
					}
					result = append(result, "• "+strings.Join(pairs, " · "))
				}
				i++
			}
		} else {
			result = append(result, lines[i])
			i++
		}
	}

	return strings.Join(result, "\n")
}

func isTableRow(line string) bool {
	return strings.Contains(strings.TrimSpace(line), "|")
}

// isSeparatorRow matches the |---|:---:| divider under a table header.
func isSeparatorRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.Contains(trimmed, "|") || !strings.Contains(trimmed, "-") {
		return false
	}
	cleaned := strings.NewReplacer("|", "", "-", "", ":", "", " ", "").Replace(trimmed)
	return cleaned == ""
}

func parseTableRow(line string) []string {
	trimmed := strings.Trim(strings.TrimSpace(line), "|")
	parts := strings.Split(trimmed, "|")
	var cells []string
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}
