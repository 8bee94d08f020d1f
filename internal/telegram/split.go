package telegram

import "strings"

// MaxMessageSize is the per-message budget for one Telegram message part.
const MaxMessageSize = 4000

// SplitMarkdown splits a Markdown report into parts within limit bytes each.
// It splits on blank-line boundaries so category sections and entry blocks
// stay intact; a single block larger than the limit falls back to line
// splits, then to a hard cut.
func SplitMarkdown(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	blocks := strings.Split(text, "\n\n")

	var (
		parts   []string
		current strings.Builder
	)

	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}

	appendBlock := func(block string) {
		sep := 0
		if current.Len() > 0 {
			sep = 2
		}

		if current.Len()+sep+len(block) > limit {
			flush()
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}

		current.WriteString(block)
	}

	for _, block := range blocks {
		if len(block) <= limit {
			appendBlock(block)

			continue
		}

		for _, piece := range splitBlock(block, limit) {
			appendBlock(piece)
		}
	}

	flush()

	return parts
}

// splitBlock breaks one oversized block on line boundaries, hard-cutting
// any single line beyond the limit.
func splitBlock(block string, limit int) []string {
	var (
		parts   []string
		current strings.Builder
	)

	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}

	for _, line := range strings.Split(block, "\n") {
		for len(line) > limit {
			flush()
			parts = append(parts, line[:limit])
			line = line[limit:]
		}

		sep := 0
		if current.Len() > 0 {
			sep = 1
		}

		if current.Len()+sep+len(line) > limit {
			flush()
		}

		if current.Len() > 0 {
			current.WriteByte('\n')
		}

		current.WriteString(line)
	}

	flush()

	return parts
}
