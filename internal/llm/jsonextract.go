package llm

import (
	"errors"
	"strings"
)

var errNoJSONObject = errors.New("no JSON object in response")

// StripThink removes an optional leading <think>...</think> block emitted by
// reasoning models before their actual answer.
func StripThink(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "<think>") {
		return s
	}

	end := strings.Index(trimmed, "</think>")
	if end < 0 {
		return s
	}

	return strings.TrimSpace(trimmed[end+len("</think>"):])
}

// ExtractJSONObject returns the first balanced top-level JSON object in s.
// Braces inside string literals are ignored. Models often wrap JSON in prose
// or markdown fences; this peels all of that off.
func ExtractJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", errNoJSONObject
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}

			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}

	return "", errNoJSONObject
}
