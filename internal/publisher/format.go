package publisher

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxLineChars = 32
	maxLines     = 2
	maxWireChars = 64
	ellipsis     = "..."
)

// Format rewrites caption text to satisfy the downstream platform's display
// constraints: control characters stripped, whitespace collapsed, word-wrapped
// to at most 2 lines of 32 characters (anything beyond is dropped), then
// joined to a single line and hard-truncated to 64 characters. Multi-line
// payloads are rejected by the platform, so the wire form is always one line.
func Format(text string) string {
	lines := WrapLines(text)
	joined := strings.Join(lines, " ")
	return Truncate(joined, maxWireChars)
}

// WrapLines word-wraps sanitized text into at most maxLines lines of
// maxLineChars characters. Dropping the remainder is accepted lossy
// truncation, not an error.
func WrapLines(text string) []string {
	words := strings.Fields(sanitize(text))
	var lines []string
	var cur strings.Builder

	for _, w := range words {
		w = cutAt(w, maxLineChars)
		switch {
		case cur.Len() == 0:
			cur.WriteString(w)
		case cur.Len()+1+len(w) <= maxLineChars:
			cur.WriteByte(' ')
			cur.WriteString(w)
		default:
			lines = append(lines, cur.String())
			if len(lines) == maxLines {
				return lines
			}
			cur.Reset()
			cur.WriteString(w)
		}
	}
	if cur.Len() > 0 && len(lines) < maxLines {
		lines = append(lines, cur.String())
	}
	return lines
}

// Truncate hard-caps s at limit bytes, ending in "..." when cut.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	keep := limit - len(ellipsis)
	if keep < 0 {
		keep = 0
	}
	return strings.TrimSpace(cutAt(s, keep)) + ellipsis
}

// cutAt returns the longest prefix of s within limit bytes that ends on a
// rune boundary, so a cut never produces invalid UTF-8.
func cutAt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// sanitize strips control characters and collapses runs of whitespace.
func sanitize(text string) string {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsControl(r) {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
