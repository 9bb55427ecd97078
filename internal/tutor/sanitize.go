// Package tutor implements the turn orchestration engine: the
// conversation state machine, correction and response policies,
// memory summarization triggers, prompt assembly, and the engine that
// composes them into one atomic learner turn.
package tutor

import "strings"

// ellipsis terminates clamped text so truncation is visible.
const ellipsis = "…"

// Sanitize normalizes raw text: CRLF becomes LF, NUL and other
// non-printable control characters are dropped (newline and tab
// survive), trailing whitespace before each newline is removed, and
// the whole string is trimmed. Pure and total; empty output means the
// input carried no usable content.
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	runes := []rune(strings.ReplaceAll(raw, "\r\n", "\n"))
	for _, r := range runes {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}

	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Clamp bounds text to maxChars runes. Within the bound the input is
// returned unchanged; otherwise it is cut to maxChars-1 runes, trailing
// whitespace is trimmed, and a single ellipsis is appended. The result
// never exceeds maxChars runes.
func Clamp(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	cut := strings.TrimRight(string(runes[:maxChars-1]), " \t\n")
	return cut + ellipsis
}
