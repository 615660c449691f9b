// Package chunk trims text to fit a model input budget.
//
// Budgets are measured in UTF-8 bytes, which tracks the token estimate the
// conversion prompts were tuned against. Trimming is deterministic so that
// downstream caching and idempotent-skip logic stay valid.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// Fit returns text trimmed so that its UTF-8 byte length is at most
// hardLimit - safetyMargin. The leading portion of the text always wins;
// when a cut is needed it prefers, in order, the last heading boundary, the
// last paragraph break, and the last line break inside the budget, falling
// back to a rune-safe byte cut. A non-positive budget yields "".
func Fit(text string, hardLimit, safetyMargin int) string {
	budget := hardLimit - safetyMargin
	if budget <= 0 {
		return ""
	}
	if len(text) <= budget {
		return text
	}

	cut := byteCut(text, budget)
	head := text[:cut]

	// Prefer a structural boundary over a mid-sentence cut, as long as it
	// does not throw away most of the budget.
	floor := cut / 2
	if idx := lastBoundary(head, "\n#"); idx > floor {
		return strings.TrimRight(head[:idx], "\n")
	}
	if idx := lastBoundary(head, "\n\n"); idx > floor {
		return strings.TrimRight(head[:idx], "\n")
	}
	if idx := strings.LastIndexByte(head, '\n'); idx > floor {
		return strings.TrimRight(head[:idx], "\n")
	}
	return head
}

// Measure returns the budget cost of text.
func Measure(text string) int {
	return len(text)
}

// byteCut returns the largest cut <= budget that does not split a rune.
func byteCut(s string, budget int) int {
	cut := budget
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}

// lastBoundary returns the index of the last occurrence of sep in s, treating
// the start of the string as a boundary for a leading separator match.
func lastBoundary(s, sep string) int {
	idx := strings.LastIndex(s, sep)
	if idx <= 0 {
		return -1
	}
	return idx
}

// NonWhitespaceLen counts the non-whitespace runes in s. Section limits for
// condensed summaries are expressed in this measure.
func NonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '　':
		default:
			n++
		}
	}
	return n
}
