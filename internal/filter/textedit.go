package filter

import (
	"unicode/utf8"

	"github.com/adred-codev/chatmirror/internal/domain"
)

// Text rewriting operates on runes so that entity offsets stay meaningful
// regardless of encoding. Each edit replaces the half-open rune range
// [start, end) with repl and re-indexes entities:
//
//   - an entity fully inside the removed range is dropped
//   - an entity straddling the range is clipped to its surviving portion
//   - entities after the range shift by the length delta

func applyEdit(text []rune, ents []domain.Entity, start, end int, repl []rune) ([]rune, []domain.Entity) {
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}
	if start > end {
		start = end
	}
	delta := len(repl) - (end - start)

	out := make([]rune, 0, len(text)+delta)
	out = append(out, text[:start]...)
	out = append(out, repl...)
	out = append(out, text[end:]...)

	var kept []domain.Entity
	for _, e := range ents {
		switch {
		case e.End <= start:
			kept = append(kept, e)
		case e.Start >= end:
			e.Start += delta
			e.End += delta
			kept = append(kept, e)
		case e.Start >= start && e.End <= end:
			// Fully removed.
		case e.Start < start && e.End > end:
			e.End += delta
			kept = append(kept, e)
		case e.Start < start:
			e.End = start
			kept = append(kept, e)
		default:
			e.Start = start + len(repl)
			e.End += delta
			if e.End > e.Start {
				kept = append(kept, e)
			}
		}
	}
	return out, kept
}

// byteToRune maps a byte offset within s to the corresponding rune offset.
// Regexp match indices are byte-based; edits are rune-based.
func byteToRune(s string, byteIdx int) int {
	return utf8.RuneCountInString(s[:byteIdx])
}

// lineSpans returns the [start, end) rune spans of each line of text,
// excluding the newline terminators.
func lineSpans(text []rune) [][2]int {
	var spans [][2]int
	start := 0
	for i, r := range text {
		if r == '\n' {
			spans = append(spans, [2]int{start, i})
			start = i + 1
		}
	}
	spans = append(spans, [2]int{start, len(text)})
	return spans
}
