// Package lang normalizes text, detects languages and turns text into
// language-aware terms for fingerprinting, entity keys and ranking.
package lang

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC, drops control characters and collapses runs of
// whitespace. Paragraph breaks are kept as a single newline.
func Normalize(s string) string {
	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace, pendingBreak := false, false
	for _, r := range s {
		switch {
		case r == '\n':
			pendingBreak = true
		case unicode.IsSpace(r):
			pendingSpace = true
		case unicode.IsControl(r):
			continue
		default:
			if b.Len() > 0 {
				if pendingBreak {
					b.WriteByte('\n')
				} else if pendingSpace {
					b.WriteByte(' ')
				}
			}
			pendingSpace, pendingBreak = false, false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Fold returns the case-folded, NFKC-normalized form of s with inner
// whitespace collapsed to single spaces. It is the canonical comparison key.
func Fold(s string) string {
	folded := cases.Fold().String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(folded), " ")
}

// Tokenize splits text into folded word tokens of at least two runes.
// Digits-only tokens are kept.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 && !isDigits(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
