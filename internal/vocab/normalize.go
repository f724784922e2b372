package vocab

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds s for matching: NFKC, case folding, punctuation to spaces and
// collapsed whitespace. A dot between two digits survives so "3.50" stays a number.
func Normalize(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for i, r := range runes {
		keep := unicode.IsLetter(r) || unicode.IsDigit(r)
		if r == '.' && i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
			keep = true
		}
		if !keep {
			if !space {
				b.WriteByte(' ')
				space = true
			}
			continue
		}
		b.WriteRune(r)
		space = false
	}
	return strings.TrimSpace(b.String())
}
