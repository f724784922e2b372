package resolve

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity scores two normalized strings in [0,1].
type Similarity func(a, b string) float64

// EditSimilarity is 1 - levenshtein(a,b)/max(len(a),len(b)), counted in runes.
func EditSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}
