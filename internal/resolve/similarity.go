package resolve

import (
	"strings"

	"github.com/agext/levenshtein"
)

// NameSimilarity scores two normalized names in [0, 1] as the mean of
// Levenshtein similarity and token overlap. Tokens overlap when equal or
// when one is a prefix (at least three letters) of the other, so
// abbreviations like "BIOTECH" and "BIOTECHNOLOGIES" still count.
func NameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return (levenshtein.Similarity(a, b, nil) + tokenDice(a, b)) / 2
}

func tokenDice(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	used := make([]bool, len(tb))
	matches := 0
	for _, x := range ta {
		for j, y := range tb {
			if !used[j] && tokensMatch(x, y) {
				used[j] = true
				matches++
				break
			}
		}
	}
	return 2 * float64(matches) / float64(len(ta)+len(tb))
}

func tokensMatch(x, y string) bool {
	if x == y {
		return true
	}
	if len(x) > len(y) {
		x, y = y, x
	}
	return len(x) >= 3 && strings.HasPrefix(y, x)
}
