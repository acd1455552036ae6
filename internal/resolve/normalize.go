package resolve

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalTokens are trailing words that carry no identity: Indian and
// international company-form suffixes.
var legalTokens = map[string]bool{
	"PVT":          true,
	"PRIVATE":      true,
	"PTE":          true,
	"LTD":          true,
	"LIMITED":      true,
	"LLP":          true,
	"LLC":          true,
	"INC":          true,
	"INCORPORATED": true,
	"CORP":         true,
	"CORPORATION":  true,
	"CO":           true,
	"COMPANY":      true,
	"PLC":          true,
	"OPC":          true,
	"GMBH":         true,
}

var punctuation = strings.NewReplacer(
	",", " ",
	".", " ",
	"'", "",
	"\"", "",
	"(", " ",
	")", " ",
	"&", " AND ",
	"-", " ",
	"/", " ",
)

// NormalizeName folds a company name into a matching key: diacritics
// removed, uppercased, punctuation dropped, "M/S" prefix and trailing
// legal-form words stripped, whitespace collapsed.
func NormalizeName(name string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), name)
	if err == nil {
		name = folded
	}
	name = strings.ToUpper(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "M/S ")
	name = strings.TrimPrefix(name, "M/S. ")

	tokens := strings.Fields(punctuation.Replace(name))
	for len(tokens) > 1 && legalTokens[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// FirstToken returns the first word of a normalized name.
func FirstToken(normalized string) string {
	tok, _, _ := strings.Cut(normalized, " ")
	return tok
}
