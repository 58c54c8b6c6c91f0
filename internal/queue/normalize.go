package queue

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// foldDiacritics decomposes to NFD and drops combining marks, so "Rødhåd",
// "Âme", and "Länge" match their ASCII-typed variants.
var foldDiacritics = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeName standardizes an entity display name for dedup matching by:
//  1. Trimming whitespace
//  2. Folding diacritics to their base letters
//  3. Lowercasing
//  4. Stripping punctuation common in artist/label aliases
//  5. Collapsing multiple spaces into single spaces
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	if folded, _, err := transform.String(foldDiacritics, name); err == nil {
		name = folded
	}
	// ø has no combining mark; handle the common Scandinavian letters directly.
	name = strings.NewReplacer("ø", "o", "Ø", "O", "æ", "ae", "Æ", "AE", "ß", "ss").Replace(name)

	name = strings.ToLower(name)

	name = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"\"", "",
		"&", "and",
		"-", " ",
		"_", " ",
	).Replace(name)

	name = multiSpaceRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}
