package facematch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeName trims a user supplied identity name and collapses inner whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// SafeName transliterates an identity id into a filesystem-safe name:
// diacritics are dropped and every remaining character outside [A-Za-z0-9]
// becomes "_" (e.g., "Jiří Novák" -> "Jiri_Novak").
func SafeName(id string) string {
	s := RemoveDiacritics(id)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
