package helper

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the lookup key for an entity name: diacritics are
// stripped, case is folded and inner whitespace is collapsed.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	folded := cases.Fold().String(stripped)
	return strings.Join(strings.Fields(folded), " ")
}

// Slug turns a name into an id fragment, e.g. "José Núñez" -> "jose-nunez".
func Slug(name string) string {
	key := NormalizeName(name)
	var b strings.Builder
	dash := false
	for _, r := range key {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// TitleKey renders an attribute key for display: "years_experience" -> "Years Experience".
func TitleKey(key string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(key, "_", " "))
}
