package domain

import "strings"

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

// Fold normalizes Spanish text for matching: trimmed, lowercased,
// accents and diaeresis stripped, interior whitespace collapsed.
func Fold(s string) string {
	s = accentFolder.Replace(strings.ToLower(strings.TrimSpace(s)))
	return strings.Join(strings.Fields(s), " ")
}
