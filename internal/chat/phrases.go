package chat

import (
	"strings"
	"unicode"

	"mostrador/internal/domain"
)

// Confirmation must be the whole utterance so that "si, pero quita el
// chorizo" is not read as a confirmation. Finalization only needs to
// appear somewhere in the utterance.
var confirmationPhrases = map[string]struct{}{
	"si":       {},
	"vale":     {},
	"dale":     {},
	"confirmo": {},
	"ok":       {},
	"adelante": {},
	"perfecto": {},
}

var finalizationPhrases = []string{
	"eso es todo",
	"nada mas",
	"cuanto es",
	"quiero pagar",
	"ya esta",
}

// isConfirmation reports whether the folded utterance is exactly a
// confirmation phrase. Surrounding punctuation is ignored so that
// "¡Sí!" reads the same as "si".
func isConfirmation(utterance string) bool {
	folded := strings.TrimFunc(domain.Fold(utterance), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
	_, ok := confirmationPhrases[folded]
	return ok
}

// isFinalization reports whether the folded utterance contains a
// closing phrase.
func isFinalization(utterance string) bool {
	folded := domain.Fold(utterance)
	for _, phrase := range finalizationPhrases {
		if strings.Contains(folded, phrase) {
			return true
		}
	}
	return false
}
