package pipeline

import "strings"

// Language detection is a stopword-count heuristic: enough to answer in the
// asker's language, not a general classifier. Mixed-language queries go to
// whichever language has more stopword matches; no signal means English.

var stopwords = map[string]map[string]bool{
	"en": toSet("the", "a", "an", "of", "in", "on", "to", "who", "what", "when", "where", "why", "how", "did", "was", "were", "is", "are", "and", "with", "about"),
	"es": toSet("el", "la", "los", "las", "de", "del", "en", "que", "quién", "qué", "cuándo", "dónde", "cómo", "por", "con", "para", "una", "uno", "es", "fue"),
	"fr": toSet("le", "la", "les", "des", "de", "du", "en", "qui", "que", "quand", "où", "comment", "pourquoi", "avec", "pour", "est", "était", "une", "un", "dans"),
	"de": toSet("der", "die", "das", "den", "dem", "ein", "eine", "und", "wer", "was", "wann", "wo", "wie", "warum", "mit", "für", "ist", "war", "über", "nicht"),
}

var noResultsMessages = map[string]string{
	"en": "No relevant documents were found for this question.",
	"es": "No se encontraron documentos relevantes para esta pregunta.",
	"fr": "Aucun document pertinent n'a été trouvé pour cette question.",
	"de": "Für diese Frage wurden keine relevanten Dokumente gefunden.",
}

// detectLanguage picks the language whose stopwords occur most in the query.
func detectLanguage(query string) string {
	tokens := strings.Fields(strings.ToLower(query))
	best, bestCount := "en", 0
	// Deterministic order so ties always resolve the same way.
	for _, lang := range []string{"en", "es", "fr", "de"} {
		count := 0
		for _, t := range tokens {
			if stopwords[lang][strings.Trim(t, ".,;:!?¿¡\"'()")] {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = lang, count
		}
	}
	return best
}

func noResultsMessage(lang string) string {
	if msg, ok := noResultsMessages[lang]; ok {
		return msg
	}
	return noResultsMessages["en"]
}

func languageName(lang string) string {
	switch lang {
	case "es":
		return "Spanish"
	case "fr":
		return "French"
	case "de":
		return "German"
	default:
		return "English"
	}
}

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
