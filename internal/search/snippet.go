package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Snippet extracts a window of at most maxLen characters from body, chosen to
// cover as many distinct query tokens as possible, and wraps each matched
// token in «…» markers. An empty body yields an empty snippet; a body with no
// matches yields its head.
func Snippet(body string, tokens []string, maxLen int) string {
	if body == "" || maxLen <= 0 {
		return ""
	}
	if len(body) <= maxLen {
		return highlight(body, tokens)
	}

	matches := tokenOffsets(body, tokens)
	if len(matches) == 0 {
		return highlight(truncateAtBoundary(body, maxLen), tokens)
	}

	// Slide a window anchored at each match and keep the one covering the
	// most distinct tokens; earlier windows win ties.
	bestStart, bestCoverage := 0, -1
	for _, m := range matches {
		start := m.off - maxLen/2
		if start < 0 {
			start = 0
		}
		if start+maxLen > len(body) {
			start = len(body) - maxLen
		}
		coverage := coverageIn(matches, start, start+maxLen)
		if coverage > bestCoverage {
			bestStart, bestCoverage = start, coverage
		}
	}

	start, end := snapToRunes(body, bestStart, bestStart+maxLen)
	window := body[start:end]
	window = trimToWordEdges(window, start > 0, end < len(body))
	return highlight(window, tokens)
}

type match struct {
	off   int
	token string
}

func tokenOffsets(body string, tokens []string) []match {
	lower := strings.ToLower(body)
	var out []match
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		from := 0
		for {
			idx := strings.Index(lower[from:], tok)
			if idx < 0 {
				break
			}
			out = append(out, match{off: from + idx, token: tok})
			from += idx + len(tok)
		}
	}
	return out
}

func coverageIn(matches []match, start, end int) int {
	seen := map[string]bool{}
	for _, m := range matches {
		if m.off >= start && m.off+len(m.token) <= end {
			seen[m.token] = true
		}
	}
	return len(seen)
}

// highlight wraps each whole-token occurrence of the query tokens in «…».
func highlight(text string, tokens []string) string {
	if len(tokens) == 0 {
		return text
	}
	wanted := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		wanted[t] = true
	}

	var b strings.Builder
	b.Grow(len(text) + 8*len(tokens))
	i := 0
	for i < len(text) {
		r := rune(text[i])
		if !isAlnum(r) {
			b.WriteByte(text[i])
			i++
			continue
		}
		j := i
		for j < len(text) && isAlnum(rune(text[j])) {
			j++
		}
		word := text[i:j]
		if wanted[strings.ToLower(word)] {
			b.WriteString("«")
			b.WriteString(word)
			b.WriteString("»")
		} else {
			b.WriteString(word)
		}
		i = j
	}
	return b.String()
}

// snapToRunes moves a byte window inward so neither edge splits a rune.
func snapToRunes(s string, start, end int) (int, int) {
	for start < end && !utf8.RuneStart(s[start]) {
		start++
	}
	for end > start && end < len(s) && !utf8.RuneStart(s[end]) {
		end--
	}
	return start, end
}

func truncateAtBoundary(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	cut := s[:maxLen]
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return strings.TrimRightFunc(cut, unicode.IsSpace)
}

// trimToWordEdges drops partial words at the cut edges of a window.
func trimToWordEdges(window string, trimLeft, trimRight bool) string {
	if trimLeft {
		if idx := strings.IndexFunc(window, unicode.IsSpace); idx >= 0 && idx < len(window)/4 {
			window = strings.TrimLeftFunc(window[idx:], unicode.IsSpace)
		}
	}
	if trimRight {
		if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > len(window)*3/4 {
			window = strings.TrimRightFunc(window[:idx], unicode.IsSpace)
		}
	}
	return window
}
