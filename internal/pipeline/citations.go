package pipeline

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// [#123] style citations, the only form the style contract allows.
	citationRe = regexp.MustCompile(`\[#(\d+)\]`)
	// Bare numeric markers like [3] or [12] that models emit out of habit.
	bareMarkerRe = regexp.MustCompile(`\[\d{1,2}\]`)
	// Runs of spaces left behind after a citation is cut out.
	spaceRunRe = regexp.MustCompile(` {2,}`)
)

// NormalizeCitations cleans model prose so that every surviving citation
// points at a document the analysis actually used. Citations to unknown ids
// and bare numeric markers are removed, echo lines are dropped, and an answer
// whose citations were all stripped gets a trailing Sources line so the
// reader still sees provenance.
func NormalizeCitations(text string, allowed []uint64) string {
	set := make(map[uint64]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}

	hadCitations := citationRe.MatchString(text)

	text = citationRe.ReplaceAllStringFunc(text, func(m string) string {
		id, err := strconv.ParseUint(citationRe.FindStringSubmatch(m)[1], 10, 64)
		if err != nil || !set[id] {
			return ""
		}
		return m
	})
	text = bareMarkerRe.ReplaceAllString(text, "")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "user asked:") || strings.HasPrefix(lower, "confidence level:") {
			continue
		}
		lines = append(lines, strings.TrimRight(spaceRunRe.ReplaceAllString(line, " "), " "))
	}
	text = strings.TrimSpace(strings.Join(lines, "\n"))

	if hadCitations && !citationRe.MatchString(text) && len(allowed) > 0 && text != "" {
		text += "\n\nSources: " + formatIDList(allowed)
	}
	return text
}
