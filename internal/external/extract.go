package external

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractAnalysis parses model output into an Analysis. Models wrap JSON in
// prose, code fences, or truncate it; extraction finds the first balanced
// JSON object in the text and tries that. Returns ok=false when nothing
// parseable is found.
func ExtractAnalysis(text string) (*Analysis, bool) {
	candidate := firstBalancedObject(text)
	if candidate == "" {
		return nil, false
	}

	var raw struct {
		Findings         []string        `json:"findings"`
		Sources          []json.Number   `json:"sources"`
		Confidence       string          `json:"confidence"`
		Hypotheses       []string        `json:"hypotheses"`
		Contradictions   []string        `json:"contradictions"`
		SuggestedQueries []string        `json:"suggested_queries"`
	}
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return nil, false
	}

	a := &Analysis{
		Findings:         emptyIfNil(raw.Findings),
		Sources:          parseSources(raw.Sources),
		Confidence:       parseConfidence(raw.Confidence),
		Hypotheses:       emptyIfNil(raw.Hypotheses),
		Contradictions:   emptyIfNil(raw.Contradictions),
		SuggestedQueries: emptyIfNil(raw.SuggestedQueries),
	}
	return a, true
}

// FallbackAnalysis is returned when the model response could not be parsed.
// The first five retrieved documents stand in as sources so the answer stays
// grounded; parse failures never propagate to the caller.
func FallbackAnalysis(sources []uint64, hitCount int) *Analysis {
	if len(sources) > 5 {
		sources = sources[:5]
	}
	if sources == nil {
		sources = []uint64{}
	}
	return &Analysis{
		Findings:         []string{fmt.Sprintf("Parser failed; raw search returned %d hits", hitCount)},
		Sources:          sources,
		Confidence:       ConfidenceLow,
		Hypotheses:       []string{},
		Contradictions:   []string{},
		SuggestedQueries: []string{},
	}
}

// firstBalancedObject returns the first balanced {...} in s, respecting JSON
// string literals and escapes.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func parseSources(nums []json.Number) []uint64 {
	out := make([]uint64, 0, len(nums))
	for _, n := range nums {
		if v, err := n.Int64(); err == nil && v >= 0 {
			out = append(out, uint64(v))
		}
	}
	return out
}

func parseConfidence(s string) Confidence {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceMedium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
