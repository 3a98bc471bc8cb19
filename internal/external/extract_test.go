package external

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAnalysisPlainJSON(t *testing.T) {
	a, ok := ExtractAnalysis(`{"findings":["A met B"],"sources":[10,11],"confidence":"high","hypotheses":[],"contradictions":[],"suggested_queries":["where did they meet"]}`)
	require.True(t, ok)
	assert.Equal(t, []string{"A met B"}, a.Findings)
	assert.Equal(t, []uint64{10, 11}, a.Sources)
	assert.Equal(t, ConfidenceHigh, a.Confidence)
	assert.Equal(t, []string{"where did they meet"}, a.SuggestedQueries)
}

func TestExtractAnalysisWrappedInProse(t *testing.T) {
	text := "Here is my analysis:\n```json\n{\"findings\": [\"fact\"], \"sources\": [3]}\n```\nLet me know if you need more."
	a, ok := ExtractAnalysis(text)
	require.True(t, ok)
	assert.Equal(t, []string{"fact"}, a.Findings)
	assert.Equal(t, []uint64{3}, a.Sources)
}

func TestExtractAnalysisRespectsBracesInStrings(t *testing.T) {
	text := `{"findings": ["uses {braces} and \"quotes\" inside"], "sources": [1]}`
	a, ok := ExtractAnalysis(text)
	require.True(t, ok)
	assert.Equal(t, []string{`uses {braces} and "quotes" inside`}, a.Findings)
}

func TestExtractAnalysisMissingFieldsDefaultEmpty(t *testing.T) {
	a, ok := ExtractAnalysis(`{"findings": ["only findings"]}`)
	require.True(t, ok)
	assert.Empty(t, a.Sources)
	assert.NotNil(t, a.Sources)
	assert.Equal(t, ConfidenceLow, a.Confidence)
	assert.NotNil(t, a.Hypotheses)
	assert.NotNil(t, a.SuggestedQueries)
}

func TestExtractAnalysisUnparseable(t *testing.T) {
	_, ok := ExtractAnalysis("no json here at all")
	assert.False(t, ok)

	_, ok = ExtractAnalysis(`{"truncated": ["never closed"`)
	assert.False(t, ok)
}

func TestExtractAnalysisDropsNegativeSources(t *testing.T) {
	a, ok := ExtractAnalysis(`{"findings": [], "sources": [5, -3, 7]}`)
	require.True(t, ok)
	assert.Equal(t, []uint64{5, 7}, a.Sources)
}

func TestFallbackAnalysisShape(t *testing.T) {
	a := FallbackAnalysis([]uint64{1, 2, 3, 4, 5, 6, 7}, 9)
	assert.Equal(t, []string{"Parser failed; raw search returned 9 hits"}, a.Findings)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, a.Sources)
	assert.Equal(t, ConfidenceLow, a.Confidence)
	assert.Empty(t, a.Hypotheses)
	assert.Empty(t, a.SuggestedQueries)
}

func TestFallbackAnalysisNilSources(t *testing.T) {
	a := FallbackAnalysis(nil, 0)
	assert.NotNil(t, a.Sources)
	assert.Empty(t, a.Sources)
}

func TestParseConfidenceNormalizes(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, parseConfidence(" HIGH "))
	assert.Equal(t, ConfidenceMedium, parseConfidence("medium"))
	assert.Equal(t, ConfidenceLow, parseConfidence("certain"))
	assert.Equal(t, ConfidenceLow, parseConfidence(""))
}
