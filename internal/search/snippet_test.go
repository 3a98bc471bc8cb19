package search

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSnippetShortBodyHighlighted(t *testing.T) {
	got := Snippet("Met B on island.", []string{"island"}, 240)
	assert.Equal(t, "Met B on «island».", got)
}

func TestSnippetRespectsMaxLen(t *testing.T) {
	body := strings.Repeat("filler text ", 100) + "the island meeting happened " + strings.Repeat("more filler ", 100)
	got := Snippet(body, []string{"island", "meeting"}, 240)

	assert.LessOrEqual(t, len(got)-2*len("«»"), 240)
	assert.Contains(t, got, "«island»")
	assert.Contains(t, got, "«meeting»")
}

func TestSnippetPrefersWindowWithMostTokens(t *testing.T) {
	body := "alpha was here. " + strings.Repeat("padding words ", 50) +
		"alpha met beta at the dock. " + strings.Repeat("padding words ", 50)
	got := Snippet(body, []string{"alpha", "beta"}, 100)

	assert.Contains(t, got, "«alpha»")
	assert.Contains(t, got, "«beta»")
}

func TestSnippetNoMatchReturnsHead(t *testing.T) {
	body := strings.Repeat("unrelated content ", 50)
	got := Snippet(body, []string{"island"}, 100)

	assert.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 100)
	assert.NotContains(t, got, "«")
}

func TestSnippetHighlightsWholeWordsOnly(t *testing.T) {
	got := Snippet("The islander lives on an island.", []string{"island"}, 240)
	assert.Equal(t, "The islander lives on an «island».", got)
}

func TestSnippetEmptyBody(t *testing.T) {
	assert.Empty(t, Snippet("", []string{"island"}, 240))
}

func TestSnippetKeepsRuneBoundaries(t *testing.T) {
	// Multibyte text on both sides of the window; a byte-offset cut would
	// split a rune at the edges.
	body := strings.Repeat("très élégant séjour ", 30) + "island meeting notes " +
		strings.Repeat("très élégant séjour ", 30)
	got := Snippet(body, []string{"island"}, 100)
	assert.True(t, utf8.ValidString(got))
	assert.Contains(t, got, "«island»")

	head := Snippet(strings.Repeat("é", 120), []string{"island"}, 101)
	assert.True(t, utf8.ValidString(head))
}
