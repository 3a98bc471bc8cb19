package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquesthq/inquest/internal/store"
)

type fakeIndexer struct {
	rows     []store.FTSRow
	err      error
	failures int
	calls    int
}

func (f *fakeIndexer) SearchFTS(ctx context.Context, match string, limit int) ([]store.FTSRow, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("database is locked")
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.rows) > limit {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func ts(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func newTestIndex(f *fakeIndexer) *Index {
	ix := New(f, DefaultWeights())
	ix.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	return ix
}

func TestSearchRejectsInvalidInput(t *testing.T) {
	ix := newTestIndex(&fakeIndexer{})

	_, err := ix.Search(context.Background(), "   ", 10)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = ix.Search(context.Background(), "flight", 0)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = ix.Search(context.Background(), "flight", MaxLimit+1)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = ix.Search(context.Background(), "...", 10)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestSearchZeroMatchesIsNotAnError(t *testing.T) {
	ix := newTestIndex(&fakeIndexer{})

	hits, err := ix.Search(context.Background(), "quantum tunneling", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchRetriesOnceOnIndexFailure(t *testing.T) {
	f := &fakeIndexer{
		failures: 1,
		rows: []store.FTSRow{
			{Document: store.Document{ID: 10, Title: "Flight log", Body: "Passenger list: A, B.", Kind: store.KindLog}, Score: 2.0},
		},
	}
	ix := newTestIndex(f)

	hits, err := ix.Search(context.Background(), "flight", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 2, f.calls)
}

func TestSearchSurfacesIndexUnavailableAfterRetry(t *testing.T) {
	f := &fakeIndexer{failures: 2}
	ix := newTestIndex(f)

	_, err := ix.Search(context.Background(), "flight", 10)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.Equal(t, 2, f.calls)
}

func TestSearchKindWeightPromotesDepositions(t *testing.T) {
	f := &fakeIndexer{rows: []store.FTSRow{
		{Document: store.Document{ID: 1, Title: "Email", Body: "island meeting", Kind: store.KindEmail}, Score: 1.0},
		{Document: store.Document{ID: 2, Title: "Deposition", Body: "island meeting", Kind: store.KindDeposition}, Score: 1.0},
	}}
	ix := newTestIndex(f)

	hits, err := ix.Search(context.Background(), "island", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, uint64(2), hits[0].DocID)
	assert.Equal(t, uint64(1), hits[1].DocID)
}

func TestSearchRecencyBonusAppliesWithinHorizon(t *testing.T) {
	f := &fakeIndexer{rows: []store.FTSRow{
		{Document: store.Document{ID: 1, Title: "Old", Body: "meeting", Kind: store.KindEmail, Timestamp: ts("2002-01-01")}, Score: 1.0},
		{Document: store.Document{ID: 2, Title: "Recent", Body: "meeting", Kind: store.KindEmail, Timestamp: ts("2026-06-01")}, Score: 1.0},
	}}
	ix := newTestIndex(f)

	hits, err := ix.Search(context.Background(), "meeting", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, uint64(2), hits[0].DocID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchTieBreaksOnLowerDocID(t *testing.T) {
	f := &fakeIndexer{rows: []store.FTSRow{
		{Document: store.Document{ID: 7, Title: "B", Body: "meeting", Kind: store.KindEmail}, Score: 1.0},
		{Document: store.Document{ID: 3, Title: "A", Body: "meeting", Kind: store.KindEmail}, Score: 1.0},
	}}
	ix := newTestIndex(f)

	hits, err := ix.Search(context.Background(), "meeting", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, uint64(3), hits[0].DocID)
}

func TestSearchTruncatesToLimit(t *testing.T) {
	rows := make([]store.FTSRow, 0, 9)
	for i := 1; i <= 9; i++ {
		rows = append(rows, store.FTSRow{
			Document: store.Document{ID: uint64(i), Title: "Doc", Body: "meeting", Kind: store.KindEmail},
			Score:    float64(10 - i),
		})
	}
	ix := newTestIndex(&fakeIndexer{rows: rows})

	hits, err := ix.Search(context.Background(), "meeting", 3)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestBuildMatchQuotesTokens(t *testing.T) {
	match := BuildMatch([]string{"flight", "log"})
	assert.Equal(t, `"flight" OR "log"`, match)
}

func TestTokenizeDropsPunctuation(t *testing.T) {
	assert.Equal(t, []string{"who", "flew", "with", "a"}, Tokenize("Who flew with A?"))
	assert.Empty(t, Tokenize("!!! ..."))
}
