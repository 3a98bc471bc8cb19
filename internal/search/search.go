// Package search ranks full-text matches over the document corpus. Lexical
// relevance comes from the FTS index; the composite score layers a recency
// bonus and a per-kind weight on top.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inquesthq/inquest/internal/store"
)

// ErrInvalidQuery is returned for empty or unusable search input.
var ErrInvalidQuery = errors.New("invalid search query")

// ErrIndexUnavailable is returned when the index cannot be queried; the
// condition is retryable.
var ErrIndexUnavailable = errors.New("search index unavailable")

const (
	// MaxLimit caps the number of hits per query.
	MaxLimit = 100
	// snippetWindow is the maximum snippet length in characters.
	snippetWindow = 240
	// recencyHorizon bounds the linear recency bonus.
	recencyHorizon = 5 * 365 * 24 * time.Hour
)

// Hit is one ranked search result.
type Hit struct {
	DocID     uint64             `json:"doc_id"`
	Title     string             `json:"title"`
	Snippet   string             `json:"snippet"`
	Score     float64            `json:"score"`
	Kind      store.DocumentKind `json:"kind"`
	Timestamp *time.Time         `json:"timestamp,omitempty"`
	Sender    string             `json:"sender,omitempty"`
}

// Weights holds the ranking coefficients. Deployment-tunable; the defaults
// favor sworn documents over correspondence and correspondence over logs.
type Weights struct {
	Recency float64
	Kind    map[store.DocumentKind]float64
}

// DefaultWeights returns the standard ranking coefficients.
func DefaultWeights() Weights {
	return Weights{
		Recency: 1.0,
		Kind: map[store.DocumentKind]float64{
			store.KindDeposition: 1.3,
			store.KindFiling:     1.3,
			store.KindEmail:      1.0,
			store.KindOther:      0.9,
			store.KindLog:        0.8,
		},
	}
}

// Indexer is the store capability the search layer needs.
type Indexer interface {
	SearchFTS(ctx context.Context, match string, limit int) ([]store.FTSRow, error)
}

// Index ranks corpus documents for a query.
type Index struct {
	store   Indexer
	weights Weights
	now     func() time.Time
}

// New creates a search index over the given store.
func New(st Indexer, weights Weights) *Index {
	if weights.Kind == nil {
		weights = DefaultWeights()
	}
	return &Index{store: st, weights: weights, now: time.Now}
}

// Search runs a ranked query. terms must be non-empty after trimming and
// limit must be in [1, MaxLimit]. Zero matches return an empty slice, not an
// error. A failing index is retried once after 200 ms.
func (ix *Index) Search(ctx context.Context, terms string, limit int) ([]Hit, error) {
	terms = strings.TrimSpace(terms)
	if terms == "" {
		return nil, fmt.Errorf("%w: empty terms", ErrInvalidQuery)
	}
	if limit < 1 || limit > MaxLimit {
		return nil, fmt.Errorf("%w: limit %d out of range [1,%d]", ErrInvalidQuery, limit, MaxLimit)
	}

	tokens := Tokenize(terms)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: no indexable tokens", ErrInvalidQuery)
	}
	match := BuildMatch(tokens)

	// Over-fetch so the composite re-rank can promote rows the raw lexical
	// order put below the cut.
	fetch := limit * 3
	if fetch > MaxLimit {
		fetch = MaxLimit
	}

	rows, err := ix.store.SearchFTS(ctx, match, fetch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("match", match).Msg("FTS query failed, retrying once")
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		rows, err = ix.store.SearchFTS(ctx, match, fetch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
	}

	type scored struct {
		hit Hit
		lex float64
	}
	now := ix.now()
	out := make([]scored, 0, len(rows))
	for _, r := range rows {
		composite := r.Score + ix.recencyBonus(r.Timestamp, now) + ix.kindWeight(r.Kind)
		out = append(out, scored{
			hit: Hit{
				DocID:     r.ID,
				Title:     r.Title,
				Snippet:   Snippet(r.Body, tokens, snippetWindow),
				Score:     composite,
				Kind:      r.Kind,
				Timestamp: r.Timestamp,
				Sender:    r.Sender,
			},
			lex: r.Score,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.hit.Score != b.hit.Score {
			return a.hit.Score > b.hit.Score
		}
		if a.lex != b.lex {
			return a.lex > b.lex
		}
		at, bt := tsOrZero(a.hit.Timestamp), tsOrZero(b.hit.Timestamp)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.hit.DocID < b.hit.DocID
	})

	if len(out) > limit {
		out = out[:limit]
	}
	hits := make([]Hit, len(out))
	for i, s := range out {
		hits[i] = s.hit
	}
	return hits, nil
}

func (ix *Index) recencyBonus(ts *time.Time, now time.Time) float64 {
	if ts == nil {
		return 0
	}
	age := now.Sub(*ts)
	if age < 0 || age > recencyHorizon {
		return 0
	}
	return ix.weights.Recency * (1 - float64(age)/float64(recencyHorizon))
}

func (ix *Index) kindWeight(kind store.DocumentKind) float64 {
	if w, ok := ix.weights.Kind[kind]; ok {
		return w
	}
	return ix.weights.Kind[store.KindOther]
}

// Tokenize splits query text into lowercase alphanumeric tokens.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !isAlnum(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// BuildMatch builds an FTS5 MATCH expression from tokens. Each token is
// quoted so user input cannot inject FTS syntax; tokens are OR'd for recall
// and the composite ranking sorts coverage out.
func BuildMatch(tokens []string) string {
	quoted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func isAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r >= 'A' && r <= 'Z'
}

func tsOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
