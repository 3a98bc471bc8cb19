package pipeline

import (
	"context"
	"sort"
	"strings"

	"github.com/inquesthq/inquest/internal/search"
)

const retrieveLimit = 10

// retrieveStage runs stage 2: translate the Intent into search terms and
// fetch the ranked context set.
func (p *Pipeline) retrieveStage(ctx context.Context, intent Intent, query string) ([]search.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SearchTimeout)
	defer cancel()

	terms := searchTerms(intent, query, p.cfg.ConnectionExpansion)
	hits, err := p.search.Search(ctx, terms, retrieveLimit)
	if err != nil {
		return nil, err
	}

	if intent.Kind == IntentTimeline {
		// Chronological presentation: dated documents oldest first,
		// undated ones keep their rank at the tail.
		sort.SliceStable(hits, func(i, j int) bool {
			ti, tj := hits[i].Timestamp, hits[j].Timestamp
			switch {
			case ti == nil:
				return false
			case tj == nil:
				return true
			default:
				return ti.Before(*tj)
			}
		})
	}
	return hits, nil
}

// searchTerms builds the term string for an intent. Connection questions
// widen recall with relationship tokens; an intent with no entities falls
// back to the question's content words.
func searchTerms(intent Intent, query, expansion string) string {
	entities := intent.Entities
	if len(entities) == 0 {
		entities = contentWords(query)
	}
	joined := strings.Join(entities, " ")

	switch intent.Kind {
	case IntentConnections:
		if expansion != "" {
			return joined + " " + expansion
		}
		return joined
	default:
		return joined
	}
}

func hitIDs(hits []search.Hit) []uint64 {
	ids := make([]uint64, len(hits))
	for i, h := range hits {
		ids[i] = h.DocID
	}
	return ids
}
