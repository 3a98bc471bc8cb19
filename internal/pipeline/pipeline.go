// Package pipeline orchestrates one question through intent parsing,
// retrieval, analysis, and answer formatting, emitting an ordered event
// stream along the way.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inquesthq/inquest/internal/config"
	"github.com/inquesthq/inquest/internal/external"
	"github.com/inquesthq/inquest/internal/localmodel"
	"github.com/inquesthq/inquest/internal/search"
)

const maxQueryLen = 2000
const maxSuggestions = 5

// ErrInvalidQuery rejects empty or oversized questions before any stage runs.
var ErrInvalidQuery = errors.New("invalid query")

// SearchIndex is the retrieval collaborator.
type SearchIndex interface {
	Search(ctx context.Context, query string, limit int) ([]search.Hit, error)
}

// Completer is the local model collaborator.
type Completer interface {
	Complete(ctx context.Context, req localmodel.Request) (string, error)
}

// Analyzer is the external model collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, system, prompt string, maxTokens int, invocationID string, fallbackSources []uint64, hitCount int) (*external.Analysis, error)
}

// ConversationStore persists completed exchanges.
type ConversationStore interface {
	AppendExchange(ctx context.Context, conversationID, question, answer string, sources []uint64, isAuto bool) error
	AppendAssistantMessage(ctx context.Context, conversationID, answer string, sources []uint64, isAuto bool) error
}

// Request is one pipeline invocation.
type Request struct {
	Query          string
	ConversationID string
	InvocationID   string
	IsAuto         bool
	// BudgetExhausted is set by admission when the external budget is gone,
	// so the pipeline goes straight to the local analysis path.
	BudgetExhausted bool
	// QuestionPersisted means the user question is already stored in the
	// conversation; persistence then appends only the assistant answer.
	QuestionPersisted bool
}

// Result summarizes a completed invocation.
type Result struct {
	Answer      string
	Sources     []uint64
	Suggestions []string
	HitCount    int
}

// Pipeline runs invocations. All collaborators are required except store,
// which may be nil when the caller handles persistence itself.
type Pipeline struct {
	cfg      *config.Config
	search   SearchIndex
	local    Completer
	external Analyzer
	store    ConversationStore
}

func New(cfg *config.Config, idx SearchIndex, local Completer, ext Analyzer, store ConversationStore) *Pipeline {
	return &Pipeline{cfg: cfg, search: idx, local: local, external: ext, store: store}
}

// Run executes the four stages for one question. Events go to emit in order;
// emit stops being called once ctx is cancelled. The exchange is persisted
// only when the invocation produced a complete answer.
func (p *Pipeline) Run(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" || len(query) > maxQueryLen {
		return nil, ErrInvalidQuery
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.InvocationTimeout)
	defer cancel()

	lang := detectLanguage(query)
	started := time.Now()
	log.Info().Str("invocation_id", req.InvocationID).Str("lang", lang).
		Bool("auto", req.IsAuto).Msg("Invocation started")

	status(emit, "Understanding the question")
	intent := p.parseIntentStage(ctx, query)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	status(emit, "Searching the archive")
	hits, err := p.retrieveStage(ctx, intent, query)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if len(hits) == 0 {
		answer := noResultsMessage(lang)
		emit(Event{Type: EventChunk, Data: ChunkData{Text: answer}})
		p.persist(req, query, answer, []uint64{})
		emit(Event{Type: EventDone})
		log.Info().Str("invocation_id", req.InvocationID).
			Dur("elapsed", time.Since(started)).Msg("Invocation finished with no results")
		return &Result{Answer: answer, Sources: []uint64{}, Suggestions: []string{}}, nil
	}

	emit(Event{Type: EventSources, Data: SourcesData{IDs: hitIDs(hits)}})

	status(emit, "Analyzing documents")
	analysis := p.analyzeStage(ctx, req, query, hits)
	if analysis == nil {
		return nil, ctx.Err()
	}

	status(emit, "Writing the answer")
	answer := p.formatStage(ctx, query, lang, analysis, emit)
	if answer == "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("empty answer")
	}

	// The grounded source set, re-emitted after the text so clients that
	// only keep the last sources event hold the canonical one.
	emit(Event{Type: EventSources, Data: SourcesData{IDs: analysis.Sources}})

	suggestions := analysis.SuggestedQueries
	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	if len(suggestions) > 0 {
		emit(Event{Type: EventSuggestions, Data: SuggestionsData{Queries: suggestions}})
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	p.persist(req, query, answer, analysis.Sources)
	emit(Event{Type: EventDone})

	log.Info().Str("invocation_id", req.InvocationID).Int("hits", len(hits)).
		Int("sources", len(analysis.Sources)).Dur("elapsed", time.Since(started)).
		Msg("Invocation finished")
	return &Result{
		Answer:      answer,
		Sources:     analysis.Sources,
		Suggestions: suggestions,
		HitCount:    len(hits),
	}, nil
}

// persist writes the exchange with a fresh context so a client disconnect
// after the answer completed does not lose the record.
func (p *Pipeline) persist(req Request, question, answer string, sources []uint64) {
	if p.store == nil || req.ConversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if req.QuestionPersisted {
		err = p.store.AppendAssistantMessage(ctx, req.ConversationID, answer, sources, req.IsAuto)
	} else {
		err = p.store.AppendExchange(ctx, req.ConversationID, question, answer, sources, req.IsAuto)
	}
	if err != nil {
		log.Error().Err(err).Str("conversation_id", req.ConversationID).
			Msg("Failed to persist exchange")
	}
}

// completeLocal submits to the local pool with one retry after a short pause
// when the queue is full.
func (p *Pipeline) completeLocal(ctx context.Context, req localmodel.Request) (string, error) {
	text, err := p.local.Complete(ctx, req)
	if errors.Is(err, localmodel.ErrCapacity) {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		text, err = p.local.Complete(ctx, req)
	}
	return text, err
}
