// Package auto drives the pipeline in a bounded loop, feeding it
// model-suggested follow-up questions until the budget of queries is spent,
// the suggestions run dry, or the session is stopped.
package auto

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/inquesthq/inquest/internal/gate"
	"github.com/inquesthq/inquest/internal/pipeline"
	"github.com/inquesthq/inquest/internal/store"
)

const (
	// MaxQueriesLimit caps how many pipeline invocations one session may run.
	MaxQueriesLimit = 50
	// dedupDistance is the minimum edit distance a candidate question must
	// keep from every question already asked in the conversation.
	dedupDistance = 10
)

// ErrNoSeedQuestion means the conversation has no user message to start from.
var ErrNoSeedQuestion = errors.New("conversation has no user message to investigate")

// Runner is the pipeline capability the investigator drives.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, emit pipeline.EmitFunc) (*pipeline.Result, error)
}

// Admitter re-checks rate and budget before every inner invocation.
type Admitter interface {
	Admit(ctx context.Context, ip string) (gate.Admission, error)
}

// Sessions is the store capability the investigator needs.
type Sessions interface {
	CreateAutoSession(ctx context.Context, conversationID string, maxQueries int) (*store.AutoSession, error)
	IncrementAutoQueryCount(ctx context.Context, id uint64) (int, error)
	SetAutoStatus(ctx context.Context, id uint64, status store.AutoStatus) error
	AutoSessionStatus(ctx context.Context, id uint64) (store.AutoStatus, error)
	RunningAutoSession(ctx context.Context, conversationID string) (*store.AutoSession, error)
	LastUserMessage(ctx context.Context, conversationID string) (*store.Message, error)
	UserQuestions(ctx context.Context, conversationID string) ([]string, error)
}

// Investigator runs auto sessions.
type Investigator struct {
	runner   Runner
	admitter Admitter
	sessions Sessions
}

func New(runner Runner, admitter Admitter, sessions Sessions) *Investigator {
	return &Investigator{runner: runner, admitter: admitter, sessions: sessions}
}

// Run executes one auto session against a conversation, streaming events to
// emit. Inner pipeline events are forwarded with an "auto:" type prefix so
// clients can tell them from a direct invocation. Stop requests take effect
// between invocations, never mid-flight.
func (inv *Investigator) Run(ctx context.Context, conversationID, clientIP string, maxQueries int, emit pipeline.EmitFunc) error {
	if maxQueries < 1 {
		maxQueries = 1
	}
	if maxQueries > MaxQueriesLimit {
		maxQueries = MaxQueriesLimit
	}

	seed, err := inv.sessions.LastUserMessage(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("read seed question: %w", err)
	}
	if seed == nil {
		emit(pipeline.Event{Type: pipeline.EventError, Data: pipeline.ErrorData{
			Msg: "conversation has no question to investigate", Code: "no_seed"}})
		return ErrNoSeedQuestion
	}

	sess, err := inv.sessions.CreateAutoSession(ctx, conversationID, maxQueries)
	if err != nil {
		return err
	}
	log.Info().Uint64("session_id", sess.ID).Str("conversation_id", conversationID).
		Int("max_queries", maxQueries).Msg("Auto session started")

	asked, err := inv.sessions.UserQuestions(ctx, conversationID)
	if err != nil {
		inv.finish(sess.ID, store.AutoStopped)
		return fmt.Errorf("read asked questions: %w", err)
	}

	// The seed question is already stored; only follow-ups add a user row.
	question := seed.Content
	seedIteration := true
	total := 0
	for {
		status, err := inv.sessions.AutoSessionStatus(ctx, sess.ID)
		if err != nil || status != store.AutoRunning {
			inv.finish(sess.ID, store.AutoStopped)
			emit(pipeline.Event{Type: pipeline.EventAutoComplete, Data: pipeline.AutoCompleteData{TotalQueries: total}})
			return nil
		}
		if ctx.Err() != nil {
			inv.finish(sess.ID, store.AutoStopped)
			return ctx.Err()
		}

		adm, err := inv.admitter.Admit(ctx, clientIP)
		if err != nil {
			log.Warn().Err(err).Uint64("session_id", sess.ID).
				Msg("Auto session denied admission, stopping")
			inv.finish(sess.ID, store.AutoStopped)
			emit(pipeline.Event{Type: pipeline.EventError, Data: pipeline.ErrorData{
				Msg: "admission denied", Code: admissionCode(err)}})
			return nil
		}

		count, err := inv.sessions.IncrementAutoQueryCount(ctx, sess.ID)
		if err != nil {
			inv.finish(sess.ID, store.AutoStopped)
			return fmt.Errorf("count query: %w", err)
		}
		total = count

		emit(pipeline.Event{Type: pipeline.EventAutoQuery, Data: pipeline.AutoQueryData{Query: question}})

		result, err := inv.runner.Run(ctx, pipeline.Request{
			Query:             question,
			ConversationID:    conversationID,
			InvocationID:      ulid.Make().String(),
			IsAuto:            true,
			BudgetExhausted:   adm.BudgetExhausted,
			QuestionPersisted: seedIteration,
		}, prefixEmit(emit))
		if err != nil {
			if ctx.Err() != nil {
				inv.finish(sess.ID, store.AutoStopped)
				return ctx.Err()
			}
			log.Error().Err(err).Uint64("session_id", sess.ID).Msg("Auto invocation failed, stopping session")
			inv.finish(sess.ID, store.AutoStopped)
			emit(pipeline.Event{Type: pipeline.EventError, Data: pipeline.ErrorData{
				Msg: "investigation step failed", Code: "pipeline_error"}})
			return nil
		}
		asked = append(asked, question)
		seedIteration = false

		next := pickNext(result.Suggestions, asked)
		if next == "" || count >= maxQueries {
			inv.finish(sess.ID, store.AutoCompleted)
			emit(pipeline.Event{Type: pipeline.EventAutoComplete, Data: pipeline.AutoCompleteData{TotalQueries: total}})
			log.Info().Uint64("session_id", sess.ID).Int("queries", total).Msg("Auto session completed")
			return nil
		}
		question = next
	}
}

// Stop signals the running session of a conversation to exit at the next
// invocation boundary. Returns false when no session is running.
func (inv *Investigator) Stop(ctx context.Context, conversationID string) (bool, error) {
	sess, err := inv.sessions.RunningAutoSession(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	if err := inv.sessions.SetAutoStatus(ctx, sess.ID, store.AutoStopped); err != nil {
		return false, err
	}
	return true, nil
}

// finish transitions the session with a context detached from the (possibly
// cancelled) request.
func (inv *Investigator) finish(sessionID uint64, status store.AutoStatus) {
	if err := inv.sessions.SetAutoStatus(context.Background(), sessionID, status); err != nil {
		log.Error().Err(err).Uint64("session_id", sessionID).Msg("Failed to finish auto session")
	}
}

// prefixEmit forwards inner pipeline events with an auto: type prefix.
func prefixEmit(emit pipeline.EmitFunc) pipeline.EmitFunc {
	return func(e pipeline.Event) {
		emit(pipeline.Event{Type: pipeline.EventType("auto:" + string(e.Type)), Data: e.Data})
	}
}

// pickNext returns the first suggestion far enough, by edit distance, from
// every question already asked. Near-duplicates are how auto loops form.
func pickNext(suggestions, asked []string) string {
	for _, s := range suggestions {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		fresh := true
		for _, prev := range asked {
			if editDistance(normalizeQuestion(s), normalizeQuestion(prev)) < dedupDistance {
				fresh = false
				break
			}
		}
		if fresh {
			return s
		}
	}
	return ""
}

func normalizeQuestion(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// editDistance is plain Levenshtein over bytes with a two-row table.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func admissionCode(err error) string {
	if errors.Is(err, gate.ErrRateLimited) {
		return "rate_limited"
	}
	return "admission_failed"
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
