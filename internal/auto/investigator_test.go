package auto

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquesthq/inquest/internal/gate"
	"github.com/inquesthq/inquest/internal/pipeline"
	"github.com/inquesthq/inquest/internal/store"
)

// fakeRunner answers every invocation with a fixed finding and scripted
// suggestions keyed by the incoming question.
type fakeRunner struct {
	mu          sync.Mutex
	questions   []string
	requests    []pipeline.Request
	suggestions map[string][]string
	errAfter    int
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.Request, emit pipeline.EmitFunc) (*pipeline.Result, error) {
	f.mu.Lock()
	f.questions = append(f.questions, req.Query)
	f.requests = append(f.requests, req)
	n := len(f.questions)
	f.mu.Unlock()
	if f.errAfter > 0 && n >= f.errAfter {
		return nil, errors.New("model down")
	}
	emit(pipeline.Event{Type: pipeline.EventStatus, Data: pipeline.StatusData{Msg: "Searching the archive"}})
	emit(pipeline.Event{Type: pipeline.EventDone})
	return &pipeline.Result{
		Answer:      "answer",
		Sources:     []uint64{1},
		Suggestions: f.suggestions[req.Query],
	}, nil
}

func (f *fakeRunner) asked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}

func (f *fakeRunner) recorded() []pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Request(nil), f.requests...)
}

type fakeAdmitter struct {
	err       error
	denyAfter int
	calls     int
}

func (f *fakeAdmitter) Admit(ctx context.Context, ip string) (gate.Admission, error) {
	f.calls++
	if f.err != nil && (f.denyAfter == 0 || f.calls > f.denyAfter) {
		return gate.Admission{}, f.err
	}
	return gate.Admission{IPHash: "hash"}, nil
}

type fakeSessions struct {
	mu          sync.Mutex
	nextID      uint64
	status      map[uint64]store.AutoStatus
	counts      map[uint64]int
	seed        *store.Message
	seedErr     error
	asked       []string
	createErr   error
	stopAfter   int
	statusReads int
}

func newFakeSessions(seed string) *fakeSessions {
	f := &fakeSessions{
		status: map[uint64]store.AutoStatus{},
		counts: map[uint64]int{},
	}
	if seed != "" {
		f.seed = &store.Message{Role: "user", Content: seed}
		f.asked = []string{}
	}
	return f
}

func (f *fakeSessions) CreateAutoSession(ctx context.Context, conversationID string, maxQueries int) (*store.AutoSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.status[f.nextID] = store.AutoRunning
	return &store.AutoSession{ID: f.nextID, ConversationID: conversationID, Status: store.AutoRunning, MaxQueries: maxQueries}, nil
}

func (f *fakeSessions) IncrementAutoQueryCount(ctx context.Context, id uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[id]++
	return f.counts[id], nil
}

func (f *fakeSessions) SetAutoStatus(ctx context.Context, id uint64, status store.AutoStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = status
	return nil
}

func (f *fakeSessions) AutoSessionStatus(ctx context.Context, id uint64) (store.AutoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusReads++
	if f.stopAfter > 0 && f.statusReads > f.stopAfter {
		f.status[id] = store.AutoStopped
	}
	return f.status[id], nil
}

func (f *fakeSessions) RunningAutoSession(ctx context.Context, conversationID string) (*store.AutoSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, st := range f.status {
		if st == store.AutoRunning {
			return &store.AutoSession{ID: id, ConversationID: conversationID, Status: st}, nil
		}
	}
	return nil, nil
}

func (f *fakeSessions) LastUserMessage(ctx context.Context, conversationID string) (*store.Message, error) {
	return f.seed, f.seedErr
}

func (f *fakeSessions) UserQuestions(ctx context.Context, conversationID string) ([]string, error) {
	return f.asked, nil
}

func (f *fakeSessions) finalStatus() store.AutoStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[f.nextID]
}

type eventLog struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (l *eventLog) emit(e pipeline.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) byType(t pipeline.EventType) []pipeline.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []pipeline.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestRunFollowsSuggestionsUntilExhausted(t *testing.T) {
	runner := &fakeRunner{suggestions: map[string][]string{
		"who flew with A":              {"where did the flight land in 2002"},
		"where did the flight land in 2002": {},
	}}
	sessions := newFakeSessions("who flew with A")
	inv := New(runner, &fakeAdmitter{}, sessions)

	events := &eventLog{}
	err := inv.Run(context.Background(), "conv-1", "203.0.113.5", 10, events.emit)
	require.NoError(t, err)

	assert.Equal(t, []string{"who flew with A", "where did the flight land in 2002"}, runner.asked())
	assert.Equal(t, store.AutoCompleted, sessions.finalStatus())

	completes := events.byType(pipeline.EventAutoComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, 2, completes[0].Data.(pipeline.AutoCompleteData).TotalQueries)

	queries := events.byType(pipeline.EventAutoQuery)
	require.Len(t, queries, 2)
	assert.Equal(t, "who flew with A", queries[0].Data.(pipeline.AutoQueryData).Query)
}

func TestRunPrefixesInnerPipelineEvents(t *testing.T) {
	runner := &fakeRunner{suggestions: map[string][]string{}}
	sessions := newFakeSessions("seed question about the island")
	inv := New(runner, &fakeAdmitter{}, sessions)

	events := &eventLog{}
	require.NoError(t, inv.Run(context.Background(), "conv-1", "ip", 3, events.emit))

	assert.NotEmpty(t, events.byType(pipeline.EventType("auto:status")))
	assert.NotEmpty(t, events.byType(pipeline.EventType("auto:done")))
	// Session-level events stay unprefixed.
	assert.NotEmpty(t, events.byType(pipeline.EventAutoQuery))
	assert.NotEmpty(t, events.byType(pipeline.EventAutoComplete))
}

func TestRunStopsAtMaxQueries(t *testing.T) {
	// Every answer suggests a fresh, clearly distinct follow-up.
	runner := &fakeRunner{suggestions: map[string][]string{}}
	runner.suggestions["q aaaaaaaaaaaaaaaaaaaa"] = []string{"q bbbbbbbbbbbbbbbbbbbb"}
	runner.suggestions["q bbbbbbbbbbbbbbbbbbbb"] = []string{"q cccccccccccccccccccc"}
	runner.suggestions["q cccccccccccccccccccc"] = []string{"q dddddddddddddddddddd"}
	sessions := newFakeSessions("q aaaaaaaaaaaaaaaaaaaa")
	inv := New(runner, &fakeAdmitter{}, sessions)

	events := &eventLog{}
	require.NoError(t, inv.Run(context.Background(), "conv-1", "ip", 2, events.emit))

	assert.Len(t, runner.asked(), 2)
	assert.Equal(t, store.AutoCompleted, sessions.finalStatus())
	completes := events.byType(pipeline.EventAutoComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, 2, completes[0].Data.(pipeline.AutoCompleteData).TotalQueries)
}

func TestRunReusesStoredSeedQuestion(t *testing.T) {
	// The seed already exists as a user row; only follow-ups add another.
	runner := &fakeRunner{suggestions: map[string][]string{
		"q aaaaaaaaaaaaaaaaaaaa": {"q bbbbbbbbbbbbbbbbbbbb"},
		"q bbbbbbbbbbbbbbbbbbbb": {},
	}}
	sessions := newFakeSessions("q aaaaaaaaaaaaaaaaaaaa")
	inv := New(runner, &fakeAdmitter{}, sessions)

	require.NoError(t, inv.Run(context.Background(), "conv-1", "ip", 10, (&eventLog{}).emit))

	reqs := runner.recorded()
	require.Len(t, reqs, 2)
	assert.True(t, reqs[0].QuestionPersisted)
	assert.False(t, reqs[1].QuestionPersisted)
	assert.True(t, reqs[0].IsAuto)
}

func TestRunClampsMaxQueries(t *testing.T) {
	runner := &fakeRunner{suggestions: map[string][]string{}}
	sessions := newFakeSessions("only one question")
	inv := New(runner, &fakeAdmitter{}, sessions)

	require.NoError(t, inv.Run(context.Background(), "conv-1", "ip", 0, (&eventLog{}).emit))
	assert.Len(t, runner.asked(), 1)
}

func TestRunSkipsNearDuplicateSuggestions(t *testing.T) {
	// The first suggestion differs from the seed by a single word and must be
	// rejected; the second is genuinely new.
	seed := "who visited the island in 2002"
	runner := &fakeRunner{suggestions: map[string][]string{
		seed: {"Who visited the island in 2003", "what cargo did the flights carry"},
		"what cargo did the flights carry": {},
	}}
	sessions := newFakeSessions(seed)
	inv := New(runner, &fakeAdmitter{}, sessions)

	require.NoError(t, inv.Run(context.Background(), "conv-1", "ip", 10, (&eventLog{}).emit))

	asked := runner.asked()
	require.Len(t, asked, 2)
	assert.Equal(t, "what cargo did the flights carry", asked[1])
}

func TestRunNoSeedQuestion(t *testing.T) {
	sessions := newFakeSessions("")
	inv := New(&fakeRunner{}, &fakeAdmitter{}, sessions)

	events := &eventLog{}
	err := inv.Run(context.Background(), "conv-1", "ip", 5, events.emit)
	assert.ErrorIs(t, err, ErrNoSeedQuestion)

	errs := events.byType(pipeline.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "no_seed", errs[0].Data.(pipeline.ErrorData).Code)
}

func TestRunPropagatesSessionConflict(t *testing.T) {
	sessions := newFakeSessions("seed")
	sessions.createErr = store.ErrSessionRunning
	inv := New(&fakeRunner{}, &fakeAdmitter{}, sessions)

	err := inv.Run(context.Background(), "conv-1", "ip", 5, (&eventLog{}).emit)
	assert.ErrorIs(t, err, store.ErrSessionRunning)
}

func TestRunStopsOnAdmissionDenied(t *testing.T) {
	runner := &fakeRunner{suggestions: map[string][]string{
		"q aaaaaaaaaaaaaaaaaaaa": {"q bbbbbbbbbbbbbbbbbbbb"},
	}}
	admitter := &fakeAdmitter{err: gate.ErrRateLimited, denyAfter: 1}
	sessions := newFakeSessions("q aaaaaaaaaaaaaaaaaaaa")
	inv := New(runner, admitter, sessions)

	events := &eventLog{}
	require.NoError(t, inv.Run(context.Background(), "conv-1", "ip", 10, events.emit))

	assert.Len(t, runner.asked(), 1)
	assert.Equal(t, store.AutoStopped, sessions.finalStatus())
	errs := events.byType(pipeline.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "rate_limited", errs[0].Data.(pipeline.ErrorData).Code)
}

func TestRunHonorsStopBetweenInvocations(t *testing.T) {
	runner := &fakeRunner{suggestions: map[string][]string{
		"q aaaaaaaaaaaaaaaaaaaa": {"q bbbbbbbbbbbbbbbbbbbb"},
		"q bbbbbbbbbbbbbbbbbbbb": {"q cccccccccccccccccccc"},
	}}
	sessions := newFakeSessions("q aaaaaaaaaaaaaaaaaaaa")
	sessions.stopAfter = 1
	inv := New(runner, &fakeAdmitter{}, sessions)

	events := &eventLog{}
	require.NoError(t, inv.Run(context.Background(), "conv-1", "ip", 10, events.emit))

	assert.Len(t, runner.asked(), 1)
	assert.Equal(t, store.AutoStopped, sessions.finalStatus())
	require.Len(t, events.byType(pipeline.EventAutoComplete), 1)
}

func TestRunStopsOnPipelineError(t *testing.T) {
	runner := &fakeRunner{errAfter: 1}
	sessions := newFakeSessions("seed question")
	inv := New(runner, &fakeAdmitter{}, sessions)

	events := &eventLog{}
	require.NoError(t, inv.Run(context.Background(), "conv-1", "ip", 5, events.emit))

	assert.Equal(t, store.AutoStopped, sessions.finalStatus())
	errs := events.byType(pipeline.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "pipeline_error", errs[0].Data.(pipeline.ErrorData).Code)
}

func TestStopSignalsRunningSession(t *testing.T) {
	sessions := newFakeSessions("seed")
	_, err := sessions.CreateAutoSession(context.Background(), "conv-1", 5)
	require.NoError(t, err)
	inv := New(&fakeRunner{}, &fakeAdmitter{}, sessions)

	stopped, err := inv.Stop(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, store.AutoStopped, sessions.finalStatus())

	stopped, err = inv.Stop(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestPickNextRejectsCloseQuestions(t *testing.T) {
	asked := []string{"who visited the island in 2002"}
	next := pickNext([]string{"who visited the island in 2003"}, asked)
	assert.Empty(t, next)

	next = pickNext([]string{"what cargo did the flights carry"}, asked)
	assert.Equal(t, "what cargo did the flights carry", next)
}

func TestPickNextSkipsBlankSuggestions(t *testing.T) {
	next := pickNext([]string{"  ", "", "a question long enough to be fresh"}, nil)
	assert.Equal(t, "a question long enough to be fresh", next)
}

func TestEditDistance(t *testing.T) {
	assert.Equal(t, 0, editDistance("same", "same"))
	assert.Equal(t, 4, editDistance("", "four"))
	assert.Equal(t, 1, editDistance("island", "islands"))
	assert.Equal(t, 3, editDistance("kitten", "sitting"))
}

func TestNormalizeQuestionCollapsesWhitespaceAndCase(t *testing.T) {
	a := normalizeQuestion("  Who   FLEW\twith A? ")
	b := normalizeQuestion("who flew with a?")
	assert.Equal(t, a, b)
	assert.False(t, strings.Contains(a, "  "))
}
