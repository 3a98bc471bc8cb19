package pipeline

// EventType names one wire event.
type EventType string

const (
	EventStatus       EventType = "status"
	EventSources      EventType = "sources"
	EventChunk        EventType = "chunk"
	EventSuggestions  EventType = "suggestions"
	EventAutoQuery    EventType = "auto_query"
	EventAutoComplete EventType = "auto_complete"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// Event is one entry in a pipeline invocation's ordered stream. Data holds
// the payload struct for the type; Done carries none.
type Event struct {
	Type EventType
	Data any
}

// EmitFunc receives events in emission order. The dispatcher writes them to
// the wire verbatim; emit must not be called after the invocation context is
// cancelled.
type EmitFunc func(Event)

// StatusData is a human-readable progress note.
type StatusData struct {
	Msg string `json:"msg"`
}

// SourcesData carries ranked document IDs used as context.
type SourcesData struct {
	IDs []uint64 `json:"ids"`
}

// ChunkData is partial prose to append.
type ChunkData struct {
	Text string `json:"text"`
}

// SuggestionsData carries follow-up suggestions.
type SuggestionsData struct {
	Queries []string `json:"queries"`
}

// AutoQueryData is the auto-investigator's next question.
type AutoQueryData struct {
	Query string `json:"query"`
}

// AutoCompleteData ends an auto session.
type AutoCompleteData struct {
	TotalQueries int `json:"total_queries"`
}

// ErrorData is a fatal error for this invocation.
type ErrorData struct {
	Msg  string `json:"msg"`
	Code string `json:"code"`
}

func status(emit EmitFunc, msg string) {
	emit(Event{Type: EventStatus, Data: StatusData{Msg: msg}})
}
