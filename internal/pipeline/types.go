package pipeline

// IntentKind classifies what the user is asking for.
type IntentKind string

const (
	IntentSearch      IntentKind = "search"
	IntentConnections IntentKind = "connections"
	IntentTimeline    IntentKind = "timeline"
)

// Intent is the structured representation of a question. Kind is always
// populated; unparseable input degrades to a search over the question's
// content words.
type Intent struct {
	Kind     IntentKind        `json:"intent"`
	Entities []string          `json:"entities"`
	Filters  map[string]string `json:"filters"`
}

// normalizeKind maps free-form model output onto a known kind.
func normalizeKind(s string) IntentKind {
	switch IntentKind(s) {
	case IntentConnections:
		return IntentConnections
	case IntentTimeline:
		return IntentTimeline
	default:
		return IntentSearch
	}
}
