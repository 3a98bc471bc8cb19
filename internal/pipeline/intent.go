package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/inquesthq/inquest/internal/localmodel"
)

const intentSystemPrompt = `You classify investigative questions about a document corpus.
Respond with a single JSON object and nothing else:
{"intent": "search" | "connections" | "timeline",
 "entities": ["normalized", "terms"],
 "filters": {"date_from": "", "date_to": "", "sender": "", "recipient": ""}}
Use "connections" when the question asks how people or organizations relate,
"timeline" when it asks for a chronology, otherwise "search".
Entities are the names, places, and subjects the question is about, lowercased.
Omit empty filters.`

// parseIntentStage runs stage 1: a short deterministic local completion that
// turns the question into an Intent. Any failure falls back to a plain
// search over the question's content words, so this stage cannot fail the
// invocation.
func (p *Pipeline) parseIntentStage(ctx context.Context, query string) Intent {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.IntentTimeout)
	defer cancel()

	text, err := p.completeLocal(ctx, localmodel.Request{
		System:      intentSystemPrompt,
		Prompt:      fmt.Sprintf("Question: %s", query),
		MaxTokens:   128,
		Temperature: 0,
	})
	if err != nil {
		log.Debug().Err(err).Msg("Intent completion failed, using heuristic intent")
		return fallbackIntent(query)
	}

	intent, ok := parseIntentResponse(text)
	if !ok {
		log.Debug().Str("raw", truncate(text, 200)).Msg("Intent response unparseable, using heuristic intent")
		return fallbackIntent(query)
	}
	return intent
}

// parseIntentResponse extracts an Intent from model output. Models decorate
// JSON with code fences and list markers; scanning line by line for the
// first JSON object carrying "intent" and "entities" tolerates that.
func parseIntentResponse(text string) (Intent, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "```json")
		line = strings.TrimPrefix(line, "```")
		line = strings.TrimLeft(line, "-*• \t")
		if line == "" || line[0] != '{' {
			continue
		}

		var raw struct {
			Intent   string            `json:"intent"`
			Entities []string          `json:"entities"`
			Filters  map[string]string `json:"filters"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		if raw.Intent == "" || raw.Entities == nil {
			continue
		}

		entities := make([]string, 0, len(raw.Entities))
		for _, e := range raw.Entities {
			e = strings.ToLower(strings.TrimSpace(e))
			if e != "" {
				entities = append(entities, e)
			}
		}
		filters := raw.Filters
		if filters == nil {
			filters = map[string]string{}
		}
		return Intent{Kind: normalizeKind(raw.Intent), Entities: entities, Filters: filters}, true
	}
	return Intent{}, false
}

// fallbackIntent builds a search intent from the question's content words.
// Deterministic: the same question always yields the same intent.
func fallbackIntent(query string) Intent {
	return Intent{
		Kind:     IntentSearch,
		Entities: contentWords(query),
		Filters:  map[string]string{},
	}
}

// contentWords drops stopwords across the supported languages and returns
// the remaining tokens in question order.
func contentWords(query string) []string {
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,;:!?¿¡\"'()[]")
		if tok == "" {
			continue
		}
		stop := false
		for _, set := range stopwords {
			if set[tok] {
				stop = true
				break
			}
		}
		if !stop {
			out = append(out, tok)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
