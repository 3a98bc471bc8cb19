package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/inquesthq/inquest/internal/external"
	"github.com/inquesthq/inquest/internal/localmodel"
)

const formatSystemPrompt = `You write investigative answers for a reader reviewing a document corpus.
Style contract:
- Answer in %s.
- Cite documents inline as [#ID] using only the ids listed in the analysis.
- Do not invent facts beyond the findings.
- Mention hypotheses as possibilities, clearly marked as unconfirmed.
- Mention contradictions between documents when the analysis lists any.
- End with a line "Sources: [#ID], [#ID]" listing every cited document.
- Never repeat the question back, and never state a confidence level.`

// formatStage runs stage 4: turn the analysis into cited prose, streamed as
// chunk events. Returns the normalized full answer for persistence, or ""
// when ctx itself was cancelled. A stage timeout degrades to rendering the
// findings directly.
func (p *Pipeline) formatStage(ctx context.Context, query, lang string, analysis *external.Analysis, emit EmitFunc) string {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.FormatTimeout)
	defer cancel()

	text, err := p.completeLocal(sctx, localmodel.Request{
		System:      fmt.Sprintf(formatSystemPrompt, languageName(lang)),
		Prompt:      formatPrompt(query, analysis),
		MaxTokens:   512,
		Temperature: 0.7,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		log.Warn().Err(err).Msg("Answer formatting failed, rendering findings directly")
		text = renderFindings(analysis)
	}

	answer := NormalizeCitations(text, analysis.Sources)
	if answer == "" {
		answer = renderFindings(analysis)
	}

	if ctx.Err() != nil {
		return ""
	}
	for _, para := range splitParagraphs(answer) {
		emit(Event{Type: EventChunk, Data: ChunkData{Text: para}})
	}
	return answer
}

func formatPrompt(query string, analysis *external.Analysis) string {
	var b strings.Builder
	b.WriteString("Question: " + query + "\n\nFindings:\n")
	for _, f := range analysis.Findings {
		b.WriteString("- " + f + "\n")
	}
	if len(analysis.Hypotheses) > 0 {
		b.WriteString("\nHypotheses (unconfirmed):\n")
		for _, h := range analysis.Hypotheses {
			b.WriteString("- " + h + "\n")
		}
	}
	if len(analysis.Contradictions) > 0 {
		b.WriteString("\nContradictions:\n")
		for _, c := range analysis.Contradictions {
			b.WriteString("- " + c + "\n")
		}
	}
	b.WriteString("\nAvailable document ids: ")
	b.WriteString(formatIDList(analysis.Sources))
	b.WriteString("\n\nWrite the answer now.")
	return b.String()
}

// renderFindings is the deterministic last resort when the formatting model
// itself is down: findings verbatim, one paragraph each, plus a sources line.
func renderFindings(analysis *external.Analysis) string {
	if len(analysis.Findings) == 0 {
		return "The available documents do not support a conclusive answer. Sources: " +
			formatIDList(analysis.Sources)
	}
	var b strings.Builder
	for i, f := range analysis.Findings {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(f)
	}
	b.WriteString("\n\nSources: " + formatIDList(analysis.Sources))
	return b.String()
}

func formatIDList(ids []uint64) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("[#%d]", id)
	}
	return strings.Join(parts, ", ")
}

// splitParagraphs chunks the answer on blank lines for streaming. A chunk is
// never empty and chunks concatenated with "\n\n" reproduce the answer.
func splitParagraphs(s string) []string {
	var out []string
	for _, para := range strings.Split(s, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		out = append(out, para)
	}
	if len(out) == 0 && strings.TrimSpace(s) != "" {
		out = []string{s}
	}
	return out
}
