package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/inquesthq/inquest/internal/external"
	"github.com/inquesthq/inquest/internal/localmodel"
	"github.com/inquesthq/inquest/internal/metrics"
	"github.com/inquesthq/inquest/internal/search"
)

const analyzeSystemPrompt = `You are an investigative analyst. You receive a question and numbered
source documents. Analyze only what the documents support; never invent facts.
Respond with a single JSON object:
{"findings": ["..."], "sources": [document ids actually used],
 "confidence": "low" | "medium" | "high",
 "hypotheses": ["..."], "contradictions": ["..."],
 "suggested_queries": ["follow-up question", "..."]}
Every finding must be supported by at least one listed source id.`

const localAnalyzePrompt = `Based only on the documents below, answer with a single JSON object:
{"findings": ["short factual statements"], "sources": [document ids used],
 "suggested_queries": ["follow-up question"]}
Do not add hypotheses or commentary.

Question: %s

Documents:
%s`

// analyzeStage runs stage 3: ask the external model for a grounded analysis
// of the retrieved documents, or the local model when the budget or the
// upstream is unavailable. Returns nil only when ctx itself is cancelled; a
// stage timeout degrades to a synthesized fallback instead.
func (p *Pipeline) analyzeStage(ctx context.Context, req Request, query string, hits []search.Hit) *external.Analysis {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.AnalyzeTimeout)
	defer cancel()

	contextBlock := contextBlock(hits)
	ids := hitIDs(hits)

	var analysis *external.Analysis
	if req.BudgetExhausted {
		// Admission already knows the budget is gone; skip the wire.
		analysis = p.analyzeLocal(sctx, query, contextBlock, ids)
	} else {
		prompt := fmt.Sprintf("Question: %s\n\nDocuments:\n%s", query, contextBlock)
		a, err := p.external.Analyze(sctx, analyzeSystemPrompt, prompt, 1024, req.InvocationID, ids, len(hits))
		switch {
		case err == nil:
			analysis = a
		case errors.Is(err, external.ErrBudget), errors.Is(err, external.ErrUpstream):
			log.Info().Err(err).Str("invocation_id", req.InvocationID).
				Msg("External analysis unavailable, falling back to local model")
			analysis = p.analyzeLocal(sctx, query, contextBlock, ids)
		case sctx.Err() == nil:
			log.Error().Err(err).Msg("External analysis failed, falling back to local model")
			analysis = p.analyzeLocal(sctx, query, contextBlock, ids)
		}
	}
	if analysis == nil {
		if ctx.Err() != nil {
			return nil
		}
		analysis = external.FallbackAnalysis(ids, len(hits))
	}

	// Grounding: sources must come from the documents that were actually
	// retrieved. Anything else the model made up.
	analysis.Sources = intersectIDs(analysis.Sources, ids)
	if len(analysis.Sources) == 0 {
		analysis.Sources = headIDs(ids, 5)
	}
	return analysis
}

// analyzeLocal is the reduced-quality fallback: a short local completion
// asking only for findings and sources.
func (p *Pipeline) analyzeLocal(ctx context.Context, query, contextBlock string, ids []uint64) *external.Analysis {
	metrics.Get().RecordLocalFallback()
	text, err := p.completeLocal(ctx, localmodel.Request{
		Prompt:      fmt.Sprintf(localAnalyzePrompt, query, contextBlock),
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Msg("Local analysis failed, synthesizing fallback")
		return external.FallbackAnalysis(ids, len(ids))
	}

	analysis, ok := external.ExtractAnalysis(text)
	if !ok {
		return external.FallbackAnalysis(ids, len(ids))
	}
	// The fallback path never claims full confidence.
	analysis.Confidence = external.ConfidenceMedium
	analysis.Hypotheses = []string{}
	analysis.Contradictions = []string{}
	return analysis
}

// contextBlock serializes hits into the compact form the models see.
func contextBlock(hits []search.Hit) string {
	var b strings.Builder
	for _, h := range hits {
		b.WriteString(fmt.Sprintf("[#%d] %s", h.DocID, h.Title))
		if h.Timestamp != nil {
			b.WriteString(" (" + h.Timestamp.Format("2006-01-02"))
			if h.Sender != "" {
				b.WriteString(", " + h.Sender)
			}
			b.WriteString(")")
		} else if h.Sender != "" {
			b.WriteString(" (" + h.Sender + ")")
		}
		b.WriteString(": ")
		b.WriteString(h.Snippet)
		b.WriteString("\n")
	}
	return b.String()
}

func intersectIDs(ids, allowed []uint64) []uint64 {
	set := make(map[uint64]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}
	out := make([]uint64, 0, len(ids))
	seen := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		if set[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

func headIDs(ids []uint64, n int) []uint64 {
	if len(ids) > n {
		ids = ids[:n]
	}
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}
