// Package external calls the paid remote completion API to produce document
// analyses. Every call that reaches the wire is audited with token counts and
// cost; budget exhaustion and upstream faults surface as typed errors so the
// pipeline can route to the local fallback.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inquesthq/inquest/internal/circuit"
	"github.com/inquesthq/inquest/internal/config"
	"github.com/inquesthq/inquest/internal/metrics"
	"github.com/inquesthq/inquest/internal/store"
)

const anthropicAPIVersion = "2023-06-01"

// ErrBudget signals that the daily external budget is exhausted; callers fall
// back to the local model.
var ErrBudget = errors.New("external model budget exhausted")

// ErrUpstream signals a network or server fault at the remote API.
var ErrUpstream = errors.New("external model upstream failure")

// Confidence grades an analysis.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Analysis is the structured result of analyzing retrieved documents.
type Analysis struct {
	Findings         []string   `json:"findings"`
	Sources          []uint64   `json:"sources"`
	Confidence       Confidence `json:"confidence"`
	Hypotheses       []string   `json:"hypotheses"`
	Contradictions   []string   `json:"contradictions"`
	SuggestedQueries []string   `json:"suggested_queries"`
}

// BudgetGate decides whether the daily budget still admits an external call.
type BudgetGate interface {
	AllowExternal(ctx context.Context) error
}

// Auditor records completed external calls.
type Auditor interface {
	RecordExternalCall(ctx context.Context, row store.AuditRow) error
}

// Client is the blocking external model client.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client

	budget  BudgetGate
	auditor Auditor
	pricing *config.Pricing
	breaker *circuit.Breaker
}

// New creates an external client. timeout 0 defaults to 120s.
func New(apiKey, model, baseURL string, timeout time.Duration, budget BudgetGate, auditor Auditor, pricing *config.Pricing) *Client {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		budget:  budget,
		auditor: auditor,
		pricing: pricing,
		breaker: circuit.New("external-model", circuit.DefaultConfig()),
	}
}

// BreakerStatus exposes the circuit state for health reporting.
func (c *Client) BreakerStatus() circuit.Status {
	return c.breaker.GetStatus()
}

// Analyze asks the remote model to analyze the given context block. The
// response is parsed leniently; a completely unparseable response yields a
// low-confidence fallback Analysis rather than an error. invocationID ties
// the audit row back to the stream that paid for it.
func (c *Client) Analyze(ctx context.Context, system, prompt string, maxTokens int, invocationID string, fallbackSources []uint64, hitCount int) (*Analysis, error) {
	if c.budget != nil {
		if err := c.budget.AllowExternal(ctx); err != nil {
			return nil, err
		}
	}
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, circuit.ErrOpen)
	}

	text, tokensIn, tokensOut, err := c.complete(ctx, system, prompt, maxTokens)
	if err != nil {
		c.breaker.RecordFailure(err)
		// One retry with jittered backoff on upstream faults.
		if ctx.Err() == nil && errors.Is(err, ErrUpstream) && c.breaker.Allow() {
			backoff := time.Duration(500+rand.Intn(500)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			text, tokensIn, tokensOut, err = c.complete(ctx, system, prompt, maxTokens)
			if err != nil {
				c.breaker.RecordFailure(err)
				metrics.Get().RecordExternalCall("error", 0)
				return nil, err
			}
		} else {
			metrics.Get().RecordExternalCall("error", 0)
			return nil, err
		}
	}
	c.breaker.RecordSuccess()

	c.audit(ctx, invocationID, tokensIn, tokensOut)

	analysis, ok := ExtractAnalysis(text)
	if !ok {
		analysis = FallbackAnalysis(fallbackSources, hitCount)
	}
	return analysis, nil
}

func (c *Client) audit(ctx context.Context, invocationID string, tokensIn, tokensOut int) {
	if c.auditor == nil {
		return
	}
	var cost int64
	version := ""
	if c.pricing != nil {
		var known bool
		cost, known = c.pricing.Cost(c.model, tokensIn, tokensOut)
		version = c.pricing.Table().Version
		if !known {
			log.Warn().Str("model", c.model).Msg("No pricing entry for model, cost recorded as 0")
		}
	}
	metrics.Get().RecordExternalCall("ok", cost)
	row := store.AuditRow{
		InvocationID:   invocationID,
		Model:          c.model,
		TokensIn:       tokensIn,
		TokensOut:      tokensOut,
		CostMicroUSD:   cost,
		PricingVersion: version,
	}
	if err := c.auditor.RecordExternalCall(ctx, row); err != nil {
		log.Error().Err(err).Str("invocation_id", invocationID).
			Msg("Failed to audit external call")
	}
}

type messagesRequest struct {
	Model     string            `json:"model"`
	Messages  []requestMessage  `json:"messages"`
	MaxTokens int               `json:"max_tokens"`
	System    string            `json:"system,omitempty"`
}

type requestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Usage   usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// complete performs a single Messages API call.
func (c *Client) complete(ctx context.Context, system, prompt string, maxTokens int) (text string, tokensIn, tokensOut int, err error) {
	body := messagesRequest{
		Model:     c.model,
		Messages:  []requestMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
		System:    system,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, 0, ctx.Err()
		}
		return "", 0, 0, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		msg := string(raw)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return "", 0, 0, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}

	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, 0, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}

	var sb bytes.Buffer
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), out.Usage.InputTokens, out.Usage.OutputTokens, nil
}
