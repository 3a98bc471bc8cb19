// Package gate admits or denies pipeline invocations. Two independent
// checks run in order: the per-IP daily rate cap, then the global daily
// budget. Rate denial rejects the request outright; budget exhaustion admits
// it but forces the external model onto the local fallback path.
package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inquesthq/inquest/internal/external"
	"github.com/inquesthq/inquest/internal/store"
)

// ErrRateLimited is returned when the per-IP daily cap is exceeded.
var ErrRateLimited = errors.New("per-ip daily rate limit exceeded")

// Limits are the admission caps, tunable at runtime.
type Limits struct {
	MaxPerIPPerDay   int
	ExternalDailyCap int
	CostCapMicroUSD  int64
}

// Counters is the store capability the gate needs.
type Counters interface {
	IncrementRateCounter(ctx context.Context, ipHash, day string) (int, error)
	GetBudget(ctx context.Context, day string) (store.Budget, error)
}

// Admission is the outcome of a successful admission check.
type Admission struct {
	IPHash string
	// BudgetExhausted means the invocation proceeds but external-model
	// calls must short-circuit to the local fallback.
	BudgetExhausted bool
}

// Gate enforces admission.
type Gate struct {
	counters Counters
	limits   Limits
	secret   []byte
	now      func() time.Time
}

// New creates a gate. secret keys the IP hash; raw IPs are never persisted.
func New(counters Counters, limits Limits, secret string) *Gate {
	return &Gate{
		counters: counters,
		limits:   limits,
		secret:   []byte(secret),
		now:      time.Now,
	}
}

// Admit runs both checks for a client IP. The rate increment and check are a
// single atomic statement, so concurrent requests cannot slip past the cap.
func (g *Gate) Admit(ctx context.Context, ip string) (Admission, error) {
	ipHash := g.HashIP(ip)
	day := store.Day(g.now())

	count, err := g.counters.IncrementRateCounter(ctx, ipHash, day)
	if err != nil {
		return Admission{}, fmt.Errorf("rate counter: %w", err)
	}
	if count > g.limits.MaxPerIPPerDay {
		log.Warn().Str("ip_hash", ipHash).Int("count", count).
			Int("cap", g.limits.MaxPerIPPerDay).Msg("Admission denied by rate cap")
		return Admission{}, ErrRateLimited
	}

	exhausted, err := g.budgetExhausted(ctx, day)
	if err != nil {
		return Admission{}, err
	}
	return Admission{IPHash: ipHash, BudgetExhausted: exhausted}, nil
}

// AllowExternal implements the external client's budget gate: it re-reads the
// counters at call time so a budget that fills mid-invocation still blocks
// the paid call.
func (g *Gate) AllowExternal(ctx context.Context) error {
	exhausted, err := g.budgetExhausted(ctx, store.Day(g.now()))
	if err != nil {
		return err
	}
	if exhausted {
		return fmt.Errorf("%w: daily cap reached", external.ErrBudget)
	}
	return nil
}

func (g *Gate) budgetExhausted(ctx context.Context, day string) (bool, error) {
	budget, err := g.counters.GetBudget(ctx, day)
	if err != nil {
		return false, fmt.Errorf("budget counter: %w", err)
	}
	if budget.ExternalCalls >= g.limits.ExternalDailyCap {
		return true, nil
	}
	if g.limits.CostCapMicroUSD > 0 && budget.CostMicroUSD >= g.limits.CostCapMicroUSD {
		return true, nil
	}
	return false, nil
}

// HashIP returns the keyed hash of a client IP.
func (g *Gate) HashIP(ip string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}
