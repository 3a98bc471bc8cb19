package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquesthq/inquest/internal/external"
	"github.com/inquesthq/inquest/internal/store"
)

type fakeCounters struct {
	counts map[string]int
	budget store.Budget
	err    error
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{counts: map[string]int{}}
}

func (f *fakeCounters) IncrementRateCounter(ctx context.Context, ipHash, day string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	key := ipHash + "|" + day
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounters) GetBudget(ctx context.Context, day string) (store.Budget, error) {
	if f.err != nil {
		return store.Budget{}, f.err
	}
	return f.budget, nil
}

func newTestGate(c Counters, limits Limits) *Gate {
	g := New(c, limits, "test-secret")
	g.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return g
}

func TestAdmitUnderCaps(t *testing.T) {
	g := newTestGate(newFakeCounters(), Limits{MaxPerIPPerDay: 30, ExternalDailyCap: 200})

	adm, err := g.Admit(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.NotEmpty(t, adm.IPHash)
	assert.False(t, adm.BudgetExhausted)
}

func TestAdmitDeniesAboveRateCap(t *testing.T) {
	g := newTestGate(newFakeCounters(), Limits{MaxPerIPPerDay: 30, ExternalDailyCap: 200})

	for i := 0; i < 30; i++ {
		_, err := g.Admit(context.Background(), "203.0.113.5")
		require.NoError(t, err, "request %d should be admitted", i+1)
	}
	_, err := g.Admit(context.Background(), "203.0.113.5")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAdmitRateCapIsPerIP(t *testing.T) {
	g := newTestGate(newFakeCounters(), Limits{MaxPerIPPerDay: 1, ExternalDailyCap: 200})

	_, err := g.Admit(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	_, err = g.Admit(context.Background(), "203.0.113.5")
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = g.Admit(context.Background(), "198.51.100.7")
	assert.NoError(t, err)
}

func TestAdmitFlagsExhaustedCallBudget(t *testing.T) {
	c := newFakeCounters()
	c.budget = store.Budget{ExternalCalls: 200}
	g := newTestGate(c, Limits{MaxPerIPPerDay: 30, ExternalDailyCap: 200})

	adm, err := g.Admit(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.True(t, adm.BudgetExhausted)
}

func TestAdmitFlagsExhaustedCostBudget(t *testing.T) {
	c := newFakeCounters()
	c.budget = store.Budget{ExternalCalls: 10, CostMicroUSD: 5_000_000}
	g := newTestGate(c, Limits{MaxPerIPPerDay: 30, ExternalDailyCap: 200, CostCapMicroUSD: 5_000_000})

	adm, err := g.Admit(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.True(t, adm.BudgetExhausted)
}

func TestAllowExternalReflectsBudget(t *testing.T) {
	c := newFakeCounters()
	g := newTestGate(c, Limits{MaxPerIPPerDay: 30, ExternalDailyCap: 200})

	require.NoError(t, g.AllowExternal(context.Background()))

	c.budget = store.Budget{ExternalCalls: 200}
	err := g.AllowExternal(context.Background())
	assert.ErrorIs(t, err, external.ErrBudget)
}

func TestAdmitSurfacesCounterFailure(t *testing.T) {
	c := newFakeCounters()
	c.err = errors.New("database locked")
	g := newTestGate(c, Limits{MaxPerIPPerDay: 30, ExternalDailyCap: 200})

	_, err := g.Admit(context.Background(), "203.0.113.5")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)
}

func TestHashIPIsKeyedAndStable(t *testing.T) {
	g1 := New(newFakeCounters(), Limits{MaxPerIPPerDay: 1}, "secret-a")
	g2 := New(newFakeCounters(), Limits{MaxPerIPPerDay: 1}, "secret-b")

	h1 := g1.HashIP("203.0.113.5")
	assert.Equal(t, h1, g1.HashIP("203.0.113.5"))
	assert.NotEqual(t, h1, g2.HashIP("203.0.113.5"))
	assert.NotContains(t, h1, "203.0.113.5")
	assert.Len(t, h1, 64)
}
