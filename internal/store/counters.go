package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Budget is the persisted per-day external-model spend.
type Budget struct {
	Day           string `json:"day"`
	ExternalCalls int    `json:"external_calls"`
	CostMicroUSD  int64  `json:"cost_micro_usd"`
}

// Day returns the UTC day key used by all counters.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// IncrementRateCounter atomically increments the per-IP counter for the day
// and returns the new count. A single upsert statement avoids read-modify-
// write races under concurrent admissions.
func (s *Store) IncrementRateCounter(ctx context.Context, ipHash, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_counters (ip_hash, day, count) VALUES (?, ?, 1)
		ON CONFLICT(ip_hash, day) DO UPDATE SET count = count + 1
		RETURNING count`, ipHash, day).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment rate counter: %w", err)
	}
	return count, nil
}

// GetBudget reads the budget counter for a day. A missing row means no spend.
func (s *Store) GetBudget(ctx context.Context, day string) (Budget, error) {
	b := Budget{Day: day}
	err := s.db.QueryRowContext(ctx, `
		SELECT external_calls, cost_micro_usd FROM budget_counters WHERE day = ?`, day).
		Scan(&b.ExternalCalls, &b.CostMicroUSD)
	if err == sql.ErrNoRows {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("read budget counter: %w", err)
	}
	return b, nil
}

// AuditRow is one logged external-model call.
type AuditRow struct {
	ID             uint64    `json:"id"`
	InvocationID   string    `json:"invocation_id"`
	Day            string    `json:"day"`
	Model          string    `json:"model"`
	TokensIn       int       `json:"tokens_in"`
	TokensOut      int       `json:"tokens_out"`
	CostMicroUSD   int64     `json:"cost_micro_usd"`
	PricingVersion string    `json:"pricing_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordExternalCall writes the audit row and bumps the day's budget counter
// in one transaction, keeping the two views of spend in lockstep.
func (s *Store) RecordExternalCall(ctx context.Context, row AuditRow) error {
	if row.Day == "" {
		row.Day = Day(time.Now())
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_external_calls
			(invocation_id, day, model, tokens_in, tokens_out, cost_micro_usd, pricing_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.InvocationID, row.Day, row.Model, row.TokensIn, row.TokensOut,
		row.CostMicroUSD, row.PricingVersion, row.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO budget_counters (day, external_calls, cost_micro_usd) VALUES (?, 1, ?)
		ON CONFLICT(day) DO UPDATE SET
			external_calls = external_calls + 1,
			cost_micro_usd = cost_micro_usd + excluded.cost_micro_usd`,
		row.Day, row.CostMicroUSD); err != nil {
		return fmt.Errorf("increment budget counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit: %w", err)
	}
	return nil
}

// CountAuditRows counts audit rows for a day.
func (s *Store) CountAuditRows(ctx context.Context, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_external_calls WHERE day = ?`, day).Scan(&n)
	return n, err
}

// UsageDay is a per-day rollup of external usage.
type UsageDay struct {
	Day          string `json:"day"`
	Calls        int    `json:"calls"`
	TokensIn     int64  `json:"tokens_in"`
	TokensOut    int64  `json:"tokens_out"`
	CostMicroUSD int64  `json:"cost_micro_usd"`
}

// UsageSummary rolls up audit rows for the last N days, newest first.
func (s *Store) UsageSummary(ctx context.Context, days int) ([]UsageDay, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := Day(time.Now().AddDate(0, 0, -days))
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, COUNT(*), SUM(tokens_in), SUM(tokens_out), SUM(cost_micro_usd)
		FROM audit_external_calls
		WHERE day >= ?
		GROUP BY day ORDER BY day DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	out := make([]UsageDay, 0)
	for rows.Next() {
		var u UsageDay
		if err := rows.Scan(&u.Day, &u.Calls, &u.TokensIn, &u.TokensOut, &u.CostMicroUSD); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
