package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GlobalUsageScope is the scope used for the process-wide token budget.
const GlobalUsageScope = "global"

// UsageRow holds cumulative token counters for a scope.
type UsageRow struct {
	Scope        string    `json:"scope"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	TotalTokens  int64     `json:"totalTokens"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AddUsage increments the counters of a scope and returns the new totals.
func (s *Store) AddUsage(scope string, input, output int64) (*UsageRow, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
	INSERT INTO usage_counters (scope, input_tokens, output_tokens, total_tokens, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(scope) DO UPDATE SET
		input_tokens = usage_counters.input_tokens + excluded.input_tokens,
		output_tokens = usage_counters.output_tokens + excluded.output_tokens,
		total_tokens = usage_counters.total_tokens + excluded.total_tokens,
		updated_at = excluded.updated_at`,
		scope, input, output, input+output, now)
	if err != nil {
		return nil, fmt.Errorf("failed to add usage: %w", err)
	}
	return s.LoadUsage(scope)
}

// ResetUsage zeroes the counters of a scope.
func (s *Store) ResetUsage(scope string) error {
	_, err := s.db.Exec(`
	INSERT INTO usage_counters (scope, input_tokens, output_tokens, total_tokens, updated_at)
	VALUES (?, 0, 0, 0, ?)
	ON CONFLICT(scope) DO UPDATE SET
		input_tokens = 0, output_tokens = 0, total_tokens = 0, updated_at = excluded.updated_at`,
		scope, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	return nil
}

// LoadUsage returns the counters of a scope; a missing scope reads as zero.
func (s *Store) LoadUsage(scope string) (*UsageRow, error) {
	u := &UsageRow{Scope: scope}
	var updated int64
	err := s.db.QueryRow(`
	SELECT input_tokens, output_tokens, total_tokens, updated_at
	FROM usage_counters WHERE scope = ?`, scope).
		Scan(&u.InputTokens, &u.OutputTokens, &u.TotalTokens, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	u.UpdatedAt = msTime(updated)
	return u, nil
}
