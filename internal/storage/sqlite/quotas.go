package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// AddDailyTokens reads the existing (user, day) row, fails without writing
// if existing+tokens would exceed cap, otherwise upserts. The read and the
// upsert run in one transaction on the write pool's single connection, which
// serializes this against every other writer and keeps the quota gate's
// read-then-write sequence atomic.
func (s *Store) AddDailyTokens(ctx context.Context, userRef, day string, tokens, cap int64) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin daily tokens tx: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT tokens FROM quotas_daily WHERE user_ref = ? AND day = ?`, userRef, day,
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: read daily tokens: %w", err)
	}

	if existing+tokens > cap {
		return &routepilot.QuotaError{Kind: routepilot.QuotaKindDaily, Limit: cap, When: day}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quotas_daily (user_ref, day, tokens) VALUES (?, ?, ?)
		ON CONFLICT(user_ref, day) DO UPDATE SET tokens = tokens + excluded.tokens`,
		userRef, day, tokens,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert daily tokens: %w", err)
	}
	return tx.Commit()
}

// DailyTokens returns the tokens recorded for (user, day), 0 if absent.
func (s *Store) DailyTokens(ctx context.Context, userRef, day string) (int64, error) {
	var tokens int64
	err := s.read.QueryRowContext(ctx,
		`SELECT tokens FROM quotas_daily WHERE user_ref = ? AND day = ?`, userRef, day,
	).Scan(&tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: read daily tokens: %w", err)
	}
	return tokens, nil
}

// MonthTokens sums every day-row in [monthStart, monthEnd]. The spurious
// day-31 upper bound for short months is benign: no row exists for it.
func (s *Store) MonthTokens(ctx context.Context, userRef, monthStart, monthEnd string) (int64, error) {
	var total int64
	err := s.read.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens), 0) FROM quotas_daily
		WHERE user_ref = ? AND day BETWEEN ? AND ?`, userRef, monthStart, monthEnd,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sqlite: month tokens: %w", err)
	}
	return total, nil
}
