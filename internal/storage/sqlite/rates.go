package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/routepilot/routepilot/internal/storage"
)

// UpsertRateOverride writes or replaces one model's cost override.
func (s *Store) UpsertRateOverride(ctx context.Context, o storage.RateOverride) error {
	updatedAt := o.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO rate_overrides (model, input_per_k, output_per_k, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(model) DO UPDATE SET
			input_per_k = excluded.input_per_k,
			output_per_k = excluded.output_per_k,
			updated_at = excluded.updated_at`,
		o.Model, o.InputPerK, o.OutputPerK, updatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert rate override: %w", err)
	}
	return nil
}

// ListRateOverrides returns every stored override.
func (s *Store) ListRateOverrides(ctx context.Context) ([]storage.RateOverride, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT model, input_per_k, output_per_k, updated_at FROM rate_overrides`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rate overrides: %w", err)
	}
	defer rows.Close()

	var out []storage.RateOverride
	for rows.Next() {
		var o storage.RateOverride
		var updatedAt string
		if err := rows.Scan(&o.Model, &o.InputPerK, &o.OutputPerK, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan rate override: %w", err)
		}
		if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: parse rate override updated_at: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
