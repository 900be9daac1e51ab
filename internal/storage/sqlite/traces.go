package sqlite

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// InsertTrace writes a routing sample.
func (s *Store) InsertTrace(ctx context.Context, t *routepilot.Trace) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO traces (ts, user_ref, policy, route_primary, route_final, latency_ms, tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TS.UTC().Format(time.RFC3339Nano), nullableString(t.UserRef), t.Policy,
		t.RoutePrimary, t.RouteFinal, t.LatencyMs, t.Tokens, t.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert trace: %w", err)
	}
	return nil
}

// P95Latency computes p95LatencyFor(model, n): sorted_asc[floor(0.95 *
// (min(n, available)-1))] over the most recent n traces whose route_final
// is model. Returns samples=0 when no trace for model exists.
func (s *Store) P95Latency(ctx context.Context, model string, n int) (int64, int, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT latency_ms FROM traces WHERE route_final = ?
		ORDER BY ts DESC LIMIT ?`, model, n)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: p95 query: %w", err)
	}
	defer rows.Close()

	var latencies []int64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return 0, 0, fmt.Errorf("sqlite: p95 scan: %w", err)
		}
		latencies = append(latencies, ms)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if len(latencies) == 0 {
		return 0, 0, nil
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := int(0.95 * float64(len(latencies)-1))
	return latencies[idx], len(latencies), nil
}

// PruneTraces deletes every trace older than before.
func (s *Store) PruneTraces(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM traces WHERE ts < ?`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune traces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune traces rows affected: %w", err)
	}
	return n, nil
}
