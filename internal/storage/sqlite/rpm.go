package sqlite

import (
	"context"
	"fmt"
)

// PruneAndCountRPMEvents deletes every rpm event for user older than
// cutoffMs and returns the count of events remaining at or after it. Both
// operations run in one transaction on the single write connection. The
// new event is inserted by a separate InsertRPMEvent call, so keeping two
// concurrent callers from both observing count = limit-1 is left to the
// caller's own locking (ratewindow's per-user mutex).
func (s *Store) PruneAndCountRPMEvents(ctx context.Context, userRef string, cutoffMs, nowMs int64) (int64, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin rpm tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rpm_events WHERE user_ref = ? AND ts_ms < ?`, userRef, cutoffMs,
	); err != nil {
		return 0, fmt.Errorf("sqlite: prune rpm events: %w", err)
	}

	var count int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rpm_events WHERE user_ref = ? AND ts_ms >= ?`, userRef, cutoffMs,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count rpm events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit rpm prune: %w", err)
	}
	return count, nil
}

// InsertRPMEvent records one event at tsMs.
func (s *Store) InsertRPMEvent(ctx context.Context, userRef string, tsMs int64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO rpm_events (user_ref, ts_ms) VALUES (?, ?)`, userRef, tsMs)
	if err != nil {
		return fmt.Errorf("sqlite: insert rpm event: %w", err)
	}
	return nil
}
