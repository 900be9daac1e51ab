package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// InsertReceipt writes an immutable receipt row. Receipts are never
// updated after this call -- the recorder enforces that by never calling
// InsertReceipt twice for the same id.
func (s *Store) InsertReceipt(ctx context.Context, r *routepilot.Receipt) error {
	reasons, err := json.Marshal(r.Reasons)
	if err != nil {
		return fmt.Errorf("sqlite: marshal reasons: %w", err)
	}
	var meta []byte
	if r.Meta != nil {
		if meta, err = json.Marshal(r.Meta); err != nil {
			return fmt.Errorf("sqlite: marshal meta: %w", err)
		}
	}

	_, err = s.write.ExecContext(ctx, `
		INSERT INTO receipts
			(id, ts, policy, route_primary, route_final, fallback_count, reasons,
			 latency_ms, first_token_ms, task_id, parent_id, prompt_tokens,
			 completion_tokens, cost_usd, prompt_hash, policy_hash, agent, meta, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TS.UTC().Format(time.RFC3339Nano), r.Policy, r.RoutePrimary, r.RouteFinal,
		r.FallbackCount, string(reasons), r.LatencyMs, r.FirstTokenMs, nullableString(r.TaskID),
		nullableString(r.ParentID), r.PromptTokens, r.CompletionTokens, r.CostUSD,
		r.PromptHash, r.PolicyHash, nullableString(r.Agent), nullableBytes(meta), r.Signature,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert receipt: %w", err)
	}
	return nil
}

// GetReceipt reads one receipt by id.
func (s *Store) GetReceipt(ctx context.Context, id string) (*routepilot.Receipt, error) {
	row := s.read.QueryRowContext(ctx, `
		SELECT id, ts, policy, route_primary, route_final, fallback_count, reasons,
		       latency_ms, first_token_ms, task_id, parent_id, prompt_tokens,
		       completion_tokens, cost_usd, prompt_hash, policy_hash, agent, meta, signature
		FROM receipts WHERE id = ?`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: receipt %q: %w", id, errReceiptNotFound)
	}
	return r, err
}

// Timeline returns every receipt sharing taskID, oldest first.
func (s *Store) Timeline(ctx context.Context, taskID string) ([]*routepilot.Receipt, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, ts, policy, route_primary, route_final, fallback_count, reasons,
		       latency_ms, first_token_ms, task_id, parent_id, prompt_tokens,
		       completion_tokens, cost_usd, prompt_hash, policy_hash, agent, meta, signature
		FROM receipts WHERE task_id = ? ORDER BY ts ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: timeline query: %w", err)
	}
	defer rows.Close()

	var out []*routepilot.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*routepilot.Receipt, error) {
	var r routepilot.Receipt
	var ts string
	var reasons string
	var taskID, parentID, agent sql.NullString
	var meta sql.NullString
	var firstTokenMs sql.NullInt64

	err := row.Scan(&r.ID, &ts, &r.Policy, &r.RoutePrimary, &r.RouteFinal, &r.FallbackCount,
		&reasons, &r.LatencyMs, &firstTokenMs, &taskID, &parentID, &r.PromptTokens,
		&r.CompletionTokens, &r.CostUSD, &r.PromptHash, &r.PolicyHash, &agent, &meta, &r.Signature)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan receipt: %w", err)
	}

	if r.TS, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return nil, fmt.Errorf("sqlite: parse receipt ts: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &r.Reasons); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal reasons: %w", err)
	}
	if firstTokenMs.Valid {
		r.FirstTokenMs = &firstTokenMs.Int64
	}
	r.TaskID = taskID.String
	r.ParentID = parentID.String
	r.Agent = agent.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Meta); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal meta: %w", err)
		}
	}
	return &r, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
