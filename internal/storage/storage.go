// Package storage defines the Ledger's persistence interfaces: the durable
// rows every other component reads or writes (receipts, traces, quotas, rpm
// events, sessions/messages, rate overrides). Envelopes, policies, and
// agent specs are read-only values passed between components and are never
// stored here.
package storage

import (
	"context"
	"time"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// ReceiptStore persists immutable invocation receipts and reconstructs
// parent_id timelines.
type ReceiptStore interface {
	InsertReceipt(ctx context.Context, r *routepilot.Receipt) error
	GetReceipt(ctx context.Context, id string) (*routepilot.Receipt, error)
	// Timeline returns every receipt sharing taskID, ordered by ts.
	Timeline(ctx context.Context, taskID string) ([]*routepilot.Receipt, error)
}

// TraceStore persists routing samples and answers the p95 query the router
// uses for pre-pick.
type TraceStore interface {
	InsertTrace(ctx context.Context, t *routepilot.Trace) error
	// P95Latency returns the 95th-percentile latency of the most recent n
	// successful traces for model, and how many samples were available.
	// samples is 0 and p95Ms is 0 when no trace for model exists.
	P95Latency(ctx context.Context, model string, n int) (p95Ms int64, samples int, err error)
	// PruneTraces deletes every trace older than before, returning how many
	// rows were removed.
	PruneTraces(ctx context.Context, before time.Time) (int64, error)
}

// QuotaStore persists the daily token ledger and rpm event log.
type QuotaStore interface {
	// AddDailyTokens increments the (user, day) row by tokens, failing
	// without writing if the result would exceed cap.
	AddDailyTokens(ctx context.Context, userRef, day string, tokens, cap int64) error
	// DailyTokens returns the tokens recorded for (user, day), 0 if absent.
	DailyTokens(ctx context.Context, userRef, day string) (int64, error)
	// MonthTokens sums every day-row in [monthStart, monthEnd] inclusive
	// (both YYYY-MM-DD; callers may pass the spurious day-31 upper bound).
	MonthTokens(ctx context.Context, userRef, monthStart, monthEnd string) (int64, error)

	// PruneAndCountRPMEvents deletes every rpm event for user older than
	// cutoffMs and returns the count of events remaining at or after it.
	PruneAndCountRPMEvents(ctx context.Context, userRef string, cutoffMs, nowMs int64) (count int64, err error)
	// InsertRPMEvent records a single event at tsMs.
	InsertRPMEvent(ctx context.Context, userRef string, tsMs int64) error
}

// SessionStore persists multi-turn chat sessions and their message history.
type SessionStore interface {
	CreateSession(ctx context.Context, s *routepilot.Session) error
	GetSession(ctx context.Context, id string) (*routepilot.Session, error)
	InsertMessage(ctx context.Context, m *routepilot.Message) error
	// RecentMessages returns up to limit most recent messages for session,
	// in chronological order (oldest first).
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*routepilot.Message, error)
	// LastReceiptID returns the most recent receipt id written with
	// task_id == sessionID, or "" if none.
	LastReceiptID(ctx context.Context, sessionID string) (string, error)
}

// RateOverride is one model's cost-per-1k-token override, read from the
// ambient rate-table document.
type RateOverride struct {
	Model      string
	InputPerK  float64
	OutputPerK float64
	UpdatedAt  time.Time
}

// RateOverrideStore persists operator-supplied overrides to the built-in
// cost table.
type RateOverrideStore interface {
	UpsertRateOverride(ctx context.Context, o RateOverride) error
	ListRateOverrides(ctx context.Context) ([]RateOverride, error)
}

// Store combines every Ledger interface plus lifecycle methods.
type Store interface {
	ReceiptStore
	TraceStore
	QuotaStore
	SessionStore
	RateOverrideStore
	Ping(ctx context.Context) error
	Close() error
}
