// Package ratewindow enforces per-user request-rate and daily token quotas
// on top of the Ledger. It keeps the registry-of-mutexes shape of
// internal/ratelimit's Limiter/Registry pair but swaps the token-bucket
// refill algorithm for a sliding window of durable events, since the rate
// gate here must answer "how many requests in the last 60s" rather than
// "how many tokens are in the bucket right now".
package ratewindow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage"
	"github.com/routepilot/routepilot/internal/telemetry"
)

const window = 60_000 // milliseconds

// Enforcer gates requests against a per-user RPM window and a per-user
// per-day token cap, both backed by storage.QuotaStore.
type Enforcer struct {
	store storage.QuotaStore

	// Metrics records rejects by kind. Nil disables metrics recording.
	Metrics *telemetry.Metrics

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// New returns an Enforcer backed by store.
func New(store storage.QuotaStore) *Enforcer {
	return &Enforcer{store: store, locks: make(map[string]*userLock)}
}

func (e *Enforcer) lockFor(userRef string) *userLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[userRef]
	if !ok {
		l = &userLock{}
		e.locks[userRef] = l
	}
	l.lastUsed = time.Now()
	return l
}

// EvictStale drops in-memory per-user locks untouched since cutoff. It has
// no effect on durable state; it only bounds the registry's memory.
func (e *Enforcer) EvictStale(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	evicted := 0
	for key, l := range e.locks {
		if l.lastUsed.Before(cutoff) {
			delete(e.locks, key)
			evicted++
		}
	}
	return evicted
}

// AssertWithinRPM prunes events older than the window, counts what remains
// for userRef, and fails with a QuotaError if that count has already
// reached limit, so the new event would exceed it. On success it records a
// new event at now. The per-user lock
// serializes the count-then-insert sequence within this process so two
// concurrent callers cannot both observe count = limit-1.
func (e *Enforcer) AssertWithinRPM(ctx context.Context, userRef string, limit int64) error {
	lock := e.lockFor(userRef)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	now := time.Now()
	nowMs := now.UnixMilli()
	cutoffMs := nowMs - window

	count, err := e.store.PruneAndCountRPMEvents(ctx, userRef, cutoffMs, nowMs)
	if err != nil {
		return fmt.Errorf("ratewindow: rpm check: %w", err)
	}
	if count >= limit {
		e.reject(routepilot.QuotaKindRPM)
		return &routepilot.QuotaError{Kind: routepilot.QuotaKindRPM, Limit: limit}
	}
	if err := e.store.InsertRPMEvent(ctx, userRef, nowMs); err != nil {
		return fmt.Errorf("ratewindow: rpm record: %w", err)
	}
	return nil
}

// AddDailyTokens charges tokens against userRef's quota for the calendar
// day in tz, failing without writing if the day's total would exceed cap.
func (e *Enforcer) AddDailyTokens(ctx context.Context, userRef string, tokens, cap int64, tz string) error {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("ratewindow: load location %q: %w", tz, err)
	}
	day := time.Now().In(loc).Format("2006-01-02")
	if err := e.store.AddDailyTokens(ctx, userRef, day, tokens, cap); err != nil {
		var quotaErr *routepilot.QuotaError
		if errors.As(err, &quotaErr) {
			e.reject(quotaErr.Kind)
		}
		return err
	}
	return nil
}

// reject is a no-op when Metrics is nil, so callers never need to guard
// every call site themselves.
func (e *Enforcer) reject(kind routepilot.QuotaErrorKind) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.QuotaRejectsTotal.WithLabelValues(string(kind)).Inc()
}

// Summary reports a user's current-day and current-month token usage in tz,
// along with the instant the daily window next resets (local midnight).
type Summary struct {
	Day         string
	TokensToday int64
	TokensMonth int64
	ResetsAt    time.Time
}

// UsageSummary computes Summary for userRef as of now in tz.
func (e *Enforcer) UsageSummary(ctx context.Context, userRef, tz string) (*Summary, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("ratewindow: load location %q: %w", tz, err)
	}
	now := time.Now().In(loc)
	day := now.Format("2006-01-02")
	monthStart := now.Format("2006-01") + "-01"
	monthEnd := now.Format("2006-01") + "-31"

	tokensToday, err := e.store.DailyTokens(ctx, userRef, day)
	if err != nil {
		return nil, fmt.Errorf("ratewindow: daily tokens: %w", err)
	}
	tokensMonth, err := e.store.MonthTokens(ctx, userRef, monthStart, monthEnd)
	if err != nil {
		return nil, fmt.Errorf("ratewindow: month tokens: %w", err)
	}

	resetsAt := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return &Summary{Day: day, TokensToday: tokensToday, TokensMonth: tokensMonth, ResetsAt: resetsAt}, nil
}
