// Package testutil provides configurable test fakes for orchestrator
// interfaces.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage"
)

// errNotFound is returned by lookup methods when no matching row exists.
var errNotFound = errors.New("testutil: not found")

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu sync.RWMutex

	receipts    map[string]*routepilot.Receipt
	traces      []*routepilot.Trace
	dailyTokens map[string]int64
	rpmEvents   map[string][]int64
	sessions    map[string]*routepilot.Session
	messages    map[string][]*routepilot.Message
	rates       map[string]storage.RateOverride
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		receipts:    make(map[string]*routepilot.Receipt),
		dailyTokens: make(map[string]int64),
		rpmEvents:   make(map[string][]int64),
		sessions:    make(map[string]*routepilot.Session),
		messages:    make(map[string][]*routepilot.Message),
		rates:       make(map[string]storage.RateOverride),
	}
}

// --- ReceiptStore ---

func (s *FakeStore) InsertReceipt(_ context.Context, r *routepilot.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[r.ID] = r
	return nil
}

func (s *FakeStore) GetReceipt(_ context.Context, id string) (*routepilot.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[id]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func (s *FakeStore) Timeline(_ context.Context, taskID string) ([]*routepilot.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*routepilot.Receipt
	for _, r := range s.receipts {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

// --- TraceStore ---

func (s *FakeStore) InsertTrace(_ context.Context, t *routepilot.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, t)
	return nil
}

func (s *FakeStore) P95Latency(_ context.Context, model string, n int) (int64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latencies []int64
	for i := len(s.traces) - 1; i >= 0 && len(latencies) < n; i-- {
		if s.traces[i].RouteFinal == model {
			latencies = append(latencies, s.traces[i].LatencyMs)
		}
	}
	if len(latencies) == 0 {
		return 0, 0, nil
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := int(0.95 * float64(len(latencies)-1))
	return latencies[idx], len(latencies), nil
}

func (s *FakeStore) PruneTraces(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*routepilot.Trace
	var removed int64
	for _, t := range s.traces {
		if t.TS.Before(before) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	s.traces = kept
	return removed, nil
}

// --- QuotaStore ---

func (s *FakeStore) AddDailyTokens(_ context.Context, userRef, day string, tokens, cap int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userRef + "|" + day
	if s.dailyTokens[key]+tokens > cap {
		return &routepilot.QuotaError{Kind: routepilot.QuotaKindDaily, Limit: cap, When: day}
	}
	s.dailyTokens[key] += tokens
	return nil
}

func (s *FakeStore) DailyTokens(_ context.Context, userRef, day string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dailyTokens[userRef+"|"+day], nil
}

func (s *FakeStore) MonthTokens(_ context.Context, userRef, monthStart, monthEnd string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	prefix := userRef + "|"
	for key, tokens := range s.dailyTokens {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		day := key[len(prefix):]
		if day >= monthStart && day <= monthEnd {
			total += tokens
		}
	}
	return total, nil
}

func (s *FakeStore) PruneAndCountRPMEvents(_ context.Context, userRef string, cutoffMs, nowMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []int64
	for _, ts := range s.rpmEvents[userRef] {
		if ts >= cutoffMs && ts <= nowMs {
			kept = append(kept, ts)
		}
	}
	s.rpmEvents[userRef] = kept
	return int64(len(kept)), nil
}

func (s *FakeStore) InsertRPMEvent(_ context.Context, userRef string, tsMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpmEvents[userRef] = append(s.rpmEvents[userRef], tsMs)
	return nil
}

// --- SessionStore ---

func (s *FakeStore) CreateSession(_ context.Context, sess *routepilot.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *FakeStore) GetSession(_ context.Context, id string) (*routepilot.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errNotFound
	}
	return sess, nil
}

func (s *FakeStore) InsertMessage(_ context.Context, m *routepilot.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return nil
}

func (s *FakeStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]*routepilot.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	if len(msgs) <= limit {
		return msgs, nil
	}
	return msgs[len(msgs)-limit:], nil
}

func (s *FakeStore) LastReceiptID(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *routepilot.Receipt
	for _, r := range s.receipts {
		if r.TaskID != sessionID {
			continue
		}
		if latest == nil || r.TS.After(latest.TS) {
			latest = r
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.ID, nil
}

// --- RateOverrideStore ---

func (s *FakeStore) UpsertRateOverride(_ context.Context, o storage.RateOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[o.Model] = o
	return nil
}

func (s *FakeStore) ListRateOverrides(_ context.Context) ([]storage.RateOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.RateOverride, 0, len(s.rates))
	for _, o := range s.rates {
		out = append(out, o)
	}
	return out, nil
}

// --- lifecycle ---

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }
