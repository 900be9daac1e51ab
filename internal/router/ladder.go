package router

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// TraceReader answers the p95 query the ladder pre-pick needs: the 95th
// percentile latency of the most recent n successful traces for model, and
// how many samples were available. samples is 0 when no trace exists.
type TraceReader interface {
	P95Latency(ctx context.Context, model string, n int) (p95Ms int64, samples int, err error)
}

const ladderCacheTTL = 5 * time.Second

// ladderCache memoizes a resolved ladder for a few seconds so a burst of
// calls against the same policy doesn't re-run the p95 queries for every
// request, mirroring the teacher's route-resolution cache.
type ladderCache struct {
	cache *otter.Cache[string, []string]
}

func newLadderCache() *ladderCache {
	c := otter.Must(&otter.Options[string, []string]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, []string](ladderCacheTTL),
	})
	return &ladderCache{cache: c}
}

func ladderCacheKey(policyName string, routing routepilot.PolicyRouting) string {
	return fmt.Sprintf("%s|%v|%v|%d", policyName, routing.Primary, routing.Backups, routing.P95WindowN)
}

// resolve returns the cached ladder for (policyName, routing) if present,
// otherwise builds it via buildLadder and caches the result.
func (lc *ladderCache) resolve(ctx context.Context, tr TraceReader, policyName string, routing routepilot.PolicyRouting, targetP95Ms int64) ([]string, error) {
	key := ladderCacheKey(policyName, routing)
	if cached, ok := lc.cache.GetIfPresent(key); ok {
		return cached, nil
	}
	ladder, err := buildLadder(ctx, tr, routing, targetP95Ms)
	if err != nil {
		return nil, err
	}
	lc.cache.Set(key, ladder)
	return ladder, nil
}

// buildLadder implements the route ladder construction contract: the ladder
// starts as primary followed by backups, and is reordered only when the
// primary's recent p95 both has enough samples and exceeds target.
func buildLadder(ctx context.Context, tr TraceReader, routing routepilot.PolicyRouting, targetP95Ms int64) ([]string, error) {
	ladder := make([]string, 0, len(routing.Primary)+len(routing.Backups))
	ladder = append(ladder, routing.Primary...)
	ladder = append(ladder, routing.Backups...)

	if len(routing.Primary) == 0 {
		return ladder, nil
	}

	windowN := routing.P95WindowN
	if windowN <= 0 {
		windowN = 50
	}

	primaryP95, samples, err := tr.P95Latency(ctx, routing.Primary[0], windowN)
	if err != nil {
		return nil, fmt.Errorf("router: primary p95 lookup: %w", err)
	}
	if samples < 10 || primaryP95 <= targetP95Ms {
		return ladder, nil
	}

	bestIdx := -1
	var bestP95 int64
	for i, backup := range routing.Backups {
		p95, s, err := tr.P95Latency(ctx, backup, windowN)
		if err != nil || s == 0 {
			continue
		}
		if bestIdx == -1 || p95 < bestP95 {
			bestIdx, bestP95 = i, p95
		}
	}
	if bestIdx == -1 {
		return ladder, nil
	}

	chosen := routing.Backups[bestIdx]
	reordered := make([]string, 0, len(ladder))
	reordered = append(reordered, chosen)
	reordered = append(reordered, routing.Primary...)
	for i, backup := range routing.Backups {
		if i == bestIdx {
			continue
		}
		reordered = append(reordered, backup)
	}
	return reordered, nil
}
