package subagent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// branchResult pairs one fan-out branch's outcome with its agent name, for
// callers that need to report which branches were cancelled.
type branchResult struct {
	agent  string
	result *HopResult
	err    error
}

// fanOut runs one envelope per branch agent concurrently. In join-all mode
// every branch runs to completion and all results are returned. In
// early-stop mode the first branch to succeed cancels the remaining
// branches' contexts; those branches contribute no receipt, and their
// agent names are returned as cancelled.
func (c *Controller) fanOut(ctx context.Context, envs []routepilot.Envelope, earlyStop bool) (results []branchResult, cancelled []string) {
	if !earlyStop {
		return c.fanOutJoinAll(ctx, envs), nil
	}
	return c.fanOutEarlyStop(ctx, envs)
}

// fanOutJoinAll runs every branch concurrently via a plain (non-context)
// errgroup.Group, which waits for every branch to finish regardless of
// individual failures -- the join-all default does not cancel siblings on
// one branch's error.
func (c *Controller) fanOutJoinAll(ctx context.Context, envs []routepilot.Envelope) []branchResult {
	results := make([]branchResult, len(envs))
	var g errgroup.Group
	for i, env := range envs {
		i, env := i, env
		g.Go(func() error {
			res, err := c.RunHop(ctx, env)
			results[i] = branchResult{agent: env.Agent, result: res, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Controller) fanOutEarlyStop(ctx context.Context, envs []routepilot.Envelope) ([]branchResult, []string) {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]branchResult, len(envs))
	done := make([]bool, len(envs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, env := range envs {
		wg.Add(1)
		go func(i int, env routepilot.Envelope) {
			defer wg.Done()
			res, err := c.RunHop(branchCtx, env)
			mu.Lock()
			results[i] = branchResult{agent: env.Agent, result: res, err: err}
			done[i] = true
			if err == nil {
				cancel()
			}
			mu.Unlock()
		}(i, env)
	}
	wg.Wait()

	var cancelledAgents []string
	mu.Lock()
	for i, env := range envs {
		if results[i].result == nil && results[i].err != nil {
			cancelledAgents = append(cancelledAgents, env.Agent)
		}
	}
	mu.Unlock()
	return results, cancelledAgents
}

// successfulOutputs extracts the successful branch outputs from a fan-out,
// in the original branch order.
func successfulOutputs(results []branchResult) []map[string]any {
	var outs []map[string]any
	for _, r := range results {
		if r.err == nil && r.result != nil {
			outs = append(outs, r.result.Output)
		}
	}
	return outs
}
