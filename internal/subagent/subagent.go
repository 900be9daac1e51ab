// Package subagent implements the sub-agent controller: the per-hop
// contract that turns a declarative agent definition and a typed envelope
// into a single forced-JSON call, with schema checks on either side, a
// receipt recording lineage, and budget enforcement that marks (never
// blocks) an over-budget hop.
package subagent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/routepilot/routepilot/internal/fetchsafe"
	"github.com/routepilot/routepilot/internal/gatewayclient"
	"github.com/routepilot/routepilot/internal/policy"
	"github.com/routepilot/routepilot/internal/rateestimate"
	"github.com/routepilot/routepilot/internal/receipt"
	"github.com/routepilot/routepilot/internal/router"
	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage"
	"github.com/routepilot/routepilot/internal/stream"
	"github.com/routepilot/routepilot/internal/telemetry"
)

const defaultJSONSystem = "Respond with a single strict JSON object and nothing else."

// AgentProvider resolves a declarative agent definition by name.
type AgentProvider interface {
	Agent(name string) (*routepilot.AgentSpec, error)
}

// PolicyProvider resolves a validated policy document by name.
type PolicyProvider interface {
	Policy(name string) (*routepilot.Policy, error)
}

// Controller runs individual sub-agent hops per the pre-flight, call,
// collect, post-flight contract.
type Controller struct {
	Agents   AgentProvider
	Policies PolicyProvider
	Router   *router.Supervisor
	Rates    *rateestimate.Table
	Receipts *receipt.Recorder
	Traces   storage.TraceStore
	Fetch    *fetchsafe.Fetcher

	// DryRun skips the network call entirely and returns a deterministic
	// stub keyed by the agent's name family.
	DryRun bool

	// ChaosPrimaryStall and ChaosHTTP5xx mirror the CHAOS_PRIMARY_STALL and
	// CHAOS_HTTP_5XX ambient flags, threaded in explicitly by the caller
	// rather than read from the environment here.
	ChaosPrimaryStall bool
	ChaosHTTP5xx      bool

	// Metrics records over-budget hops and tokens processed. Nil disables
	// metrics recording.
	Metrics *telemetry.Metrics
}

// HopResult is the outcome of one RunHop call.
type HopResult struct {
	Output           map[string]any
	ReceiptID        string
	OverBudget       bool
	Warnings         []string // non-fatal output-schema violations
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	LatencyMs        int64
	FallbackCount    int
}

// RunHop executes one sub-agent hop: validate the envelope's input against
// the agent's input schema, optionally pre-fetch http_fetch tool results,
// call the model in forced-JSON mode, extract the last balanced JSON object
// from the captured output, check it against the output schema as
// non-fatal warnings, write a receipt, and mark over_budget if the hop
// exceeded its budget.
func (c *Controller) RunHop(ctx context.Context, env routepilot.Envelope) (*HopResult, error) {
	return c.runHop(ctx, env, nil)
}

// RunHopWithMeta runs a hop exactly like RunHop but merges extraMeta into
// the written receipt's meta, used by the parallel chain to record
// cancelled_agents on the aggregator's receipt.
func (c *Controller) RunHopWithMeta(ctx context.Context, env routepilot.Envelope, extraMeta map[string]any) (*HopResult, error) {
	return c.runHop(ctx, env, extraMeta)
}

func (c *Controller) runHop(ctx context.Context, env routepilot.Envelope, extraMeta map[string]any) (*HopResult, error) {
	agent, err := c.Agents.Agent(env.Agent)
	if err != nil {
		return nil, fmt.Errorf("subagent: agent %q: %w", env.Agent, err)
	}

	if issues := validateSchema(env.Input, agent.InputSchema); len(issues) > 0 {
		return nil, fmt.Errorf("subagent: input schema violation for %q: %v", env.Agent, issues)
	}

	if c.DryRun {
		return &HopResult{Output: dryRunStub(agent.Name)}, nil
	}

	pol, err := c.Policies.Policy(agent.Policy)
	if err != nil {
		return nil, fmt.Errorf("subagent: policy %q: %w", agent.Policy, err)
	}
	if err := policy.Resolve(pol); err != nil {
		return nil, err
	}

	toolResults := c.preFlightTools(ctx, agent, env)

	userPayload := map[string]any{
		"input":       env.Input,
		"context":     env.Context,
		"constraints": env.Constraints,
	}
	if toolResults != nil {
		userPayload["tool_results"] = toolResults
	}
	userBytes, err := json.Marshal(userPayload)
	if err != nil {
		return nil, fmt.Errorf("subagent: marshal call payload: %w", err)
	}

	system := agent.System
	if system == "" {
		system = defaultJSONSystem
	}
	messages := []gatewayclient.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: string(userBytes)},
	}

	strategy := pol.Strategy
	if env.Budget.TimeMs > 0 {
		strategy.FallbackOnLatencyMs = env.Budget.TimeMs
	}

	sink := &stream.SilentSink{}
	result, err := c.Router.Supervise(ctx, pol.Name, router.Request{
		Routing:     pol.Routing,
		Strategy:    strategy,
		TargetP95Ms: pol.Objectives.P95LatencyMs,
		Params: router.Params{
			Messages:       messages,
			MaxTokens:      pol.Objectives.MaxTokens,
			JSONMode:       true,
			Gen:            pol.Gen,
			PerModelParams: pol.Routing.Params,
		},
		Sink:              sink,
		ChaosPrimaryStall: c.ChaosPrimaryStall,
		ChaosHTTP5xx:      c.ChaosHTTP5xx,
	})
	if err != nil {
		return nil, err
	}

	output, ok := lastBalancedJSON(sink.String())
	if !ok {
		return nil, routepilot.ErrNoBalancedJSON
	}

	warnings := validateSchema(output, agent.OutputSchema)

	promptTokens, completionTokens := defaultHopTokens(result)
	costUSD := c.Rates.EstimateCost(result.RouteFinal, promptTokens, completionTokens)

	overBudget := isOverBudget(env.Budget, result, costUSD)
	if c.Metrics != nil {
		c.Metrics.TokensProcessed.WithLabelValues(result.RouteFinal, "prompt").Add(float64(promptTokens))
		c.Metrics.TokensProcessed.WithLabelValues(result.RouteFinal, "completion").Add(float64(completionTokens))
		if overBudget {
			c.Metrics.SubagentOverBudget.WithLabelValues(agent.Name).Inc()
		}
	}

	policyBytes, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("subagent: marshal policy: %w", err)
	}
	r := &routepilot.Receipt{
		Policy:           pol.Name,
		RoutePrimary:     firstOrEmpty(pol.Routing.Primary),
		RouteFinal:       result.RouteFinal,
		FallbackCount:    result.FallbackCount,
		Reasons:          result.Reasons,
		LatencyMs:        result.LatencyMs,
		FirstTokenMs:     result.FirstTokenMs,
		TaskID:           env.TaskID,
		ParentID:         env.ParentID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          costUSD,
		PromptHash:       hashBytes(userBytes),
		PolicyHash:       hashBytes(policyBytes),
		Agent:            agent.Name,
	}
	if overBudget || len(extraMeta) > 0 {
		r.Meta = make(map[string]any, len(extraMeta)+1)
		for k, v := range extraMeta {
			r.Meta[k] = v
		}
		if overBudget {
			r.Meta["over_budget"] = true
		}
	}
	if err := c.Receipts.Write(ctx, r); err != nil {
		return nil, err
	}

	if c.Traces != nil {
		_ = c.Traces.InsertTrace(ctx, &routepilot.Trace{
			TS:           r.TS,
			Policy:       pol.Name,
			RoutePrimary: r.RoutePrimary,
			RouteFinal:   result.RouteFinal,
			LatencyMs:    result.LatencyMs,
			Tokens:       promptTokens + completionTokens,
			CostUSD:      costUSD,
		})
	}

	return &HopResult{
		Output:           output,
		ReceiptID:        r.ID,
		OverBudget:       overBudget,
		Warnings:         warnings,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          costUSD,
		LatencyMs:        result.LatencyMs,
		FallbackCount:    result.FallbackCount,
	}, nil
}

// preFlightTools runs the http_fetch tool when the agent declares it and
// the envelope's input carries an ids[] list, attaching the combined
// result under tool_results.http_fetch. It never fails the hop: a missing
// configuration or fetch error simply omits the tool result.
func (c *Controller) preFlightTools(ctx context.Context, agent *routepilot.AgentSpec, env routepilot.Envelope) map[string]any {
	if c.Fetch == nil || !hasTool(agent.Tools, "http_fetch") {
		return nil
	}
	raw, ok := env.Input["ids"]
	if !ok {
		return nil
	}
	rawSlice, ok := raw.([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rawSlice))
	for _, v := range rawSlice {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	entries := c.Fetch.FetchAll(ctx, ids)
	return map[string]any{"http_fetch": entries}
}

func hasTool(tools []string, name string) bool {
	for _, t := range tools {
		if t == name {
			return true
		}
	}
	return false
}

// defaultHopTokens returns the usage reported by the attempt, or a fixed
// default when the gateway reported none -- hops have no usage-probe path
// since a forced-JSON call is already a single non-streamed exchange in
// substance.
func defaultHopTokens(result *router.Result) (prompt, completion int) {
	if result.UsagePresent {
		return result.UsagePrompt, result.UsageCompletion
	}
	return 300, 200
}

// isOverBudget reports whether the hop exceeded any of its three budget
// dimensions: cost, wall-clock time, or fallback count.
func isOverBudget(budget routepilot.Budget, result *router.Result, costUSD float64) bool {
	if budget.CostUSD > 0 && costUSD > budget.CostUSD {
		return true
	}
	if budget.TimeMs > 0 && result.LatencyMs > budget.TimeMs {
		return true
	}
	if result.FallbackCount >= 2 {
		return true
	}
	return false
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
