// Package infer orchestrates one inference call end to end: load policy,
// gate on rate, build the prompt, call the router, reconcile usage, write
// the receipt, and update quota/trace state. It composes ratewindow,
// router, rateestimate, and receipt exactly as the teacher's run.go wires
// its own components together -- explicit constructor calls, no DI
// framework -- applied to a single call instead of process startup.
package infer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/routepilot/routepilot/internal/gatewayclient"
	"github.com/routepilot/routepilot/internal/policy"
	"github.com/routepilot/routepilot/internal/ratewindow"
	"github.com/routepilot/routepilot/internal/rateestimate"
	"github.com/routepilot/routepilot/internal/receipt"
	"github.com/routepilot/routepilot/internal/router"
	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage"
	"github.com/routepilot/routepilot/internal/stream"
	"github.com/routepilot/routepilot/internal/telemetry"
)

// Default usage estimate when neither headers nor a usage probe report it.
const (
	defaultPromptTokens     = 300
	defaultCompletionTokens = 200
)

// PolicyProvider resolves a named, already-decoded Policy. Reading the
// policy document itself (YAML parsing) happens outside this package.
type PolicyProvider interface {
	Policy(name string) (*routepilot.Policy, error)
}

// Driver runs the inference pipeline.
type Driver struct {
	Policies   PolicyProvider
	Quota      *ratewindow.Enforcer
	Router     *router.Supervisor
	Gateway    *gatewayclient.Client
	Rates      *rateestimate.Table
	Receipts   *receipt.Recorder
	Traces     storage.TraceStore
	UsageProbe bool

	// ChaosPrimaryStall and ChaosHTTP5xx mirror the CHAOS_PRIMARY_STALL and
	// CHAOS_HTTP_5XX ambient flags, threaded in explicitly by the caller
	// rather than read from the environment here.
	ChaosPrimaryStall bool
	ChaosHTTP5xx      bool

	// Metrics records tokens processed per call. Nil disables metrics
	// recording.
	Metrics *telemetry.Metrics
}

// Request is one inference call.
type Request struct {
	PolicyName string
	UserRef    string
	Input      string
	Attachment string
	TaskID     string
	ParentID   string
	Sink       stream.Sink
	// ShadowModel, when non-empty, triggers a silent shadow call against
	// this single model after the main path completes.
	ShadowModel string
}

// Result is what a successful Run reports.
type Result struct {
	RouteFinal      string
	FallbackCount   int
	LatencyMs       int64
	FirstTokenMs    *int64
	Reasons         []string
	PromptTokens    int
	CompletionTokens int
	CostUSD         float64
	ReceiptID       string
}

// Run executes the nine-step pipeline from spec section 4.5. On failure at
// any step, no mutation below that step occurs: apart from the rpm event the
// step-2 gate records, nothing is written to the Ledger until step 8.
func (d *Driver) Run(ctx context.Context, req Request) (*Result, error) {
	// 1. Load policy, compute policy hash.
	pol, err := d.Policies.Policy(req.PolicyName)
	if err != nil {
		return nil, fmt.Errorf("infer: load policy: %w", err)
	}
	if err := policy.Resolve(pol); err != nil {
		return nil, err
	}
	policyHash, err := hashCanonical(pol)
	if err != nil {
		return nil, fmt.Errorf("infer: hash policy: %w", err)
	}

	// 2. RPM gate.
	if err := d.Quota.AssertWithinRPM(ctx, req.UserRef, pol.Tenancy.PerUserRPM); err != nil {
		return nil, err
	}

	// 3. Build message list.
	messages := buildMessages(pol, req)

	// 4. Prompt hash.
	promptMaterial := req.Input
	if req.Attachment != "" {
		promptMaterial += "\n\n" + req.Attachment
	}
	promptHash := hashBytes([]byte(promptMaterial))

	// 5. Call Router.
	routerReq := router.Request{
		Routing:     pol.Routing,
		Strategy:    pol.Strategy,
		TargetP95Ms: pol.Objectives.P95LatencyMs,
		Params: router.Params{
			Messages:       messages,
			MaxTokens:      pol.Objectives.MaxTokens,
			Gen:            pol.Gen,
			PerModelParams: pol.Routing.Params,
		},
		Sink:              req.Sink,
		ChaosPrimaryStall: d.ChaosPrimaryStall,
		ChaosHTTP5xx:      d.ChaosHTTP5xx,
	}
	result, err := d.Router.Supervise(ctx, pol.Name, routerReq)
	if err != nil {
		return nil, err
	}

	// 6. Reconcile usage.
	promptTokens, completionTokens := defaultPromptTokens, defaultCompletionTokens
	if result.UsagePresent {
		promptTokens, completionTokens = result.UsagePrompt, result.UsageCompletion
	} else if d.UsageProbe {
		if probed, ok := d.probeUsage(ctx, result.RouteFinal, messages, pol); ok {
			promptTokens, completionTokens = probed.PromptTokens, probed.CompletionTokens
		}
	}

	// 7. Estimate cost.
	costUSD := d.Rates.EstimateCost(result.RouteFinal, promptTokens, completionTokens)
	if d.Metrics != nil {
		d.Metrics.TokensProcessed.WithLabelValues(result.RouteFinal, "prompt").Add(float64(promptTokens))
		d.Metrics.TokensProcessed.WithLabelValues(result.RouteFinal, "completion").Add(float64(completionTokens))
	}

	// 8. Write receipt, update daily tokens, insert trace.
	r := &routepilot.Receipt{
		Policy:           pol.Name,
		RoutePrimary:     pol.Routing.Primary[0],
		RouteFinal:       result.RouteFinal,
		FallbackCount:    result.FallbackCount,
		Reasons:          result.Reasons,
		LatencyMs:        result.LatencyMs,
		FirstTokenMs:     result.FirstTokenMs,
		TaskID:           req.TaskID,
		ParentID:         req.ParentID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          costUSD,
		PromptHash:       promptHash,
		PolicyHash:       policyHash,
	}
	if err := d.Receipts.Write(ctx, r); err != nil {
		return nil, err
	}
	if err := d.Quota.AddDailyTokens(ctx, req.UserRef, int64(promptTokens+completionTokens), pol.Tenancy.PerUserDailyTokens, pol.Tenancy.Timezone); err != nil {
		return nil, err
	}
	if err := d.Traces.InsertTrace(ctx, &routepilot.Trace{
		UserRef:      req.UserRef,
		Policy:       pol.Name,
		RoutePrimary: pol.Routing.Primary[0],
		RouteFinal:   result.RouteFinal,
		LatencyMs:    result.LatencyMs,
		Tokens:       promptTokens + completionTokens,
		CostUSD:      costUSD,
	}); err != nil {
		return nil, err
	}

	// 9. Optional shadow run. Failures are swallowed: a shadow call never
	// affects the result of the main path.
	if req.ShadowModel != "" {
		d.runShadow(ctx, req, pol, messages)
	}

	return &Result{
		RouteFinal: result.RouteFinal, FallbackCount: result.FallbackCount, LatencyMs: result.LatencyMs,
		FirstTokenMs: result.FirstTokenMs, Reasons: result.Reasons, PromptTokens: promptTokens,
		CompletionTokens: completionTokens, CostUSD: costUSD, ReceiptID: r.ID,
	}, nil
}

func buildMessages(pol *routepilot.Policy, req Request) []gatewayclient.Message {
	var messages []gatewayclient.Message
	if pol.Gen != nil && pol.Gen.System != "" {
		messages = append(messages, gatewayclient.Message{Role: "system", Content: pol.Gen.System})
	}
	messages = append(messages, gatewayclient.Message{Role: "user", Content: req.Input})
	if req.Attachment != "" {
		messages = append(messages, gatewayclient.Message{Role: "user", Content: req.Attachment})
	}
	return messages
}

type probedUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// probeUsage issues a non-stream call with max_tokens=1 to read usage
// without generating real output, swallowing any failure (the probe is
// best-effort; defaults cover its absence).
func (d *Driver) probeUsage(ctx context.Context, model string, messages []gatewayclient.Message, pol *routepilot.Policy) (probedUsage, bool) {
	one := 1
	resp, err := d.Gateway.NonStream(ctx, &gatewayclient.ChatRequest{Model: model, Messages: messages, MaxTokens: &one})
	if err != nil || resp.Usage == nil {
		return probedUsage{}, false
	}
	return probedUsage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}, true
}

// runShadow issues a silent-sink, single-attempt router call against
// ShadowModel and writes a marker receipt tagged reasons=["shadow"],
// meta.shadow=true, latency_ms=0, completion=0, cost=0. Any error here is
// discarded: shadow runs never fail the main call.
func (d *Driver) runShadow(ctx context.Context, req Request, pol *routepilot.Policy, messages []gatewayclient.Message) {
	shadowRouting := routepilot.PolicyRouting{Primary: []string{req.ShadowModel}, P95WindowN: pol.Routing.P95WindowN}
	shadowStrategy := pol.Strategy
	shadowStrategy.MaxAttempts = 1

	_, err := d.Router.Supervise(ctx, pol.Name, router.Request{
		Routing:     shadowRouting,
		Strategy:    shadowStrategy,
		TargetP95Ms: pol.Objectives.P95LatencyMs,
		Params:      router.Params{Messages: messages, MaxTokens: pol.Objectives.MaxTokens, Gen: pol.Gen},
		Sink:        &stream.SilentSink{},
	})
	if err != nil {
		return
	}

	policyHash, err := hashCanonical(pol)
	if err != nil {
		return
	}
	promptHash := hashBytes([]byte(req.Input))
	_ = d.Receipts.Write(ctx, &routepilot.Receipt{
		Policy: pol.Name, RoutePrimary: req.ShadowModel, RouteFinal: req.ShadowModel,
		Reasons: []string{"shadow"}, LatencyMs: 0, TaskID: req.TaskID, ParentID: req.ParentID,
		PromptTokens: 0, CompletionTokens: 0, CostUSD: 0,
		PromptHash: promptHash, PolicyHash: policyHash,
		Meta: map[string]any{"shadow": true},
	})
}

func hashCanonical(pol *routepilot.Policy) (string, error) {
	body, err := json.Marshal(pol)
	if err != nil {
		return "", err
	}
	return hashBytes(body), nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
