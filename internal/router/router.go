// Package router builds the route ladder, invokes the gateway, supervises
// the resulting stream, classifies failures, retries with backoff, and
// returns a result record or an aggregated failure listing every attempt.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/routepilot/routepilot/internal/gatewayclient"
	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/stream"
	"github.com/routepilot/routepilot/internal/telemetry"
)

var tracer = otel.Tracer("github.com/routepilot/routepilot/internal/router")

// Params is the prepared, policy-independent call shape: messages already
// assembled by the caller (the inference driver or agent session driver),
// plus generation parameters the router merges with per-model overrides at
// attempt time.
type Params struct {
	Messages       []gatewayclient.Message
	MaxTokens      int
	JSONMode       bool
	Gen            *routepilot.GenParams
	PerModelParams map[string]*routepilot.GenParams
}

// Request is everything one Supervise call needs beyond the policy name.
type Request struct {
	Routing     routepilot.PolicyRouting
	Strategy    routepilot.PolicyStrategy
	TargetP95Ms int64
	Params      Params
	Sink        stream.Sink

	// ChaosPrimaryStall and ChaosHTTP5xx mirror the CHAOS_PRIMARY_STALL and
	// CHAOS_HTTP_5XX ambient flags, threaded in explicitly rather than read
	// from the environment inside the router.
	ChaosPrimaryStall bool
	ChaosHTTP5xx      bool
}

// Result is the contract's success shape.
type Result struct {
	RouteFinal      string
	FallbackCount   int
	LatencyMs       int64
	FirstTokenMs    *int64
	Reasons         []string
	UsagePresent    bool
	UsagePrompt     int
	UsageCompletion int
}

// Supervisor implements the route-ladder-plus-failover contract described
// for the router/supervisor component.
type Supervisor struct {
	Gateway *gatewayclient.Client
	Traces  TraceReader

	// OnEscalate is invoked once fallback_count crosses
	// escalate_after_fallbacks, as an operator-visible signal outside the
	// result value.
	OnEscalate func(policyName string, fallbackCount int)

	// Metrics records per-attempt counters and latency histograms. Nil
	// disables metrics recording.
	Metrics *telemetry.Metrics

	ladders *ladderCache
	once    sync.Once
}

func (s *Supervisor) ladderCache() *ladderCache {
	s.once.Do(func() { s.ladders = newLadderCache() })
	return s.ladders
}

// Supervise resolves the route ladder and walks it, attempt by attempt,
// until one attempt produces a first delta or the ladder/attempt budget is
// exhausted.
func (s *Supervisor) Supervise(ctx context.Context, policyName string, req Request) (*Result, error) {
	ladder, err := s.ladderCache().resolve(ctx, s.Traces, policyName, req.Routing, req.TargetP95Ms)
	if err != nil {
		return nil, err
	}

	maxAttempts := req.Strategy.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > len(ladder) {
		maxAttempts = len(ladder)
	}
	stallCutoff := time.Duration(req.Strategy.FallbackOnLatencyMs) * time.Millisecond
	gate := time.Duration(req.Strategy.FirstChunkGateMs) * time.Millisecond

	var primaryModel string
	if len(req.Routing.Primary) > 0 {
		primaryModel = req.Routing.Primary[0]
	}

	start := time.Now()
	var reasons []string
	var attempts []routepilot.RouterAttempt
	fallbackCount := 0

	for i := 0; i < maxAttempts && i < len(ladder); i++ {
		model := ladder[i]
		attemptStart := time.Now()

		firstTokenMs, usage, failure := s.attempt(ctx, model, primaryModel, stallCutoff, gate, req)

		if failure == nil {
			s.recordAttempt(policyName, model, "success", time.Since(attemptStart))
			res := &Result{
				RouteFinal:    model,
				FallbackCount: fallbackCount,
				LatencyMs:     time.Since(start).Milliseconds(),
				FirstTokenMs:  firstTokenMs,
				Reasons:       reasons,
			}
			if usage != nil {
				res.UsagePresent = true
				res.UsagePrompt = usage.prompt
				res.UsageCompletion = usage.completion
			}
			return res, nil
		}
		s.recordAttempt(policyName, model, "failure", time.Since(attemptStart))

		reason := classifyReason(failure.err, failure.stalled)
		reasons = append(reasons, reason)
		attempts = append(attempts, routepilot.RouterAttempt{
			Model:   model,
			Message: failure.err.Error(),
			Status:  failure.status,
		})
		fallbackCount++
		if s.Metrics != nil {
			s.Metrics.FallbackTotal.WithLabelValues(policyName).Inc()
		}

		if req.Strategy.EscalateAfterFallbacks > 0 && fallbackCount >= req.Strategy.EscalateAfterFallbacks && s.OnEscalate != nil {
			s.OnEscalate(policyName, fallbackCount)
		}

		if i+1 >= maxAttempts || i+1 >= len(ladder) {
			break
		}
		if d := backoffFor(req.Strategy.BackoffMs, fallbackCount); d > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}
	}

	return nil, &routepilot.RouterError{Attempts: attempts}
}

// recordAttempt is a no-op when Metrics is nil, so callers never need to
// guard every call site themselves.
func (s *Supervisor) recordAttempt(policyName, model, outcome string, d time.Duration) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.RouteAttemptsTotal.WithLabelValues(policyName, model, outcome).Inc()
	s.Metrics.RouteLatency.WithLabelValues(policyName, model).Observe(d.Seconds())
}

// backoffFor returns backoffMs[min(fallbackCount-1, len-1)] as a Duration,
// so the ladder repeats its final element once fallbackCount exceeds it.
func backoffFor(backoffMs []int64, fallbackCount int) time.Duration {
	if len(backoffMs) == 0 || fallbackCount <= 0 {
		return 0
	}
	idx := fallbackCount - 1
	if idx >= len(backoffMs) {
		idx = len(backoffMs) - 1
	}
	return time.Duration(backoffMs[idx]) * time.Millisecond
}

type attemptUsage struct {
	prompt, completion int
}

type attemptFailure struct {
	err     error
	stalled bool
	status  *int
}

// attempt runs a single route-ladder hop: start a stall timer, issue the
// gateway call, and on success read the stream through the gated sink. It
// returns a nil failure on success (with firstTokenMs/usage filled in) or a
// classified failure for the caller to record and fall back from.
func (s *Supervisor) attempt(ctx context.Context, model, primaryModel string, stallCutoff, gate time.Duration, req Request) (firstTokenMs *int64, usage *attemptUsage, failure *attemptFailure) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	attemptCtx, span := tracer.Start(attemptCtx, "router.attempt",
		oteltrace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	if s.Metrics != nil {
		s.Metrics.ActiveStreams.Inc()
		defer s.Metrics.ActiveStreams.Dec()
	}

	isPrimary := model == primaryModel

	if isPrimary && req.ChaosPrimaryStall {
		sleepOrDone(attemptCtx, stallCutoff+50*time.Millisecond)
		span.SetStatus(codes.Error, "stall")
		return nil, nil, &attemptFailure{err: context.DeadlineExceeded, stalled: true}
	}
	if isPrimary && req.ChaosHTTP5xx {
		status := 503
		gerr := &routepilot.GatewayError{Status: status, Body: "synthetic chaos injection"}
		span.SetStatus(codes.Error, "5xx")
		return nil, nil, &attemptFailure{err: gerr, status: &status}
	}

	attemptStart := time.Now()
	var stallFired atomicBool
	timer := time.AfterFunc(stallCutoff, func() {
		stallFired.set(true)
		cancel()
	})
	defer timer.Stop()

	gen := mergeGenParams(req.Params.Gen, req.Params.PerModelParams[model])
	chatReq := buildChatRequest(model, req.Params, gen)

	resp, err := s.Gateway.Stream(attemptCtx, chatReq)
	if err != nil {
		stalled := stallFired.get()
		var status *int
		var gerr *routepilot.GatewayError
		if errors.As(err, &gerr) {
			status = &gerr.Status
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, &attemptFailure{err: err, stalled: stalled, status: status}
	}
	defer resp.Body.Close()

	gated := newGatedSink(req.Sink, gate)
	var firstMs *int64
	onFirstDelta := func() {
		timer.Stop()
		ms := time.Since(attemptStart).Milliseconds()
		firstMs = &ms
	}

	demuxResult, derr := stream.Demux(attemptCtx, resp.Body, gated, onFirstDelta)
	if derr != nil {
		stalled := stallFired.get()
		span.SetStatus(codes.Error, derr.Error())
		return nil, nil, &attemptFailure{err: derr, stalled: stalled}
	}
	if firstMs == nil {
		// Stream ended without ever producing a content delta: that is a
		// stall even if the stall timer hadn't fired yet when it closed.
		span.SetStatus(codes.Error, "no content delta")
		return nil, nil, &attemptFailure{err: routepilot.ErrStreamNoDelta, stalled: true}
	}
	gated.flush()

	var u *attemptUsage
	if p, c, _, hok := gatewayclient.UsageHeaders(resp.Header); hok {
		u = &attemptUsage{prompt: p, completion: c}
	} else if demuxResult.Usage != nil {
		u = &attemptUsage{prompt: demuxResult.Usage.PromptTokens, completion: demuxResult.Usage.CompletionTokens}
	}

	span.SetStatus(codes.Ok, "")
	return firstMs, u, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func mergeGenParams(base, override *routepilot.GenParams) *routepilot.GenParams {
	if base == nil && override == nil {
		return nil
	}
	merged := routepilot.GenParams{}
	if base != nil {
		merged = *base
	}
	if override != nil {
		if override.System != "" {
			merged.System = override.System
		}
		if override.Temperature != nil {
			merged.Temperature = override.Temperature
		}
		if override.TopP != nil {
			merged.TopP = override.TopP
		}
		if override.Stop != nil {
			merged.Stop = override.Stop
		}
		if override.JSONMode {
			merged.JSONMode = true
		}
	}
	return &merged
}

func buildChatRequest(model string, params Params, gen *routepilot.GenParams) *gatewayclient.ChatRequest {
	req := &gatewayclient.ChatRequest{
		Model:    model,
		Messages: params.Messages,
	}
	if params.MaxTokens > 0 {
		mt := params.MaxTokens
		req.MaxTokens = &mt
	}
	jsonMode := params.JSONMode
	if gen != nil {
		if gen.Temperature != nil {
			req.Temperature = gen.Temperature
		}
		if gen.TopP != nil {
			req.TopP = gen.TopP
		}
		if len(gen.Stop) > 0 {
			req.Stop = gen.Stop
		}
		if gen.JSONMode {
			jsonMode = true
		}
	}
	if jsonMode {
		req.ResponseFormat = []byte(`{"type":"json_object"}`)
	}
	return req
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicBool) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
