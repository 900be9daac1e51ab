// Package agentsession drives a multi-turn chat bound to an agent and
// policy, persisting history to the Ledger's session/message tables and
// optionally writing a per-turn receipt chained to the session's prior one.
package agentsession

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

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

const historyLimit = 50

// PolicyProvider resolves a named, already-decoded Policy.
type PolicyProvider interface {
	Policy(name string) (*routepilot.Policy, error)
}

// AgentProvider resolves a named agent spec.
type AgentProvider interface {
	Agent(name string) (*routepilot.AgentSpec, error)
}

// Driver runs one turn of a session at a time.
type Driver struct {
	Policies PolicyProvider
	Agents   AgentProvider
	Sessions storage.SessionStore
	Traces   storage.TraceStore
	Quota    *ratewindow.Enforcer
	Router   *router.Supervisor
	Rates    *rateestimate.Table
	Receipts *receipt.Recorder
	// WriteReceipts enables the optional per-turn receipt write.
	WriteReceipts bool

	// ChaosPrimaryStall and ChaosHTTP5xx mirror the CHAOS_PRIMARY_STALL and
	// CHAOS_HTTP_5XX ambient flags, threaded in explicitly by the caller
	// rather than read from the environment here.
	ChaosPrimaryStall bool
	ChaosHTTP5xx      bool

	// Metrics records tokens processed per turn. Nil disables metrics
	// recording.
	Metrics *telemetry.Metrics
}

// TurnRequest is one user turn against an existing or new session.
type TurnRequest struct {
	SessionID string // empty creates a new session
	UserRef   string
	Agent     string
	Policy    string
	Input     string
}

// TurnResult reports what a turn produced.
type TurnResult struct {
	SessionID       string
	AssistantText   string
	RouteFinal      string
	FallbackCount   int
	LatencyMs       int64
	PromptTokens    int
	CompletionTokens int
	CostUSD         float64
}

// Turn runs (a) RPM gate, (b) message build, (c) user-message insert, (d)
// router call with a buffered-capture sink, (e) assistant-message insert,
// (f) daily-token update and trace insert, per spec section 4.7.
func (d *Driver) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	agent, err := d.Agents.Agent(req.Agent)
	if err != nil {
		return nil, fmt.Errorf("agentsession: load agent: %w", err)
	}
	pol, err := d.Policies.Policy(req.Policy)
	if err != nil {
		return nil, fmt.Errorf("agentsession: load policy: %w", err)
	}
	if err := policy.Resolve(pol); err != nil {
		return nil, err
	}

	sess, err := d.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}

	// (a) RPM gate.
	if err := d.Quota.AssertWithinRPM(ctx, req.UserRef, pol.Tenancy.PerUserRPM); err != nil {
		return nil, err
	}

	// (b) Build messages: system(agent.system), last 50 history, user(input).
	history, err := d.Sessions.RecentMessages(ctx, sess.ID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("agentsession: recent messages: %w", err)
	}
	messages := buildMessages(agent, history, req.Input)

	// (c) Insert the user message into session history.
	userMsg := &routepilot.Message{ID: uuid.NewString(), SessionID: sess.ID, Role: routepilot.RoleUser, Content: req.Input}
	if err := d.Sessions.InsertMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("agentsession: insert user message: %w", err)
	}

	// (d) Router call with a buffered-capture sink.
	sink := &stream.BufferedSink{}
	result, err := d.Router.Supervise(ctx, pol.Name, router.Request{
		Routing: pol.Routing, Strategy: pol.Strategy, TargetP95Ms: pol.Objectives.P95LatencyMs,
		Params:            router.Params{Messages: messages, MaxTokens: pol.Objectives.MaxTokens, Gen: pol.Gen, PerModelParams: pol.Routing.Params},
		Sink:              sink,
		ChaosPrimaryStall: d.ChaosPrimaryStall,
		ChaosHTTP5xx:      d.ChaosHTTP5xx,
	})
	if err != nil {
		return nil, err
	}

	// (e) Insert assistant message with the captured text.
	assistantMsg := &routepilot.Message{ID: uuid.NewString(), SessionID: sess.ID, Role: routepilot.RoleAssistant, Content: sink.String()}
	if err := d.Sessions.InsertMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("agentsession: insert assistant message: %w", err)
	}

	promptTokens, completionTokens := 300, 200
	if result.UsagePresent {
		promptTokens, completionTokens = result.UsagePrompt, result.UsageCompletion
	}
	costUSD := d.Rates.EstimateCost(result.RouteFinal, promptTokens, completionTokens)
	if d.Metrics != nil {
		d.Metrics.TokensProcessed.WithLabelValues(result.RouteFinal, "prompt").Add(float64(promptTokens))
		d.Metrics.TokensProcessed.WithLabelValues(result.RouteFinal, "completion").Add(float64(completionTokens))
	}

	// (f) Daily-token update, trace insert.
	if err := d.Quota.AddDailyTokens(ctx, req.UserRef, int64(promptTokens+completionTokens), pol.Tenancy.PerUserDailyTokens, pol.Tenancy.Timezone); err != nil {
		return nil, err
	}
	if err := d.Traces.InsertTrace(ctx, &routepilot.Trace{
		UserRef: req.UserRef, Policy: pol.Name, RoutePrimary: pol.Routing.Primary[0], RouteFinal: result.RouteFinal,
		LatencyMs: result.LatencyMs, Tokens: promptTokens + completionTokens, CostUSD: costUSD,
	}); err != nil {
		return nil, err
	}

	if d.WriteReceipts {
		if err := d.writeTurnReceipt(ctx, sess.ID, pol, agent, req, result, promptTokens, completionTokens, costUSD); err != nil {
			return nil, err
		}
	}

	return &TurnResult{
		SessionID: sess.ID, AssistantText: sink.String(), RouteFinal: result.RouteFinal,
		FallbackCount: result.FallbackCount, LatencyMs: result.LatencyMs,
		PromptTokens: promptTokens, CompletionTokens: completionTokens, CostUSD: costUSD,
	}, nil
}

func (d *Driver) resolveSession(ctx context.Context, req TurnRequest) (*routepilot.Session, error) {
	if req.SessionID != "" {
		return d.Sessions.GetSession(ctx, req.SessionID)
	}
	sess := &routepilot.Session{ID: uuid.NewString(), UserRef: req.UserRef, AgentName: req.Agent, PolicyName: req.Policy}
	if err := d.Sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("agentsession: create session: %w", err)
	}
	return sess, nil
}

func buildMessages(agent *routepilot.AgentSpec, history []*routepilot.Message, input string) []gatewayclient.Message {
	var messages []gatewayclient.Message
	if agent.System != "" {
		messages = append(messages, gatewayclient.Message{Role: "system", Content: agent.System})
	}
	for _, m := range history {
		messages = append(messages, gatewayclient.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, gatewayclient.Message{Role: "user", Content: input})
	return messages
}

func (d *Driver) writeTurnReceipt(ctx context.Context, sessionID string, pol *routepilot.Policy, agent *routepilot.AgentSpec, req TurnRequest, result *router.Result, promptTokens, completionTokens int, costUSD float64) error {
	parentID, err := d.Sessions.LastReceiptID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("agentsession: last receipt id: %w", err)
	}
	policyBytes, err := json.Marshal(pol)
	if err != nil {
		return fmt.Errorf("agentsession: marshal policy: %w", err)
	}
	policyHash := hashBytes(policyBytes)
	promptHash := hashBytes([]byte(req.Input))
	return d.Receipts.Write(ctx, &routepilot.Receipt{
		Policy: pol.Name, RoutePrimary: pol.Routing.Primary[0], RouteFinal: result.RouteFinal,
		FallbackCount: result.FallbackCount, Reasons: result.Reasons, LatencyMs: result.LatencyMs,
		FirstTokenMs: result.FirstTokenMs, TaskID: sessionID, ParentID: parentID,
		PromptTokens: promptTokens, CompletionTokens: completionTokens, CostUSD: costUSD,
		PromptHash: promptHash, PolicyHash: policyHash, Agent: agent.Name,
	})
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

