// Package routepilot defines the domain types shared by every component of
// the orchestrator. This package has no project imports -- it is the
// dependency root.
package routepilot

import (
	"context"
	"time"
)

// Policy is validated configuration keyed by a name. It drives routing,
// strategy, tenancy, and generation defaults for every call that references
// it by name.
type Policy struct {
	Name string `json:"name" yaml:"name"`

	Objectives PolicyObjectives `json:"objectives" yaml:"objectives"`
	Routing    PolicyRouting    `json:"routing" yaml:"routing"`
	Strategy   PolicyStrategy   `json:"strategy" yaml:"strategy"`
	Tenancy    PolicyTenancy    `json:"tenancy" yaml:"tenancy"`
	Gen        *GenParams       `json:"gen,omitempty" yaml:"gen,omitempty"`
}

// PolicyObjectives holds informational and hard targets for the router.
type PolicyObjectives struct {
	P95LatencyMs int64   `json:"p95_latency_ms" yaml:"p95_latency_ms"`
	MaxCostUSD   float64 `json:"max_cost_usd" yaml:"max_cost_usd"`
	MaxTokens    int     `json:"max_tokens" yaml:"max_tokens"`
}

// PolicyRouting holds the route ladder and per-model parameter overrides.
type PolicyRouting struct {
	Primary    []string              `json:"primary" yaml:"primary"`
	Backups    []string              `json:"backups" yaml:"backups"`
	P95WindowN int                   `json:"p95_window_n" yaml:"p95_window_n"`
	Params     map[string]*GenParams `json:"params,omitempty" yaml:"params,omitempty"`
}

// GenParams are generation overrides applied before per-model overrides.
type GenParams struct {
	System      string   `json:"system,omitempty" yaml:"system,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty" yaml:"stop,omitempty"`
	JSONMode    bool     `json:"json_mode,omitempty" yaml:"json_mode,omitempty"`
}

// PolicyStrategy holds failover and escalation knobs.
type PolicyStrategy struct {
	FallbackOnLatencyMs    int64   `json:"fallback_on_latency_ms" yaml:"fallback_on_latency_ms"`
	MaxAttempts            int     `json:"max_attempts" yaml:"max_attempts"`
	BackoffMs              []int64 `json:"backoff_ms" yaml:"backoff_ms"`
	FirstChunkGateMs       int64   `json:"first_chunk_gate_ms" yaml:"first_chunk_gate_ms"`
	EscalateAfterFallbacks int     `json:"escalate_after_fallbacks" yaml:"escalate_after_fallbacks"`
}

// PolicyTenancy holds per-user quota and timezone settings.
type PolicyTenancy struct {
	PerUserDailyTokens int64  `json:"per_user_daily_tokens" yaml:"per_user_daily_tokens"`
	PerUserRPM         int64  `json:"per_user_rpm" yaml:"per_user_rpm"`
	Timezone           string `json:"timezone" yaml:"timezone"`
}

// Receipt is an immutable record of one invocation.
//
// Field order mirrors the canonical payload order required for signing:
// id, ts, then the remaining attributes, then optional agent/meta extras.
type Receipt struct {
	ID               string         `json:"id"`
	TS               time.Time      `json:"ts"`
	Policy           string         `json:"policy"`
	RoutePrimary     string         `json:"route_primary"`
	RouteFinal       string         `json:"route_final"`
	FallbackCount    int            `json:"fallback_count"`
	Reasons          []string       `json:"reasons"`
	LatencyMs        int64          `json:"latency_ms"`
	FirstTokenMs     *int64         `json:"first_token_ms,omitempty"`
	TaskID           string         `json:"task_id,omitempty"`
	ParentID         string         `json:"parent_id,omitempty"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	CostUSD          float64        `json:"cost_usd"`
	PromptHash       string         `json:"prompt_hash"`
	PolicyHash       string         `json:"policy_hash"`
	Agent            string         `json:"agent,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
	Signature        string         `json:"signature"`
}

// Trace is a lightweight routing sample used only by the p95 query.
type Trace struct {
	TS           time.Time `json:"ts"`
	UserRef      string    `json:"user_ref,omitempty"`
	Policy       string    `json:"policy"`
	RoutePrimary string    `json:"route_primary"`
	RouteFinal   string    `json:"route_final"`
	LatencyMs    int64     `json:"latency_ms"`
	Tokens       int       `json:"tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Session is a multi-turn conversation owned by a user and bound to an
// agent and policy.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UserRef   string    `json:"user_ref"`
	AgentName string    `json:"agent_name"`
	PolicyName string   `json:"policy_name"`
}

// MessageRole enumerates the roles a Message may carry.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of a Session's ordered history.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	TS        time.Time   `json:"ts"`
}

// Envelope is the typed call record passed into a sub-agent hop. It is not
// persisted; it is passed by value through the controller.
type Envelope struct {
	EnvelopeVersion string         `json:"envelopeVersion"`
	TaskID          string         `json:"taskId"`
	ParentID        string         `json:"parentId,omitempty"`
	Agent           string         `json:"agent"`
	Policy          string         `json:"policy"`
	Budget          Budget         `json:"budget"`
	Input           map[string]any `json:"input"`
	Context         map[string]any `json:"context,omitempty"`
	Constraints     map[string]any `json:"constraints,omitempty"`
}

// Budget caps a single sub-agent hop.
type Budget struct {
	Tokens  int     `json:"tokens"`
	CostUSD float64 `json:"costUsd"`
	TimeMs  int64   `json:"timeMs"`
}

// AgentSpec is a declarative agent definition.
type AgentSpec struct {
	Name         string   `json:"name" yaml:"name"`
	Policy       string   `json:"policy" yaml:"policy"`
	System       string   `json:"system,omitempty" yaml:"system,omitempty"`
	Tools        []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	InputSchema  *Schema  `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema *Schema  `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
}

// Schema is a permissive JSON-schema subset: top-level type, property
// types, and required-property presence.
type Schema struct {
	Type       string                    `json:"type" yaml:"type"`
	Properties map[string]SchemaProperty `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty" yaml:"required,omitempty"`
}

// SchemaProperty describes one property's declared type.
type SchemaProperty struct {
	Type string `json:"type" yaml:"type"`
}

// --- context helpers ---

type contextKey int

const ctxKeyUserRef contextKey = 0

// ContextWithUserRef returns a context carrying the given user reference.
func ContextWithUserRef(ctx context.Context, userRef string) context.Context {
	return context.WithValue(ctx, ctxKeyUserRef, userRef)
}

// UserRefFromContext extracts the user reference stored by
// ContextWithUserRef, or "" if none is present.
func UserRefFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserRef).(string)
	return v
}
