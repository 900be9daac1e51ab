// Package receipt builds, signs, and persists Receipt rows: the immutable
// audit trail of one invocation. Canonical-payload-then-hash follows the
// teacher's crypto/sha256 keying idiom (internal/gateway.go's HashKey),
// extended here to crypto/hmac for signing instead of cache-key derivation.
package receipt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage"
	"github.com/routepilot/routepilot/internal/telemetry"
)

// DefaultSecret is used when no signing secret is configured.
const DefaultSecret = "dev-secret"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`)
)

// Recorder builds, signs, and persists receipts, and optionally mirrors
// them to a file tree as pretty JSON.
type Recorder struct {
	store      storage.ReceiptStore
	secret     []byte
	redact     bool
	redactKeys map[string]bool
	mirrorDir  string

	// Metrics counts receipts written. Nil disables metrics recording.
	Metrics *telemetry.Metrics
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSecret sets the HMAC signing secret.
func WithSecret(secret string) Option {
	return func(r *Recorder) { r.secret = []byte(secret) }
}

// WithRedaction enables payload redaction before signing, scrubbing emails
// and phone-like digit sequences, and any meta key in metaKeys.
func WithRedaction(metaKeys []string) Option {
	return func(r *Recorder) {
		r.redact = true
		r.redactKeys = make(map[string]bool, len(metaKeys))
		for _, k := range metaKeys {
			r.redactKeys[k] = true
		}
	}
}

// WithMirror mirrors every written receipt as pretty JSON under dir.
func WithMirror(dir string) Option {
	return func(r *Recorder) { r.mirrorDir = dir }
}

// WithMetrics attaches a counter for receipts written.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Recorder) { r.Metrics = m }
}

// New builds a Recorder backed by store, defaulting the signing secret to
// DefaultSecret.
func New(store storage.ReceiptStore, opts ...Option) *Recorder {
	r := &Recorder{store: store, secret: []byte(DefaultSecret)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// payload mirrors routepilot.Receipt's field order exactly, minus
// Signature, so the canonical JSON used for signing is a direct struct
// marshal rather than a generic recursive canonicalizer.
type payload struct {
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
}

func payloadFrom(r *routepilot.Receipt) payload {
	return payload{
		ID: r.ID, TS: r.TS, Policy: r.Policy, RoutePrimary: r.RoutePrimary, RouteFinal: r.RouteFinal,
		FallbackCount: r.FallbackCount, Reasons: r.Reasons, LatencyMs: r.LatencyMs, FirstTokenMs: r.FirstTokenMs,
		TaskID: r.TaskID, ParentID: r.ParentID, PromptTokens: r.PromptTokens, CompletionTokens: r.CompletionTokens,
		CostUSD: r.CostUSD, PromptHash: r.PromptHash, PolicyHash: r.PolicyHash, Agent: r.Agent, Meta: r.Meta,
	}
}

// Write fills in ID/TS/Signature on r (if not already set), signs the
// canonical payload, persists it, and optionally mirrors it to disk. If
// redaction is enabled the payload is scrubbed recursively before signing,
// so the stored signature matches the post-redaction content.
func (rec *Recorder) Write(ctx context.Context, r *routepilot.Receipt) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.TS.IsZero() {
		r.TS = time.Now().UTC()
	}
	if r.Reasons == nil {
		r.Reasons = []string{}
	}

	p := payloadFrom(r)
	if rec.redact {
		redactPayload(&p, rec.redactKeys)
		r.Meta = p.Meta
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("receipt: marshal payload: %w", err)
	}
	r.Signature = rec.sign(body)

	if err := rec.store.InsertReceipt(ctx, r); err != nil {
		return fmt.Errorf("receipt: insert: %w", err)
	}

	if rec.mirrorDir != "" {
		if err := rec.mirror(r); err != nil {
			return fmt.Errorf("receipt: mirror: %w", err)
		}
	}
	if rec.Metrics != nil {
		rec.Metrics.ReceiptsWrittenTotal.Inc()
	}
	return nil
}

func (rec *Recorder) sign(body []byte) string {
	mac := hmac.New(sha256.New, rec.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (rec *Recorder) mirror(r *routepilot.Receipt) error {
	if err := os.MkdirAll(rec.mirrorDir, 0o755); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rec.mirrorDir, r.ID+".json"), pretty, 0o644)
}

// redactPayload scrubs emails, phone-like digit sequences, and any meta
// key in metaKeys, recursing into nested maps and slices so a value
// buried inside a meta entry is scrubbed the same as a top-level one.
func redactPayload(p *payload, metaKeys map[string]bool) {
	for _, field := range []*string{&p.PromptHash, &p.PolicyHash} {
		*field = redactString(*field)
	}
	if p.Meta == nil {
		return
	}
	redacted := make(map[string]any, len(p.Meta))
	for k, v := range p.Meta {
		if metaKeys[k] {
			redacted[k] = "[redacted]"
			continue
		}
		redacted[k] = redactValue(v)
	}
	p.Meta = redacted
}

// redactValue scrubs strings and recurses into maps and slices so nested
// payload values are covered, not just the top level.
func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return redactString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, nested := range t {
			out[k] = redactValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, nested := range t {
			out[i] = redactValue(nested)
		}
		return out
	default:
		return v
	}
}

func redactString(s string) string {
	s = emailPattern.ReplaceAllString(s, "[redacted-email]")
	s = phonePattern.ReplaceAllString(s, "[redacted-phone]")
	return s
}

// GetReceipt returns one receipt by id.
func (rec *Recorder) GetReceipt(ctx context.Context, id string) (*routepilot.Receipt, error) {
	return rec.store.GetReceipt(ctx, id)
}

// TimelineNode is one receipt in a reconstructed task timeline, grouped
// under its parent.
type TimelineNode struct {
	Receipt  *routepilot.Receipt
	Children []*TimelineNode
}

// rootGroupPrefix prefixes the synthetic parent id for receipts with no
// parent_id.
const rootGroupPrefix = "ROOT:"

// Timeline returns taskID's receipts as a tree, rooted at a synthetic
// ROOT:<taskId> node grouping every receipt whose parent_id is empty.
func (rec *Recorder) Timeline(ctx context.Context, taskID string) (*TimelineNode, error) {
	rows, err := rec.store.Timeline(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("receipt: timeline: %w", err)
	}

	root := &TimelineNode{Receipt: &routepilot.Receipt{ID: rootGroupPrefix + taskID}}
	byID := make(map[string]*TimelineNode, len(rows))
	for _, r := range rows {
		byID[r.ID] = &TimelineNode{Receipt: r}
	}
	for _, r := range rows {
		node := byID[r.ID]
		parent := root
		if r.ParentID != "" {
			if p, ok := byID[r.ParentID]; ok {
				parent = p
			}
		}
		parent.Children = append(parent.Children, node)
	}
	return root, nil
}
