// Package diag implements the read-only Ledger queries the diagnostics CLI
// exposes: receipt lookup and timeline, p95 routing latency, and per-user
// quota usage. It wraps the same Ledger interfaces the rest of the
// orchestrator writes through, adapted from the teacher's admin-handler
// query logic into a command surface with no HTTP mux behind it.
package diag

import (
	"context"
	"fmt"

	"github.com/routepilot/routepilot/internal/ratewindow"
	"github.com/routepilot/routepilot/internal/receipt"
	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage"
)

// ReceiptShow returns the receipt with the given id.
func ReceiptShow(ctx context.Context, store storage.ReceiptStore, id string) (*routepilot.Receipt, error) {
	r, err := store.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("diag: receipt %q: %w", id, err)
	}
	return r, nil
}

// ReceiptTimeline returns the lineage tree for taskID, rooted at a
// synthetic node (see receipt.Recorder.Timeline).
func ReceiptTimeline(ctx context.Context, rec *receipt.Recorder, taskID string) (*receipt.TimelineNode, error) {
	node, err := rec.Timeline(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("diag: timeline %q: %w", taskID, err)
	}
	return node, nil
}

// TraceP95Result is the answer to a p95 routing-latency query.
type TraceP95Result struct {
	Model   string `json:"model"`
	P95Ms   int64  `json:"p95_ms"`
	Samples int    `json:"samples"`
}

// TraceP95 returns the p95 latency over the most recent n traces for model.
func TraceP95(ctx context.Context, store storage.TraceStore, model string, n int) (*TraceP95Result, error) {
	p95Ms, samples, err := store.P95Latency(ctx, model, n)
	if err != nil {
		return nil, fmt.Errorf("diag: p95 %q: %w", model, err)
	}
	return &TraceP95Result{Model: model, P95Ms: p95Ms, Samples: samples}, nil
}

// QuotaUsage returns the current daily/monthly token usage and reset time
// for userRef, evaluated in the given IANA timezone.
func QuotaUsage(ctx context.Context, enforcer *ratewindow.Enforcer, userRef, tz string) (*ratewindow.Summary, error) {
	summary, err := enforcer.UsageSummary(ctx, userRef, tz)
	if err != nil {
		return nil, fmt.Errorf("diag: quota usage %q: %w", userRef, err)
	}
	return summary, nil
}
