package diag

import (
	"context"
	"testing"
	"time"

	"github.com/routepilot/routepilot/internal/ratewindow"
	"github.com/routepilot/routepilot/internal/receipt"
	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReceiptShow_ReturnsWrittenReceipt(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	rec := receipt.New(store)
	ctx := context.Background()

	r := &routepilot.Receipt{Policy: "default", RouteFinal: "gpt-4o", Reasons: []string{}}
	if err := rec.Write(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, err := ReceiptShow(ctx, store, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RouteFinal != "gpt-4o" {
		t.Fatalf("routeFinal = %q, want gpt-4o", got.RouteFinal)
	}
}

func TestReceiptShow_UnknownIDErrors(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	if _, err := ReceiptShow(context.Background(), store, "missing"); err == nil {
		t.Fatal("expected an error for an unknown receipt id")
	}
}

func TestReceiptTimeline_ChainsByParentID(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	rec := receipt.New(store)
	ctx := context.Background()

	root := &routepilot.Receipt{Policy: "default", TaskID: "task-1", Reasons: []string{}}
	if err := rec.Write(ctx, root); err != nil {
		t.Fatal(err)
	}
	child := &routepilot.Receipt{Policy: "default", TaskID: "task-1", ParentID: root.ID, Reasons: []string{}}
	if err := rec.Write(ctx, child); err != nil {
		t.Fatal(err)
	}

	node, err := ReceiptTimeline(ctx, rec, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(node.Children) != 1 {
		t.Fatalf("children = %d, want 1", len(node.Children))
	}
}

func TestTraceP95_NoSamplesReturnsZero(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	result, err := TraceP95(context.Background(), store, "gpt-4o", 50)
	if err != nil {
		t.Fatal(err)
	}
	if result.Samples != 0 || result.P95Ms != 0 {
		t.Fatalf("result = %+v, want zero value for an unknown model", result)
	}
}

func TestQuotaUsage_ResetsAtTomorrowMidnight(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	enforcer := ratewindow.New(store)

	summary, err := QuotaUsage(context.Background(), enforcer, "user-1", "UTC")
	if err != nil {
		t.Fatal(err)
	}
	if summary.ResetsAt.Before(time.Now()) {
		t.Fatalf("resetsAt = %v, want a future time", summary.ResetsAt)
	}
}
