package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage"
)

var _ storage.Store = (*FakeStore)(nil)

func TestFakeStore_ReceiptRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewFakeStore()
	ctx := context.Background()

	r := &routepilot.Receipt{ID: "r1", TS: time.Now(), TaskID: "t1", Policy: "default"}
	if err := s.InsertReceipt(ctx, r); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetReceipt(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Policy != "default" {
		t.Fatalf("policy = %q, want default", got.Policy)
	}
	if _, err := s.GetReceipt(ctx, "missing"); err == nil {
		t.Fatal("expected an error for a missing receipt")
	}
}

func TestFakeStore_DailyTokensEnforcesCap(t *testing.T) {
	t.Parallel()
	s := NewFakeStore()
	ctx := context.Background()

	if err := s.AddDailyTokens(ctx, "u1", "2026-07-29", 500, 1000); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDailyTokens(ctx, "u1", "2026-07-29", 600, 1000); err == nil {
		t.Fatal("expected a quota error exceeding cap")
	}
	tokens, err := s.DailyTokens(ctx, "u1", "2026-07-29")
	if err != nil {
		t.Fatal(err)
	}
	if tokens != 500 {
		t.Fatalf("tokens = %d, want 500", tokens)
	}
}

func TestFakeStore_PruneTraces(t *testing.T) {
	t.Parallel()
	s := NewFakeStore()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	if err := s.InsertTrace(ctx, &routepilot.Trace{TS: old, RouteFinal: "gpt-4o", LatencyMs: 100}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertTrace(ctx, &routepilot.Trace{TS: recent, RouteFinal: "gpt-4o", LatencyMs: 200}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.PruneTraces(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	_, samples, err := s.P95Latency(ctx, "gpt-4o", 10)
	if err != nil {
		t.Fatal(err)
	}
	if samples != 1 {
		t.Fatalf("samples = %d, want 1", samples)
	}
}
