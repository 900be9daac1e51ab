package rateestimate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

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

func TestEstimateCost_BuiltinModel(t *testing.T) {
	t.Parallel()
	tbl, err := Load(context.Background(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	got := tbl.EstimateCost("gpt-4o", 1000, 1000)
	want := (1000*0.005 + 1000*0.015) / 1000
	if got != want {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}

func TestEstimateCost_UnknownModelDefaults(t *testing.T) {
	t.Parallel()
	tbl, err := Load(context.Background(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	got := tbl.EstimateCost("some-unlisted-model", 1000, 1000)
	want := (1000*0.2 + 1000*0.8) / 1000
	if got != want {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}

func TestLoad_YAMLOverrideWinsAndPersists(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "rates.yaml")
	if err := os.WriteFile(path, []byte("rates:\n  gpt-4o:\n    input: 1.0\n    output: 2.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl, err := Load(context.Background(), path, store)
	if err != nil {
		t.Fatal(err)
	}
	if rate := tbl.RateFor("gpt-4o"); rate.Input != 1.0 || rate.Output != 2.0 {
		t.Fatalf("rate = %+v, want overridden", rate)
	}

	overrides, err := store.ListRateOverrides(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(overrides) != 1 || overrides[0].Model != "gpt-4o" {
		t.Fatalf("overrides = %+v, want one persisted row", overrides)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	t.Parallel()
	tbl, err := Load(context.Background(), "/nonexistent/rates.yaml", nil)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.RateFor("gpt-4o").Input != 0.005 {
		t.Fatal("expected builtin rate when overrides file absent")
	}
}

func TestLoad_NoOverridesUsesBuiltinRate(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	tbl, err := Load(ctx, "", store)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.RateFor("gpt-4o").Input != 0.005 {
		t.Fatal("expected builtin rate with no overrides at all")
	}
}
