package infer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/routepilot/routepilot/internal/gatewayclient"
	"github.com/routepilot/routepilot/internal/ratewindow"
	"github.com/routepilot/routepilot/internal/rateestimate"
	"github.com/routepilot/routepilot/internal/receipt"
	"github.com/routepilot/routepilot/internal/router"
	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage/sqlite"
	"github.com/routepilot/routepilot/internal/stream"
)

type fakeTraceReader struct{}

func (fakeTraceReader) P95Latency(ctx context.Context, model string, n int) (int64, int, error) {
	return 0, 0, nil
}

type fakePolicies struct {
	policies map[string]*routepilot.Policy
}

func (f *fakePolicies) Policy(name string) (*routepilot.Policy, error) {
	p, ok := f.policies[name]
	if !ok {
		return nil, &routepilot.PolicyError{Name: name}
	}
	clone := *p
	return &clone, nil
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newStreamingServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-usage-prompt-tokens", "11")
		w.Header().Set("x-usage-completion-tokens", "22")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func basePolicy(model string) *routepilot.Policy {
	return &routepilot.Policy{
		Name: "default",
		Objectives: routepilot.PolicyObjectives{P95LatencyMs: 2000, MaxTokens: 500},
		Routing: routepilot.PolicyRouting{
			Primary: []string{model},
		},
		Strategy: routepilot.PolicyStrategy{
			FallbackOnLatencyMs: 2000,
			FirstChunkGateMs:    0,
		},
		Tenancy: routepilot.PolicyTenancy{
			PerUserRPM: 60, PerUserDailyTokens: 1_000_000, Timezone: "UTC",
		},
	}
}

func newDriver(t *testing.T, srv *httptest.Server, pol *routepilot.Policy) *Driver {
	t.Helper()
	store := newTestStore(t)
	client := gatewayclient.New(srv.URL, "test-key", nil)
	rates, err := rateestimate.Load(context.Background(), "", store)
	if err != nil {
		t.Fatal(err)
	}
	return &Driver{
		Policies: &fakePolicies{policies: map[string]*routepilot.Policy{pol.Name: pol}},
		Quota:    ratewindow.New(store),
		Router:   &router.Supervisor{Gateway: client, Traces: fakeTraceReader{}},
		Gateway:  client,
		Rates:    rates,
		Receipts: receipt.New(store),
		Traces:   store,
	}
}

func TestRun_HappyPath(t *testing.T) {
	t.Parallel()
	srv := newStreamingServer(t, "hello world")
	defer srv.Close()

	d := newDriver(t, srv, basePolicy("gpt-4o"))
	sink := &stream.BufferedSink{}
	result, err := d.Run(context.Background(), Request{
		PolicyName: "default", UserRef: "user-1", Input: "hi", Sink: sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.RouteFinal != "gpt-4o" {
		t.Fatalf("routeFinal = %q, want gpt-4o", result.RouteFinal)
	}
	if result.PromptTokens != 11 || result.CompletionTokens != 22 {
		t.Fatalf("usage = (%d, %d), want (11, 22)", result.PromptTokens, result.CompletionTokens)
	}
	if sink.String() != "hello world" {
		t.Fatalf("sink = %q, want hello world", sink.String())
	}
	if result.ReceiptID == "" {
		t.Fatal("expected a receipt id")
	}
}

func TestRun_RPMGateBlocksSubsequentCall(t *testing.T) {
	t.Parallel()
	srv := newStreamingServer(t, "hi")
	defer srv.Close()

	pol := basePolicy("gpt-4o")
	pol.Tenancy.PerUserRPM = 1
	d := newDriver(t, srv, pol)
	ctx := context.Background()

	if _, err := d.Run(ctx, Request{PolicyName: "default", UserRef: "user-1", Input: "hi", Sink: &stream.BufferedSink{}}); err != nil {
		t.Fatal(err)
	}
	_, err := d.Run(ctx, Request{PolicyName: "default", UserRef: "user-1", Input: "hi again", Sink: &stream.BufferedSink{}})
	if err == nil {
		t.Fatal("expected rpm quota error on second call")
	}
	var qerr *routepilot.QuotaError
	if !errors.As(err, &qerr) || qerr.Kind != routepilot.QuotaKindRPM {
		t.Fatalf("err = %v, want QuotaError{kind:rpm}", err)
	}
}

func TestRun_UnknownPolicyFails(t *testing.T) {
	t.Parallel()
	srv := newStreamingServer(t, "hi")
	defer srv.Close()

	d := newDriver(t, srv, basePolicy("gpt-4o"))
	_, err := d.Run(context.Background(), Request{PolicyName: "missing", UserRef: "u", Input: "hi", Sink: &stream.BufferedSink{}})
	if err == nil {
		t.Fatal("expected policy load error")
	}
}

func TestRun_ShadowRunDoesNotFailMainCall(t *testing.T) {
	t.Parallel()
	srv := newStreamingServer(t, "hi")
	defer srv.Close()

	d := newDriver(t, srv, basePolicy("gpt-4o"))
	result, err := d.Run(context.Background(), Request{
		PolicyName: "default", UserRef: "user-1", Input: "hi", Sink: &stream.BufferedSink{},
		ShadowModel: "gpt-4o-mini",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.RouteFinal != "gpt-4o" {
		t.Fatalf("routeFinal = %q, want gpt-4o", result.RouteFinal)
	}
}
