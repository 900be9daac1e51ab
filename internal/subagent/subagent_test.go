package subagent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/routepilot/routepilot/internal/gatewayclient"
	"github.com/routepilot/routepilot/internal/rateestimate"
	"github.com/routepilot/routepilot/internal/receipt"
	"github.com/routepilot/routepilot/internal/router"
	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage/sqlite"
)

type fakeTraceReader struct{}

func (fakeTraceReader) P95Latency(ctx context.Context, model string, n int) (int64, int, error) {
	return 0, 0, nil
}

type fakeAgents struct {
	agents map[string]*routepilot.AgentSpec
}

func (f *fakeAgents) Agent(name string) (*routepilot.AgentSpec, error) {
	a, ok := f.agents[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return a, nil
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

// newJSONServer streams a single delta holding rawJSON as its content, so
// collect-phase extraction finds exactly one balanced object.
func newJSONServer(t *testing.T, rawJSON string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", rawJSON)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func basePolicy(name, model string) *routepilot.Policy {
	return &routepilot.Policy{
		Name:       name,
		Objectives: routepilot.PolicyObjectives{P95LatencyMs: 2000, MaxTokens: 500},
		Routing:    routepilot.PolicyRouting{Primary: []string{model}},
		Strategy:   routepilot.PolicyStrategy{FallbackOnLatencyMs: 2000, FirstChunkGateMs: 0},
		Tenancy:    routepilot.PolicyTenancy{PerUserRPM: 60, PerUserDailyTokens: 1_000_000, Timezone: "UTC"},
	}
}

func newController(t *testing.T, srv *httptest.Server, agents map[string]*routepilot.AgentSpec, policies map[string]*routepilot.Policy) *Controller {
	t.Helper()
	store := newTestStore(t)
	client := gatewayclient.New(srv.URL, "test-key", nil)
	rates, err := rateestimate.Load(context.Background(), "", store)
	if err != nil {
		t.Fatal(err)
	}
	return &Controller{
		Agents:   &fakeAgents{agents: agents},
		Policies: &fakePolicies{policies: policies},
		Router:   &router.Supervisor{Gateway: client, Traces: fakeTraceReader{}},
		Rates:    rates,
		Receipts: receipt.New(store),
		Traces:   store,
	}
}

func TestRunHop_HappyPathWritesReceiptAndParsesOutput(t *testing.T) {
	t.Parallel()
	srv := newJSONServer(t, `{"intent":"billing","fields":["account_id"]}`)
	defer srv.Close()

	agents := map[string]*routepilot.AgentSpec{
		"triage": {
			Name:   "triage",
			Policy: "default",
			OutputSchema: &routepilot.Schema{
				Type:     "object",
				Required: []string{"intent"},
			},
		},
	}
	c := newController(t, srv, agents, map[string]*routepilot.Policy{"default": basePolicy("default", "gpt-4o")})

	result, err := c.RunHop(context.Background(), routepilot.Envelope{
		EnvelopeVersion: "1",
		TaskID:          "task-1",
		Agent:           "triage",
		Budget:          routepilot.Budget{CostUSD: 10, TimeMs: 60_000},
		Input:           map[string]any{"message": "my card was charged twice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output["intent"] != "billing" {
		t.Fatalf("output = %+v, want intent=billing", result.Output)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none", result.Warnings)
	}
	if result.ReceiptID == "" {
		t.Fatal("expected a receipt id")
	}
	if result.OverBudget {
		t.Fatal("expected hop within budget")
	}
}

func TestRunHop_InputSchemaViolationFailsFast(t *testing.T) {
	t.Parallel()
	srv := newJSONServer(t, `{}`)
	defer srv.Close()

	agents := map[string]*routepilot.AgentSpec{
		"triage": {
			Name:   "triage",
			Policy: "default",
			InputSchema: &routepilot.Schema{
				Type:     "object",
				Required: []string{"message"},
			},
		},
	}
	c := newController(t, srv, agents, map[string]*routepilot.Policy{"default": basePolicy("default", "gpt-4o")})

	_, err := c.RunHop(context.Background(), routepilot.Envelope{
		TaskID: "task-1",
		Agent:  "triage",
		Input:  map[string]any{},
	})
	if err == nil {
		t.Fatal("expected input schema violation error")
	}
}

func TestRunHop_OutputSchemaViolationIsNonFatalWarning(t *testing.T) {
	t.Parallel()
	srv := newJSONServer(t, `{"intent":123}`)
	defer srv.Close()

	agents := map[string]*routepilot.AgentSpec{
		"triage": {
			Name:   "triage",
			Policy: "default",
			OutputSchema: &routepilot.Schema{
				Type:       "object",
				Properties: map[string]routepilot.SchemaProperty{"intent": {Type: "string"}},
			},
		},
	}
	c := newController(t, srv, agents, map[string]*routepilot.Policy{"default": basePolicy("default", "gpt-4o")})

	result, err := c.RunHop(context.Background(), routepilot.Envelope{
		TaskID: "task-1",
		Agent:  "triage",
		Input:  map[string]any{},
	})
	if err != nil {
		t.Fatalf("expected call to succeed despite output schema mismatch, got %v", err)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning for the mistyped intent field")
	}
}

func TestRunHop_OverBudgetCostMarksReceiptMeta(t *testing.T) {
	t.Parallel()
	srv := newJSONServer(t, `{"draft":"hello"}`)
	defer srv.Close()

	agents := map[string]*routepilot.AgentSpec{
		"writer": {Name: "writer", Policy: "default"},
	}
	c := newController(t, srv, agents, map[string]*routepilot.Policy{"default": basePolicy("default", "gpt-4o")})

	result, err := c.RunHop(context.Background(), routepilot.Envelope{
		TaskID: "task-1",
		Agent:  "writer",
		Budget: routepilot.Budget{CostUSD: 0.0000001},
		Input:  map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.OverBudget {
		t.Fatal("expected over-budget hop given near-zero cost budget")
	}
	stored, err := c.Traces.(*sqlite.Store).GetReceipt(context.Background(), result.ReceiptID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Meta["over_budget"] != true {
		t.Fatalf("receipt meta = %+v, want over_budget=true", stored.Meta)
	}
}

func TestRunHop_DryRunSkipsNetworkAndReturnsStub(t *testing.T) {
	t.Parallel()
	// No server: a network call here would fail the test.
	c := &Controller{
		Agents: &fakeAgents{agents: map[string]*routepilot.AgentSpec{
			"retriever-fast": {Name: "retriever-fast", Policy: "default"},
		}},
		DryRun: true,
	}
	result, err := c.RunHop(context.Background(), routepilot.Envelope{
		TaskID: "task-1",
		Agent:  "retriever-fast",
		Input:  map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := result.Output["records"]; !ok {
		t.Fatalf("output = %+v, want a records stub", result.Output)
	}
	if result.ReceiptID != "" {
		t.Fatal("dry run must not write a receipt")
	}
}

func helpdeskAgents() map[string]*routepilot.AgentSpec {
	return map[string]*routepilot.AgentSpec{
		"triage":    {Name: "triage", Policy: "default"},
		"retriever": {Name: "retriever", Policy: "default"},
		"writer":    {Name: "writer", Policy: "default"},
	}
}

func TestRunHelpdeskChain_SequentialHappyPath(t *testing.T) {
	t.Parallel()
	srv := newJSONServer(t, `{"draft":"resolved"}`)
	defer srv.Close()

	c := newController(t, srv, helpdeskAgents(), map[string]*routepilot.Policy{"default": basePolicy("default", "gpt-4o")})
	result, err := c.RunHelpdeskChain(context.Background(), HelpdeskChainInput{
		TaskID: "task-1",
		Input:  map[string]any{"message": "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output["draft"] != "resolved" {
		t.Fatalf("output = %+v, want draft=resolved", result.Output)
	}
	for _, name := range []string{"triage", "retriever", "writer"} {
		if _, ok := result.Hops[name]; !ok {
			t.Fatalf("missing hop result for %q", name)
		}
	}
}

func helpdeskParallelAgents() map[string]*routepilot.AgentSpec {
	return map[string]*routepilot.AgentSpec{
		"triage":             {Name: "triage", Policy: "default"},
		"retriever-fast":     {Name: "retriever-fast", Policy: "default"},
		"retriever-accurate": {Name: "retriever-accurate", Policy: "default"},
		"aggregator":         {Name: "aggregator", Policy: "default"},
		"writer":             {Name: "writer", Policy: "default"},
	}
}

func TestRunHelpdeskParallelChain_JoinAllHappyPath(t *testing.T) {
	t.Parallel()
	srv := newJSONServer(t, `{"records":[{"id":"1"}]}`)
	defer srv.Close()

	c := newController(t, srv, helpdeskParallelAgents(), map[string]*routepilot.Policy{"default": basePolicy("default", "gpt-4o")})
	result, err := c.RunHelpdeskParallelChain(context.Background(), HelpdeskChainInput{
		TaskID: "task-1",
		Input:  map[string]any{"message": "hi"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"triage", "retriever-fast", "retriever-accurate", "aggregator", "writer"} {
		if _, ok := result.Hops[name]; !ok {
			t.Fatalf("missing hop result for %q", name)
		}
	}
}

func TestAggregate_DedupesByIDAndSortsDeterministically(t *testing.T) {
	t.Parallel()
	branches := []map[string]any{
		{"records": []any{
			map[string]any{"id": "2", "name": "b"},
		}},
		{"records": []any{
			map[string]any{"id": "1", "name": "a"},
			map[string]any{"id": "2", "extra": true},
		}},
	}
	got := Aggregate(branches)
	records, ok := got["records"].([]any)
	if !ok || len(records) != 2 {
		t.Fatalf("records = %+v, want 2 deduped entries", got["records"])
	}
	first := records[0].(map[string]any)
	if first["id"] != "1" {
		t.Fatalf("first record id = %v, want 1 (ascending order)", first["id"])
	}
	second := records[1].(map[string]any)
	if second["name"] != "b" || second["extra"] != true {
		t.Fatalf("second record = %+v, want merged name+extra", second)
	}
}

func TestLastBalancedJSON_TakesLastCandidate(t *testing.T) {
	t.Parallel()
	s := `noise {"a":1} more {"b":2}`
	got, ok := lastBalancedJSON(s)
	if !ok {
		t.Fatal("expected a balanced object")
	}
	if got["b"] != float64(2) {
		t.Fatalf("got = %+v, want the last candidate {b:2}", got)
	}
}

func TestValidateSchema_ReportsAllViolations(t *testing.T) {
	t.Parallel()
	schema := &routepilot.Schema{
		Type:       "object",
		Required:   []string{"intent", "fields"},
		Properties: map[string]routepilot.SchemaProperty{"intent": {Type: "string"}},
	}
	issues := validateSchema(map[string]any{"intent": 5}, schema)
	if len(issues) != 2 {
		t.Fatalf("issues = %v, want 2 (missing fields + wrong intent type)", issues)
	}
}
