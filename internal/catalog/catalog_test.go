package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPolicies_KeyedByName(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "default.yaml", `
name: default
routing:
  primary: [gpt-4o]
tenancy:
  per_user_rpm: 60
  per_user_daily_tokens: 100000
`)

	policies, err := LoadPolicies(dir)
	if err != nil {
		t.Fatal(err)
	}
	pol, err := policies.Policy("default")
	if err != nil {
		t.Fatal(err)
	}
	if pol.Routing.Primary[0] != "gpt-4o" {
		t.Fatalf("primary = %v, want [gpt-4o]", pol.Routing.Primary)
	}
}

func TestLoadPolicies_UnknownNameErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	policies, err := LoadPolicies(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := policies.Policy("missing"); err == nil {
		t.Fatal("expected an error for an unknown policy")
	}
}

func TestLoadAgents_ParsesInputSchema(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "triage.yaml", `
name: triage
policy: default
input_schema:
  type: object
  required: [message]
`)

	agents, err := LoadAgents(dir)
	if err != nil {
		t.Fatal(err)
	}
	spec, err := agents.Agent("triage")
	if err != nil {
		t.Fatal(err)
	}
	if spec.InputSchema == nil || len(spec.InputSchema.Required) != 1 || spec.InputSchema.Required[0] != "message" {
		t.Fatalf("inputSchema = %+v, want required:[message]", spec.InputSchema)
	}
}
