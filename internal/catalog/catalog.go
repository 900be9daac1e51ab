// Package catalog loads policy and agent YAML documents from disk into the
// in-memory lookups the inference, agent-session, and sub-agent drivers
// depend on. The exact file layout and parsing semantics are an external
// collaborator concern; this package is the thin, minimally-tested adapter
// cmd/routepilot wires in to make that concern concrete.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// Policies is an in-memory lookup of policy documents keyed by name.
type Policies struct {
	byName map[string]*routepilot.Policy
}

// Policy implements infer.PolicyProvider / agentsession.PolicyProvider /
// subagent.PolicyProvider.
func (p *Policies) Policy(name string) (*routepilot.Policy, error) {
	pol, ok := p.byName[name]
	if !ok {
		return nil, &routepilot.PolicyError{Name: name}
	}
	clone := *pol
	return &clone, nil
}

// LoadPolicies reads every *.yaml/*.yml file in dir as a single Policy
// document, keyed by its name field.
func LoadPolicies(dir string) (*Policies, error) {
	byName := make(map[string]*routepilot.Policy)
	err := walkYAML(dir, func(path string, data []byte) error {
		var pol routepilot.Policy
		if err := yaml.Unmarshal(data, &pol); err != nil {
			return fmt.Errorf("catalog: parse policy %s: %w", path, err)
		}
		if pol.Name == "" {
			return fmt.Errorf("catalog: policy %s: missing name", path)
		}
		byName[pol.Name] = &pol
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Policies{byName: byName}, nil
}

// Agents is an in-memory lookup of agent documents keyed by name.
type Agents struct {
	byName map[string]*routepilot.AgentSpec
}

// Agent implements subagent.AgentProvider.
func (a *Agents) Agent(name string) (*routepilot.AgentSpec, error) {
	spec, ok := a.byName[name]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown agent %q", name)
	}
	return spec, nil
}

// LoadAgents reads every *.yaml/*.yml file in dir as a single AgentSpec
// document, keyed by its name field.
func LoadAgents(dir string) (*Agents, error) {
	byName := make(map[string]*routepilot.AgentSpec)
	err := walkYAML(dir, func(path string, data []byte) error {
		var spec routepilot.AgentSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("catalog: parse agent %s: %w", path, err)
		}
		if spec.Name == "" {
			return fmt.Errorf("catalog: agent %s: missing name", path)
		}
		byName[spec.Name] = &spec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Agents{byName: byName}, nil
}

func walkYAML(dir string, fn func(path string, data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("catalog: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("catalog: read %s: %w", path, err)
		}
		if err := fn(path, data); err != nil {
			return err
		}
	}
	return nil
}
