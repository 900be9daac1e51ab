// Package policy validates and defaults an already-decoded Policy value.
// Decoding the policy document itself (YAML parsing, env expansion) stays
// outside this package; Resolve only fills in defaults and reports
// schema-shaped problems, following the teacher's config.Load
// default-then-override idiom, adapted here to default-then-validate since
// the decode step happens at the caller.
package policy

import (
	"fmt"
	"time"

	"github.com/routepilot/routepilot/internal/routepilot"
)

const (
	defaultP95WindowN = 50
	defaultTimezone   = "UTC"
)

var defaultBackoffMs = []int64{250, 500, 1000, 2000}

// Resolve fills zero-valued fields of p with defaults and validates the
// result, returning *routepilot.PolicyError if anything is missing or
// malformed. Defaults are written into p before validation, so p is mutated
// in place even when an error is returned.
func Resolve(p *routepilot.Policy) error {
	applyDefaults(p)

	var issues []routepilot.PolicyIssue
	issues = append(issues, validateRouting(p.Routing)...)
	issues = append(issues, validateStrategy(p.Strategy)...)
	issues = append(issues, validateTenancy(p.Tenancy)...)

	if len(issues) > 0 {
		return &routepilot.PolicyError{Name: p.Name, Issues: issues}
	}
	return nil
}

func applyDefaults(p *routepilot.Policy) {
	if p.Routing.P95WindowN <= 0 {
		p.Routing.P95WindowN = defaultP95WindowN
	}
	if p.Strategy.MaxAttempts <= 0 {
		p.Strategy.MaxAttempts = len(p.Routing.Primary) + len(p.Routing.Backups)
	}
	if len(p.Strategy.BackoffMs) == 0 {
		p.Strategy.BackoffMs = append([]int64(nil), defaultBackoffMs...)
	}
	if p.Tenancy.Timezone == "" {
		p.Tenancy.Timezone = defaultTimezone
	}
}

func validateRouting(r routepilot.PolicyRouting) []routepilot.PolicyIssue {
	var issues []routepilot.PolicyIssue
	if len(r.Primary) == 0 {
		issues = append(issues, routepilot.PolicyIssue{
			Path: "routing.primary", Message: "must contain at least one model",
		})
	}
	for model, params := range r.Params {
		if err := validateGenParams(params); err != nil {
			issues = append(issues, routepilot.PolicyIssue{
				Path: fmt.Sprintf("routing.params.%s", model), Message: err.Error(),
			})
		}
	}
	return issues
}

func validateStrategy(s routepilot.PolicyStrategy) []routepilot.PolicyIssue {
	var issues []routepilot.PolicyIssue
	if s.FallbackOnLatencyMs <= 0 {
		issues = append(issues, routepilot.PolicyIssue{
			Path: "strategy.fallback_on_latency_ms", Message: "must be positive",
		})
	}
	if s.FirstChunkGateMs < 0 {
		issues = append(issues, routepilot.PolicyIssue{
			Path: "strategy.first_chunk_gate_ms", Message: "must not be negative",
		})
	}
	for i, ms := range s.BackoffMs {
		if ms < 0 {
			issues = append(issues, routepilot.PolicyIssue{
				Path: fmt.Sprintf("strategy.backoff_ms[%d]", i), Message: "must not be negative",
			})
		}
	}
	return issues
}

func validateTenancy(t routepilot.PolicyTenancy) []routepilot.PolicyIssue {
	var issues []routepilot.PolicyIssue
	if t.PerUserRPM <= 0 {
		issues = append(issues, routepilot.PolicyIssue{
			Path: "tenancy.per_user_rpm", Message: "must be positive",
		})
	}
	if t.PerUserDailyTokens <= 0 {
		issues = append(issues, routepilot.PolicyIssue{
			Path: "tenancy.per_user_daily_tokens", Message: "must be positive",
		})
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		issues = append(issues, routepilot.PolicyIssue{
			Path: "tenancy.timezone", Message: fmt.Sprintf("unknown IANA zone %q", t.Timezone),
		})
	}
	return issues
}

func validateGenParams(g *routepilot.GenParams) error {
	if g == nil {
		return nil
	}
	if g.Temperature != nil && (*g.Temperature < 0 || *g.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0, 2]")
	}
	if g.TopP != nil && (*g.TopP < 0 || *g.TopP > 1) {
		return fmt.Errorf("top_p must be within [0, 1]")
	}
	return nil
}
