package subagent

import "strings"

// dryRunStub returns the deterministic stub matching agentName's family,
// used when the ambient dry-run flag is set to skip the network call
// entirely.
func dryRunStub(agentName string) map[string]any {
	lower := strings.ToLower(agentName)
	switch {
	case strings.Contains(lower, "triage"):
		return map[string]any{"intent": "dry-run", "fields": []any{}}
	case strings.Contains(lower, "retriever"):
		return map[string]any{"records": []any{}}
	case strings.Contains(lower, "writer"):
		return map[string]any{"draft": ""}
	case strings.Contains(lower, "aggregator"):
		return map[string]any{"records": []any{}}
	default:
		return map[string]any{}
	}
}
