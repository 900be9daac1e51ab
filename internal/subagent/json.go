package subagent

import "encoding/json"

// lastBalancedJSON scans s for top-level brace-balanced substrings and
// returns the last one that parses as a JSON object, per the collect-phase
// contract: "scan top-level braces; try each closing position; take the
// last successful parse."
func lastBalancedJSON(s string) (map[string]any, bool) {
	start := -1
	depth := 0
	var best map[string]any
	found := false

	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				candidate := s[start : i+1]
				var parsed map[string]any
				if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
					best = parsed
					found = true
				}
			}
		}
	}
	return best, found
}
