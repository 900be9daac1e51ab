package subagent

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Aggregate unions the records[] arrays carried by a set of branch
// outputs, deduping by id when present (keeping the record with the most
// populated fields, shallow-merged into the survivor), and returns a
// single {"records": [...]} map in a deterministic order: ascending by id
// when every record carries one, else by JSON-string order.
func Aggregate(branchOutputs []map[string]any) map[string]any {
	var all []map[string]any
	for _, out := range branchOutputs {
		raw, ok := out["records"]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if rec, ok := item.(map[string]any); ok {
				all = append(all, rec)
			}
		}
	}

	merged := dedupeRecords(all)
	sortRecords(merged)
	return map[string]any{"records": recordsToAny(merged)}
}

func dedupeRecords(records []map[string]any) []map[string]any {
	byID := make(map[string]map[string]any)
	var order []string
	var noID []map[string]any

	for _, rec := range records {
		id, ok := rec["id"]
		if !ok {
			noID = append(noID, rec)
			continue
		}
		key := fmt.Sprint(id)
		existing, seen := byID[key]
		if !seen {
			byID[key] = rec
			order = append(order, key)
			continue
		}
		byID[key] = mergeFuller(existing, rec)
	}

	merged := make([]map[string]any, 0, len(order)+len(noID))
	for _, key := range order {
		merged = append(merged, byID[key])
	}
	merged = append(merged, noID...)
	return merged
}

// mergeFuller keeps the record with more populated fields, shallow-merging
// in any field the sparser record carries that the fuller one lacks.
func mergeFuller(a, b map[string]any) map[string]any {
	fuller, sparser := a, b
	if len(b) > len(a) {
		fuller, sparser = b, a
	}
	merged := make(map[string]any, len(fuller))
	for k, v := range fuller {
		merged[k] = v
	}
	for k, v := range sparser {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged
}

func sortRecords(records []map[string]any) {
	allHaveID := true
	for _, rec := range records {
		if _, ok := rec["id"]; !ok {
			allHaveID = false
			break
		}
	}
	if allHaveID {
		sort.SliceStable(records, func(i, j int) bool {
			return fmt.Sprint(records[i]["id"]) < fmt.Sprint(records[j]["id"])
		})
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		bi, _ := json.Marshal(records[i])
		bj, _ := json.Marshal(records[j])
		return string(bi) < string(bj)
	})
}

func recordsToAny(records []map[string]any) []any {
	out := make([]any, len(records))
	for i, rec := range records {
		out[i] = rec
	}
	return out
}
