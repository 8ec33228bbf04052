package rule

import "sort"

// EvaluateSet scans the rules in priority order and returns the first
// enabled rule whose expression matches the projected fields. Ties on
// priority break lexicographically by id, so the scan is deterministic
// for any input ordering. Returns NoMatch when nothing matches.
func EvaluateSet(rules []Rule, fields FieldMap) Outcome {
	enabled := make([]*Rule, 0, len(rules))
	for i := range rules {
		if rules[i].Enabled {
			enabled = append(enabled, &rules[i])
		}
	}

	sort.Slice(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority < enabled[j].Priority
		}
		return enabled[i].ID < enabled[j].ID
	})

	for _, r := range enabled {
		if evalExpression(r, fields) {
			return Outcome{
				Matched:       true,
				Action:        r.Action,
				RuleID:        r.ID,
				BlockHTTPCode: r.BlockHTTPCode,
				TriggerAlert:  r.TriggerAlert,
			}
		}
	}

	return NoMatch
}
