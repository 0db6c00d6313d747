package strategy

import "strategy-core/internal/indicators"

// ConditionResult is the outcome of one condition against a snapshot.
type ConditionResult struct {
	Condition RuleCondition    `json:"condition"`
	Key       string           `json:"key"`
	Value     indicators.Value `json:"value"`
	Met       bool             `json:"met"`
}

// Evaluate reports whether every condition in rs holds. An empty rule set
// never holds, and a condition on an undefined value is not met.
func Evaluate(rs RuleSet, snap Snapshot) bool {
	if len(rs) == 0 {
		return false
	}
	for _, c := range rs {
		if !met(c, snap.Lookup(c)) {
			return false
		}
	}
	return true
}

// Diagnose evaluates every condition without short-circuiting and returns
// the per-condition results with the aggregate decision.
func Diagnose(rs RuleSet, snap Snapshot) ([]ConditionResult, bool) {
	results := make([]ConditionResult, 0, len(rs))
	all := len(rs) > 0
	for _, c := range rs {
		v := snap.Lookup(c)
		ok := met(c, v)
		results = append(results, ConditionResult{Condition: c, Key: c.Key(), Value: v, Met: ok})
		all = all && ok
	}
	return results, all
}

func met(c RuleCondition, v indicators.Value) bool {
	f, ok := v.Get()
	if !ok {
		return false
	}
	return c.Operator.Compare(f, c.Threshold)
}
