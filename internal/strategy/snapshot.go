package strategy

import (
	"fmt"

	"strategy-core/internal/indicators"
	"strategy-core/pkg/market"
)

// BuildSnapshot computes the latest value of every condition's indicator
// over the candle closes. Conditions sharing a key are computed once.
func BuildSnapshot(candles []market.Candle, sets ...RuleSet) (Snapshot, error) {
	closes := market.Closes(candles)
	snap := Snapshot{}
	for _, rs := range sets {
		for _, c := range rs {
			key := c.Key()
			if _, done := snap[key]; done {
				continue
			}
			series, err := indicators.Compute(c.Spec(), closes)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			snap[key] = series.Last()
		}
	}
	return snap, nil
}

// SnapshotFromFields maps precomputed indicator fields (named like condition
// keys, e.g. "rsi" or "sma_20") onto a snapshot.
func SnapshotFromFields(fields map[string]float64, sets ...RuleSet) Snapshot {
	snap := Snapshot{}
	for _, rs := range sets {
		for _, c := range rs {
			if v, ok := lookupField(fields, c); ok {
				snap[c.Key()] = indicators.Some(v)
			}
		}
	}
	return snap
}

// Covers reports whether fields can satisfy every condition in the sets.
func Covers(fields map[string]float64, sets ...RuleSet) bool {
	for _, rs := range sets {
		for _, c := range rs {
			if _, ok := lookupField(fields, c); !ok {
				return false
			}
		}
	}
	return true
}

func lookupField(fields map[string]float64, c RuleCondition) (float64, bool) {
	v, ok := fields[c.Key()]
	return v, ok
}

// ByTimeframe groups the conditions of all sets by timeframe, keeping the
// first-seen order of timeframes. An empty timeframe is the default one.
func ByTimeframe(sets ...RuleSet) ([]string, map[string]RuleSet) {
	var order []string
	groups := map[string]RuleSet{}
	for _, rs := range sets {
		for _, c := range rs {
			if _, ok := groups[c.Timeframe]; !ok {
				order = append(order, c.Timeframe)
			}
			groups[c.Timeframe] = append(groups[c.Timeframe], c)
		}
	}
	return order, groups
}
