package strategy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"strategy-core/internal/indicators"
)

func TestEvaluate(t *testing.T) {
	rsiBelow30 := RuleCondition{Indicator: "rsi", Operator: OpLessThan, Threshold: 30}
	smaAbove := RuleCondition{Indicator: "sma", Operator: OpGreaterThan, Threshold: 100, Period: 20}
	closeEq := RuleCondition{Indicator: "close", Operator: OpEquals, Threshold: 50}

	tests := []struct {
		name string
		rs   RuleSet
		snap Snapshot
		want bool
	}{
		{"empty rule set", nil, Snapshot{"rsi": indicators.Some(10)}, false},
		{"empty rule set empty snapshot", RuleSet{}, Snapshot{}, false},
		{"single met", RuleSet{rsiBelow30}, Snapshot{"rsi": indicators.Some(25)}, true},
		{"strict less than", RuleSet{rsiBelow30}, Snapshot{"rsi": indicators.Some(30)}, false},
		{"strict greater than", RuleSet{smaAbove}, Snapshot{"sma_20": indicators.Some(100)}, false},
		{"equals", RuleSet{closeEq}, Snapshot{"close": indicators.Some(50)}, true},
		{"undefined value", RuleSet{rsiBelow30}, Snapshot{"rsi": indicators.None()}, false},
		{"missing value", RuleSet{rsiBelow30}, Snapshot{}, false},
		{"and all met", RuleSet{rsiBelow30, smaAbove}, Snapshot{"rsi": indicators.Some(20), "sma_20": indicators.Some(120)}, true},
		{"and one undefined", RuleSet{rsiBelow30, smaAbove}, Snapshot{"rsi": indicators.Some(20), "sma_20": indicators.None()}, false},
		{"and one unmet", RuleSet{smaAbove, rsiBelow30}, Snapshot{"rsi": indicators.Some(40), "sma_20": indicators.Some(120)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.rs, tt.snap))
			_, all := Diagnose(tt.rs, tt.snap)
			assert.Equal(t, tt.want, all)
		})
	}
}

func TestEvaluateOrderIndependent(t *testing.T) {
	a := RuleCondition{Indicator: "rsi", Operator: OpLessThan, Threshold: 30}
	b := RuleCondition{Indicator: "ema", Operator: OpGreaterThan, Threshold: 10, Period: 5}
	snaps := []Snapshot{
		{"rsi": indicators.Some(20), "ema_5": indicators.Some(11)},
		{"rsi": indicators.Some(35), "ema_5": indicators.Some(11)},
		{"rsi": indicators.Some(20), "ema_5": indicators.None()},
	}
	for _, s := range snaps {
		assert.Equal(t, Evaluate(RuleSet{a, b}, s), Evaluate(RuleSet{b, a}, s))
	}
}

func TestDiagnose(t *testing.T) {
	rs := RuleSet{
		{Indicator: "rsi", Operator: OpLessThan, Threshold: 30},
		{Indicator: "bollinger", Operator: OpLessThan, Threshold: 0},
	}
	results, all := Diagnose(rs, Snapshot{"rsi": indicators.Some(25)})
	assert.False(t, all)
	assert.Len(t, results, 2)
	assert.True(t, results[0].Met)
	assert.Equal(t, "rsi", results[0].Key)
	assert.False(t, results[1].Met)
	assert.False(t, results[1].Value.IsDefined())
}

func TestConditionKey(t *testing.T) {
	assert.Equal(t, "rsi", RuleCondition{Indicator: "RSI"}.Key())
	assert.Equal(t, "rsi_7", RuleCondition{Indicator: "rsi", Period: 7}.Key())
	assert.Equal(t, "bollinger_20_2.5", RuleCondition{Indicator: "bollinger", Deviation: 2.5}.Key())
	assert.Equal(t, "macd_histogram_12_26_5", RuleCondition{Indicator: "macd_histogram", Signal: 5}.Key())
	assert.Equal(t, "rsi_14@4h", RuleCondition{Indicator: "rsi", Period: 14, Timeframe: "4h"}.Key())
}

func TestZeroParametersTakeDefaults(t *testing.T) {
	c := RuleCondition{Indicator: "bollinger", Operator: OpLessThan, Deviation: 0, Period: 20}
	assert.Equal(t, "bollinger_20_2", c.Key())
	assert.Equal(t, indicators.DefaultBollDev, c.Spec().WithDefaults().Deviation)

	bare := RuleCondition{Indicator: "bollinger", Operator: OpLessThan}
	assert.Equal(t, "bollinger", bare.Key())
	assert.Equal(t, c.Spec().WithDefaults(), bare.Spec().WithDefaults())
}

func ExampleEvaluate() {
	rules := RuleSet{
		{Indicator: "rsi", Operator: OpLessThan, Threshold: 30},
		{Indicator: "close", Operator: OpGreaterThan, Threshold: 100},
	}
	snap := Snapshot{
		"rsi":   indicators.Some(24.5),
		"close": indicators.Some(101.2),
	}
	fmt.Println(Evaluate(rules, snap))
	fmt.Println(Evaluate(rules, Snapshot{"close": indicators.Some(101.2)}))
	// Output:
	// true
	// false
}
