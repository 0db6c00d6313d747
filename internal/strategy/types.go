package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"strategy-core/internal/indicators"
)

// Operator compares an indicator value against a threshold.
type Operator string

const (
	OpLessThan    Operator = "lt"
	OpGreaterThan Operator = "gt"
	OpEquals      Operator = "eq"
)

var operatorAliases = map[string]Operator{
	"lt": OpLessThan, "<": OpLessThan, "less_than": OpLessThan, "lessthan": OpLessThan, "below": OpLessThan,
	"gt": OpGreaterThan, ">": OpGreaterThan, "greater_than": OpGreaterThan, "greaterthan": OpGreaterThan, "above": OpGreaterThan,
	"eq": OpEquals, "==": OpEquals, "=": OpEquals, "equals": OpEquals,
}

// ParseOperator maps any accepted spelling to its canonical operator.
func ParseOperator(s string) (Operator, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown operator %q", s)
	}
	return op, nil
}

// Compare applies the operator. LessThan and GreaterThan are strict.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpLessThan:
		return value < threshold
	case OpGreaterThan:
		return value > threshold
	case OpEquals:
		return value == threshold
	}
	return false
}

// RuleCondition is one indicator comparison. A zero parameter always means
// the indicator's default, so a zero value cannot be requested explicitly:
// bollinger with deviation 0 reads the 2 deviation bands. Zero-width bands
// would leave %B undefined on every bar anyway.
type RuleCondition struct {
	Indicator string   `json:"indicator" yaml:"indicator"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
	Period    int      `json:"period,omitempty" yaml:"period,omitempty"`
	Deviation float64  `json:"deviation,omitempty" yaml:"deviation,omitempty"`
	Fast      int      `json:"fast,omitempty" yaml:"fast,omitempty"`
	Slow      int      `json:"slow,omitempty" yaml:"slow,omitempty"`
	Signal    int      `json:"signal,omitempty" yaml:"signal,omitempty"`
	Timeframe string   `json:"timeframe,omitempty" yaml:"timeframe,omitempty"`
}

// Spec returns the indicator spec the condition reads.
func (c RuleCondition) Spec() indicators.Spec {
	return indicators.Spec{
		Name:      c.Indicator,
		Period:    c.Period,
		Deviation: c.Deviation,
		Fast:      c.Fast,
		Slow:      c.Slow,
		Signal:    c.Signal,
	}
}

// hasParams reports whether any indicator parameter was set explicitly.
func (c RuleCondition) hasParams() bool {
	return c.Period != 0 || c.Deviation != 0 || c.Fast != 0 || c.Slow != 0 || c.Signal != 0
}

// Key names the snapshot slot for this condition: the bare indicator name
// when no parameters are given, otherwise the name with its parameters,
// e.g. "rsi_14", "bollinger_20_2", "macd_12_26_9". A timeframe is appended
// as "@4h".
func (c RuleCondition) Key() string {
	k := c.baseKey()
	if tf := strings.TrimSpace(c.Timeframe); tf != "" {
		k += "@" + tf
	}
	return k
}

func (c RuleCondition) baseKey() string {
	name := strings.ToLower(strings.TrimSpace(c.Indicator))
	if !c.hasParams() {
		return name
	}
	s := c.Spec().WithDefaults()
	switch s.Name {
	case indicators.NameBollinger:
		return fmt.Sprintf("%s_%d_%s", name, s.Period, strconv.FormatFloat(s.Deviation, 'f', -1, 64))
	case indicators.NameMACD, indicators.NameMACDSignal, indicators.NameMACDHistogram:
		return fmt.Sprintf("%s_%d_%d_%d", name, s.Fast, s.Slow, s.Signal)
	}
	return fmt.Sprintf("%s_%d", name, s.Period)
}

func (c RuleCondition) String() string {
	return fmt.Sprintf("%s %s %g", c.Key(), c.Operator, c.Threshold)
}

// RuleSet is a conjunction of conditions.
type RuleSet []RuleCondition

// Config is the rule configuration of a strategy. It is snapshotted into
// each run when the run starts.
type Config struct {
	EntryConditions RuleSet  `json:"entry_conditions" yaml:"entry_conditions"`
	ExitConditions  RuleSet  `json:"exit_conditions" yaml:"exit_conditions"`
	Pairs           []string `json:"pairs" yaml:"pairs"`
}

// ParseConfig decodes a JSON config snapshot.
func ParseConfig(raw string) (Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode config: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// JSON encodes the config for persistence.
func (c Config) JSON() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Snapshot maps condition keys to their latest values.
type Snapshot map[string]indicators.Value

// Lookup returns the value for c, or None when absent.
func (s Snapshot) Lookup(c RuleCondition) indicators.Value {
	if v, ok := s[c.Key()]; ok {
		return v
	}
	return indicators.None()
}
