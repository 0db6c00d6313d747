package strategy

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidConfig marks a configuration that cannot be run.
var ErrInvalidConfig = errors.New("invalid strategy config")

// Validate checks cfg and returns a normalized copy: canonical operators,
// upper-cased de-duplicated pairs and lower-cased indicator names.
func Validate(cfg Config) (Config, error) {
	var problems []string

	if len(cfg.EntryConditions) == 0 {
		problems = append(problems, "entry_conditions must not be empty")
	}
	entry, p := normalizeRules("entry_conditions", cfg.EntryConditions)
	problems = append(problems, p...)
	exit, p := normalizeRules("exit_conditions", cfg.ExitConditions)
	problems = append(problems, p...)

	pairs := make([]string, 0, len(cfg.Pairs))
	seen := map[string]bool{}
	for _, raw := range cfg.Pairs {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		pairs = append(pairs, sym)
	}
	if len(pairs) == 0 {
		problems = append(problems, "pairs must list at least one symbol")
	}

	if len(problems) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return Config{EntryConditions: entry, ExitConditions: exit, Pairs: pairs}, nil
}

func normalizeRules(field string, rs RuleSet) (RuleSet, []string) {
	var problems []string
	out := make(RuleSet, 0, len(rs))
	for i, c := range rs {
		where := fmt.Sprintf("%s[%d]", field, i)
		c.Indicator = strings.ToLower(strings.TrimSpace(c.Indicator))
		c.Timeframe = strings.TrimSpace(c.Timeframe)

		op, err := ParseOperator(string(c.Operator))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", where, err))
		}
		c.Operator = op

		if math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) {
			problems = append(problems, fmt.Sprintf("%s: threshold must be finite", where))
		}
		if err := c.Spec().Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", where, err))
		}
		if c.Period < 0 || c.Fast < 0 || c.Slow < 0 || c.Signal < 0 {
			problems = append(problems, fmt.Sprintf("%s: periods must not be negative", where))
		}
		if c.Deviation < 0 {
			problems = append(problems, fmt.Sprintf("%s: deviation must not be negative", where))
		}
		out = append(out, c)
	}
	return out, problems
}

// RequiredHistory is the number of candles needed for every condition in
// the rule sets to be defined.
func RequiredHistory(sets ...RuleSet) int {
	need := 1
	for _, rs := range sets {
		for _, c := range rs {
			need = max(need, c.Spec().MinLength())
		}
	}
	return need
}
