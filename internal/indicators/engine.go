package indicators

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPeriod is returned for structurally invalid parameters.
	ErrInvalidPeriod = errors.New("invalid indicator parameter")
	// ErrUnknownIndicator is returned by Compute for names it does not know.
	ErrUnknownIndicator = errors.New("unknown indicator")
)

// Indicator names understood by Compute.
const (
	NameClose         = "close"
	NameSMA           = "sma"
	NameEMA           = "ema"
	NameRSI           = "rsi"
	NameBollinger     = "bollinger"
	NameMACD          = "macd"
	NameMACDSignal    = "macd_signal"
	NameMACDHistogram = "macd_histogram"
)

// Default parameters applied when a Spec leaves them zero.
const (
	DefaultRSIPeriod  = 14
	DefaultMAPeriod   = 20
	DefaultBollPeriod = 20
	DefaultBollDev    = 2.0
	DefaultMACDFast   = 12
	DefaultMACDSlow   = 26
	DefaultMACDSignal = 9
)

// Spec names an indicator and its parameters. Zero fields take defaults.
type Spec struct {
	Name      string
	Period    int
	Deviation float64
	Fast      int
	Slow      int
	Signal    int
}

// Known reports whether name is a supported indicator.
func Known(name string) bool {
	switch normalize(name) {
	case NameClose, NameSMA, NameEMA, NameRSI, NameBollinger,
		NameMACD, NameMACDSignal, NameMACDHistogram:
		return true
	}
	return false
}

// WithDefaults fills zero parameters for the spec's indicator.
func (s Spec) WithDefaults() Spec {
	s.Name = normalize(s.Name)
	switch s.Name {
	case NameRSI:
		if s.Period == 0 {
			s.Period = DefaultRSIPeriod
		}
	case NameSMA, NameEMA:
		if s.Period == 0 {
			s.Period = DefaultMAPeriod
		}
	case NameBollinger:
		if s.Period == 0 {
			s.Period = DefaultBollPeriod
		}
		if s.Deviation == 0 {
			s.Deviation = DefaultBollDev
		}
	case NameMACD, NameMACDSignal, NameMACDHistogram:
		if s.Fast == 0 {
			s.Fast = DefaultMACDFast
		}
		if s.Slow == 0 {
			s.Slow = DefaultMACDSlow
		}
		if s.Signal == 0 {
			s.Signal = DefaultMACDSignal
		}
	}
	return s
}

// MinLength is the shortest input for which the indicator yields a value.
func (s Spec) MinLength() int {
	s = s.WithDefaults()
	switch s.Name {
	case NameRSI:
		return s.Period + 1
	case NameSMA, NameEMA, NameBollinger:
		return s.Period
	case NameMACD:
		return s.Slow
	case NameMACDSignal, NameMACDHistogram:
		return s.Slow + s.Signal - 1
	}
	return 1
}

// Compute evaluates the indicator named by spec over closing prices.
func Compute(spec Spec, closes []float64) (Series, error) {
	spec = spec.WithDefaults()
	switch spec.Name {
	case NameClose:
		out := make(Series, len(closes))
		for i, c := range closes {
			out[i] = Some(c)
		}
		return out, nil
	case NameSMA:
		return SMA(closes, spec.Period)
	case NameEMA:
		return EMA(closes, spec.Period)
	case NameRSI:
		return RSI(closes, spec.Period)
	case NameBollinger:
		return BollingerPercentB(closes, spec.Period, spec.Deviation)
	case NameMACD, NameMACDSignal, NameMACDHistogram:
		m, err := MACD(closes, spec.Fast, spec.Slow, spec.Signal)
		if err != nil {
			return nil, err
		}
		switch spec.Name {
		case NameMACDSignal:
			return m.Signal, nil
		case NameMACDHistogram:
			return m.Histogram, nil
		}
		return m.Line, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownIndicator, spec.Name)
}

// Validate checks the spec without computing anything.
func (s Spec) Validate() error {
	if !Known(s.Name) {
		return fmt.Errorf("%w: %q", ErrUnknownIndicator, s.Name)
	}
	_, err := Compute(s, nil)
	return err
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func checkPeriod(name string, period int) error {
	if period < 1 {
		return fmt.Errorf("%w: %s period must be >= 1, got %d", ErrInvalidPeriod, name, period)
	}
	return nil
}

func invalidParam(name, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidPeriod, name, msg)
}
