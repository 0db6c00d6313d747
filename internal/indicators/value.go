package indicators

import (
	"encoding/json"
	"math"
	"strconv"
)

// Value is one element of an indicator series. An absent value means the
// series did not have enough history at that index.
type Value struct {
	v  float64
	ok bool
}

// Some wraps a defined value.
func Some(v float64) Value { return Value{v: v, ok: true} }

// None is the absent value.
func None() Value { return Value{} }

// Get returns the value and whether it is defined.
func (v Value) Get() (float64, bool) { return v.v, v.ok }

// IsDefined reports whether the value is present.
func (v Value) IsDefined() bool { return v.ok }

// Float returns the value, or NaN when absent.
func (v Value) Float() float64 {
	if !v.ok {
		return math.NaN()
	}
	return v.v
}

func (v Value) String() string {
	if !v.ok {
		return "undefined"
	}
	return strconv.FormatFloat(v.v, 'f', -1, 64)
}

// MarshalJSON encodes an absent value as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.ok {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

// UnmarshalJSON accepts a number or null.
func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = None()
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = Some(f)
	return nil
}

// Series is aligned 1:1 with the price sequence it was computed from.
type Series []Value

// Last returns the final element, or None for an empty series.
func (s Series) Last() Value {
	if len(s) == 0 {
		return None()
	}
	return s[len(s)-1]
}

// FirstDefined returns the index of the first defined element, or -1.
func (s Series) FirstDefined() int {
	for i, v := range s {
		if v.ok {
			return i
		}
	}
	return -1
}

// Defined returns the defined suffix values in order.
func (s Series) Defined() []float64 {
	out := make([]float64, 0, len(s))
	for _, v := range s {
		if v.ok {
			out = append(out, v.v)
		}
	}
	return out
}

func undefined(n int) Series {
	return make(Series, n)
}
