package market

import "sort"

// SortCandles orders candles by ascending timestamp, keeping the last of
// any rows that share a timestamp.
func SortCandles(c []Candle) []Candle {
	sort.SliceStable(c, func(i, j int) bool { return c[i].Timestamp.Before(c[j].Timestamp) })
	if len(c) < 2 {
		return c
	}
	out := c[:1]
	for _, k := range c[1:] {
		if !k.Timestamp.IsZero() && k.Timestamp.Equal(out[len(out)-1].Timestamp) {
			out[len(out)-1] = k
			continue
		}
		out = append(out, k)
	}
	return out
}
