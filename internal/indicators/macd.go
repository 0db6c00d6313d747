package indicators

// MACDResult groups the three aligned MACD series.
type MACDResult struct {
	Line      Series
	Signal    Series
	Histogram Series
}

// MACD computes line = EMA(fast) - EMA(slow), the signal EMA over the defined
// part of the line, and their difference.
func MACD(prices []float64, fast, slow, signal int) (MACDResult, error) {
	for _, p := range []struct {
		name string
		v    int
	}{{"macd fast", fast}, {"macd slow", slow}, {"macd signal", signal}} {
		if err := checkPeriod(p.name, p.v); err != nil {
			return MACDResult{}, err
		}
	}
	if fast >= slow {
		return MACDResult{}, invalidParam("macd", "fast period must be shorter than slow period")
	}

	n := len(prices)
	res := MACDResult{
		Line:      undefined(n),
		Signal:    undefined(n),
		Histogram: undefined(n),
	}
	fastEMA := ema(prices, fast)
	slowEMA := ema(prices, slow)
	for i := range prices {
		f, okF := fastEMA[i].Get()
		s, okS := slowEMA[i].Get()
		if okF && okS {
			res.Line[i] = Some(f - s)
		}
	}

	start := res.Line.FirstDefined()
	if start < 0 {
		return res, nil
	}
	sig := ema(res.Line.Defined(), signal)
	for j, v := range sig {
		res.Signal[start+j] = v
	}
	for i := start; i < n; i++ {
		l, okL := res.Line[i].Get()
		s, okS := res.Signal[i].Get()
		if okL && okS {
			res.Histogram[i] = Some(l - s)
		}
	}
	return res, nil
}
