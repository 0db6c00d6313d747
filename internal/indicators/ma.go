package indicators

// SMA returns the simple moving average of the trailing period values,
// defined from index period-1.
func SMA(prices []float64, period int) (Series, error) {
	if err := checkPeriod("sma", period); err != nil {
		return nil, err
	}
	out := undefined(len(prices))
	if len(prices) < period {
		return out, nil
	}

	sum := 0.0
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			out[i] = Some(sum / float64(period))
		}
	}
	return out, nil
}

// EMA is seeded with the SMA of the first period values at index period-1.
func EMA(prices []float64, period int) (Series, error) {
	if err := checkPeriod("ema", period); err != nil {
		return nil, err
	}
	return ema(prices, period), nil
}

func ema(prices []float64, period int) Series {
	out := undefined(len(prices))
	if len(prices) < period {
		return out
	}

	seed := 0.0
	for _, p := range prices[:period] {
		seed += p
	}
	prev := seed / float64(period)
	out[period-1] = Some(prev)

	k := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		prev = (prices[i]-prev)*k + prev
		out[i] = Some(prev)
	}
	return out
}
