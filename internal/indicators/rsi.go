package indicators

// rsiEpsilon keeps the average-loss denominator away from zero.
const rsiEpsilon = 1e-9

// RSI computes the Wilder-smoothed Relative Strength Index. The first value
// is at index period, after period price changes have been seen.
func RSI(prices []float64, period int) (Series, error) {
	if err := checkPeriod("rsi", period); err != nil {
		return nil, err
	}
	out := undefined(len(prices))
	if len(prices) < period+1 {
		return out, nil
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		gain, loss := split(prices[i] - prices[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = Some(rsiValue(avgGain, avgLoss))

	n := float64(period)
	for i := period + 1; i < len(prices); i++ {
		gain, loss := split(prices[i] - prices[i-1])
		avgGain = (avgGain*(n-1) + gain) / n
		avgLoss = (avgLoss*(n-1) + loss) / n
		out[i] = Some(rsiValue(avgGain, avgLoss))
	}
	return out, nil
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss < rsiEpsilon {
		avgLoss = rsiEpsilon
	}
	return 100 - 100/(1+avgGain/avgLoss)
}
