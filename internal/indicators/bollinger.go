package indicators

import "math"

// Bands holds Bollinger upper, middle and lower series.
type Bands struct {
	Upper  Series
	Middle Series
	Lower  Series
}

// Bollinger computes SMA(period) +/- deviations * population stddev.
func Bollinger(prices []float64, period int, deviations float64) (Bands, error) {
	if err := checkPeriod("bollinger", period); err != nil {
		return Bands{}, err
	}
	if deviations < 0 || math.IsNaN(deviations) {
		return Bands{}, invalidParam("bollinger", "deviations must be >= 0")
	}

	mid, _ := SMA(prices, period)
	b := Bands{
		Upper:  undefined(len(prices)),
		Middle: mid,
		Lower:  undefined(len(prices)),
	}
	for i := period - 1; i < len(prices); i++ {
		mean, ok := mid[i].Get()
		if !ok {
			continue
		}
		variance := 0.0
		for _, p := range prices[i-period+1 : i+1] {
			d := p - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))
		b.Upper[i] = Some(mean + deviations*sd)
		b.Lower[i] = Some(mean - deviations*sd)
	}
	return b, nil
}

// BollingerPercentB returns (close-lower)/(upper-lower). Where the bands
// collapse to zero width the value is absent.
func BollingerPercentB(prices []float64, period int, deviations float64) (Series, error) {
	b, err := Bollinger(prices, period, deviations)
	if err != nil {
		return nil, err
	}
	out := undefined(len(prices))
	for i, p := range prices {
		upper, okU := b.Upper[i].Get()
		lower, okL := b.Lower[i].Get()
		if !okU || !okL {
			continue
		}
		width := upper - lower
		if width == 0 {
			continue
		}
		out[i] = Some((p - lower) / width)
	}
	return out, nil
}
