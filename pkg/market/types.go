package market

import (
	"context"
	"errors"
	"time"
)

// ErrDataUnavailable is returned when a source has no data for a request.
var ErrDataUnavailable = errors.New("market data unavailable")

// Candle is one OHLCV observation.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Quote is the latest candle for a symbol plus any indicator fields the
// source computed for it (e.g. "rsi", "sma_20").
type Quote struct {
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"`
	Candle    Candle             `json:"candle"`
	Fields    map[string]float64 `json:"fields,omitempty"`
}

// Source is a read-only provider of market data.
type Source interface {
	Latest(ctx context.Context, symbol string) (*Quote, error)
	Range(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// Closes extracts closing prices in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
