package market

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// OrderRequest describes a market or limit order for an Exchange.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          string // MARKET or LIMIT
	Quantity      float64
	Price         float64
	ClientOrderID string
}

// OrderAck is the exchange's acknowledgement of a placed order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        string
	ExecutedQty   float64
	Price         float64
	TransactTime  time.Time
}

// Exchange is the venue abstraction. CreateOrder is not used by simulated
// runs.
type Exchange interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]Candle, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
}

// ExchangeSource exposes an Exchange as a Source.
type ExchangeSource struct {
	Exchange  Exchange
	Timeframe string
}

// NewExchangeSource wraps ex; timeframe is used when callers pass none.
func NewExchangeSource(ex Exchange, timeframe string) *ExchangeSource {
	if timeframe == "" {
		timeframe = "1h"
	}
	return &ExchangeSource{Exchange: ex, Timeframe: timeframe}
}

// Latest returns the most recent candle.
func (s *ExchangeSource) Latest(ctx context.Context, symbol string) (*Quote, error) {
	candles, err := s.Exchange.FetchOHLCV(ctx, strings.ToUpper(symbol), s.Timeframe, time.Time{}, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candles for %s", ErrDataUnavailable, symbol)
	}
	candles = SortCandles(candles)
	last := candles[len(candles)-1]
	return &Quote{Symbol: strings.ToUpper(symbol), Timestamp: last.Timestamp, Candle: last}, nil
}

// Range returns the trailing limit candles.
func (s *ExchangeSource) Range(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if timeframe == "" {
		timeframe = s.Timeframe
	}
	candles, err := s.Exchange.FetchOHLCV(ctx, strings.ToUpper(symbol), timeframe, time.Time{}, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candles for %s", ErrDataUnavailable, symbol)
	}
	return SortCandles(candles), nil
}
