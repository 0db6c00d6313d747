// Package binance implements market.Exchange on top of the Binance spot API.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	"strategy-core/pkg/market"
)

const testnetBaseURL = "https://testnet.binance.vision"

// Client is a spot market.Exchange.
type Client struct {
	api *gobinance.Client
}

// NewClient builds a client; testnet switches the base URL.
func NewClient(apiKey, apiSecret string, testnet bool) *Client {
	api := gobinance.NewClient(apiKey, apiSecret)
	if testnet {
		api.BaseURL = testnetBaseURL
	}
	return &Client{api: api}
}

// FetchOHLCV returns klines in ascending open time. A zero since returns the
// most recent limit klines.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]market.Candle, error) {
	svc := c.api.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval(timeframe)
	if limit > 0 {
		// Binance caps klines at 1000 per request
		svc = svc.Limit(min(limit, 1000))
	}
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", symbol, timeframe, err)
	}
	candles := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, market.Candle{
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return candles, nil
}

// CreateOrder places a spot order.
func (c *Client) CreateOrder(ctx context.Context, req market.OrderRequest) (*market.OrderAck, error) {
	side := gobinance.SideTypeBuy
	if strings.EqualFold(req.Side, "SELL") {
		side = gobinance.SideTypeSell
	}
	orderType := gobinance.OrderTypeMarket
	if strings.EqualFold(req.Type, "LIMIT") {
		orderType = gobinance.OrderTypeLimit
	}

	svc := c.api.NewCreateOrderService().
		Symbol(strings.ToUpper(req.Symbol)).
		Side(side).
		Type(orderType).
		Quantity(formatFloat(req.Quantity))
	if orderType == gobinance.OrderTypeLimit {
		svc = svc.TimeInForce(gobinance.TimeInForceTypeGTC).Price(formatFloat(req.Price))
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance create order %s: %w", req.Symbol, err)
	}
	return &market.OrderAck{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Status:        string(resp.Status),
		ExecutedQty:   parseFloat(resp.ExecutedQuantity),
		Price:         parseFloat(resp.Price),
		TransactTime:  time.UnixMilli(resp.TransactTime).UTC(),
	}, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
