package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteClient reads from the market data service over HTTP.
type RemoteClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewRemoteClient builds a client for baseURL.
func NewRemoteClient(baseURL string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type latestResponse struct {
	Symbol    string         `json:"symbol"`
	Timestamp any            `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type rangeResponse struct {
	Symbol string           `json:"symbol"`
	Count  int              `json:"count"`
	Data   []map[string]any `json:"data"`
}

// SignalResult is one condition outcome reported by the remote service.
type SignalResult struct {
	Indicator string   `json:"indicator"`
	Operator  string   `json:"operator"`
	Threshold float64  `json:"threshold"`
	Value     *float64 `json:"value"`
	Met       bool     `json:"met"`
}

// SignalCheck is the remote evaluation of a condition set.
type SignalCheck struct {
	Symbol  string         `json:"symbol"`
	Results []SignalResult `json:"results"`
	AllMet  bool           `json:"all_met"`
}

// Latest fetches GET /data/latest/{symbol}.
func (c *RemoteClient) Latest(ctx context.Context, symbol string) (*Quote, error) {
	var resp latestResponse
	if err := c.do(ctx, http.MethodGet, "/data/latest/"+url.PathEscape(symbol), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty latest for %s", ErrDataUnavailable, symbol)
	}
	candle, fields := decodeRow(resp.Data)
	ts := toTime(resp.Timestamp)
	if ts.IsZero() {
		ts = candle.Timestamp
	}
	if resp.Symbol == "" {
		resp.Symbol = symbol
	}
	return &Quote{Symbol: resp.Symbol, Timestamp: ts, Candle: candle, Fields: fields}, nil
}

// Range fetches GET /data/range/{symbol}?limit=N. Rows come back in
// ascending timestamp order.
func (c *RemoteClient) Range(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if timeframe != "" {
		params.Set("timeframe", timeframe)
	}
	path := "/data/range/" + url.PathEscape(symbol)
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp rangeResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty range for %s", ErrDataUnavailable, symbol)
	}
	candles := make([]Candle, 0, len(resp.Data))
	for _, row := range resp.Data {
		c, _ := decodeRow(row)
		candles = append(candles, c)
	}
	return SortCandles(candles), nil
}

// CheckSignal posts conditions to /signal/check.
func (c *RemoteClient) CheckSignal(ctx context.Context, symbol string, conditions any) (*SignalCheck, error) {
	body := map[string]any{"symbol": symbol, "conditions": conditions}
	var resp SignalCheck
	if err := c.do(ctx, http.MethodPost, "/signal/check", body, &resp); err != nil {
		return nil, err
	}
	if resp.Symbol == "" {
		resp.Symbol = symbol
	}
	return &resp, nil
}

// Health probes GET /health.
func (c *RemoteClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status returns the body of GET /data/status.
func (c *RemoteClient) Status(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := c.do(ctx, http.MethodGet, "/data/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RemoteClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrDataUnavailable, method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s status 404", ErrDataUnavailable, method, path)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("market data %s %s status %d", method, path, res.StatusCode)
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	return dec.Decode(out)
}

var candleKeys = map[string]bool{
	"timestamp": true, "time": true, "open_time": true, "symbol": true,
	"open": true, "high": true, "low": true, "close": true, "volume": true,
}

// decodeRow splits a data row into the candle and the remaining numeric
// indicator fields.
func decodeRow(row map[string]any) (Candle, map[string]float64) {
	c := Candle{
		Open:   toFloat(row["open"]),
		High:   toFloat(row["high"]),
		Low:    toFloat(row["low"]),
		Close:  toFloat(row["close"]),
		Volume: toFloat(row["volume"]),
	}
	for _, k := range []string{"timestamp", "time", "open_time"} {
		if ts := toTime(row[k]); !ts.IsZero() {
			c.Timestamp = ts
			break
		}
	}

	var fields map[string]float64
	for k, v := range row {
		if candleKeys[strings.ToLower(k)] || v == nil {
			continue
		}
		f, ok := asFloat(v)
		if !ok {
			continue
		}
		if fields == nil {
			fields = map[string]float64{}
		}
		fields[strings.ToLower(k)] = f
	}
	return c, fields
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}

func toFloat(v any) float64 {
	f, _ := asFloat(v)
	return f
}

// toTime accepts unix seconds or milliseconds, or an RFC3339 string.
func toTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return unixAny(int64(f))
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return unixAny(i)
		}
		if f, err := t.Float64(); err == nil {
			return unixAny(int64(f))
		}
	case float64:
		return unixAny(int64(t))
	case int64:
		return unixAny(t)
	}
	return time.Time{}
}

func unixAny(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	// anything past 1e10 cannot be seconds in a realistic range
	if v > 1e10 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}
