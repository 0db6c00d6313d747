package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemoteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/data/latest/BTCUSDT", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","timestamp":1700000000000,
			"data":{"timestamp":1700000000000,"open":"100","high":101.5,"low":99,"close":"100.5","volume":12,"rsi":27.5,"sma_20":"98.1"}}`))
	})
	mux.HandleFunc("/data/range/BTCUSDT", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","count":3,"data":[
			{"timestamp":"2024-01-01T02:00:00Z","close":3},
			{"timestamp":"2024-01-01T00:00:00Z","close":1},
			{"timestamp":"2024-01-01T01:00:00Z","close":2}]}`))
	})
	mux.HandleFunc("/signal/check", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BTCUSDT", body["symbol"])
		_, _ = w.Write([]byte(`{"results":[{"indicator":"rsi","operator":"lt","threshold":30,"value":27.5,"met":true}],"all_met":true}`))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/data/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbols":2,"stale":false}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteClientLatest(t *testing.T) {
	srv := newRemoteServer(t)
	c := NewRemoteClient(srv.URL+"/", time.Second)

	q, err := c.Latest(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), q.Timestamp)
	assert.Equal(t, 100.5, q.Candle.Close)
	assert.Equal(t, 100.0, q.Candle.Open)
	assert.Equal(t, map[string]float64{"rsi": 27.5, "sma_20": 98.1}, q.Fields)

	_, err = c.Latest(context.Background(), "ETHUSDT")
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestRemoteClientRangeSorted(t *testing.T) {
	srv := newRemoteServer(t)
	c := NewRemoteClient(srv.URL, time.Second)

	candles, err := c.Range(context.Background(), "BTCUSDT", "", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, Closes(candles))
}

func TestRemoteClientProbes(t *testing.T) {
	srv := newRemoteServer(t)
	c := NewRemoteClient(srv.URL, time.Second)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))
	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, status, "symbols")

	check, err := c.CheckSignal(ctx, "BTCUSDT", []map[string]any{{"indicator": "rsi"}})
	require.NoError(t, err)
	assert.True(t, check.AllMet)
	require.Len(t, check.Results, 1)
	assert.Equal(t, 27.5, *check.Results[0].Value)
}

func TestRemoteClientUnreachable(t *testing.T) {
	c := NewRemoteClient("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := c.Latest(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestMockSource(t *testing.T) {
	m := NewMockSource([]string{"btcusdt"}, 42)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	candles, err := m.Range(ctx, "BTCUSDT", "1m", 50)
	require.NoError(t, err)
	require.Len(t, candles, 50)
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].Timestamp.After(candles[i-1].Timestamp))
	}

	q, err := m.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, candles[49], q.Candle)

	now = now.Add(3 * time.Minute)
	q2, err := m.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, q.Timestamp.Add(3*time.Minute), q2.Timestamp)

	_, err = m.Latest(ctx, "DOGEUSDT")
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

type stubExchange struct {
	candles []Candle
	err     error
	limits  []int
}

func (s *stubExchange) FetchOHLCV(_ context.Context, _, _ string, _ time.Time, limit int) ([]Candle, error) {
	s.limits = append(s.limits, limit)
	return s.candles, s.err
}

func (s *stubExchange) CreateOrder(context.Context, OrderRequest) (*OrderAck, error) {
	return nil, errors.New("not supported")
}

func TestExchangeSource(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ex := &stubExchange{candles: []Candle{
		{Timestamp: t0.Add(time.Hour), Close: 2},
		{Timestamp: t0, Close: 1},
	}}
	src := NewExchangeSource(ex, "")
	ctx := context.Background()

	candles, err := src.Range(ctx, "btcusdt", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, Closes(candles))

	q, err := src.Latest(ctx, "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.Equal(t, []int{2, 1}, ex.limits)

	ex.err = errors.New("boom")
	_, err = src.Latest(ctx, "btcusdt")
	assert.ErrorIs(t, err, ErrDataUnavailable)
}
