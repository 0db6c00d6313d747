package market

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// MockSource generates a seeded random walk per symbol for local
// development. Candles are spaced one Step apart ending at the current time.
type MockSource struct {
	Symbols    []string
	StartPrice float64
	Volatility float64
	Step       time.Duration
	Seed       int64

	mu     sync.Mutex
	series map[string][]Candle
	now    func() time.Time
}

// NewMockSource builds a source for symbols; unknown symbols are rejected.
func NewMockSource(symbols []string, seed int64) *MockSource {
	up := make([]string, 0, len(symbols))
	for _, s := range symbols {
		up = append(up, strings.ToUpper(strings.TrimSpace(s)))
	}
	return &MockSource{
		Symbols:    up,
		StartPrice: 100,
		Volatility: 0.01,
		Step:       time.Minute,
		Seed:       seed,
		series:     map[string][]Candle{},
		now:        time.Now,
	}
}

func (m *MockSource) known(symbol string) bool {
	if len(m.Symbols) == 0 {
		return true
	}
	for _, s := range m.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// advance extends the walk for symbol up to the current step.
func (m *MockSource) advance(symbol string) []Candle {
	now := m.now().Truncate(m.Step)
	existing := m.series[symbol]
	if len(existing) == 0 {
		r := rand.New(rand.NewSource(m.Seed + int64(len(symbol))*7919))
		existing = make([]Candle, 0, 512)
		price := m.StartPrice
		start := now.Add(-time.Duration(499) * m.Step)
		for i := 0; i < 500; i++ {
			existing = append(existing, m.next(r, start.Add(time.Duration(i)*m.Step), price))
			price = existing[len(existing)-1].Close
		}
		m.series[symbol] = existing
		return existing
	}

	r := rand.New(rand.NewSource(m.Seed + now.UnixNano()))
	last := existing[len(existing)-1]
	for ts := last.Timestamp.Add(m.Step); !ts.After(now); ts = ts.Add(m.Step) {
		last = m.next(r, ts, last.Close)
		existing = append(existing, last)
	}
	if len(existing) > 2000 {
		existing = append([]Candle(nil), existing[len(existing)-1000:]...)
	}
	m.series[symbol] = existing
	return existing
}

func (m *MockSource) next(r *rand.Rand, ts time.Time, open float64) Candle {
	move := (r.Float64()*2 - 1) * m.Volatility * open
	closeP := open + move
	if closeP <= 0 {
		closeP = open / 2
	}
	high := max(open, closeP) * (1 + r.Float64()*m.Volatility/2)
	low := min(open, closeP) * (1 - r.Float64()*m.Volatility/2)
	return Candle{
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    100 + r.Float64()*900,
	}
}

// Latest returns the newest synthetic candle.
func (m *MockSource) Latest(ctx context.Context, symbol string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known(symbol) {
		return nil, fmt.Errorf("%w: unknown symbol %s", ErrDataUnavailable, symbol)
	}
	s := m.advance(symbol)
	last := s[len(s)-1]
	return &Quote{Symbol: symbol, Timestamp: last.Timestamp, Candle: last}, nil
}

// Range returns the trailing limit candles. The timeframe is ignored.
func (m *MockSource) Range(ctx context.Context, symbol, _ string, limit int) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known(symbol) {
		return nil, fmt.Errorf("%w: unknown symbol %s", ErrDataUnavailable, symbol)
	}
	s := m.advance(symbol)
	if limit <= 0 || limit > len(s) {
		limit = len(s)
	}
	return append([]Candle(nil), s[len(s)-limit:]...), nil
}
