// Package marketcache is a time-bounded memoizing façade over a market
// data source. Fetch failures never escape it: callers get the previous
// value (when the policy allows) or nil, meaning "no decision".
package marketcache

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"strategy-core/internal/strategy"
	"strategy-core/pkg/cache"
	"strategy-core/pkg/logger"
	"strategy-core/pkg/market"
)

// FailurePolicy selects what GetLatest returns when a refresh fails.
type FailurePolicy string

const (
	ReturnStaleOrNil FailurePolicy = "stale"
	ReturnNil        FailurePolicy = "nil"
)

// Policy configures freshness and failure handling.
type Policy struct {
	TTL time.Duration `json:"ttl"`
	// StaleTolerance bounds the age of a stale entry served after a failed
	// refresh. Zero means any age.
	StaleTolerance time.Duration `json:"stale_tolerance"`
	OnFailure      FailurePolicy `json:"on_failure"`
	// FetchTimeout bounds a shared refresh. The refresh outlives the caller
	// that started it so other waiters still get its result.
	FetchTimeout time.Duration `json:"fetch_timeout"`
}

// DefaultPolicy is a 30s TTL serving stale values of any age on failure.
func DefaultPolicy() Policy {
	return Policy{TTL: 30 * time.Second, OnFailure: ReturnStaleOrNil, FetchTimeout: 15 * time.Second}
}

// Stats counts cache activity since the cache was built.
type Stats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Fetches     int64 `json:"fetches"`
	Failures    int64 `json:"failures"`
	StaleServed int64 `json:"stale_served"`
	RangeCalls  int64 `json:"range_calls"`

	OldestAge time.Duration `json:"oldest_age"`
	Symbols   []string      `json:"symbols"`
}

// ConditionCheck is the per-condition evaluation of a rule set against the
// latest quote.
type ConditionCheck struct {
	Symbol    string                     `json:"symbol"`
	Available bool                       `json:"available"`
	Timestamp time.Time                  `json:"timestamp,omitzero"`
	Results   []strategy.ConditionResult `json:"results"`
	AllMet    bool                       `json:"all_met"`
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock used for entry ages.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache memoizes latest quotes per symbol.
type Cache struct {
	source  market.Source
	policy  Policy
	entries *cache.Sharded[*market.Quote]
	group   singleflight.Group
	now     func() time.Time
	log     *zap.Logger

	hits, misses, fetches, failures, staleServed, rangeCalls atomic.Int64
}

// New builds a cache over source.
func New(source market.Source, policy Policy, log *zap.Logger, opts ...Option) *Cache {
	if policy.TTL <= 0 {
		policy.TTL = DefaultPolicy().TTL
	}
	if policy.OnFailure == "" {
		policy.OnFailure = ReturnStaleOrNil
	}
	if policy.FetchTimeout <= 0 {
		policy.FetchTimeout = DefaultPolicy().FetchTimeout
	}
	c := &Cache{
		source:  source,
		policy:  policy,
		entries: cache.NewSharded[*market.Quote](),
		now:     time.Now,
		log:     logger.OrNop(log).Named("marketcache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the active policy.
func (c *Cache) Policy() Policy { return c.policy }

const latestPrefix = "latest:"

func latestKey(symbol string) string { return latestPrefix + symbol }

// GetLatest returns the latest quote for symbol, or nil when none can be
// produced. Concurrent misses for the same symbol share one fetch; a caller
// whose ctx ends stops waiting without failing the others.
func (c *Cache) GetLatest(ctx context.Context, symbol string) *market.Quote {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := latestKey(symbol)

	if e, ok := c.entries.Get(key); ok && e.Age(c.now()) < c.policy.TTL {
		c.hits.Add(1)
		return e.Value
	}
	c.misses.Add(1)

	ch := c.group.DoChan(key, func() (any, error) {
		// another caller may have refreshed while we waited for the group
		if e, ok := c.entries.Get(key); ok && e.Age(c.now()) < c.policy.TTL {
			return e.Value, nil
		}
		c.fetches.Add(1)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.policy.FetchTimeout)
		defer cancel()
		q, err := c.source.Latest(fctx, symbol)
		if err != nil {
			return nil, err
		}
		if q == nil {
			return nil, market.ErrDataUnavailable
		}
		c.entries.Set(key, q, c.now())
		return q, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return c.fallback(key, symbol, ctx.Err())
	}
	if res.Err == nil {
		return res.Val.(*market.Quote)
	}

	c.failures.Add(1)
	return c.fallback(key, symbol, res.Err)
}

func (c *Cache) fallback(key, symbol string, cause error) *market.Quote {
	if c.policy.OnFailure != ReturnStaleOrNil {
		c.log.Warn("latest fetch failed", zap.String("symbol", symbol), zap.Error(cause))
		return nil
	}
	e, ok := c.entries.Get(key)
	if !ok {
		c.log.Warn("latest fetch failed, nothing cached", zap.String("symbol", symbol), zap.Error(cause))
		return nil
	}
	age := e.Age(c.now())
	if c.policy.StaleTolerance > 0 && age > c.policy.StaleTolerance {
		c.entries.Delete(key)
		c.log.Warn("latest fetch failed, cached value too old",
			zap.String("symbol", symbol), zap.Duration("age", age), zap.Error(cause))
		return nil
	}
	c.staleServed.Add(1)
	c.log.Warn("latest fetch failed, serving stale value",
		zap.String("symbol", symbol), zap.Duration("age", age), zap.Error(cause))
	return e.Value
}

// GetRange fetches the trailing limit candles without caching. It returns
// nil when the source fails or has nothing.
func (c *Cache) GetRange(ctx context.Context, symbol, timeframe string, limit int) []market.Candle {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	c.rangeCalls.Add(1)
	candles, err := c.source.Range(ctx, symbol, timeframe, limit)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, context.Canceled) {
			level = zap.DebugLevel
		}
		c.log.Log(level, "range fetch failed",
			zap.String("symbol", symbol), zap.String("timeframe", timeframe), zap.Int("limit", limit), zap.Error(err))
		return nil
	}
	if len(candles) == 0 {
		return nil
	}
	return candles
}

// CheckConditions evaluates rs against the indicator fields of the latest
// quote. Conditions the quote has no field for are reported undefined.
func (c *Cache) CheckConditions(ctx context.Context, symbol string, rs strategy.RuleSet) ConditionCheck {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	out := ConditionCheck{Symbol: symbol}

	q := c.GetLatest(ctx, symbol)
	snap := strategy.Snapshot{}
	if q != nil {
		out.Available = true
		out.Timestamp = q.Timestamp
		fields := make(map[string]float64, len(q.Fields)+1)
		for k, v := range q.Fields {
			fields[k] = v
		}
		if _, ok := fields["close"]; !ok {
			fields["close"] = q.Candle.Close
		}
		snap = strategy.SnapshotFromFields(fields, rs)
	}
	out.Results, out.AllMet = strategy.Diagnose(rs, snap)
	return out
}

// ClearCache drops every entry; the next read refetches.
func (c *Cache) ClearCache() int {
	n := c.entries.Clear()
	c.log.Info("cache cleared", zap.Int("entries", n))
	return n
}

// Stats returns a snapshot of the counters and the cached symbols.
func (c *Cache) Stats() Stats {
	occ := c.entries.Stats(c.now())
	symbols := make([]string, 0, occ.TotalItems)
	for _, k := range c.entries.Keys() {
		if sym, ok := strings.CutPrefix(k, latestPrefix); ok {
			symbols = append(symbols, sym)
		}
	}
	slices.Sort(symbols)
	return Stats{
		Entries:     occ.TotalItems,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Fetches:     c.fetches.Load(),
		Failures:    c.failures.Load(),
		StaleServed: c.staleServed.Load(),
		RangeCalls:  c.rangeCalls.Load(),
		OldestAge:   occ.OldestAge,
		Symbols:     symbols,
	}
}
