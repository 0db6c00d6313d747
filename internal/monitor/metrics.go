package monitor

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks scheduler, ledger and API activity. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	TickLatency *LatencyHistogram
	APILatency  *LatencyHistogram

	ticksRun        atomic.Uint64
	ticksSkipped    atomic.Uint64
	ticksFailed     atomic.Uint64
	pairErrors      atomic.Uint64
	positionsOpened atomic.Uint64
	positionsClosed atomic.Uint64
	apiRequests     atomic.Uint64
	apiErrors       atomic.Uint64

	mu         sync.RWMutex
	activeRuns func() int
	cacheStats func() CacheStats

	startedAt time.Time
}

// CacheStats is the market cache view reported with each snapshot.
type CacheStats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServed int64 `json:"stale_served"`
	Failures    int64 `json:"failures"`
}

// NewMetrics creates a metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{
		TickLatency: NewLatencyHistogram(1000),
		APILatency:  NewLatencyHistogram(1000),
		startedAt:   time.Now(),
	}
}

// TickTimer starts timing one tick; nil when m is nil.
func (m *Metrics) TickTimer() *Timer {
	if m == nil {
		return NewTimer(nil)
	}
	return NewTimer(m.TickLatency)
}

func (m *Metrics) TickRun() {
	if m != nil {
		m.ticksRun.Add(1)
	}
}

func (m *Metrics) TickSkipped() {
	if m != nil {
		m.ticksSkipped.Add(1)
	}
}

func (m *Metrics) TickFailed() {
	if m != nil {
		m.ticksFailed.Add(1)
	}
}

func (m *Metrics) PairError() {
	if m != nil {
		m.pairErrors.Add(1)
	}
}

func (m *Metrics) PositionOpened() {
	if m != nil {
		m.positionsOpened.Add(1)
	}
}

func (m *Metrics) PositionClosed() {
	if m != nil {
		m.positionsClosed.Add(1)
	}
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(d time.Duration, status int) {
	if m == nil {
		return
	}
	m.apiRequests.Add(1)
	if status >= 500 {
		m.apiErrors.Add(1)
	}
	m.APILatency.RecordDuration(d)
}

// SetActiveRuns installs the gauge for scheduled runs.
func (m *Metrics) SetActiveRuns(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeRuns = fn
}

// SetCacheStats installs the market cache gauge.
func (m *Metrics) SetCacheStats(fn func() CacheStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheStats = fn
}

// Snapshot is a point-in-time copy of every metric.
type Snapshot struct {
	TickLatency     LatencyStats `json:"tick_latency"`
	APILatency      LatencyStats `json:"api_latency"`
	TicksRun        uint64       `json:"ticks_run"`
	TicksSkipped    uint64       `json:"ticks_skipped"`
	TicksFailed     uint64       `json:"ticks_failed"`
	PairErrors      uint64       `json:"pair_errors"`
	PositionsOpened uint64       `json:"positions_opened"`
	PositionsClosed uint64       `json:"positions_closed"`
	APIRequests     uint64       `json:"api_requests"`
	APIErrors       uint64       `json:"api_errors"`
	ActiveRuns      int          `json:"active_runs"`
	Cache           CacheStats   `json:"cache"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Uptime          float64      `json:"uptime_seconds"`
	Timestamp       time.Time    `json:"timestamp"`
}

// Snapshot returns the current values.
func (m *Metrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	activeFn, cacheFn := m.activeRuns, m.cacheStats
	m.mu.RUnlock()

	s := Snapshot{
		TickLatency:     m.TickLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		TicksRun:        m.ticksRun.Load(),
		TicksSkipped:    m.ticksSkipped.Load(),
		TicksFailed:     m.ticksFailed.Load(),
		PairErrors:      m.pairErrors.Load(),
		PositionsOpened: m.positionsOpened.Load(),
		PositionsClosed: m.positionsClosed.Load(),
		APIRequests:     m.apiRequests.Load(),
		APIErrors:       m.apiErrors.Load(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		Uptime:          time.Since(m.startedAt).Seconds(),
		Timestamp:       time.Now().UTC(),
	}
	if activeFn != nil {
		s.ActiveRuns = activeFn()
	}
	if cacheFn != nil {
		s.Cache = cacheFn()
	}
	return s
}

// WritePrometheus writes s in the Prometheus text exposition format.
func (s Snapshot) WritePrometheus(w io.Writer) error {
	var err error
	p := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}
	counter := func(name string, v uint64) {
		p("# TYPE strategy_core_%s counter\nstrategy_core_%s %d\n", name, name, v)
	}
	gauge := func(name string, v any) {
		p("# TYPE strategy_core_%s gauge\nstrategy_core_%s %v\n", name, name, v)
	}
	latency := func(prefix string, ls LatencyStats) {
		if ls.Count == 0 {
			return
		}
		p("strategy_core_%s_latency_ms{quantile=\"0.5\"} %f\n", prefix, ls.P50)
		p("strategy_core_%s_latency_ms{quantile=\"0.95\"} %f\n", prefix, ls.P95)
		p("strategy_core_%s_latency_ms{quantile=\"0.99\"} %f\n", prefix, ls.P99)
		p("strategy_core_%s_latency_ms_avg %f\n", prefix, ls.Avg)
	}

	counter("ticks_run_total", s.TicksRun)
	counter("ticks_skipped_total", s.TicksSkipped)
	counter("ticks_failed_total", s.TicksFailed)
	counter("pair_errors_total", s.PairErrors)
	counter("positions_opened_total", s.PositionsOpened)
	counter("positions_closed_total", s.PositionsClosed)
	counter("api_requests_total", s.APIRequests)
	counter("api_errors_total", s.APIErrors)
	counter("cache_hits_total", uint64(s.Cache.Hits))
	counter("cache_misses_total", uint64(s.Cache.Misses))
	counter("cache_stale_served_total", uint64(s.Cache.StaleServed))
	counter("cache_failures_total", uint64(s.Cache.Failures))
	latency("tick", s.TickLatency)
	latency("api", s.APILatency)
	gauge("active_runs", s.ActiveRuns)
	gauge("cache_entries", s.Cache.Entries)
	gauge("goroutines", s.GoroutineCount)
	gauge("heap_alloc_bytes", s.HeapAlloc)
	return err
}
