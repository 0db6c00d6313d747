package monitor

import (
	"sort"
	"sync"
	"time"
)

// LatencyHistogram keeps a sliding window of latency samples in
// milliseconds. Stats are recomputed lazily.
type LatencyHistogram struct {
	mu     sync.Mutex
	ring   []float64
	next   int
	full   bool
	total  uint64
	dirty  bool
	cached LatencyStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
	Total uint64  `json:"total"`
}

// NewLatencyHistogram creates a window of size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{ring: make([]float64, size), dirty: true}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = ms
	h.next++
	if h.next == len(h.ring) {
		h.next = 0
		h.full = true
	}
	h.total++
	h.dirty = true
}

// RecordDuration converts d to milliseconds and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles over the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return h.cached
	}

	n := h.next
	if h.full {
		n = len(h.ring)
	}
	if n == 0 {
		h.cached = LatencyStats{}
		h.dirty = false
		return h.cached
	}

	sorted := make([]float64, n)
	copy(sorted, h.ring[:n])
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Count: n,
		Total: h.total,
	}
	h.dirty = false
	return h.cached
}

func percentile(sorted []float64, q float64) float64 {
	i := int(float64(len(sorted)) * q)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer that records to h.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
