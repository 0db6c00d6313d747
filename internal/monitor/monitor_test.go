package monitor

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-core/internal/events"
)

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(4)
	assert.Equal(t, 0, h.Stats().Count)

	for _, v := range []float64{100, 1, 2, 3, 4} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, uint64(5), s.Total)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.Equal(t, 2.5, s.Avg)
	assert.Equal(t, 4.0, s.P99)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TickRun()
	m.TickSkipped()
	m.PositionOpened()
	m.ObserveRequest(time.Millisecond, 200)
	m.TickTimer().Stop()
}

func TestSnapshotAndPrometheus(t *testing.T) {
	m := NewMetrics()
	m.TickRun()
	m.TickRun()
	m.TickSkipped()
	m.ObserveRequest(5*time.Millisecond, 200)
	m.ObserveRequest(5*time.Millisecond, 503)
	m.TickLatency.Record(12)
	m.SetActiveRuns(func() int { return 3 })
	m.SetCacheStats(func() CacheStats { return CacheStats{Entries: 2, Hits: 7} })

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.TicksRun)
	assert.Equal(t, uint64(1), s.TicksSkipped)
	assert.Equal(t, uint64(2), s.APIRequests)
	assert.Equal(t, uint64(1), s.APIErrors)
	assert.Equal(t, 3, s.ActiveRuns)
	assert.Equal(t, int64(7), s.Cache.Hits)

	var buf bytes.Buffer
	require.NoError(t, s.WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, "strategy_core_ticks_run_total 2\n")
	assert.Contains(t, out, "strategy_core_active_runs 3\n")
	assert.Contains(t, out, "strategy_core_cache_hits_total 7\n")
	assert.Contains(t, out, `strategy_core_tick_latency_ms{quantile="0.5"} 12.000000`)
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSink) Send(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestWatcher(t *testing.T) {
	bus := events.NewBus()
	m := NewMetrics()
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	(&Watcher{Bus: bus, Metrics: m, Sink: sink}).Start(ctx)
	bus.Publish(events.TopicPositionOpened, "r1", nil)
	bus.Publish(events.TopicPositionClosed, "r1", nil)
	bus.Publish(events.TopicRunError, "r1", "BTCUSDT: data unavailable")
	bus.Publish(events.TopicRunTick, "r1", nil)

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.PositionsOpened == 1 && s.PositionsClosed == 1 && sink.len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sink.msgs[0], "run r1: BTCUSDT: data unavailable")
}
