package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-core/internal/events"
	"strategy-core/internal/ledger"
	"strategy-core/internal/monitor"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/db"
	"strategy-core/pkg/market"
)

const rsiDip = `{
	"entry_conditions": [{"indicator": "rsi", "operator": "<", "threshold": 30}],
	"exit_conditions":  [{"indicator": "rsi", "operator": ">", "threshold": 70}],
	"pairs": ["btcusdt"]
}`

type fakeMarket struct {
	mu      sync.Mutex
	candles map[string][]market.Candle
	fields  map[string]map[string]float64
	panicOn string
	// noClose strips the close price from quotes
	noClose bool

	block   chan struct{}
	entered atomic.Int32
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{candles: map[string][]market.Candle{}, fields: map[string]map[string]float64{}}
}

func (f *fakeMarket) GetLatest(ctx context.Context, symbol string) *market.Quote {
	if symbol == f.panicOn {
		panic("feed exploded")
	}
	if f.block != nil {
		f.entered.Add(1)
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.candles[symbol]
	if len(c) == 0 {
		return nil
	}
	last := c[len(c)-1]
	if f.noClose {
		last.Close = 0
	}
	return &market.Quote{Symbol: symbol, Timestamp: last.Timestamp, Candle: last, Fields: f.fields[symbol]}
}

func (f *fakeMarket) GetRange(_ context.Context, symbol, _ string, limit int) []market.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.candles[symbol]
	if len(c) > limit {
		c = c[len(c)-limit:]
	}
	return c
}

// setSeries installs n candles moving by step from start.
func (f *fakeMarket) setSeries(symbol string, start, step float64, n int) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		p := start + step*float64(i)
		out[i] = market.Candle{Timestamp: t0.Add(time.Duration(i) * time.Hour), Open: p, High: p, Low: p, Close: p}
	}
	f.mu.Lock()
	f.candles[symbol] = out
	f.mu.Unlock()
}

type harness struct {
	sched   *Scheduler
	db      *db.Database
	market  *fakeMarket
	bus     *events.Bus
	metrics *monitor.Metrics
	ledger  *ledger.Ledger
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	h := &harness{
		db:      database,
		market:  newFakeMarket(),
		bus:     events.NewBus(),
		metrics: monitor.NewMetrics(),
		ledger:  ledger.New(database, 0.10, nil),
	}
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	if opts.NodeID == "" {
		opts.NodeID = "node-1"
	}
	h.sched = h.newScheduler(opts)
	return h
}

func (h *harness) newScheduler(opts Options) *Scheduler {
	s := New(Deps{
		DB:      h.db,
		Ledger:  h.ledger,
		Market:  h.market,
		Bus:     h.bus,
		Metrics: h.metrics,
	}, opts)
	return s
}

func (h *harness) addStrategy(t *testing.T, id, config string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, h.db.CreateStrategy(context.Background(), db.Strategy{
		ID: id, Name: "strategy-" + id, Config: config, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestStartRejectsSecondRun(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "s1", rsiDip)
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, ErrAlreadyRunning):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), dup.Load())
	assert.Len(t, h.sched.Active(), 1)

	runs, err := h.db.ListRuns(ctx, db.RunFilter{StrategyID: "s1"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStartSnapshotsNormalizedConfig(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "s1", rsiDip)

	run, err := h.sched.Start(context.Background(), "s1", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "node-1", run.NodeID)
	assert.True(t, run.InitialBalance.Equal(decimal.NewFromInt(10000)))

	cfg, err := strategy.ParseConfig(run.Config)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Pairs)
	assert.Equal(t, strategy.OpLessThan, cfg.EntryConditions[0].Operator)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "bad", `{"entry_conditions": [], "pairs": ["BTCUSDT"]}`)
	h.addStrategy(t, "junk", `not json`)

	_, err := h.sched.Start(context.Background(), "bad", decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, strategy.ErrInvalidConfig)
	_, err = h.sched.Start(context.Background(), "junk", decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, strategy.ErrInvalidConfig)
	_, err = h.sched.Start(context.Background(), "missing", decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Empty(t, h.sched.Active())
}

func TestRSIDipOpensOnceAndClosesOnRecovery(t *testing.T) {
	h := newHarness(t, Options{Window: 50})
	defer h.sched.Close()
	h.addStrategy(t, "s1", rsiDip)
	ctx := context.Background()

	run, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	// rising series: RSI 100, no entry
	h.market.setSeries("BTCUSDT", 100, 1, 30)
	rep, err := h.sched.RunOnce(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rep.Pairs, 1)
	assert.Equal(t, ActionNone, rep.Pairs[0].Action)
	assert.Equal(t, SourceCandles, rep.Pairs[0].Source)

	// falling series: RSI 0, entry at the last close
	h.market.setSeries("BTCUSDT", 200, -1, 30)
	rep, err = h.sched.RunOnce(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionOpened, rep.Pairs[0].Action)
	assert.Equal(t, 171.0, rep.Pairs[0].Price)

	// still falling: exit rule not met, no second entry
	rep, err = h.sched.RunOnce(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, rep.Pairs[0].Action)

	positions, err := h.db.ListPositions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(171)))
	assert.True(t, pos.Quantity.Mul(pos.EntryPrice).Round(6).Equal(decimal.NewFromInt(100)))

	got, err := h.db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalTrades)
	require.NotNil(t, got.LastTickAt)

	// recovery: RSI 100 closes the position in profit
	h.market.setSeries("BTCUSDT", 180, 1, 30)
	rep, err = h.sched.RunOnce(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionClosed, rep.Pairs[0].Action)

	closed, err := h.db.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, closed.Open())
	wantPnL := decimal.NewFromInt(209 - 171).Mul(pos.Quantity)
	assert.True(t, closed.ProfitLoss.Decimal.Equal(wantPnL))

	got, err = h.db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.WinningTrades)
	assert.True(t, got.TotalProfit.Equal(wantPnL))
	assert.True(t, got.CurrentBalance.Equal(decimal.NewFromInt(1000).Add(wantPnL)))
	assert.Equal(t, uint64(4), h.metrics.Snapshot().TicksRun)
}

func TestPrecomputedFieldsAreUsedWhenTheyCover(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "s1", rsiDip)
	ctx := context.Background()
	run, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	// two rising candles would never give RSI < 30; the field decides
	h.market.setSeries("BTCUSDT", 50, 1, 2)
	h.market.fields["BTCUSDT"] = map[string]float64{"rsi": 25}

	rep, err := h.sched.RunOnce(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionOpened, rep.Pairs[0].Action)
	assert.Equal(t, SourceFields, rep.Pairs[0].Source)
	assert.Equal(t, 51.0, rep.Pairs[0].Price)
}

func TestFieldsWithoutPriceFallBackToCandles(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "s1", rsiDip)
	ctx := context.Background()
	run, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	h.market.setSeries("BTCUSDT", 100, -1, 40)
	h.market.fields["BTCUSDT"] = map[string]float64{"rsi": 25}
	h.market.noClose = true

	rep, err := h.sched.RunOnce(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rep.Pairs, 1)
	assert.Equal(t, ActionOpened, rep.Pairs[0].Action)
	assert.Equal(t, SourceCandles, rep.Pairs[0].Source)
	assert.Equal(t, 61.0, rep.Pairs[0].Price)
	assert.Empty(t, rep.Pairs[0].Error)

	got, err := h.db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ErrorCount)
}

func TestMissingDataSkipsPair(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "s1", rsiDip)
	ctx := context.Background()
	run, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	rep, err := h.sched.RunOnce(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, rep.Pairs[0].Action)

	got, err := h.db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ErrorCount)
}

func TestPairFailureDoesNotAbortOthers(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "s1", `{
		"entry_conditions": [{"indicator": "rsi", "operator": "lt", "threshold": 30}],
		"pairs": ["BADUSDT", "BTCUSDT"]
	}`)
	ctx := context.Background()
	errs, unsub := h.bus.Subscribe(4, events.TopicRunError)
	defer unsub()

	run, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	h.market.panicOn = "BADUSDT"
	h.market.setSeries("BTCUSDT", 200, -1, 30)

	rep, err := h.sched.RunOnce(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rep.Pairs, 2)
	assert.Equal(t, ActionError, rep.Pairs[0].Action)
	assert.Contains(t, rep.Pairs[0].Error, "feed exploded")
	assert.Equal(t, ActionOpened, rep.Pairs[1].Action)

	got, err := h.db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Contains(t, got.LastError, "BADUSDT")
	assert.True(t, got.Running())
	assert.True(t, h.sched.IsActive(run.ID))

	require.Len(t, errs, 1)
	assert.Equal(t, run.ID, (<-errs).RunID)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "s1", rsiDip)
	ctx := context.Background()
	stopped, unsub := h.bus.Subscribe(4, events.TopicRunStopped)
	defer unsub()

	run, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	first, err := h.sched.Stop(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStopped, first.Status)
	require.NotNil(t, first.StoppedAt)
	assert.False(t, h.sched.IsActive(run.ID))

	second, err := h.sched.Stop(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, first.StoppedAt.Unix(), second.StoppedAt.Unix())
	assert.Len(t, stopped, 1)

	_, err = h.sched.Stop(ctx, "nope")
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = h.sched.RunOnce(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotScheduled)

	// a new run may start once the old one stopped
	_, err = h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	assert.NoError(t, err)
}

func TestOutOfBandStopCancelsTimer(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "s1", rsiDip)
	ctx := context.Background()
	run, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	_, err = h.db.DB.Exec(`UPDATE strategy_runs SET status = 'stopped' WHERE id = ?`, run.ID)
	require.NoError(t, err)

	rep, err := h.sched.RunOnce(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, rep.Stopped)
	assert.False(t, h.sched.IsActive(run.ID))
}

func TestStartAfterStopElsewhere(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "s1", rsiDip)
	ctx := context.Background()
	first, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	changed, err := h.ledger.StopRun(ctx, first.ID, time.Now())
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, h.sched.IsActive(first.ID))

	second, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []string{second.ID}, h.sched.Active())

	_, err = h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStopDuringTickWritesNothing(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.sched.Close()
	h.addStrategy(t, "s1", rsiDip)
	ctx := context.Background()
	run, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	h.market.setSeries("BTCUSDT", 200, -1, 30)
	h.market.block = make(chan struct{})

	done := make(chan TickReport)
	go func() {
		rep, _ := h.sched.RunOnce(ctx, run.ID)
		done <- rep
	}()
	require.Eventually(t, func() bool { return h.market.entered.Load() == 1 }, time.Second, time.Millisecond)

	_, err = h.sched.Stop(ctx, run.ID)
	require.NoError(t, err)
	close(h.market.block)

	rep := <-done
	assert.True(t, rep.Stopped)
	positions, err := h.db.ListPositions(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestOverrunTicksAreSkipped(t *testing.T) {
	h := newHarness(t, Options{Interval: 5 * time.Millisecond})
	h.addStrategy(t, "s1", rsiDip)
	ctx := context.Background()
	h.market.setSeries("BTCUSDT", 100, 1, 30)
	h.market.block = make(chan struct{})

	run, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.metrics.Snapshot().TicksSkipped >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.market.entered.Load())

	_, err = h.sched.RunOnce(ctx, run.ID)
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(h.market.block)
	require.Eventually(t, func() bool {
		return h.metrics.Snapshot().TicksRun >= 2
	}, 2*time.Second, 5*time.Millisecond)
	h.sched.Close()
	assert.Empty(t, h.sched.Active())
}

func TestResumeRestoresOwnRuns(t *testing.T) {
	h := newHarness(t, Options{NodeID: "node-a"})
	h.addStrategy(t, "s1", rsiDip)
	h.addStrategy(t, "s2", rsiDip)
	ctx := context.Background()

	r1, err := h.sched.Start(ctx, "s1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	r2, err := h.sched.Start(ctx, "s2", decimal.NewFromInt(1000))
	require.NoError(t, err)
	_, err = h.sched.Stop(ctx, r2.ID)
	require.NoError(t, err)
	h.sched.Close()

	other := h.newScheduler(Options{Interval: time.Hour, NodeID: "node-b"})
	defer other.Close()
	n, err := other.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	again := h.newScheduler(Options{Interval: time.Hour, NodeID: "node-a"})
	defer again.Close()
	n, err = again.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{r1.ID}, again.Active())

	_, err = again.Start(ctx, "s1", decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestClosedSchedulerRejectsStart(t *testing.T) {
	h := newHarness(t, Options{})
	h.addStrategy(t, "s1", rsiDip)
	h.sched.Close()
	_, err := h.sched.Start(context.Background(), "s1", decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrClosed)
}
