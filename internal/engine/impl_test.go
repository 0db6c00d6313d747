package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-core/internal/ledger"
	"strategy-core/internal/marketcache"
	"strategy-core/internal/scheduler"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/db"
	"strategy-core/pkg/market"
)

func newTestEngine(t *testing.T) *Impl {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	cache := marketcache.New(market.NewMockSource([]string{"BTCUSDT", "ETHUSDT"}, 7), marketcache.DefaultPolicy(), nil)
	sched := scheduler.New(scheduler.Deps{
		DB:     database,
		Ledger: ledger.New(database, 0.10, nil),
		Market: cache,
	}, scheduler.Options{Interval: time.Hour, NodeID: "test"})
	t.Cleanup(sched.Close)

	return NewImpl(Config{
		DB:        database,
		Scheduler: sched,
		Cache:     cache,
		Meta:      SystemStatus{NodeID: "test", Version: "dev", DataSource: "mock"},
	})
}

func rsiRequest(name string) CreateStrategyRequest {
	return CreateStrategyRequest{
		Name: name,
		Config: strategy.Config{
			EntryConditions: strategy.RuleSet{{Indicator: "RSI", Operator: "below", Threshold: 30}},
			ExitConditions:  strategy.RuleSet{{Indicator: "rsi", Operator: ">", Threshold: 70}},
			Pairs:           []string{"btcusdt", "BTCUSDT", "ethusdt"},
		},
	}
}

func TestCreateStrategy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	s, err := e.CreateStrategy(ctx, "u1", rsiRequest("dip"))
	require.NoError(t, err)
	cfg, err := strategy.ParseConfig(s.Config)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Pairs)
	assert.Equal(t, "rsi", cfg.EntryConditions[0].Indicator)
	assert.Equal(t, strategy.OpLessThan, cfg.EntryConditions[0].Operator)

	_, err = e.CreateStrategy(ctx, "u1", rsiRequest("dip"))
	assert.ErrorIs(t, err, ErrNameTaken)

	bad := rsiRequest("bad")
	bad.Config.EntryConditions[0].Operator = "between"
	_, err = e.CreateStrategy(ctx, "u1", bad)
	assert.ErrorIs(t, err, strategy.ErrInvalidConfig)

	_, err = e.CreateStrategy(ctx, "u1", rsiRequest("  "))
	assert.ErrorIs(t, err, strategy.ErrInvalidConfig)

	list, err := e.ListStrategies(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	none, err := e.ListStrategies(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRunLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s, err := e.CreateStrategy(ctx, "u1", rsiRequest("dip"))
	require.NoError(t, err)

	run, err := e.StartRun(ctx, "u1", s.ID, decimal.NewFromInt(5000))
	require.NoError(t, err)
	_, err = e.StartRun(ctx, "u1", s.ID, decimal.NewFromInt(5000))
	assert.ErrorIs(t, err, scheduler.ErrAlreadyRunning)
	_, err = e.StartRun(ctx, "u1", s.ID, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, strategy.ErrInvalidConfig)

	rep, err := e.TickRun(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Len(t, rep.Pairs, 2)

	sum, err := e.GetRun(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.True(t, sum.Active)
	assert.True(t, sum.Equity.GreaterThan(decimal.Zero))

	assert.ErrorIs(t, e.DeleteStrategy(ctx, "u1", s.ID), db.ErrInUse)

	stopped, err := e.StopRun(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStopped, stopped.Status)

	runs, err := e.ListRuns(ctx, db.RunFilter{StrategyID: s.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Active)

	_, err = e.ListPositions(ctx, "u1", "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestOtherOwnersSeeNotFound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s, err := e.CreateStrategy(ctx, "alice", rsiRequest("dip"))
	require.NoError(t, err)

	_, err = e.GetStrategy(ctx, "bob", s.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = e.StartRun(ctx, "bob", s.ID, decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, db.ErrNotFound)

	run, err := e.StartRun(ctx, "alice", s.ID, decimal.NewFromInt(1000))
	require.NoError(t, err)

	_, err = e.GetRun(ctx, "bob", run.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = e.TickRun(ctx, "bob", run.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = e.ListPositions(ctx, "bob", run.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = e.StopRun(ctx, "bob", run.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.ErrorIs(t, e.DeleteStrategy(ctx, "bob", s.ID), db.ErrNotFound)

	runs, err := e.ListRuns(ctx, db.RunFilter{OwnerID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	sum, err := e.GetRun(ctx, "alice", run.ID)
	require.NoError(t, err)
	assert.True(t, sum.Active)
}

func TestSummarizeWinRateAndUnrealized(t *testing.T) {
	e := newTestEngine(t)
	run := db.StrategyRun{ID: "r", WinningTrades: 1, CurrentBalance: decimal.NewFromInt(1000)}
	positions := []db.Position{
		{Symbol: "A", Status: db.PositionClosed},
		{Symbol: "B", Status: db.PositionClosed},
		{Symbol: "C", Status: db.PositionOpen, EntryPrice: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(2)},
	}
	mark := func(string) (decimal.Decimal, bool) { return decimal.NewFromInt(15), true }

	s := e.summarize(run, positions, mark)
	assert.Equal(t, 2, s.ClosedTrades)
	assert.Equal(t, 1, s.OpenPositions)
	assert.Equal(t, 50.0, s.WinRate)
	assert.True(t, s.UnrealizedPnL.Equal(decimal.NewFromInt(10)))
	assert.True(t, s.Equity.Equal(decimal.NewFromInt(1010)))
}

func TestMarketData(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	q, err := e.Latest(ctx, "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", q.Symbol)

	candles, err := e.Range(ctx, "BTCUSDT", "1m", 30)
	require.NoError(t, err)
	assert.Len(t, candles, 30)

	_, err = e.Latest(ctx, "DOGEUSDT")
	assert.ErrorIs(t, err, market.ErrDataUnavailable)

	check := e.CheckConditions(ctx, "BTCUSDT", strategy.RuleSet{{Indicator: "close", Operator: strategy.OpGreaterThan, Threshold: 0}})
	assert.True(t, check.Available)
	assert.True(t, check.AllMet)

	_, err = e.CheckRemote(ctx, "BTCUSDT", nil)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)

	assert.Equal(t, 1, e.ClearCache(ctx))

	status := e.GetSystemStatus(ctx)
	assert.Equal(t, "test", status.NodeID)
	assert.Equal(t, "1h0m0s", status.TickInterval)
	assert.Equal(t, "0.1", status.PositionFraction.String())
	assert.Empty(t, status.RemoteHealth)
}
