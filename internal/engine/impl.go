package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"strategy-core/internal/marketcache"
	"strategy-core/internal/scheduler"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/db"
	"strategy-core/pkg/market"
)

// Impl implements Service by composing the scheduler, cache and store.
type Impl struct {
	db     *db.Database
	sched  *scheduler.Scheduler
	cache  *marketcache.Cache
	remote *market.RemoteClient

	meta SystemStatus
	now  func() time.Time
}

// Config holds the collaborators of an Impl. Remote is optional.
type Config struct {
	DB        *db.Database
	Scheduler *scheduler.Scheduler
	Cache     *marketcache.Cache
	Remote    *market.RemoteClient
	Meta      SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	return &Impl{
		db:     cfg.DB,
		sched:  cfg.Scheduler,
		cache:  cfg.Cache,
		remote: cfg.Remote,
		meta:   cfg.Meta,
		now:    time.Now,
	}
}

var _ Service = (*Impl)(nil)

// --- Strategies ---

func (e *Impl) CreateStrategy(ctx context.Context, ownerID string, req CreateStrategyRequest) (*db.Strategy, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", strategy.ErrInvalidConfig)
	}
	cfg, err := strategy.Validate(req.Config)
	if err != nil {
		return nil, err
	}
	raw, err := cfg.JSON()
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	s := db.Strategy{
		ID:          uuid.NewString(),
		Name:        name,
		Description: req.Description,
		OwnerID:     ownerID,
		Config:      raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.db.CreateStrategy(ctx, s); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrNameTaken
		}
		return nil, err
	}
	return &s, nil
}

func (e *Impl) ListStrategies(ctx context.Context, ownerID string) ([]db.Strategy, error) {
	return e.db.ListStrategies(ctx, ownerID)
}

func (e *Impl) GetStrategy(ctx context.Context, ownerID, id string) (*db.Strategy, error) {
	return e.ownedStrategy(ctx, ownerID, id)
}

func (e *Impl) DeleteStrategy(ctx context.Context, ownerID, id string) error {
	if _, err := e.ownedStrategy(ctx, ownerID, id); err != nil {
		return err
	}
	return e.db.DeleteStrategy(ctx, id)
}

// ownedStrategy hides strategies the caller may not see behind ErrNotFound
// so ids of other users do not leak.
func (e *Impl) ownedStrategy(ctx context.Context, ownerID, id string) (*db.Strategy, error) {
	st, err := e.db.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.VisibleTo(ownerID) {
		return nil, db.ErrNotFound
	}
	return st, nil
}

func (e *Impl) ownedRun(ctx context.Context, ownerID, runID string) (*db.StrategyRun, error) {
	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if _, err := e.ownedStrategy(ctx, ownerID, run.StrategyID); err != nil {
		return nil, err
	}
	return run, nil
}

// --- Runs ---

func (e *Impl) StartRun(ctx context.Context, ownerID, strategyID string, initialBalance decimal.Decimal) (*db.StrategyRun, error) {
	if initialBalance.IsNegative() {
		return nil, fmt.Errorf("%w: initial balance must not be negative", strategy.ErrInvalidConfig)
	}
	if _, err := e.ownedStrategy(ctx, ownerID, strategyID); err != nil {
		return nil, err
	}
	return e.sched.Start(ctx, strategyID, initialBalance)
}

func (e *Impl) StopRun(ctx context.Context, ownerID, runID string) (*db.StrategyRun, error) {
	if _, err := e.ownedRun(ctx, ownerID, runID); err != nil {
		return nil, err
	}
	return e.sched.Stop(ctx, runID)
}

func (e *Impl) TickRun(ctx context.Context, ownerID, runID string) (scheduler.TickReport, error) {
	if _, err := e.ownedRun(ctx, ownerID, runID); err != nil {
		return scheduler.TickReport{}, err
	}
	return e.sched.RunOnce(ctx, runID)
}

func (e *Impl) ListRuns(ctx context.Context, filter db.RunFilter) ([]RunSummary, error) {
	runs, err := e.db.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		positions, err := e.db.ListPositions(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, e.summarize(r, positions, nil))
	}
	return out, nil
}

// GetRun returns the run with unrealized P&L marked at the latest cached
// prices.
func (e *Impl) GetRun(ctx context.Context, ownerID, runID string) (*RunSummary, error) {
	run, err := e.ownedRun(ctx, ownerID, runID)
	if err != nil {
		return nil, err
	}
	positions, err := e.db.ListPositions(ctx, runID)
	if err != nil {
		return nil, err
	}
	mark := func(symbol string) (decimal.Decimal, bool) {
		q := e.cache.GetLatest(ctx, symbol)
		if q == nil || q.Candle.Close <= 0 {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(q.Candle.Close), true
	}
	s := e.summarize(*run, positions, mark)
	return &s, nil
}

func (e *Impl) ListPositions(ctx context.Context, ownerID, runID string) ([]db.Position, error) {
	if _, err := e.ownedRun(ctx, ownerID, runID); err != nil {
		return nil, err
	}
	return e.db.ListPositions(ctx, runID)
}

func (e *Impl) summarize(run db.StrategyRun, positions []db.Position, mark func(string) (decimal.Decimal, bool)) RunSummary {
	s := RunSummary{
		StrategyRun:   run,
		Active:        e.sched.IsActive(run.ID),
		UnrealizedPnL: decimal.Zero,
	}
	for _, p := range positions {
		if !p.Open() {
			s.ClosedTrades++
			continue
		}
		s.OpenPositions++
		if mark == nil {
			continue
		}
		if price, ok := mark(p.Symbol); ok {
			s.UnrealizedPnL = s.UnrealizedPnL.Add(price.Sub(p.EntryPrice).Mul(p.Quantity))
		}
	}
	if s.ClosedTrades > 0 {
		s.WinRate = float64(run.WinningTrades) / float64(s.ClosedTrades) * 100
	}
	s.Equity = run.CurrentBalance.Add(s.UnrealizedPnL)
	return s
}

// --- Market data ---

func (e *Impl) Latest(ctx context.Context, symbol string) (*market.Quote, error) {
	symbol = strings.ToUpper(symbol)
	q := e.cache.GetLatest(ctx, symbol)
	if q == nil {
		return nil, fmt.Errorf("%w: %s", market.ErrDataUnavailable, symbol)
	}
	return q, nil
}

func (e *Impl) Range(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	symbol = strings.ToUpper(symbol)
	candles := e.cache.GetRange(ctx, symbol, timeframe, limit)
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: %s", market.ErrDataUnavailable, symbol)
	}
	return candles, nil
}

func (e *Impl) CheckConditions(ctx context.Context, symbol string, rules strategy.RuleSet) marketcache.ConditionCheck {
	return e.cache.CheckConditions(ctx, strings.ToUpper(symbol), rules)
}

// CheckRemote asks the remote data source to evaluate rules.
func (e *Impl) CheckRemote(ctx context.Context, symbol string, rules strategy.RuleSet) (*market.SignalCheck, error) {
	if e.remote == nil {
		return nil, ErrRemoteUnavailable
	}
	conds := make([]map[string]any, 0, len(rules))
	for _, c := range rules {
		conds = append(conds, map[string]any{
			"indicator": c.Key(),
			"operator":  string(c.Operator),
			"threshold": c.Threshold,
		})
	}
	return e.remote.CheckSignal(ctx, strings.ToUpper(symbol), conds)
}

func (e *Impl) ClearCache(ctx context.Context) int {
	return e.cache.ClearCache()
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := e.meta
	status.TickInterval = e.sched.Interval().String()
	status.PositionFraction = e.sched.PositionFraction()
	status.ActiveRuns = e.sched.Active()
	status.CachePolicy = e.cache.Policy()
	status.Cache = e.cache.Stats()
	if e.remote != nil {
		status.RemoteHealth = "ok"
		if err := e.remote.Health(ctx); err != nil {
			status.RemoteHealth = err.Error()
		}
	}
	status.ServerTime = e.now().UTC()
	return &status
}
