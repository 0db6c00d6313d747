// Package scheduler drives strategy runs. Each running run owns an
// independent periodic timer; ticks of one run never overlap, and a tick
// that fires while the previous one is still working is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/internal/events"
	"strategy-core/internal/ledger"
	"strategy-core/internal/monitor"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/db"
	"strategy-core/pkg/logger"
	"strategy-core/pkg/market"
)

var (
	ErrAlreadyRunning = errors.New("strategy already has a running run")
	ErrNotScheduled   = errors.New("run is not scheduled on this node")
	ErrTickInProgress = errors.New("a tick is already in progress for this run")
	ErrClosed         = errors.New("scheduler is closed")
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 60 * time.Second

// MarketData is the read side of the market cache used by ticks.
type MarketData interface {
	GetLatest(ctx context.Context, symbol string) *market.Quote
	GetRange(ctx context.Context, symbol, timeframe string, limit int) []market.Candle
}

// Deps are the collaborators of a Scheduler. Bus, Metrics and Log may be
// nil.
type Deps struct {
	DB      *db.Database
	Ledger  *ledger.Ledger
	Market  MarketData
	Bus     *events.Bus
	Metrics *monitor.Metrics
	Log     *zap.Logger
}

// Options tune scheduling.
type Options struct {
	Interval       time.Duration
	Window         int    // candles fetched per pair and timeframe
	Timeframe      string // used by conditions without a timeframe
	NodeID         string
	InitialBalance decimal.Decimal // used when Start is given zero
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Window <= 0 {
		o.Window = 200
	}
	if o.Timeframe == "" {
		o.Timeframe = "1h"
	}
	if !o.InitialBalance.IsPositive() {
		o.InitialBalance = decimal.NewFromInt(10000)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Scheduler owns the run timers of this node.
type Scheduler struct {
	deps Deps
	opts Options
	reg  *Registry
	log  *zap.Logger

	startMu sync.Mutex // serializes Start so the registry check and insert agree
	wg      sync.WaitGroup

	base   context.Context
	cancel context.CancelFunc
}

// New builds a scheduler with its own registry.
func New(deps Deps, opts Options) *Scheduler {
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		deps:   deps,
		opts:   opts.withDefaults(),
		reg:    NewRegistry(),
		log:    logger.OrNop(deps.Log).Named("scheduler"),
		base:   base,
		cancel: cancel,
	}
}

// Interval returns the tick period.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// PositionFraction returns the share of initial balance each position
// commits.
func (s *Scheduler) PositionFraction() decimal.Decimal { return s.deps.Ledger.Fraction() }

// Start begins a new run of strategyID. The strategy's config is validated
// and snapshotted into the run.
func (s *Scheduler) Start(ctx context.Context, strategyID string, initial decimal.Decimal) (*db.StrategyRun, error) {
	if s.base.Err() != nil {
		return nil, ErrClosed
	}
	st, err := s.deps.DB.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	cfg, err := strategy.ParseConfig(st.Config)
	if err != nil {
		return nil, err
	}
	if cfg, err = strategy.Validate(cfg); err != nil {
		return nil, err
	}
	snapshot, err := cfg.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if initial.IsZero() {
		initial = s.opts.InitialBalance
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()
	if err := s.dropStaleTimer(ctx, strategyID); err != nil {
		return nil, err
	}
	run, err := s.deps.Ledger.CreateRun(ctx, strategyID, snapshot, initial, s.opts.NodeID, s.opts.Now())
	if errors.Is(err, ledger.ErrDuplicateRun) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, err
	}

	s.schedule(run.ID, strategyID)
	s.deps.Bus.Publish(events.TopicRunStarted, run.ID, run)
	s.log.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("strategy_id", strategyID),
		zap.Strings("pairs", cfg.Pairs),
		zap.Duration("interval", s.opts.Interval))
	return run, nil
}

// dropStaleTimer rejects a start while the strategy's registered run is
// still running. A timer whose run was stopped elsewhere is removed; the
// unique running index stays the final guard.
func (s *Scheduler) dropStaleTimer(ctx context.Context, strategyID string) error {
	runID, ok := s.reg.runOf(strategyID)
	if !ok {
		return nil
	}
	run, err := s.deps.DB.GetRun(ctx, runID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if err == nil && run.Running() {
		return ErrAlreadyRunning
	}
	s.reg.remove(runID)
	s.log.Info("dropped timer of run stopped elsewhere",
		zap.String("run_id", runID),
		zap.String("strategy_id", strategyID))
	return nil
}

// Stop stops a run. Stopping a stopped run is a no-op that returns the
// stored run.
func (s *Scheduler) Stop(ctx context.Context, runID string) (*db.StrategyRun, error) {
	changed, err := s.deps.Ledger.StopRun(ctx, runID, s.opts.Now())
	if err != nil {
		return nil, err
	}
	s.reg.remove(runID)

	run, err := s.deps.DB.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.deps.Bus.Publish(events.TopicRunStopped, runID, run)
		s.log.Info("run stopped", zap.String("run_id", runID))
	}
	return run, nil
}

// Resume schedules the running runs stamped with this node's id. It is
// called once at process start.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	runs, err := s.deps.DB.RunningRunsForNode(ctx, s.opts.NodeID)
	if err != nil {
		return 0, fmt.Errorf("load running runs: %w", err)
	}
	n := 0
	for _, r := range runs {
		if s.schedule(r.ID, r.StrategyID) {
			n++
		}
	}
	if n > 0 {
		s.log.Info("runs resumed", zap.Int("count", n), zap.String("node_id", s.opts.NodeID))
	}
	return n, nil
}

// RunOnce executes one tick of runID synchronously. It fails with
// ErrTickInProgress when the timer's tick is still working.
func (s *Scheduler) RunOnce(ctx context.Context, runID string) (TickReport, error) {
	rt, ok := s.reg.get(runID)
	if !ok {
		return TickReport{RunID: runID}, ErrNotScheduled
	}
	if !rt.busy.CompareAndSwap(false, true) {
		s.deps.Metrics.TickSkipped()
		return TickReport{RunID: runID, Skipped: true}, ErrTickInProgress
	}
	defer rt.busy.Store(false)
	return s.tick(ctx, rt)
}

// Active returns the ids of the runs with a live timer.
func (s *Scheduler) Active() []string { return s.reg.IDs() }

// IsActive reports whether runID has a live timer.
func (s *Scheduler) IsActive(runID string) bool {
	_, ok := s.reg.get(runID)
	return ok
}

// Close cancels every timer and waits for in-flight ticks. Runs stay
// running in the database so a restarted node resumes them.
func (s *Scheduler) Close() {
	s.cancel()
	for _, rt := range s.reg.drain() {
		rt.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) schedule(runID, strategyID string) bool {
	ctx, cancel := context.WithCancel(s.base)
	rt := &runTimer{runID: runID, strategyID: strategyID, cancel: cancel}
	if !s.reg.add(rt) {
		cancel()
		return false
	}
	s.wg.Add(1)
	go s.loop(ctx, rt)
	return true
}

func (s *Scheduler) loop(ctx context.Context, rt *runTimer) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !rt.busy.CompareAndSwap(false, true) {
				s.deps.Metrics.TickSkipped()
				s.log.Debug("tick skipped; previous tick still running", zap.String("run_id", rt.runID))
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer rt.busy.Store(false)
				if _, err := s.tick(ctx, rt); err != nil && ctx.Err() == nil {
					s.log.Warn("tick failed", zap.String("run_id", rt.runID), zap.Error(err))
				}
			}()
		}
	}
}
