package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/internal/events"
	"strategy-core/internal/ledger"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/db"
	"strategy-core/pkg/market"
)

// Pair outcomes.
const (
	ActionNone    = "none"
	ActionOpened  = "opened"
	ActionClosed  = "closed"
	ActionSkipped = "skipped"
	ActionError   = "error"
)

// Snapshot sources.
const (
	SourceFields  = "fields"
	SourceCandles = "candles"
)

// PairResult is what one tick did for one symbol.
type PairResult struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Source     string  `json:"source,omitempty"`
	Price      float64 `json:"price,omitempty"`
	PositionID string  `json:"position_id,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// TickReport summarises one tick.
type TickReport struct {
	RunID    string        `json:"run_id"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Skipped  bool          `json:"skipped,omitempty"`
	Stopped  bool          `json:"stopped,omitempty"`
	Pairs    []PairResult  `json:"pairs"`
}

func (s *Scheduler) tick(ctx context.Context, rt *runTimer) (report TickReport, err error) {
	timer := s.deps.Metrics.TickTimer()
	report = TickReport{RunID: rt.runID, At: s.opts.Now().UTC()}
	defer func() { report.Duration = timer.Stop() }()
	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprintf("tick panic: %v", p)
			s.log.Error("tick panicked",
				zap.String("run_id", rt.runID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			s.deps.Metrics.TickFailed()
			s.recordError(ctx, rt.runID, msg)
			err = errors.New(msg)
		}
	}()

	run, err := s.deps.DB.GetRun(ctx, rt.runID)
	if errors.Is(err, db.ErrNotFound) {
		s.reg.remove(rt.runID)
		report.Stopped = true
		return report, nil
	}
	if err != nil {
		s.deps.Metrics.TickFailed()
		return report, fmt.Errorf("load run: %w", err)
	}
	if !run.Running() {
		// stopped out of band
		s.reg.remove(rt.runID)
		report.Stopped = true
		return report, nil
	}

	cfg, err := strategy.ParseConfig(run.Config)
	if err != nil {
		s.deps.Metrics.TickFailed()
		s.recordError(ctx, run.ID, err.Error())
		return report, err
	}

	for _, symbol := range cfg.Pairs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, perr := s.safeEvaluate(ctx, run, cfg, symbol)
		if errors.Is(perr, ledger.ErrRunNotRunning) {
			s.reg.remove(run.ID)
			report.Stopped = true
			break
		}
		if perr != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			res.Action = ActionError
			res.Error = perr.Error()
			s.deps.Metrics.PairError()
			s.log.Warn("pair evaluation failed",
				zap.String("run_id", run.ID),
				zap.String("symbol", symbol),
				zap.Error(perr))
			s.recordError(ctx, run.ID, fmt.Sprintf("%s: %v", symbol, perr))
		}
		report.Pairs = append(report.Pairs, res)
	}

	if !report.Stopped {
		if err := s.deps.DB.TouchRun(ctx, run.ID, report.At); err != nil {
			s.log.Warn("touch run failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	s.deps.Metrics.TickRun()
	s.deps.Bus.Publish(events.TopicRunTick, run.ID, report)
	return report, nil
}

// safeEvaluate converts a panic in one pair into that pair's error.
func (s *Scheduler) safeEvaluate(ctx context.Context, run *db.StrategyRun, cfg strategy.Config, symbol string) (res PairResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("pair panicked",
				zap.String("run_id", run.ID),
				zap.String("symbol", symbol),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			res = PairResult{Symbol: symbol}
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.evaluatePair(ctx, run, cfg, symbol)
}

// evaluatePair checks entry rules when symbol has no open position and exit
// rules otherwise, and applies the resulting trade.
func (s *Scheduler) evaluatePair(ctx context.Context, run *db.StrategyRun, cfg strategy.Config, symbol string) (PairResult, error) {
	res := PairResult{Symbol: symbol, Action: ActionNone}

	pos, err := s.deps.DB.GetOpenPosition(ctx, run.ID, symbol)
	if err != nil {
		return res, fmt.Errorf("load open position: %w", err)
	}
	rules := cfg.EntryConditions
	if pos != nil {
		rules = cfg.ExitConditions
	}
	if len(rules) == 0 {
		return res, nil
	}

	snap, price, source, err := s.snapshot(ctx, symbol, rules)
	if errors.Is(err, market.ErrDataUnavailable) {
		res.Action = ActionSkipped
		res.Error = err.Error()
		s.log.Debug("pair skipped", zap.String("run_id", run.ID), zap.String("symbol", symbol), zap.Error(err))
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Price, res.Source = price, source

	if !strategy.Evaluate(rules, snap) {
		return res, nil
	}

	now := s.opts.Now()
	if pos == nil {
		opened, err := s.deps.Ledger.OpenPosition(ctx, run.ID, symbol, decimal.NewFromFloat(price), now)
		if errors.Is(err, ledger.ErrPositionExists) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		res.Action, res.PositionID = ActionOpened, opened.ID
		s.deps.Bus.Publish(events.TopicPositionOpened, run.ID, opened)
		return res, nil
	}

	closed, err := s.deps.Ledger.ClosePosition(ctx, pos.ID, decimal.NewFromFloat(price), now)
	if errors.Is(err, ledger.ErrPositionClosed) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Action, res.PositionID = ActionClosed, closed.ID
	s.deps.Bus.Publish(events.TopicPositionClosed, run.ID, closed)
	return res, nil
}

// snapshot resolves the indicator values for rules. Precomputed fields on
// the latest quote are used when they cover every condition and the quote
// carries a price; otherwise a candle window per timeframe is fetched and
// computed locally.
func (s *Scheduler) snapshot(ctx context.Context, symbol string, rules strategy.RuleSet) (strategy.Snapshot, float64, string, error) {
	quote := s.deps.Market.GetLatest(ctx, symbol)
	if quote != nil && strategy.Covers(quote.Fields, rules) {
		price := quote.Candle.Close
		if price <= 0 {
			price = quote.Fields["close"]
		}
		if price > 0 {
			return strategy.SnapshotFromFields(quote.Fields, rules), price, SourceFields, nil
		}
	}

	window := max(s.opts.Window, strategy.RequiredHistory(rules))
	order, groups := strategy.ByTimeframe(rules)
	snap := strategy.Snapshot{}
	var price float64
	for _, tf := range order {
		timeframe := tf
		if timeframe == "" {
			timeframe = s.opts.Timeframe
		}
		candles := s.deps.Market.GetRange(ctx, symbol, timeframe, window)
		if len(candles) == 0 {
			return nil, 0, "", fmt.Errorf("%w: no %s candles for %s", market.ErrDataUnavailable, timeframe, symbol)
		}
		part, err := strategy.BuildSnapshot(candles, groups[tf])
		if err != nil {
			return nil, 0, "", err
		}
		maps.Copy(snap, part)
		if tf == "" || price == 0 {
			price = candles[len(candles)-1].Close
		}
	}
	if price <= 0 && quote != nil {
		price = quote.Candle.Close
	}
	if price <= 0 {
		return nil, 0, "", fmt.Errorf("%w: no price for %s", market.ErrDataUnavailable, symbol)
	}
	return snap, price, SourceCandles, nil
}

func (s *Scheduler) recordError(ctx context.Context, runID, msg string) {
	if err := s.deps.Ledger.RecordError(context.WithoutCancel(ctx), runID, msg); err != nil {
		s.log.Error("record run error failed", zap.String("run_id", runID), zap.Error(err))
	}
	s.deps.Bus.Publish(events.TopicRunError, runID, msg)
}
