// Package ledger records simulated positions and keeps run aggregates in
// step with them. Every mutation runs in one transaction that also checks
// the run is still running, so a tick that loses a race with Stop writes
// nothing.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/pkg/db"
	"strategy-core/pkg/logger"
)

var (
	ErrRunNotRunning  = errors.New("run is not running")
	ErrPositionExists = errors.New("position already open for symbol")
	ErrPositionClosed = errors.New("position already closed")
	ErrInvalidPrice   = errors.New("price must be positive")
	ErrDuplicateRun   = errors.New("strategy already has a running run")
)

// DefaultFraction is the share of initial balance committed per position.
var DefaultFraction = decimal.RequireFromString("0.10")

var hundred = decimal.NewFromInt(100)

// Ledger mutates runs and positions.
type Ledger struct {
	db       *db.Database
	fraction decimal.Decimal
	log      *zap.Logger
}

// New builds a ledger sizing positions at fraction of initial balance.
func New(database *db.Database, fraction float64, log *zap.Logger) *Ledger {
	f := DefaultFraction
	if fraction > 0 && fraction <= 1 {
		f = decimal.NewFromFloat(fraction)
	}
	return &Ledger{db: database, fraction: f, log: logger.OrNop(log).Named("ledger")}
}

// Fraction returns the configured position fraction.
func (l *Ledger) Fraction() decimal.Decimal { return l.fraction }

// CreateRun persists a running run for strategyID.
func (l *Ledger) CreateRun(ctx context.Context, strategyID, config string, initial decimal.Decimal, nodeID string, at time.Time) (*db.StrategyRun, error) {
	if !initial.IsPositive() {
		return nil, fmt.Errorf("initial balance must be positive, got %s", initial)
	}
	run := db.StrategyRun{
		ID:             uuid.NewString(),
		StrategyID:     strategyID,
		Config:         config,
		Status:         db.RunRunning,
		InitialBalance: initial,
		CurrentBalance: initial,
		TotalProfit:    decimal.Zero,
		NodeID:         nodeID,
		StartedAt:      at.UTC(),
	}
	if err := db.InsertRun(ctx, l.db.DB, run); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrDuplicateRun
		}
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &run, nil
}

// StopRun marks the run stopped. It reports false when the run was already
// stopped.
func (l *Ledger) StopRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	res, err := l.db.DB.ExecContext(ctx, `
		UPDATE strategy_runs SET status = ?, stopped_at = ?
		WHERE id = ? AND status = ?
	`, db.RunStopped, at.UTC(), runID, db.RunRunning)
	if err != nil {
		return false, fmt.Errorf("stop run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := l.db.GetRun(ctx, runID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// RecordError stores msg as the run's last error and bumps its error count.
func (l *Ledger) RecordError(ctx context.Context, runID, msg string) error {
	res, err := l.db.DB.ExecContext(ctx, `
		UPDATE strategy_runs SET last_error = ?, error_count = error_count + 1 WHERE id = ?
	`, msg, runID)
	if err != nil {
		return fmt.Errorf("record run error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// OpenPosition opens a long position on symbol at price and counts the
// trade on the run.
func (l *Ledger) OpenPosition(ctx context.Context, runID, symbol string, price decimal.Decimal, at time.Time) (*db.Position, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	var pos *db.Position
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		run, err := runningRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if _, err := db.LoadOpenPosition(ctx, tx, runID, symbol); err == nil {
			return ErrPositionExists
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}

		notional := run.InitialBalance.Mul(l.fraction)
		p := db.Position{
			ID:         uuid.NewString(),
			RunID:      runID,
			Symbol:     symbol,
			Side:       db.SideLong,
			Quantity:   notional.DivRound(price, 12),
			EntryPrice: price,
			Status:     db.PositionOpen,
			OpenedAt:   at.UTC(),
		}
		if err := db.InsertPosition(ctx, tx, p); err != nil {
			if db.IsUniqueViolation(err) {
				return ErrPositionExists
			}
			return fmt.Errorf("insert position: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE strategy_runs SET total_trades = total_trades + 1 WHERE id = ?
		`, runID); err != nil {
			return fmt.Errorf("count trade: %w", err)
		}
		pos = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("position opened",
		zap.String("run_id", runID),
		zap.String("symbol", symbol),
		zap.Stringer("price", pos.EntryPrice),
		zap.Stringer("quantity", pos.Quantity))
	return pos, nil
}

// ClosePosition closes the position at price, realising its profit or loss
// into the run balance.
func (l *Ledger) ClosePosition(ctx context.Context, positionID string, price decimal.Decimal, at time.Time) (*db.Position, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	var pos *db.Position
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		p, err := db.LoadPosition(ctx, tx, positionID)
		if err != nil {
			return err
		}
		if !p.Open() {
			return ErrPositionClosed
		}
		run, err := runningRun(ctx, tx, p.RunID)
		if err != nil {
			return err
		}

		pnl := price.Sub(p.EntryPrice).Mul(p.Quantity)
		pct := price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(hundred)
		closedAt := at.UTC()

		res, err := tx.ExecContext(ctx, `
			UPDATE positions SET exit_price = ?, profit_loss = ?, profit_percent = ?, status = ?, closed_at = ?
			WHERE id = ? AND status = ?
		`, price, pnl, pct, db.PositionClosed, closedAt, p.ID, db.PositionOpen)
		if err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPositionClosed
		}

		won := 0
		if pnl.IsPositive() {
			won = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE strategy_runs SET current_balance = ?, total_profit = ?, winning_trades = winning_trades + ?
			WHERE id = ?
		`, run.CurrentBalance.Add(pnl), run.TotalProfit.Add(pnl), won, run.ID); err != nil {
			return fmt.Errorf("update run totals: %w", err)
		}

		p.ExitPrice = decimal.NewNullDecimal(price)
		p.ProfitLoss = decimal.NewNullDecimal(pnl)
		p.ProfitPercent = decimal.NewNullDecimal(pct)
		p.Status = db.PositionClosed
		p.ClosedAt = &closedAt
		pos = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("position closed",
		zap.String("run_id", pos.RunID),
		zap.String("symbol", pos.Symbol),
		zap.Stringer("exit_price", price),
		zap.Stringer("profit_loss", pos.ProfitLoss.Decimal))
	return pos, nil
}

func runningRun(ctx context.Context, q db.Querier, runID string) (*db.StrategyRun, error) {
	run, err := db.LoadRun(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	if !run.Running() {
		return nil, ErrRunNotRunning
	}
	return run, nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
