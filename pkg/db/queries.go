package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

const runColumns = `id, strategy_id, config, status, initial_balance, current_balance,
	total_trades, winning_trades, total_profit, last_error, error_count, node_id,
	started_at, stopped_at, last_tick_at`

const positionColumns = `id, run_id, symbol, side, quantity, entry_price, exit_price,
	profit_loss, profit_percent, status, opened_at, closed_at`

// InsertRun persists a new run.
func InsertRun(ctx context.Context, q Querier, r StrategyRun) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO strategy_runs (id, strategy_id, config, status, initial_balance, current_balance,
			total_trades, winning_trades, total_profit, last_error, error_count, node_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.StrategyID, r.Config, r.Status, r.InitialBalance, r.CurrentBalance,
		r.TotalTrades, r.WinningTrades, r.TotalProfit, r.LastError, r.ErrorCount, r.NodeID, r.StartedAt)
	return err
}

// LoadRun reads a run through q, which may be a transaction.
func LoadRun(ctx context.Context, q Querier, id string) (*StrategyRun, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM strategy_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// GetRun loads a run by id.
func (d *Database) GetRun(ctx context.Context, id string) (*StrategyRun, error) {
	return LoadRun(ctx, d.DB, id)
}

// RunFilter narrows ListRuns. Zero fields do not filter. OwnerID keeps runs
// of strategies owned by that user or shared by everyone.
type RunFilter struct {
	StrategyID string
	OwnerID    string
	Status     string
	NodeID     string
	Limit      int
}

// ListRuns returns runs newest first.
func (d *Database) ListRuns(ctx context.Context, f RunFilter) ([]StrategyRun, error) {
	query := `SELECT ` + runColumns + ` FROM strategy_runs WHERE 1=1`
	var args []any
	if f.StrategyID != "" {
		query += ` AND strategy_id = ?`
		args = append(args, f.StrategyID)
	}
	if f.OwnerID != "" {
		query += ` AND strategy_id IN (SELECT id FROM strategies WHERE owner_id = ? OR owner_id = '')`
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, f.NodeID)
	}
	query += ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StrategyRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RunningRunsForNode returns the running runs owned by nodeID.
func (d *Database) RunningRunsForNode(ctx context.Context, nodeID string) ([]StrategyRun, error) {
	return d.ListRuns(ctx, RunFilter{Status: RunRunning, NodeID: nodeID})
}

// TouchRun records the time of the last completed tick.
func (d *Database) TouchRun(ctx context.Context, id string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE strategy_runs SET last_tick_at = ? WHERE id = ?`, at, id)
	return err
}

// InsertPosition persists a new position.
func InsertPosition(ctx context.Context, q Querier, p Position) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO positions (id, run_id, symbol, side, quantity, entry_price, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.RunID, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.Status, p.OpenedAt)
	return err
}

// LoadPosition reads a position through q.
func LoadPosition(ctx context.Context, q Querier, id string) (*Position, error) {
	row := q.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// LoadOpenPosition returns the open position for (runID, symbol), or
// ErrNotFound.
func LoadOpenPosition(ctx context.Context, q Querier, runID, symbol string) (*Position, error) {
	row := q.QueryRowContext(ctx, `SELECT `+positionColumns+`
		FROM positions WHERE run_id = ? AND symbol = ? AND status = ?`, runID, symbol, PositionOpen)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetPosition loads a position by id.
func (d *Database) GetPosition(ctx context.Context, id string) (*Position, error) {
	return LoadPosition(ctx, d.DB, id)
}

// GetOpenPosition returns the open position for (runID, symbol), or nil.
func (d *Database) GetOpenPosition(ctx context.Context, runID, symbol string) (*Position, error) {
	p, err := LoadOpenPosition(ctx, d.DB, runID, symbol)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// ListPositions returns a run's positions in the order they were opened.
func (d *Database) ListPositions(ctx context.Context, runID string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+positionColumns+`
		FROM positions WHERE run_id = ? ORDER BY opened_at, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanRun(row scanner) (*StrategyRun, error) {
	var (
		r         StrategyRun
		stoppedAt sql.NullTime
		lastTick  sql.NullTime
	)
	err := row.Scan(&r.ID, &r.StrategyID, &r.Config, &r.Status, &r.InitialBalance, &r.CurrentBalance,
		&r.TotalTrades, &r.WinningTrades, &r.TotalProfit, &r.LastError, &r.ErrorCount, &r.NodeID,
		&r.StartedAt, &stoppedAt, &lastTick)
	if err != nil {
		return nil, err
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		r.StoppedAt = &t
	}
	if lastTick.Valid {
		t := lastTick.Time
		r.LastTickAt = &t
	}
	return &r, nil
}

func scanPosition(row scanner) (*Position, error) {
	var (
		p        Position
		closedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.RunID, &p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice, &p.ExitPrice,
		&p.ProfitLoss, &p.ProfitPercent, &p.Status, &p.OpenedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return &p, nil
}
