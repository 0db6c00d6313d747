package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Run statuses.
const (
	RunRunning = "running"
	RunStopped = "stopped"
)

// Position statuses and sides.
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
	SideLong       = "long"
)

// Strategy is a named rule configuration. Config holds the JSON encoded
// entry/exit rule sets and traded pairs.
type Strategy struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     string    `json:"owner_id,omitempty"`
	Config      string    `json:"config"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// VisibleTo reports whether userID may use the strategy. Strategies without
// an owner are shared; an empty userID sees everything.
func (s *Strategy) VisibleTo(userID string) bool {
	return userID == "" || s.OwnerID == "" || s.OwnerID == userID
}

// StrategyRun is one execution of a strategy with its own balance.
type StrategyRun struct {
	ID             string          `json:"id"`
	StrategyID     string          `json:"strategy_id"`
	Config         string          `json:"config"`
	Status         string          `json:"status"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	TotalProfit    decimal.Decimal `json:"total_profit"`
	LastError      string          `json:"last_error,omitempty"`
	ErrorCount     int             `json:"error_count"`
	NodeID         string          `json:"node_id,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	StoppedAt      *time.Time      `json:"stopped_at,omitempty"`
	LastTickAt     *time.Time      `json:"last_tick_at,omitempty"`
}

// Running reports whether the run is active.
func (r *StrategyRun) Running() bool { return r.Status == RunRunning }

// Position is a simulated holding within a run.
type Position struct {
	ID            string              `json:"id"`
	RunID         string              `json:"run_id"`
	Symbol        string              `json:"symbol"`
	Side          string              `json:"side"`
	Quantity      decimal.Decimal     `json:"quantity"`
	EntryPrice    decimal.Decimal     `json:"entry_price"`
	ExitPrice     decimal.NullDecimal `json:"exit_price"`
	ProfitLoss    decimal.NullDecimal `json:"profit_loss"`
	ProfitPercent decimal.NullDecimal `json:"profit_percent"`
	Status        string              `json:"status"`
	OpenedAt      time.Time           `json:"opened_at"`
	ClosedAt      *time.Time          `json:"closed_at,omitempty"`
}

// Open reports whether the position has not been closed.
func (p *Position) Open() bool { return p.Status == PositionOpen }

// ErrInUse is returned when deleting a strategy that still has runs.
var ErrInUse = errors.New("record is referenced by other records")

// CreateStrategy inserts s.
func (d *Database) CreateStrategy(ctx context.Context, s Strategy) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategies (id, name, description, owner_id, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Name, s.Description, s.OwnerID, s.Config, s.CreatedAt, s.UpdatedAt)
	return err
}

// GetStrategy loads a strategy by id.
func (d *Database) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, config, created_at, updated_at
		FROM strategies WHERE id = ?
	`, id)
	s, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListStrategies returns strategies ordered by name. An empty ownerID
// returns every strategy.
func (d *Database) ListStrategies(ctx context.Context, ownerID string) ([]Strategy, error) {
	query := `SELECT id, name, description, owner_id, config, created_at, updated_at FROM strategies`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ? OR owner_id = ''`
		args = append(args, ownerID)
	}
	query += ` ORDER BY name`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeleteStrategy removes a strategy that has never been run.
func (d *Database) DeleteStrategy(ctx context.Context, id string) error {
	var runs int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM strategy_runs WHERE strategy_id = ?`, id).Scan(&runs); err != nil {
		return err
	}
	if runs > 0 {
		return ErrInUse
	}
	res, err := d.DB.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row scanner) (*Strategy, error) {
	var s Strategy
	if err := row.Scan(&s.ID, &s.Name, &s.Description, &s.OwnerID, &s.Config, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
