package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"strategy-core/internal/marketcache"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/db"
)

var (
	ErrNameTaken         = errors.New("strategy name already exists")
	ErrRemoteUnavailable = errors.New("remote data source not configured")
)

// CreateStrategyRequest is the body of a new strategy definition.
type CreateStrategyRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	Config      strategy.Config `json:"config"`
}

// RunSummary is a run with derived statistics.
type RunSummary struct {
	db.StrategyRun
	Active        bool            `json:"active"`
	WinRate       float64         `json:"win_rate"`
	ClosedTrades  int             `json:"closed_trades"`
	OpenPositions int             `json:"open_positions"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Equity        decimal.Decimal `json:"equity"`
}

// SystemStatus represents the runtime status of this node.
type SystemStatus struct {
	NodeID           string             `json:"node_id"`
	Version          string             `json:"version"`
	DataSource       string             `json:"data_source"`
	RemoteHealth     string             `json:"remote_health,omitempty"`
	TickInterval     string             `json:"tick_interval"`
	PositionFraction decimal.Decimal    `json:"position_fraction"`
	ActiveRuns       []string           `json:"active_runs"`
	CachePolicy      marketcache.Policy `json:"cache_policy"`
	Cache            marketcache.Stats  `json:"cache"`
	ServerTime       time.Time          `json:"server_time"`
}
