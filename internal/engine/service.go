// Package engine is the single entry point of the control layer into the
// strategy core. The API only talks to the core through Service.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"strategy-core/internal/marketcache"
	"strategy-core/internal/scheduler"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/db"
	"strategy-core/pkg/market"
)

// Service defines the operations exposed to the API layer.
type Service interface {
	// Strategy definitions. Records owned by another user report
	// db.ErrNotFound.
	CreateStrategy(ctx context.Context, ownerID string, req CreateStrategyRequest) (*db.Strategy, error)
	ListStrategies(ctx context.Context, ownerID string) ([]db.Strategy, error)
	GetStrategy(ctx context.Context, ownerID, id string) (*db.Strategy, error)
	DeleteStrategy(ctx context.Context, ownerID, id string) error

	// Runs
	StartRun(ctx context.Context, ownerID, strategyID string, initialBalance decimal.Decimal) (*db.StrategyRun, error)
	StopRun(ctx context.Context, ownerID, runID string) (*db.StrategyRun, error)
	TickRun(ctx context.Context, ownerID, runID string) (scheduler.TickReport, error)
	ListRuns(ctx context.Context, filter db.RunFilter) ([]RunSummary, error)
	GetRun(ctx context.Context, ownerID, runID string) (*RunSummary, error)
	ListPositions(ctx context.Context, ownerID, runID string) ([]db.Position, error)

	// Market data
	Latest(ctx context.Context, symbol string) (*market.Quote, error)
	Range(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error)
	CheckConditions(ctx context.Context, symbol string, rules strategy.RuleSet) marketcache.ConditionCheck
	CheckRemote(ctx context.Context, symbol string, rules strategy.RuleSet) (*market.SignalCheck, error)
	ClearCache(ctx context.Context) int

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
