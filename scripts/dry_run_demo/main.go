package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"strategy-core/internal/ledger"
	"strategy-core/internal/marketcache"
	"strategy-core/internal/scheduler"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/db"
	"strategy-core/pkg/logger"
	"strategy-core/pkg/market"
)

// dry_run_demo runs an RSI mean-reversion strategy against the mock feed in
// an in-memory database, ticking it by hand, and prints the resulting
// positions and balance. It touches neither an exchange nor the real DB.
//
// Usage:
//   go run ./scripts/dry_run_demo -ticks 200

func main() {
	ticks := flag.Int("ticks", 100, "number of ticks to run")
	seed := flag.Int64("seed", 42, "mock feed seed")
	flag.Parse()

	zl, err := logger.New("info", "console")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	ctx := context.Background()

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	cfg, err := strategy.Validate(strategy.Config{
		EntryConditions: strategy.RuleSet{{Indicator: "rsi", Period: 14, Operator: strategy.OpLessThan, Threshold: 35}},
		ExitConditions:  strategy.RuleSet{{Indicator: "rsi", Period: 14, Operator: strategy.OpGreaterThan, Threshold: 65}},
		Pairs:           []string{"BTCUSDT", "ETHUSDT"},
	})
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	raw, _ := cfg.JSON()
	now := time.Now().UTC()
	st := db.Strategy{ID: uuid.NewString(), Name: "rsi-demo", Config: raw, CreatedAt: now, UpdatedAt: now}
	if err := database.CreateStrategy(ctx, st); err != nil {
		log.Fatalf("create strategy: %v", err)
	}

	// A zero TTL falls back to the default; a tiny one refetches every tick.
	cache := marketcache.New(market.NewMockSource(cfg.Pairs, *seed), marketcache.Policy{TTL: time.Nanosecond}, zl)
	sched := scheduler.New(scheduler.Deps{
		DB:     database,
		Ledger: ledger.New(database, 0.10, zl),
		Market: cache,
		Log:    zl,
	}, scheduler.Options{Interval: time.Hour, Timeframe: "1m"})
	defer sched.Close()

	run, err := sched.Start(ctx, st.ID, decimal.NewFromInt(10000))
	if err != nil {
		log.Fatalf("start: %v", err)
	}

	for i := 0; i < *ticks; i++ {
		report, err := sched.RunOnce(ctx, run.ID)
		if err != nil {
			log.Fatalf("tick %d: %v", i, err)
		}
		for _, p := range report.Pairs {
			if p.Action == scheduler.ActionOpened || p.Action == scheduler.ActionClosed {
				log.Printf("[tick %3d] %-8s %-6s @ %.2f", i, p.Symbol, p.Action, p.Price)
			}
		}
	}

	final, err := sched.Stop(ctx, run.ID)
	if err != nil {
		log.Fatalf("stop: %v", err)
	}
	positions, _ := database.ListPositions(ctx, run.ID)
	log.Println("=== DRY-RUN demo finished ===")
	log.Printf("positions=%d trades=%d wins=%d profit=%s balance=%s",
		len(positions), final.TotalTrades, final.WinningTrades, final.TotalProfit, final.CurrentBalance)
}
