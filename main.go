package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/internal/api"
	"strategy-core/internal/engine"
	"strategy-core/internal/events"
	"strategy-core/internal/ledger"
	"strategy-core/internal/marketcache"
	"strategy-core/internal/monitor"
	"strategy-core/internal/scheduler"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/config"
	"strategy-core/pkg/db"
	"strategy-core/pkg/logger"
	"strategy-core/pkg/market"
	"strategy-core/pkg/market/binance"
	"strategy-core/pkg/nodeid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("strategy core stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	zl.Info("starting strategy core",
		zap.String("version", buildVersion),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.String("data_source", cfg.DataSource))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Strategy definitions from YAML are optional.
	if defs, err := strategy.LoadConfig(cfg.StrategiesFile); err == nil {
		if err := strategy.SyncConfigToDB(ctx, database.DB, defs); err != nil {
			return fmt.Errorf("sync strategies: %w", err)
		}
		zl.Info("strategies synced", zap.String("file", cfg.StrategiesFile), zap.Int("count", len(defs)))
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load strategies: %w", err)
	}

	source, remote := buildSource(cfg)
	cache := marketcache.New(source, marketcache.Policy{
		TTL:            cfg.CacheTTL,
		StaleTolerance: cfg.CacheStaleTolerance,
		OnFailure:      marketcache.FailurePolicy(cfg.CacheOnFailure),
	}, zl)

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	metrics.SetCacheStats(func() monitor.CacheStats {
		st := cache.Stats()
		return monitor.CacheStats{
			Entries:     st.Entries,
			Hits:        st.Hits,
			Misses:      st.Misses,
			StaleServed: st.StaleServed,
			Failures:    st.Failures,
		}
	})
	watcher := &monitor.Watcher{Bus: bus, Metrics: metrics, Sink: monitor.LogSink{Log: zl}, Log: zl}
	watcher.Start(ctx)

	node := nodeid.Resolve(cfg.NodeID)
	sched := scheduler.New(scheduler.Deps{
		DB:      database,
		Ledger:  ledger.New(database, cfg.PositionFraction, zl),
		Market:  cache,
		Bus:     bus,
		Metrics: metrics,
		Log:     zl,
	}, scheduler.Options{
		Interval:       cfg.TickInterval,
		Window:         cfg.CandleWindow,
		Timeframe:      cfg.DefaultTimeframe,
		NodeID:         node,
		InitialBalance: decimal.NewFromFloat(cfg.DefaultInitialBalance),
	})
	metrics.SetActiveRuns(func() int { return len(sched.Active()) })
	resumed, err := sched.Resume(ctx)
	if err != nil {
		return err
	}
	zl.Info("scheduler ready", zap.String("node_id", node), zap.Int("resumed", resumed))

	engSvc := engine.NewImpl(engine.Config{
		DB:        database,
		Scheduler: sched,
		Cache:     cache,
		Remote:    remote,
		Meta: engine.SystemStatus{
			NodeID:     node,
			Version:    buildVersion,
			DataSource: cfg.DataSource,
		},
	})

	server := api.NewServer(engSvc, bus, database, metrics, zl, api.Options{
		JWTSecret:      cfg.JWTSecret,
		AuthDisabled:   cfg.AuthDisabled,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		CORSOrigins:    cfg.CORSOrigins,
	})
	if cfg.AuthDisabled {
		zl.Warn("API authentication is disabled")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		zl.Info("API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		zl.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
	// Runs stay running in the database; this node resumes them on restart.
	sched.Close()
	bus.Close()
	zl.Info("shutdown complete")
	return nil
}

// buildSource selects the market data source. The remote client is also
// returned so remote condition checks can reach it.
func buildSource(cfg *config.Config) (market.Source, *market.RemoteClient) {
	switch cfg.DataSource {
	case config.SourceRemote:
		rc := market.NewRemoteClient(cfg.DataSourceURL, cfg.DataSourceTimeout)
		return rc, rc
	case config.SourceBinance:
		ex := binance.NewClient(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceTestnet)
		return market.NewExchangeSource(ex, cfg.DefaultTimeframe), nil
	default:
		return market.NewMockSource(cfg.MockSymbols, time.Now().UnixNano()), nil
	}
}
