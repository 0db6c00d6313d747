package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"strategy-core/pkg/config"
	"strategy-core/pkg/db"
	"strategy-core/pkg/market"
	"strategy-core/pkg/market/binance"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	fmt.Println("Strategy Core Health Check")
	fmt.Println("==========================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{
		Overall:  "HEALTHY",
		Services: make([]HealthStatus, 0),
	}

	cfg, cfgStatus := checkConfig()
	report.Services = append(report.Services, cfgStatus)
	if cfg != nil {
		report.Services = append(report.Services,
			checkDatabase(ctx, cfg),
			checkDataSource(ctx, cfg),
			checkAPIServer(ctx, cfg),
		)
	}

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
		}
		fmt.Printf("%s %-20s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}

	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: "HEALTHY", Timestamp: time.Now()}
}

func checkConfig() (*config.Config, HealthStatus) {
	status := newStatus("Configuration")
	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Failed to load: %v", err)
		return nil, status
	}
	status.Message = fmt.Sprintf("Port=%s Source=%s", cfg.Port, cfg.DataSource)
	if cfg.AuthDisabled {
		status.Status = "DEGRADED"
		status.Message += " (auth disabled)"
	}
	return cfg, status
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Database")
	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.Ping(ctx); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Ping failed: %v", err)
		return status
	}
	var running int
	if err := database.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM strategy_runs WHERE status = 'running'`).Scan(&running); err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("Schema not applied: %v", err)
		return status
	}
	status.Message = fmt.Sprintf("Connected (%d running runs)", running)
	return status
}

func checkDataSource(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Market Data")

	var src market.Source
	switch cfg.DataSource {
	case config.SourceRemote:
		rc := market.NewRemoteClient(cfg.DataSourceURL, cfg.DataSourceTimeout)
		if err := rc.Health(ctx); err != nil {
			status.Status = "UNHEALTHY"
			status.Message = fmt.Sprintf("%s unreachable: %v", cfg.DataSourceURL, err)
			return status
		}
		src = rc
	case config.SourceBinance:
		src = market.NewExchangeSource(binance.NewClient(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceTestnet), cfg.DefaultTimeframe)
	default:
		status.Message = "mock feed"
		return status
	}

	symbol := "BTCUSDT"
	if len(cfg.MockSymbols) > 0 {
		symbol = cfg.MockSymbols[0]
	}
	q, err := src.Latest(ctx, symbol)
	if err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("%s: no quote for %s: %v", cfg.DataSource, symbol, err)
		return status
	}
	status.Message = fmt.Sprintf("%s %s close=%.4f", cfg.DataSource, q.Symbol, q.Candle.Close)
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("API Server")

	url := fmt.Sprintf("http://localhost:%s/health", cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}
	status.Message = "Running"
	return status
}
