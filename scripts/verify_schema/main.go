package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	tables  = []string{"strategies", "strategy_runs", "positions"}
	indexes = []string{"idx_strategy_runs_one_running", "idx_positions_one_open"}
	columns = map[string][]string{
		"strategy_runs": {"status", "node_id", "initial_balance", "current_balance", "error_count", "last_tick_at"},
		"positions":     {"run_id", "symbol", "entry_price", "quantity", "profit_loss", "status"},
	}
)

func main() {
	dbPath := flag.String("db", "./data/strategy-core.db", "sqlite database path")
	flag.Parse()
	fmt.Printf("Verifying database at: %s\n", *dbPath)

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	ok := true
	fmt.Println("\n1. Tables")
	for _, name := range tables {
		ok = check(db, "table", name) && ok
	}
	fmt.Println("\n2. Unique indexes")
	for _, name := range indexes {
		ok = check(db, "index", name) && ok
	}
	fmt.Println("\n3. Columns")
	for table, cols := range columns {
		var schema string
		if err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&schema); err != nil {
			fmt.Printf("❌ %s: %v\n", table, err)
			ok = false
			continue
		}
		for _, col := range cols {
			if strings.Contains(schema, col) {
				fmt.Printf("✓ %s.%s\n", table, col)
			} else {
				fmt.Printf("❌ %s.%s MISSING\n", table, col)
				ok = false
			}
		}
	}

	if !ok {
		os.Exit(1)
	}
	fmt.Println("\nSchema OK")
}

func check(db *sql.DB, kind, name string) bool {
	var found string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type=? AND name=?", kind, name).Scan(&found)
	if err != nil {
		fmt.Printf("❌ %s %s MISSING\n", kind, name)
		return false
	}
	fmt.Printf("✓ %s %s\n", kind, name)
	return true
}
