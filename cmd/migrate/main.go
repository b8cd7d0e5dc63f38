package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"CrashLedger/internal/observability"
	"CrashLedger/internal/persistence"
	"CrashLedger/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  CRASH_STORE_DRIVER - postgres or sqlite (default: postgres)")
		fmt.Println("  CRASH_STORE_DSN    - connection string or sqlite file path")
		os.Exit(1)
	}

	driver := os.Getenv("CRASH_STORE_DRIVER")
	if driver == "" {
		driver = "postgres"
	}
	dialect, err := store.ParseDialect(driver)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	dsn := os.Getenv("CRASH_STORE_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/crashledger?sslmode=disable"
		if dialect == store.DialectSQLite {
			dsn = "data/crashledger.db"
		}
	}

	ctx := context.Background()
	s, err := store.Open(ctx, dialect, dsn)
	if err != nil {
		log.Fatalf("FATAL: open %s: %v", dialect, err)
	}
	defer s.Close()

	migrator := persistence.NewMigrator(s.DB(), dialect, persistence.Migrations(dialect)).
		WithLogger(observability.NewLogger("migrate"))

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
