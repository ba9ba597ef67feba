// Package main applies the embedded database migrations.
//
// Usage:
//
//	go run ./cmd/migrate          # apply pending migrations
//	go run ./cmd/migrate status   # print the applied state
//
// Only the DB_* / DATABASE_URL variables are read, so migrations can run
// before the rest of the environment is provisioned.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"qrcloud/internal/app"
	"qrcloud/internal/config"
	"qrcloud/internal/db"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}
	if cmd != "up" && cmd != "status" {
		return fmt.Errorf("unknown command %q (want up or status)", cmd)
	}

	_ = godotenv.Load()

	var dbCfg config.DatabaseConfig
	if err := envconfig.Process("", &dbCfg); err != nil {
		return fmt.Errorf("reading database configuration: %w", err)
	}
	if dbCfg.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	logger := app.NewLogger(os.Getenv("LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cmd == "status" {
		return db.MigrationStatus(ctx, pool, logger)
	}
	if err := db.Migrate(ctx, pool, logger); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}
