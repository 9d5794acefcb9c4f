// Command migrate applies the embedded schema migrations with goose.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
//
// The target database comes from DATABASE_URL (a .env file is honored).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/agentbazaar/internal/logging"
	"github.com/mbd888/agentbazaar/internal/retry"
	"github.com/mbd888/agentbazaar/migrations"
)

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|status|version|redo|up-to N|down-to N")
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, dsn, command, args); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	err = retry.Do(ctx, 5, retry.Backoff{Base: time.Second, Max: 8 * time.Second}, func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
