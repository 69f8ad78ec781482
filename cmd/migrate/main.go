package main

import (
	"PerpClearing/internal/config"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/persistence"
	"context"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-config path] <up|down|verify>")
	fmt.Fprintln(os.Stderr, "  up     - apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down   - roll back the last migration")
	fmt.Fprintln(os.Stderr, "  verify - check the hash chain of every event log partition")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  PERP_POSTGRES_DSN - Postgres connection string (overrides the config file)")
}

func main() {
	configPath := flag.String("config", os.Getenv("PERP_CONFIG"), "path to the TOML config file")
	pageSize := flag.Int("page", 1000, "rows per page when verifying")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, persistence.MigrationFiles(), logger)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "verify":
		eventLog := persistence.NewEventLogWriter(db)
		partitions, err := eventLog.Partitions(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("list partitions")
		}
		failed := 0
		for _, p := range partitions {
			cur, err := eventLog.VerifyPartition(ctx, p, *pageSize)
			if err != nil {
				failed++
				logger.Error().Err(err).Str("partition", p).Msg("chain broken")
				continue
			}
			logger.Info().
				Str("partition", p).
				Int64("sequence", cur.Sequence).
				Str("tip", hex.EncodeToString(cur.Tip[:])).
				Msg("chain verified")
		}
		if failed > 0 {
			logger.Fatal().Int("partitions", failed).Msg("event log verification failed")
		}

	default:
		usage()
		os.Exit(2)
	}
}
