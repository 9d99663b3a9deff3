package main

import (
	"StableLedger/internal/config"
	"StableLedger/internal/observability"
	"StableLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
)

const usage = `Usage: migrate <command>
  up         apply all pending migrations
  down [n]   roll back the last n migrations (default 1)
  status     list migrations and when they were applied
  check      validate the migration files without connecting

Configuration is read like the ledger service:
  STABLE_CONFIG_FILE    optional TOML file
  STABLE_POSTGRES_DSN   Postgres connection string
  STABLE_MIGRATIONS_DIR migrations directory (default: migrations)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	files := os.DirFS(cfg.Postgres.MigrationsDir)

	if os.Args[1] == "check" {
		migrations, err := persistence.LoadMigrations(files)
		if err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.Postgres.MigrationsDir).Msg("check migrations")
		}
		logger.Info().Int("migrations", len(migrations)).Msg("migration files are well-formed")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, files, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Int("applied", n).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("schema up to date")

	case "down":
		steps := 1
		if len(os.Args) > 2 {
			steps, err = strconv.Atoi(os.Args[2])
			if err != nil || steps < 1 {
				logger.Fatal().Str("arg", os.Args[2]).Msg("down takes a positive step count")
			}
		}
		n, err := migrator.Down(ctx, steps)
		if err != nil {
			logger.Fatal().Err(err).Int("rolled_back", n).Msg("migrate down")
		}
		logger.Info().Int("rolled_back", n).Msg("rollback done")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
		for _, st := range statuses {
			applied := "pending"
			if st.AppliedAt != nil {
				applied = st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", st.Version, st.Name, applied)
		}
		w.Flush()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}
