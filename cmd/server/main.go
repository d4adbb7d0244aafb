/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the wage-advance engine. The serve command runs the
  HTTP API with the batch scheduler; the batch commands run one reconciliation
  or SLA pass and exit, for cron.

STARTUP SEQUENCE:
  1. Load config (defaults, TOML file, .env, environment, flags)
  2. Build the logger and Prometheus collectors
  3. Initialize SQLite store
  4. Create API handler and engine services
  5. Start the scheduler and HTTP server with graceful shutdown

COMMANDS:
  serve                      HTTP API + scheduler
  batch run [--date D]       Daily batch for D (default: today)
  batch sla [--as-of T]      SLA escalation as of T (default: now)

GLOBAL FLAGS:
  --config   TOML config file
  --port     HTTP server port (overrides config)
  --db       SQLite database path (overrides config)
             Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --config ./advance.toml
  ./server serve --db=":memory:" --port=3000
  ./server batch run --date 2025-06-25

SEE ALSO:
  - config/config.go: Settings and precedence
  - api/server.go: Router configuration
  - batch/daily.go: Daily batch
*/
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/advance-engine/api"
	"github.com/warp/advance-engine/config"
	"github.com/warp/advance-engine/observability"
	"github.com/warp/advance-engine/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Wage-advance ledger and reconciliation engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "TOML config file")
	rootCmd.PersistentFlags().Int("port", 0, "HTTP server port (overrides config)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// SHARED WIRING
// =============================================================================

// app is everything a command needs, built from config.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *sqlite.Store
	collectors *observability.Collectors
	handler    *api.Handler
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("db") {
		cfg.Database.Path, _ = cmd.Flags().GetString("db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	col := observability.NewCollectors(nil)
	h := api.NewHandler(store, store, col, logger)
	h.Metrics = col.Handler()
	h.Batch.Workers = cfg.Batch.Workers
	h.Batch.Runs = col
	h.SLA.Thresholds = cfg.SLA

	return &app{cfg: cfg, logger: logger, store: store, collectors: col, handler: h}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
