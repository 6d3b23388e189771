package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coldchain-monitor/internal/alerting"
	"coldchain-monitor/internal/api"
	"coldchain-monitor/internal/config"
	"coldchain-monitor/internal/db"
	"coldchain-monitor/internal/ingest"
	"coldchain-monitor/internal/logging"
	"coldchain-monitor/internal/stream"

	"github.com/spf13/cobra"
)

var (
	dbPath   string
	database *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coldchain-monitor",
		Short: "Cold-chain monitor - refrigerated cargo telemetry, alerting and live dashboards",
		Long: `A service and CLI for ingesting telemetry from truck-mounted cold-chain
gateways, raising temperature, battery and signal alerts, and streaming every
change to live dashboards. Stores to SQLite by default or Postgres when
DATABASE_URL is a postgres:// DSN.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "coldchain.db", "SQLite path or postgres:// DSN (overrides DATABASE_URL)")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(tripsCmd())
	rootCmd.AddCommand(alertsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads env and .env, letting the command's flags win
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// initDB opens the store and applies pending migrations
func initDB(cfg *config.Config) error {
	var err error
	dbPath = cfg.DatabaseURL
	database, err = db.New(dbPath)
	return err
}

// newIngestService builds the pipeline used by server and ingest
func newIngestService(cfg *config.Config, logger *slog.Logger, publisher ingest.Publisher) *ingest.Service {
	return ingest.NewService(database, alerting.NewEngine(cfg.Thresholds()), publisher,
		ingest.WithAutoResolve(cfg.AlertAutoResolve),
		ingest.WithLogger(logger))
}

// serverCmd starts the REST API and live stream server
func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the ingestion, query and live stream server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hub := stream.NewHub(stream.Options{
				BufferSize: cfg.StreamBufferSize,
				Overflow:   cfg.StreamOverflowPolicy,
				Keepalive:  cfg.StreamKeepalive,
				Logger:     logger,
			})
			go hub.Run(ctx)

			var publisher ingest.Publisher = hub
			if cfg.RelayEnabled() {
				client, err := stream.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
				if err != nil {
					return fmt.Errorf("redis relay: %w", err)
				}
				defer client.Close()

				relay := stream.NewRedisRelay(client, cfg.RedisChannel, hub, logger)
				if err := relay.Start(ctx); err != nil {
					return fmt.Errorf("redis relay: %w", err)
				}
				publisher = relay
				logger.Info("redis relay enabled", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
			}

			server := api.NewServer(database, newIngestService(cfg, logger, publisher), hub, logger)
			httpServer := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			fmt.Printf("🚚 Cold-chain Monitor API Server\n")
			fmt.Printf("   Listening on http://localhost%s\n", cfg.HTTPAddr)
			fmt.Printf("   Database: %s (%s)\n\n", dbPath, database.Dialect())
			fmt.Println("Available endpoints:")
			fmt.Println("  GET  /health")
			fmt.Println("  GET  /metrics")
			fmt.Println("  POST /api/v1/telemetry")
			fmt.Println("  POST /api/v1/telemetry/batch")
			fmt.Println("  GET  /api/v1/stream")
			fmt.Println("  GET  /api/v1/ws")
			fmt.Println("  GET  /api/v1/dashboard/summary")
			fmt.Println("  GET  /api/v1/trucks")
			fmt.Println("  GET  /api/v1/trips")
			fmt.Println("  GET  /api/v1/trips/{trip_id}/latest")
			fmt.Println("  POST /api/v1/trips/{trip_id}/complete")
			fmt.Println("  GET  /api/v1/alerts")
			fmt.Println("  POST /api/v1/alerts/{id}/resolve")
			fmt.Println("  GET  /api/v1/stats")
			fmt.Println()

			errCh := make(chan error, 1)
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down server")
			// ends every live stream so Shutdown does not wait on them
			hub.Close()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown server gracefully", "error", err)
			}
			logger.Info("server shutdown complete")
			return nil
		},
	}

	cmd.Flags().String("addr", ":8080", "Listen address (overrides HTTP_ADDR)")
	return cmd
}

// migrateCmd applies or rolls back schema migrations
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			d, err := db.Open(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer d.Close()

			if err := d.Migrate(args[0]); err != nil {
				return err
			}
			version, dirty, err := d.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Printf("✓ migrate %s complete (schema version %d, dirty=%v)\n", args[0], version, dirty)
			return nil
		},
	}
}
