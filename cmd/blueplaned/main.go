package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sierra-labs/blueplane/pkg/config"
	"github.com/sierra-labs/blueplane/pkg/log"
	"github.com/sierra-labs/blueplane/pkg/metrics"
	"github.com/sierra-labs/blueplane/pkg/pipeline"
	"github.com/sierra-labs/blueplane/pkg/streams"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blueplaned",
	Short: "Blueplane - local-first telemetry pipeline for AI-assisted coding",
	Long: `Blueplaned runs the Blueplane processing pipeline: it drains the
ingress stream of telemetry events produced by editor and shell capture
agents, persists them as compressed batches, and derives conversations
and rolling metrics from the change-data-capture stream.

All state stays on the local host: streams in a local Redis instance,
stores in SQLite files under the data directory.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Blueplane version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "path to config file")
	serveCmd.Flags().String("data-dir", "", "override data directory")
	serveCmd.Flags().String("redis-addr", "", "override Redis address")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the processing pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		if addr, _ := cmd.Flags().GetString("redis-addr"); addr != "" {
			cfg.Redis.Addr = addr
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		metrics.SetVersion(Version)
		logger := log.WithComponent("blueplaned")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		defer rdb.Close()
		client := streams.NewClient(rdb)
		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}

		stores, err := pipeline.OpenStores(cfg.DataDir)
		if err != nil {
			return err
		}
		defer stores.Close()

		st := pipeline.Streams{
			Ingress: client.Stream(cfg.Streams.Ingress, cfg.Streams.IngressMaxLen),
			CDC:     client.Stream(cfg.Streams.CDC, cfg.Streams.CDCMaxLen),
			DLQ:     client.Stream(cfg.Streams.DLQ, 0), // unbounded retention
		}

		// Metrics and health endpoint, localhost only.
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler)
		srv := &http.Server{Addr: cfg.MetricsHTTPAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		logger.Info().
			Str("version", Version).
			Str("data_dir", cfg.DataDir).
			Str("redis", cfg.Redis.Addr).
			Msg("blueplaned starting")

		p := pipeline.New(cfg, st, stores)
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info().Msg("blueplaned stopped")
		return nil
	},
}
