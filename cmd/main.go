package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sissync/internal/app"
	"sissync/internal/config"
	"sissync/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sissync",
	Short: "Sync attendance records from a SIS API into the local store",
	Long:  `A resumable, chunked, rate-limited batch engine that pulls a school year of attendance records from a remote Student Information System and upserts them into the local attendance database, with checkpointing, retry and monitoring.`,
	RunE:  runSync,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// SIS API flags
	rootCmd.Flags().String("api-endpoint", "", "SIS API base URL")
	rootCmd.Flags().String("api-token", "", "SIS API credential (or SIS_API_TOKEN)")
	rootCmd.Flags().Int("call-timeout-sec", 30, "Per-call timeout in seconds")
	rootCmd.Flags().Int("rate-limit", 60, "Maximum SIS calls per minute")

	// Store flags
	rootCmd.Flags().String("db", "./attendance.db", "Attendance database file")
	rootCmd.Flags().String("checkpoint", "./checkpoint.db", "Checkpoint database file")

	// Sync flags
	rootCmd.Flags().String("start", "", "Range start date YYYY-MM-DD (default: current school year)")
	rootCmd.Flags().String("end", "", "Range end date YYYY-MM-DD")
	rootCmd.Flags().StringSlice("school", nil, "Restrict to school ids (repeatable)")
	rootCmd.Flags().Int("batch-size", 500, "Records per batch")
	rootCmd.Flags().Int("chunk-days", 30, "Days per date chunk")
	rootCmd.Flags().Int("checkpoint-every", 10, "Persist a checkpoint every N batches")
	rootCmd.Flags().Int("workers", 1, "Concurrent school workers (resume requires 1)")
	rootCmd.Flags().Int("retries", 5, "Maximum retry attempts")
	rootCmd.Flags().Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
	rootCmd.Flags().Bool("resume", false, "Resume from checkpoint")
	rootCmd.Flags().String("operation-id", "", "Operation id to resume")
	rootCmd.Flags().Bool("dry-run", false, "Plan chunks without fetching or writing")
	rootCmd.Flags().String("metrics-addr", "", "Serve prometheus /metrics on this address")
	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
}

func runSync(cmd *cobra.Command, args []string) error {
	// Load configuration
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Create application
	syncer, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create syncer: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	// Run sync
	err = syncer.Run(ctx)

	// Close syncer resources after the run completes or is cancelled
	if closeErr := syncer.Close(); closeErr != nil {
		log.Error("Error closing syncer", zap.Error(closeErr))
	}

	if errors.Is(err, app.ErrCancelled) {
		log.Warn("Sync cancelled before completion")
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
