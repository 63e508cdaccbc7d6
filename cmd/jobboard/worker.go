package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/xraph/jobboard"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume broker-routed tasks",
	Long: `Consume the tasks routed to the broker backend until interrupted.

Several workers may run against the same broker. Each task is delivered
to exactly one of them.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int("concurrency", 0, "consumer goroutines (overrides concurrency)")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Concurrency = n
	}

	ctx := cmd.Context()
	eng, err := startEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if !eng.HasBroker() {
		_ = eng.Stop(context.Background())
		return fmt.Errorf("worker: %w", jobboard.ErrNoBackend)
	}

	logger.Info("worker starting",
		slog.String("broker", cfg.Broker.Kind),
		slog.String("queue", cfg.Broker.Queue),
		slog.Int("concurrency", cfg.Concurrency),
	)
	runErr := eng.RunConsumer(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), eng.ShutdownTimeout())
	defer cancel()
	if err := eng.Stop(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("engine stop: %w", err))
	}
	logger.Info("worker stopped")
	return runErr
}
