package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/api"
	"github.com/xraph/jobboard/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the immediate worker pool",
	Long: `Run the HTTP API, the in-process worker pool and the live update relay.

With --consume the process also consumes broker tasks, which is
convenient for single-node deployments.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	serveCmd.Flags().Bool("consume", false, "also consume broker tasks in this process")
	serveCmd.Flags().StringSlice("cors-origin", nil, "allowed CORS origins (default all)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	consume, _ := cmd.Flags().GetBool("consume")
	origins, _ := cmd.Flags().GetStringSlice("cors-origin")

	ctx := cmd.Context()
	eng, err := startEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	apiOpts := []api.Option{api.WithLogger(logger)}
	if len(origins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(origins...))
	}
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.New(eng, apiOpts...).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.HTTP.Addr))
		errCh <- srv.ListenAndServe()
	}()

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	if consume && eng.HasBroker() {
		go func() {
			if err := eng.RunConsumer(consumerCtx); err != nil && consumerCtx.Err() == nil {
				errCh <- fmt.Errorf("consumer: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}
	stopConsumer()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), eng.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("server shutdown: %w", err))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("engine stop: %w", err))
	}

	logger.Info("server stopped")
	return runErr
}

// startEngine builds, checks and starts an engine. The engine is stopped
// again when Check or Start fails.
func startEngine(ctx context.Context, cfg jobboard.Config, logger *slog.Logger) (*engine.Engine, error) {
	eng, err := engine.Build(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := eng.Check(ctx); err != nil {
		_ = eng.Stop(context.Background())
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop(context.Background())
		return nil, err
	}
	return eng, nil
}
