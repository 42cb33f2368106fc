package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/stageflow/internal/pkg/config"
	"github.com/tjfontaine/stageflow/internal/runtime"
	"github.com/tjfontaine/stageflow/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		configPath      string
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline server",
		Long: `Run the HTTP API and pipeline engine. Stages and pipelines declared in
the config file are reloaded when it changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath, shutdownTimeout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for runs to drain on shutdown")
	return cmd
}

func serve(ctx context.Context, configPath string, shutdownTimeout time.Duration) error {
	// Read once up front for the logger and tracer; the service loads it
	// again through the watching provider.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	svc, err := runtime.New(
		runtime.WithLogger(logger),
		runtime.WithFileConfig(configPath),
	)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if err := svc.Start(context.Background()); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return svc.Shutdown(shutdownCtx)
}
