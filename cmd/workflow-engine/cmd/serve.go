package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/blingmoon/distributed-workflow/internal/bootstrap"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func (c *cli) newServeCommand() *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an engine process",
		Long: `Run an engine process until SIGINT/SIGTERM.

The engine registers itself, heartbeats, renews the workflow locks it holds
and claims unfinished workflows whose lock is free.

Examples:
  workflow-engine serve --engine-id engine-a --metrics-addr :9090
  WORKFLOW_ENGINE_LOCK_STORE_BACKEND=redis workflow-engine serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, shutdownTimeout)
		},
	}
	cmd.Flags().String("engine-id", "", "engine id, default hostname-pid-random")
	cmd.Flags().String("metrics-addr", "", "serve prometheus /metrics on this address")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for releasing locks on shutdown")
	_ = c.v.BindPFlag("engine.engine_id", cmd.Flags().Lookup("engine-id"))
	_ = c.v.BindPFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr"))
	return cmd
}

// serve ctx 取消后停止引擎, 释放持有的锁让其他引擎接手
func (c *cli) serve(ctx context.Context, shutdownTimeout time.Duration) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app, err := c.app(ctx, bootstrap.WithRegisterer(registry))
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.Logger

	var metricsServer *http.Server
	if addr := app.Config.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("addr", addr), slog.Any("error", err))
			}
		}()
		logger.Info("metrics server started", slog.String("addr", addr))
	}

	if err := app.Engine.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down", slog.String("engine_id", app.Engine.ID()))

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err = app.Engine.Stop(stopCtx)
	if metricsServer != nil {
		if shutdownErr := metricsServer.Shutdown(stopCtx); shutdownErr != nil {
			logger.Warn("metrics server shutdown failed", slog.Any("error", shutdownErr))
		}
	}
	return err
}
