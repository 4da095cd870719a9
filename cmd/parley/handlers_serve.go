package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/gateway"
)

// runServe handles the serve command: assemble the runtime, expose it
// over the loopback WebSocket gateway and run until a shutdown signal.
func runServe(cmd *cobra.Command, addr, metricsAddr string) error {
	cfg, creds, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	// The gateway is the orchestrator's event sink, so it exists first
	// and the orchestrator attaches once assembled.
	gw := gateway.NewServer(gateway.Config{
		Addr:       addr,
		Version:    version,
		Theme:      cfg.UI.Theme,
		EditorMode: cfg.UI.EditorMode,
	}, nil, logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := assembleRuntime(ctx, cfg, creds, logger, gw)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	gw.Attach(rt.orch)

	if err := gw.Start(ctx); err != nil {
		return err
	}

	// Flag overrides config; empty disables the metrics listener.
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Addr
	}
	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info(ctx, "metrics listening", "addr", metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "metrics server failed", "error", err)
			}
		}()
	}

	// The running stack is wired from the startup snapshot, so a config
	// change calls for a restart; the watcher just surfaces it.
	stopWatch, err := config.Watch(ctx, configPath, logger, func(*config.Config) {
		logger.Info(ctx, "config file changed; restart to apply")
	})
	if err != nil {
		logger.Warn(ctx, "config watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	logger.Info(ctx, "parley gateway started", "version", version, "addr", gw.Addr())
	<-ctx.Done()
	logger.Info(ctx, "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "metrics shutdown", "error", err)
		}
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info(shutdownCtx, "parley gateway stopped")
	return nil
}
