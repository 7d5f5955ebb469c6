package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/lifelens/lifelens-agent/internal/config"
	"github.com/lifelens/lifelens-agent/internal/uplink"
)

func main() {
	configPath := flag.String("config", "lifelens.yaml", "path to config file")
	metricsListen := flag.String("metrics-listen", "", "metrics listen address (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("lifelens-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *metricsListen != "" {
		cfg.MetricsListen = *metricsListen
	}
	slog.Info("config loaded",
		"device", cfg.DeviceID,
		"endpoint", cfg.Ingestion.Endpoint,
		"transport", cfg.Ingestion.Transport,
		"pins", len(cfg.Ingestion.Pins),
		"probes", len(cfg.Probes),
	)
	if len(cfg.Ingestion.Pins) == 0 {
		slog.Warn("certificate pinning disabled, no pins configured")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	u, err := uplink.New(cfg)
	if err != nil {
		slog.Error("failed to build uplink", "err", err)
		os.Exit(1)
	}
	if err := u.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		slog.Error("failed to register metrics", "err", err)
		os.Exit(1)
	}
	u.Start(ctx)

	// Watch config file for hot-reload. Structural changes (endpoint,
	// queue, transport) need a restart; the watcher logs what changed so
	// operators know.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			slog.Info("config hot-reloaded, structural changes take effect on restart",
				"probes", len(updated.Probes))
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	// Local observability endpoint.
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics endpoint listening", "addr", cfg.MetricsListen)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics endpoint failed", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("lifelens-agent shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if err := u.Shutdown(); err != nil {
		slog.Error("uplink shutdown failed", "err", err)
		os.Exit(1)
	}
}
