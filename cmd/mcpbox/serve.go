package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/mcpbox/internal/config"
	"github.com/jkaninda/mcpbox/internal/gateway/httpapi"
	"github.com/jkaninda/mcpbox/internal/observability"
	"github.com/jkaninda/mcpbox/internal/orchestrator"
	"github.com/jkaninda/mcpbox/internal/ratelimit"
	"github.com/jkaninda/mcpbox/internal/schemacache"
	"github.com/jkaninda/mcpbox/internal/storage"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `mcpbox --config path` and `mcpbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// loadConfig reads the config file, falling back to built-in defaults
// when the default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	resolved := goutils.Env("MCPBOX_CONFIG", path)
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) && resolved == config.DefaultConfigPath() {
		return config.Default()
	}
	return config.Load(resolved)
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		cfg.Gateway.ListenAddr = servePort
	}

	logger.Info("starting mcpbox", slog.String("config", serveConfigPath))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	// Persisted schema cache tier. The memory driver runs without one.
	var store schemacache.Store
	if cfg.Cache.CacheDriver() != "memory" {
		st, err := storage.Open(cfg.Cache, logger)
		if err != nil {
			return err
		}
		store = st
		if obs != nil {
			obs.Health.AddCheck("cache", st.Ping)
		}
	}

	orch, err := orchestrator.New(cfg, store, obs, logger)
	if err != nil {
		return err
	}
	if obs != nil {
		obs.Health.AddCheck("sandbox", func(context.Context) error {
			if orch.BackendUnavailable() {
				return errors.New("isolation backend unavailable")
			}
			return nil
		})
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic eviction of expired schema cache entries.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@hourly", func() {
		removed := orch.SweepSchemas(context.Background(), cfg.Cache.TTL())
		if removed > 0 {
			logger.Info("schema cache sweep", slog.Int("removed", removed))
		}
	}); err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		BurstSize:         cfg.Gateway.BurstSize,
	})

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		APIKeys:        cfg.Gateway.APIKeys,
		MaxRequestSize: cfg.Gateway.MaxRequestSize,
	}
	if obs != nil {
		gwCfg.HealthChecker = obs.Health
		gwCfg.Metrics = obs.MetricsOrNil()
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if ts := obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
	}

	gw := httpapi.NewGateway(gwCfg, orch, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	orch.Shutdown(shutdownCtx)
	if obs != nil {
		obs.Shutdown(shutdownCtx)
	}

	return nil
}
