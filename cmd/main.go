package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/edgectrl/internal/config"
	"github.com/l0p7/edgectrl/internal/flags"
	"github.com/l0p7/edgectrl/internal/logging"
	"github.com/l0p7/edgectrl/internal/metrics"
	"github.com/l0p7/edgectrl/internal/origin"
	"github.com/l0p7/edgectrl/internal/runtime"
	"github.com/l0p7/edgectrl/internal/server"
	"github.com/l0p7/edgectrl/internal/stats"
	"github.com/l0p7/edgectrl/internal/store"
	"github.com/l0p7/edgectrl/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "EDGECTRL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	sharedStore := buildStore(logger.With(slog.String("agent", "store_factory")), cfg.Server.Store)

	fetcher, err := origin.NewClient(
		cfg.Server.Origin.DefaultBaseURL,
		time.Duration(cfg.Server.Origin.TimeoutSeconds)*time.Second,
		logger,
	)
	if err != nil {
		logger.Error("origin client setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	bodies, err := templates.NewBodies(cfg.Server.Templates, logger)
	if err != nil {
		logger.Error("response templates setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)
	flagResolver := flags.NewResolver(flags.NewStaticProvider(cfg.Server.Flags.Overrides), logger)
	aggregator := stats.NewAggregator(0)

	pipe := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Config:  cfg,
		Store:   sharedStore,
		Fetcher: fetcher,
		Flags:   flagResolver,
		Metrics: metricsRecorder,
		Stats:   aggregator,
		Bodies:  bodies,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := pipe.Close(shutdownCtx); err != nil {
			logger.Error("pipeline shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Definitions.Folder != "" || cfg.Server.Definitions.File != "" {
		watcher, err := loader.WatchDefinitions(ctx, cfg, func(bundle config.DefinitionBundle) {
			pipe.Reload(ctx, bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("definitions watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("definitions watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewPipelineHandler(pipe, metricsRecorder.Handler())
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildStore(logger *slog.Logger, cfg config.StoreConfig) store.Store {
	ttl := time.Duration(cfg.DefaultTTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory store", slog.Duration("ttl", ttl))
		return store.NewMemory(ttl)
	case "valkey", "redis":
		valkeyStore, err := store.NewValkey(store.ValkeyConfig{
			Address:    cfg.Valkey.Address,
			Username:   cfg.Valkey.Username,
			Password:   cfg.Valkey.Password,
			DB:         cfg.Valkey.DB,
			DefaultTTL: ttl,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return store.NewMemory(ttl)
		}
		logger.Info("using valkey store", slog.String("address", cfg.Valkey.Address))
		return valkeyStore
	default:
		logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory(ttl)
	}
}
