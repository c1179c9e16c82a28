package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-causal/internal/activity"
	"github.com/miradorstack/mirador-causal/internal/api"
	"github.com/miradorstack/mirador-causal/internal/cache"
	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/detector"
	"github.com/miradorstack/mirador-causal/internal/engine"
	"github.com/miradorstack/mirador-causal/internal/grouper"
	"github.com/miradorstack/mirador-causal/internal/metrics"
	"github.com/miradorstack/mirador-causal/internal/repo"
	"github.com/miradorstack/mirador-causal/internal/store"
	"github.com/miradorstack/mirador-causal/internal/trainer"
	"github.com/miradorstack/mirador-causal/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-causal", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var st store.Store
	if cfg.Storage.SQLitePath != "" {
		sqliteStore, err := store.NewSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite store",
				slog.String("path", cfg.Storage.SQLitePath), slog.Any("error", err))
			os.Exit(1)
		}
		defer sqliteStore.Close()
		st = sqliteStore
		logger.Info("using sqlite store", slog.String("path", cfg.Storage.SQLitePath))
	} else {
		st = store.NewMemory()
		logger.Info("using in-memory store")
	}

	feedOpts := []activity.Option{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey mirror unavailable", slog.Any("error", err))
		} else {
			defer provider.Close()
			feedOpts = append(feedOpts, activity.WithMirror(provider, cfg.Cache.ActivityTTL))
			logger.Info("activity feed mirrored to valkey", slog.String("addr", cfg.Cache.Addr))
		}
	}
	feed := activity.NewFeed(logger, feedOpts...)

	buffer := repo.NewSignalBuffer(cfg.Telemetry.BufferSpan)
	var signals repo.SignalSource = buffer
	if cfg.Telemetry.BaseURL != "" {
		signals = repo.NewTelemetryClient(
			cfg.Telemetry.BaseURL,
			cfg.Telemetry.MetricsPath,
			cfg.Telemetry.LogsPath,
			cfg.Telemetry.Timeout,
		)
		logger.Info("using external telemetry store", slog.String("url", cfg.Telemetry.BaseURL))
	}

	keywords, err := engine.NewKeywordMatcher(cfg.Features.RiskKeywordsPath, logger)
	if err != nil {
		logger.Error("failed to load risk keywords", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	holder := engine.NewModelHolder()
	if model, err := st.ActiveModel(ctx); err != nil {
		logger.Warn("failed to load active ranking model", slog.Any("error", err))
	} else if model != nil {
		holder.Set(model)
		logger.Info("loaded ranking model", slog.String("version", model.Version))
	}

	ranker := engine.NewRanker(cfg.Ranker, holder, logger)
	runner := engine.NewRunner(ctx, cfg.Ranker, st,
		engine.NewCandidateBuilder(cfg.Candidates, st),
		engine.NewExtractor(cfg.Features, signals, st, keywords, logger),
		ranker, feed, logger)
	grp := grouper.New(cfg.Grouper, st, runner, feed, logger)
	det := detector.New(cfg.Detector, st, grp, feed, logger)
	tr := trainer.New(cfg.Trainer, st, holder, ranker.HeuristicScore, logger)

	go grp.Run(ctx)
	go tr.Run(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	server := api.NewServer(cfg.Server, logger, st, buffer, det, runner, tr, feed)
	go func() {
		if serveErr := server.Start(ctx); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("mirador-causal stopped")
}
