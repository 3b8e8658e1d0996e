package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/solmarket/service/cache"
	"github.com/brojonat/solmarket/service/config"
	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/lock"
	"github.com/brojonat/solmarket/service/market"
	"github.com/brojonat/solmarket/service/metrics"
	natspkg "github.com/brojonat/solmarket/service/nats"
	"github.com/brojonat/solmarket/service/notify"
	"github.com/brojonat/solmarket/service/pipeline"
	"github.com/brojonat/solmarket/service/pricing"
	"github.com/brojonat/solmarket/service/server"
	"github.com/brojonat/solmarket/service/solana"
	"github.com/brojonat/solmarket/service/temporal"
	"github.com/brojonat/solmarket/service/watch"
)

var version = "dev"

// lockTTL bounds how long a crashed replica can hold a market lock.
const lockTTL = 5 * time.Minute

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"network", cfg.SolanaNetwork,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database store and apply the schema
	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Prometheus metrics are served on the API's /metrics route
	metricsCollector := metrics.NewMetrics(nil)

	// Solana RPC client and the transaction pipeline on top of it
	solanaClient := solana.NewClient(solana.NewRPCClient(cfg.SolanaRPCURL), metricsCollector, logger)
	operator, err := solana.LoadKeypair(cfg.ServiceKeypair, cfg.ServiceKeypairPath)
	if err != nil {
		logger.Error("failed to load service keypair", "error", err)
		os.Exit(1)
	}
	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.ConfirmTimeout = cfg.ConfirmTimeout
	pipelineCfg.PayoutMaxAttempts = cfg.PayoutMaxAttempts
	payments := pipeline.New(solanaClient, operator, pipelineCfg, metricsCollector, logger)
	logger.Info("initialized solana pipeline",
		"rpc_url", cfg.SolanaRPCURL,
		"service_wallet", payments.ServiceWallet(),
	)

	// Caches and the price feed
	caches := cache.NewManager(cfg.CacheMaxEntries, cache.WithMetrics(metricsCollector), cache.WithLogger(logger))
	prices, err := pricing.NewFeed(cfg.PriceAPIURL, cfg.PriceJQ, cfg.PriceRatePerSec, caches, cfg.PriceCacheTTL, logger)
	if err != nil {
		logger.Error("failed to create price feed", "error", err)
		os.Exit(1)
	}

	// Notification sinks: logs always, Discord and NATS when configured
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.DiscordBotToken != "" {
		discord, err := notify.NewDiscordSink(cfg.DiscordBotToken)
		if err != nil {
			logger.Error("failed to create discord sink", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, discord)
	}
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		sinks = append(sinks, natspkg.NewSink(publisher))
	}
	notifier := notify.NewNotifier(sinks, metricsCollector, logger)

	// Market locks are shared through Redis when several replicas run
	var locker lock.Locker
	if cfg.RedisURL != "" {
		redisLocker, err := lock.NewRedisLocker(ctx, cfg.RedisURL, lockTTL, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisLocker.Close()
		locker = redisLocker
	}

	policy, err := market.PolicyByName(cfg.PayoutPolicy, cfg.PayoutMultiplier)
	if err != nil {
		logger.Error("invalid payout policy", "error", err)
		os.Exit(1)
	}

	// Payouts run in a Temporal workflow when configured, in-process otherwise
	var dispatcher market.PayoutDispatcher
	if cfg.TemporalEnabled() {
		temporalClient, err := temporal.NewClient(
			cfg.TemporalHost,
			cfg.TemporalNamespace,
			cfg.TemporalTaskQueue,
			cfg.PayoutMaxAttempts,
			logger,
		)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		dispatcher = temporalClient
		logger.Info("payouts dispatched through temporal",
			"host", cfg.TemporalHost,
			"task_queue", cfg.TemporalTaskQueue,
		)
	} else {
		dispatcher = market.NewLocalDispatcher(market.NewPayoutSender(payments, store, metricsCollector, logger))
	}

	sessions := pipeline.NewSessionBroker(notifier, 2*cfg.SignTimeout, metricsCollector, logger)
	engine := market.NewEngine(
		store,
		payments,
		sessions,
		dispatcher,
		notifier,
		locker,
		market.Config{SignTimeout: cfg.SignTimeout, Policy: policy},
		metricsCollector,
		logger,
	)

	// Alerts, wallet tracking and network sampling
	watcher := watch.NewService(store, solanaClient, prices, caches, notifier, watch.Config{
		NetworkSampleInterval: cfg.NetworkSampleInterval,
		WalletPollInterval:    cfg.WalletPollInterval,
		AlertPollInterval:     cfg.AlertPollInterval,
		HistoryWindow:         cfg.NetworkHistoryWindow,
		StatsTTL:              cfg.StatsCacheTTL,
		WalletTTL:             cfg.WalletCacheTTL,
	}, metricsCollector, logger)
	scheduler := watch.NewScheduler(watcher, metricsCollector, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	httpServer := server.New(cfg.ServerAddr, engine, sessions, watcher, prices, version, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"policy", policy.Name(),
		"temporal", cfg.TemporalEnabled(),
		"redis", cfg.RedisURL != "",
		"sinks", notifier.Name(),
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Wagers still waiting on a signature end as expired.
		sessions.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
		}
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop scheduler", "error", err)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
