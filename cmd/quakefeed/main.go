package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/quakefeed/quakefeed/internal/adapter/fcm"
	"github.com/quakefeed/quakefeed/internal/adapter/httpapi"
	kafkaadapter "github.com/quakefeed/quakefeed/internal/adapter/kafka"
	"github.com/quakefeed/quakefeed/internal/adapter/postgres"
	redisadapter "github.com/quakefeed/quakefeed/internal/adapter/redis"
	"github.com/quakefeed/quakefeed/internal/adapter/ssn"
	"github.com/quakefeed/quakefeed/internal/config"
	"github.com/quakefeed/quakefeed/internal/dedup"
	"github.com/quakefeed/quakefeed/internal/fanout"
	"github.com/quakefeed/quakefeed/internal/ingest"
	"github.com/quakefeed/quakefeed/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	eventStore := postgres.NewEventStore(pool)
	deviceStore := postgres.NewDeviceStore(pool)

	redisClient := redisadapter.NewClient(ctx, redisadapter.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	defer redisClient.Close() //nolint:errcheck
	cache := redisadapter.NewRecencyCache(redisClient, logger)

	scraper := ssn.NewScraper(cfg.SSNURL, cfg.ScrapeTimeout, logger, metrics)
	coordinator := dedup.NewCoordinator(eventStore, cache, logger, metrics)
	hub := fanout.NewHub(cfg.SSEBuffer, logger, metrics)

	// Push delivery is feature-flagged; without credentials the dispatcher
	// becomes a no-op.
	var sender fanout.PushSender
	if cfg.FCMEnabled {
		client, err := fcm.NewClient(ctx, cfg.FCMCredentialsFile, logger)
		if err != nil {
			logger.Error("failed to initialize fcm client", "error", err)
			os.Exit(1)
		}
		sender = client
		logger.Info("push notifications enabled", "alert_magnitude", cfg.AlertMagnitude)
	} else {
		logger.Info("push notifications disabled")
	}
	pusher := fanout.NewPushDispatcher(deviceStore, sender, cfg.AlertMagnitude, logger, metrics)

	var mirror ingest.MirrorPublisher
	var kafkaPublisher *kafkaadapter.Publisher
	if cfg.KafkaMirrorEnabled {
		kafkaPublisher = kafkaadapter.NewPublisher(cfg.KafkaBrokers, cfg.KafkaMirrorTopic, logger)
		mirror = kafkaPublisher
		logger.Info("kafka mirror enabled", "topic", cfg.KafkaMirrorTopic)
	}

	cycle := ingest.NewCycle(
		scraper, coordinator, eventStore, cache, hub, pusher, mirror,
		cfg.CacheSize, cfg.CacheTTL, logger, metrics,
	)
	cycle.WarmCache(ctx)

	scheduler := ingest.NewScheduler(cycle, cfg.ScrapeInterval, clockwork.NewRealClock(), logger, metrics)

	srv := httpapi.NewServer(
		cfg.HTTPAddr, eventStore, cache, deviceStore, hub, cycle,
		cfg.SSETimeout, cfg.CacheSize, logger,
	)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := scheduler.Run(ctx); err != nil {
			logger.Error("scheduler error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	hub.Close()
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
