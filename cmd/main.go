/**
 * @description
 * This is the main entry point for the transfer-service. It loads configuration,
 * runs migrations, connects to Postgres, Redis and RabbitMQ, wires the settlement
 * pipeline and serves the HTTP API until it receives SIGINT or SIGTERM.
 *
 * In sync mode transfers are settled inside the HTTP request. In async mode they
 * are settled by the transfer.settlement consumer, fed through the outbox.
 *
 * @dependencies
 * - github.com/joho/godotenv: .env loading for local development.
 * - go.uber.org/zap: structured logging.
 * - github.com/redis/go-redis/v9: rate cache and rate limiting.
 * - github.com/prometheus/client_golang: metrics registry.
 * - internal/*, pkg/*: the service itself.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/transfa/transfer-service/internal/api"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/config"
	"github.com/transfa/transfer-service/internal/exchange"
	"github.com/transfa/transfer-service/internal/metrics"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
	"github.com/transfa/transfer-service/pkg/ratesclient"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("cannot build logger: %v", err)
	}
	defer logger.Sync()
	for _, warning := range cfg.Warnings {
		logger.Warn("config adjusted", zap.String("detail", warning))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("transfer-service stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "transfer-service")), nil
}

func run(cfg config.Config, logger *zap.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be configured")
	}
	async := cfg.ProcessingMode == config.ProcessingModeAsync
	if async && cfg.RabbitMQURL == "" {
		return errors.New("RABBITMQ_URL must be configured in async processing mode")
	}
	logger.Info("starting transfer-service",
		zap.String("port", cfg.ServerPort),
		zap.String("processing_mode", cfg.ProcessingMode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(cfg.DatabaseURL, logger); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	pool, err := store.NewPool(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxConns:        cfg.DatabaseMaxConns,
		MinConns:        cfg.DatabaseMinConns,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("database connected")

	redisClient := connectRedis(ctx, cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	exchangeOpts := exchange.Options{
		CacheSize:       cfg.ExchangeCacheSize,
		CacheTTL:        cfg.ExchangeCacheTTL,
		MaxAttempts:     cfg.ExchangeRetryMaxAttempts,
		InitialInterval: cfg.ExchangeRetryInitialInterval,
		MaxInterval:     cfg.ExchangeRetryMaxInterval,
		FetchTimeout:    cfg.ExchangeFetchTimeout,
		BreakerFailures: cfg.BreakerMaxFailures,
		BreakerTimeout:  cfg.BreakerOpenTimeout,
		KeyPrefix:       cfg.RedisKeyPrefix,
	}
	if redisClient != nil {
		exchangeOpts.Redis = redisClient
	}
	rates := exchange.NewProvider(ratesclient.NewClient(cfg.ExchangeAPIURL, cfg.ExchangeAPITimeout), exchangeOpts, logger, m)

	repository := store.NewPostgresRepository(pool)
	txManager := store.NewPostgresTxManager(pool, logger)
	brokerConfigured := cfg.RabbitMQURL != ""

	gate := app.NewAcceptanceGate(repository, txManager, async, logger, m)
	failures := app.NewFailureRecorder(repository, txManager, logger)
	engine := app.NewSettlementEngine(repository, txManager, rates, failures, brokerConfigured, logger, m)
	service := app.NewService(gate, engine, repository, !async, logger)

	var background []func()
	if async {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			return fmt.Errorf("rabbitmq consumer init failed: %w", err)
		}
		background = append(background, consumer.Close)

		settlement := app.NewSettlementConsumer(engine, cfg.SettlementMaxRedeliveries, logger, m)
		spec := app.SettlementQueueSpec(cfg.RabbitMQPrefetch, cfg.SettlementWorkers, cfg.SettlementMaxRedeliveries)
		if err := consumer.Consume(ctx, spec, settlement.Handle); err != nil {
			return fmt.Errorf("settlement consumer start failed: %w", err)
		}
		projection := app.NewProjectionConsumer(repository, logger, m)
		if err := consumer.Consume(ctx, app.ProjectionQueueSpec(cfg.RabbitMQPrefetch), projection.Handle); err != nil {
			return fmt.Errorf("projection consumer start failed: %w", err)
		}
	}

	if brokerConfigured {
		dispatcher := app.NewOutboxDispatcher(repository, func() (rabbitmq.Publisher, error) {
			producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, app.ExchangeKinds(), logger)
			if err != nil {
				// Rows stay pending and are retried with backoff until the broker is back.
				logger.Warn("rabbitmq producer unavailable, using fallback", zap.Error(err))
				return &rabbitmq.EventProducerFallback{Logger: logger}, nil
			}
			return producer, nil
		}, cfg.OutboxBatchSize, cfg.OutboxPollInterval, logger, m)
		dispatcherDone := make(chan struct{})
		go func() {
			defer close(dispatcherDone)
			dispatcher.Run(ctx)
		}()
		background = append(background, func() { <-dispatcherDone })
	}

	reconciler := app.NewReconciler(repository, txManager, engine, !service.SettlesInline(), cfg.ReconcileCron, cfg.ReconcileStaleAfter, logger)
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("reconciler start failed: %w", err)
	}
	background = append(background, func() { <-reconciler.Stop().Done() })

	var limiter api.RateLimiter
	if redisClient != nil && cfg.RateLimitPerMinute > 0 {
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix, cfg.RateLimitPerMinute, time.Minute)
	}
	handlers := api.NewTransferHandlers(service, limiter, logger)
	server := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.TransferRoutes(handlers, api.RouterOptions{
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
			JWTSecret:          cfg.JWTSecret,
			Gatherer:           registry,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown started")
	case err := <-serverErr:
		stop()
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	for i := len(background) - 1; i >= 0; i-- {
		background[i]()
	}
	logger.Info("shutdown complete")
	return nil
}

// connectRedis returns nil when Redis is not configured or unreachable; the rate
// cache and the rate limiter both degrade without it.
func connectRedis(ctx context.Context, url string, logger *zap.Logger) *redis.Client {
	if url == "" {
		logger.Info("redis not configured, shared rate cache and rate limiting disabled")
		return nil
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("redis url parse failed, continuing without redis", zap.Error(err))
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed, continuing without redis", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
