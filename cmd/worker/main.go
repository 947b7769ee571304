package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"

	"github.com/CheeseBout/storefront-checkout/internal/backend"
	"github.com/CheeseBout/storefront-checkout/internal/cart"
	"github.com/CheeseBout/storefront-checkout/internal/config"
	"github.com/CheeseBout/storefront-checkout/internal/events"
	"github.com/CheeseBout/storefront-checkout/internal/lock"
	"github.com/CheeseBout/storefront-checkout/internal/obs"
	"github.com/CheeseBout/storefront-checkout/internal/queue"
	"github.com/CheeseBout/storefront-checkout/internal/resilience"
	"github.com/CheeseBout/storefront-checkout/internal/selection"
)

// The worker drains deferred cart finalizations. A finalization lands here
// only when the payment already succeeded but the cart cleanup call failed,
// so the job is replayed until the server-side cart matches the paid order.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().
		Str("env", cfg.AppEnv).
		Str("component", "worker").
		Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "storefront"), nil)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	breaker := resilience.NewBreaker(cfg.CircuitBackendMinReq, cfg.CircuitBackendFailureRate, cfg.CircuitBackendOpenFor).
		WithTarget("backend").
		WithLogger(logger)
	backendClient := &backend.Client{
		BaseURL:      cfg.BackendBaseURL,
		ServiceToken: cfg.BackendServiceToken,
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{},
			Breaker:     breaker,
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitterPercent,
			Timeout:     cfg.OutboundTimeout,
		},
		Logger: logger,
	}

	bus := &events.Bus{
		Store:     events.RedisStore{Client: redisClient, Stream: "checkout:events"},
		Notifiers: []events.Notifier{events.LogNotifier{Logger: logger}},
	}

	finalizer := &cart.Finalizer{
		Selection:  selection.NewStore(redisClient, "selection"),
		Backend:    backendClient,
		Locker:     lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		Enqueuer:   queue.Enqueuer{R: redisClient, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.IdempotencyTTL},
		Bus:        bus,
		Logger:     logger,
		LockTTL:    cfg.LockTTL,
		RetryDelay: cfg.FinalizeRetryDelay,
	}

	worker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              cart.TaskKind,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		Handler:           finalizer.HandleTask,
		RetryBase:         cfg.QueueBackoffBase,
		RetryJitter:       cfg.QueueBackoffJitter,
	}

	logger.Info().Str("kind", cart.TaskKind).Int("concurrency", cfg.QueueConcurrency).Msg("worker starting")
	if err := worker.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker exited unexpectedly")
	}
	logger.Info().Msg("worker stopped")
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
