package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/learnflow/internal/api"
	"github.com/dunamismax/learnflow/internal/config"
	"github.com/dunamismax/learnflow/internal/events"
	"github.com/dunamismax/learnflow/internal/queue"
	"github.com/dunamismax/learnflow/internal/ratelimit"
	"github.com/dunamismax/learnflow/internal/storage"
	"github.com/dunamismax/learnflow/internal/store"
	"github.com/dunamismax/learnflow/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "learnflow-api",
		Environment:  cfg.Tracing.Environment,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}

	backend, err := store.Open(ctx, cfg.Store.Backend, cfg.StoreDSN())
	if err != nil {
		logger.Fatalf("open job store: %v", err)
	}
	defer backend.Close()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), queue.Options{
		Queue:    cfg.Queue.Name,
		MaxRetry: cfg.Queue.MaxRetry,
		Timeout:  cfg.Queue.TaskTimeout,
	})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	redisClient := redis.NewClient(cfg.Queue.RedisOptions())
	defer redisClient.Close()

	broker := events.NewRedisBroker(redisClient, cfg.Events.ChannelPrefix, logger)
	defer broker.Close()

	limiter, err := newRateLimiter(cfg.RateLimit, redisClient)
	if err != nil {
		logger.Fatalf("setup rate limiter: %v", err)
	}

	artifacts, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		logger.Fatalf("setup artifact storage: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app, err := api.NewServer(api.Options{
		Logger:          logger,
		Jobs:            backend,
		Activity:        backend,
		Queue:           queueClient,
		Broker:          broker,
		RateLimiter:     limiter,
		RateLimitHeader: cfg.RateLimit.SubjectHeader,
		APIKeys:         cfg.Auth.APIKeys,
		PublicBaseURL:   cfg.API.PublicBaseURL,
		Artifacts:       artifacts,
		PresignTTL:      cfg.Storage.PresignTTL,
		Registry:        registry,
	})
	if err != nil {
		logger.Fatalf("build api server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s store=%s events=%s auth_keys=%d", cfg.API.Addr, cfg.Store.Backend, cfg.Events.Backend, len(cfg.Auth.APIKeys))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}

func newRateLimiter(cfg config.RateLimitConfig, client *redis.Client) (ratelimit.Limiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.EqualFold(cfg.Backend, "memory") {
		limiter, err := ratelimit.NewMemoryLimiter(cfg.Capacity, cfg.Window)
		if err != nil {
			return nil, err
		}
		return limiter, nil
	}
	limiter, err := ratelimit.NewRedisTokenBucket(client, cfg.Capacity, cfg.Window, cfg.KeyPrefix)
	if err != nil {
		return nil, err
	}
	return limiter, nil
}
