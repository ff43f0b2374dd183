package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/learnflow/internal/config"
	"github.com/dunamismax/learnflow/internal/content"
	"github.com/dunamismax/learnflow/internal/events"
	"github.com/dunamismax/learnflow/internal/llm"
	"github.com/dunamismax/learnflow/internal/runner"
	"github.com/dunamismax/learnflow/internal/storage"
	"github.com/dunamismax/learnflow/internal/store"
	"github.com/dunamismax/learnflow/internal/telemetry"
	"github.com/dunamismax/learnflow/internal/webhook"
	"github.com/dunamismax/learnflow/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "learnflow-worker",
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

	artifacts, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		logger.Fatalf("setup artifact storage: %v", err)
	}

	redisClient := redis.NewClient(cfg.Queue.RedisOptions())
	defer redisClient.Close()
	broker := events.NewRedisBroker(redisClient, cfg.Events.ChannelPrefix, logger)
	defer broker.Close()

	registry := worker.NewRegistry()
	plans := runner.NewRegistry()
	if err := content.Register(plans, content.Deps{
		LLM: llm.NewClient(llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
			MaxAttempts: cfg.LLM.MaxAttempts,
		}),
		Artifacts: artifacts,
		Logger:    logger,
	}); err != nil {
		logger.Fatalf("register work units: %v", err)
	}

	jobRunner, err := runner.New(runner.Options{
		Store:    backend,
		Activity: backend,
		Registry: plans,
		Broker:   broker,
		Webhooks: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}),
		Registerer: registry,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("build runner: %v", err)
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, jobRunner, registry)
	if err != nil {
		logger.Fatalf("build worker: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(srv.MetricsHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s kinds=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		strings.Join(plans.Kinds(), ","),
	)

	runErr := srv.Run()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
	if runErr != nil {
		logger.Fatalf("worker failed: %v", runErr)
	}
}

func metricsMux(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
