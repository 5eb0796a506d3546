package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cityfix/internal/audit/consumer"
	"cityfix/internal/audit/handler"
	auditmetrics "cityfix/internal/audit/metrics"
	auditpg "cityfix/internal/audit/store/postgres"
	"cityfix/internal/audit/writer"
	"cityfix/internal/platform/config"
	"cityfix/internal/platform/httpserver"
	"cityfix/internal/platform/kafka"
	"cityfix/internal/platform/logger"
	"cityfix/internal/platform/postgres"
	"cityfix/internal/platform/redis"
)

// main wires the audit ingestion pipeline: broker consumer, writer, durable
// store, and the operational read API.
func main() {
	log := logger.New()

	cfg, err := config.AuditorFromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Postgres.URL == "" {
		log.Error("POSTGRES_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.New(ctx, cfg.Postgres.URL)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := auditpg.New(pool)
	if err := store.Migrate(ctx); err != nil {
		log.Error("failed to apply audit schema", "error", err)
		os.Exit(1)
	}

	cache, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	if cache != nil {
		defer cache.Close()
		log.Info("dedup cache enabled", "ttl", cfg.Redis.DedupTTL)
	}

	if err := kafka.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, 1); err != nil {
		log.Error("failed to ensure topic", "topic", cfg.Kafka.Topic, "error", err)
		os.Exit(1)
	}

	source, err := kafka.NewConsumer(cfg.Kafka)
	if err != nil {
		log.Error("failed to create kafka consumer", "error", err)
		os.Exit(1)
	}
	defer source.Close()

	m := auditmetrics.New()
	w, err := writer.New(store, cache, cfg.Redis.DedupTTL, log)
	if err != nil {
		log.Error("failed to create writer", "error", err)
		os.Exit(1)
	}

	pipeline, err := consumer.New(source, w, store, m, log, consumer.Config{
		Workers:           cfg.Workers,
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		PartitionByEntity: cfg.PartitionByEntity,
	})
	if err != nil {
		log.Error("failed to create consumer", "error", err)
		os.Exit(1)
	}

	// Operational listener: health, metrics, and the audit read API.
	router := chi.NewRouter()
	router.Get("/healthz", handleHealth(source, pool))
	router.Handle("/metrics", promhttp.Handler())
	handler.New(store, log).Register(router)

	srv := httpserver.New(cfg.Addr, router, cfg.RequestTimeout)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error", "error", err)
			os.Exit(1)
		}
	}()
	log.Info("auditor started",
		"addr", cfg.Addr,
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.Group,
		"workers", cfg.Workers,
		"max_attempts", cfg.MaxAttempts,
	)

	if err := pipeline.Run(ctx); err != nil {
		log.Error("consumer stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("auditor stopped")
}

func handleHealth(source *kafka.Consumer, pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := pool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded","postgres":"down"}`))
			return
		}
		if err := source.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded","kafka":"down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
