package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cityfix/internal/gateway/authn"
	"cityfix/internal/gateway/metrics"
	"cityfix/internal/gateway/middleware"
	"cityfix/internal/gateway/proxy"
	"cityfix/internal/gateway/routetable"
	"cityfix/internal/platform/config"
	"cityfix/internal/platform/httpserver"
	"cityfix/internal/platform/logger"
)

// main wires the edge router and keeps the server lifecycle small. Routing
// and auth logic live in the internal/gateway packages.
func main() {
	log := logger.New()

	cfg, err := config.GatewayFromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	table, err := routetable.LoadFile(cfg.RoutesFile)
	if err != nil {
		log.Error("failed to load route table", "file", cfg.RoutesFile, "error", err)
		os.Exit(1)
	}
	holder := routetable.NewHolder(table, cfg.RoutesFile)

	var validator proxy.TokenValidator
	if cfg.JWKSURL != "" {
		validator = authn.NewValidator(authn.NewJWKSFetcher(cfg.JWKSURL), cfg.JWKSTTL, cfg.Issuer)
	} else {
		if requiresAuth(table) {
			log.Error("route table has authenticated routes but GATEWAY_JWKS_URL is not set")
			os.Exit(1)
		}
		// Reloads must not sneak in routes the gateway cannot authenticate.
		holder.Guard(func(t *routetable.Table) error {
			if requiresAuth(t) {
				return errors.New("table has authenticated routes but GATEWAY_JWKS_URL is not set")
			}
			return nil
		})
	}

	m := metrics.New()
	edge := proxy.NewHandler(holder, validator, m, log, proxy.Config{
		RequestTimeout: cfg.RequestTimeout,
		RetryBodyLimit: cfg.RetryBodyLimit,
	})

	router := chi.NewRouter()
	router.Use(middleware.ClientMetadata)
	router.Get("/healthz", handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/admin/routes/reload", handleReload(holder, log))
	router.Handle("/*", edge)

	srv := httpserver.New(cfg.Addr, router, cfg.RequestTimeout)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()
	log.Info("gateway listening", "addr", cfg.Addr, "routes", len(table.Rules()))

	// SIGHUP swaps in a freshly parsed route table without dropping traffic.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := holder.Reload(); err != nil {
				log.Error("route reload failed, keeping previous table", "error", err)
				continue
			}
			log.Info("route table reloaded", "routes", len(holder.Current().Rules()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("gateway stopped")
}

func requiresAuth(table *routetable.Table) bool {
	for _, rule := range table.Rules() {
		if rule.Auth == routetable.AuthUser {
			return true
		}
	}
	return false
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleReload(holder *routetable.Holder, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := holder.Reload(); err != nil {
			log.Error("route reload failed, keeping previous table", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"reload_failed"}`))
			return
		}
		log.Info("route table reloaded", "routes", len(holder.Current().Rules()))
		_, _ = w.Write([]byte(`{"status":"reloaded"}`))
	}
}
