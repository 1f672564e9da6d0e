/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command codex runs the collaborative document server: the HTTP API,
// the websocket collaboration endpoint, the Prometheus metrics
// listener, and the background session sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/scribeworks/codex/internal/auth"
	"github.com/scribeworks/codex/internal/collab"
	"github.com/scribeworks/codex/internal/config"
	"github.com/scribeworks/codex/internal/document"
	"github.com/scribeworks/codex/internal/httpapi"
	"github.com/scribeworks/codex/internal/kv"
	kvbolt "github.com/scribeworks/codex/internal/kv/bolt"
	kvpostgres "github.com/scribeworks/codex/internal/kv/postgres"
	"github.com/scribeworks/codex/internal/permission"
	"github.com/scribeworks/codex/pkg/logging"
)

// sessionSweepSchedule runs the expiry sweep every five minutes.
const sessionSweepSchedule = "*/5 * * * *"

type flags struct {
	configPath  string
	metricsAddr string
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.configPath, "config", "", "Path to the YAML configuration file")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Metrics server listen address")
	flag.Parse()

	if f.configPath == "" {
		f.configPath = os.Getenv("CODEX_CONFIG")
	}
	return f
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "codex: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	log, syncLogs, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer syncLogs()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(err, "closing store")
		}
	}()
	log.Info("storage ready", "driver", cfg.Storage.Driver)

	// Core services.
	sessions := auth.NewSessions(store, cfg.Auth.SessionTTL(), log)
	authSvc := auth.NewService(store, sessions, log)
	documents := document.NewService(store, document.Config{
		MaxNestingDepth: cfg.Documents.MaxNestingDepth,
		MaxDocumentSize: cfg.Documents.MaxDocumentSize,
	}, log)
	resolver := permission.NewResolver(store, systemAdminChecker(authSvc), permission.Config{
		MaxNestingDepth:        cfg.Documents.MaxNestingDepth,
		MaxCollaboratorsPerDoc: cfg.Documents.MaxCollaboratorsPerDoc,
		EnablePublicDocuments:  cfg.Features.EnablePublicDocuments,
	}, log)

	// Metrics registry with the standard process collectors.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collabMetrics := collab.NewPrometheusMetrics(registry)

	// Collaboration coordinator and websocket server.
	coordinator := collab.NewCoordinator(collab.DefaultConfig(), sessions, resolver, documents, log,
		collab.WithMetrics(collabMetrics))
	wsServer := collab.NewServer(coordinator, log)

	// HTTP edge.
	api := httpapi.New(authSvc, sessions, documents, resolver, wsServer, rateLimiter(cfg, log), log)
	router := api.Router()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              f.metricsAddr,
		Handler:           metricsMux(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background session sweep.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(sessionSweepSchedule, func() {
		removed, err := sessions.Sweep(ctx)
		if err != nil {
			log.Error(err, "session sweep failed")
			return
		}
		if removed > 0 {
			log.Info("session sweep complete", "removed", removed)
		}
	}); err != nil {
		return fmt.Errorf("scheduling session sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info("metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting connections, then drain rooms so every dirty
	// replica gets its final save.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http server shutdown")
	}
	wsServer.Close(shutdownCtx)
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "metrics server shutdown")
	}
	log.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log logr.Logger) (kv.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return kvpostgres.Open(ctx, kvpostgres.Config{
			ConnString:     cfg.Storage.PostgresConn,
			ReadConnString: cfg.Storage.PostgresReadConn,
		}, log)
	default:
		return kvbolt.Open(cfg.Storage.Path)
	}
}

// systemAdminChecker exposes the user record's admin flag to the
// permission resolver.
func systemAdminChecker(authSvc *auth.Service) permission.AdminChecker {
	return permission.AdminCheckerFunc(func(ctx context.Context, userID string) (bool, error) {
		user, err := authSvc.GetUser(ctx, userID)
		if err != nil {
			return false, err
		}
		return user != nil && user.IsAdmin && user.IsActive, nil
	})
}

// rateLimiter builds the edge limiter: Redis-backed when configured,
// in-process otherwise, disabled when maxRequests is zero.
func rateLimiter(cfg *config.Config, log logr.Logger) httpapi.RateLimiter {
	if cfg.RateLimit.MaxRequests <= 0 {
		return nil
	}
	if cfg.Storage.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		log.Info("rate limiter using redis", "addr", cfg.Storage.RedisAddr)
		return httpapi.NewRedisRateLimiter(client, cfg.RateLimit.Window(), cfg.RateLimit.MaxRequests)
	}
	return httpapi.NewMemoryRateLimiter(cfg.RateLimit.Window(), cfg.RateLimit.MaxRequests)
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}
