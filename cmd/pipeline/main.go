// Package main is the entry point for the pipeline service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medialoom/pipeline/internal/api"
	"github.com/medialoom/pipeline/internal/artifacts"
	"github.com/medialoom/pipeline/internal/auth"
	"github.com/medialoom/pipeline/internal/config"
	"github.com/medialoom/pipeline/internal/credits"
	"github.com/medialoom/pipeline/internal/executor"
	"github.com/medialoom/pipeline/internal/notifier"
	"github.com/medialoom/pipeline/internal/orchestrator"
	"github.com/medialoom/pipeline/internal/registry"
	"github.com/medialoom/pipeline/internal/runstore"
	"github.com/medialoom/pipeline/internal/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting pipeline service",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx := context.Background()

	// Initialize tracing
	tracer, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "medialoom-pipeline",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     1.0,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize RunStore based on configuration
	var store runstore.RunStore
	var redisStore *runstore.RedisStore
	switch cfg.RunStoreType {
	case "redis":
		redisCfg := &runstore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "runs",
			TTL:      cfg.RunStoreTTL,
		}
		rs, err := runstore.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
			store = runstore.NewMemoryStore(&runstore.Config{
				EventMaxLen: cfg.EventMaxLen,
				TTL:         cfg.RunStoreTTL,
			})
		} else {
			redisStore = rs
			store = rs
			logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
		}
	default:
		store = runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTL:         cfg.RunStoreTTL,
		})
		logger.Info("using in-memory runstore")
	}
	defer store.Close()

	// Initialize credit ledger. The Redis ledger shares the runstore's
	// connection pool when both are Redis-backed.
	var ledger credits.Ledger
	if cfg.LedgerType == "redis" && redisStore != nil {
		ledger = credits.NewRedisLedger(redisStore.Client(), "credits", cfg.DefaultCredits)
		logger.Info("using Redis credit ledger")
	} else {
		ledger = credits.NewMemoryLedger(cfg.DefaultCredits)
		logger.Info("using in-memory credit ledger")
	}

	// Initialize artifact store
	var artifactStore artifacts.Store
	if cfg.ArtifactStore == "s3" {
		s3Store, err := artifacts.NewS3Store(&artifacts.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UseSSL:          cfg.S3UseSSL,
			PathPrefix:      cfg.S3PathPrefix,
		})
		if err != nil {
			logger.Error("failed to create S3 artifact store", "error", err)
			os.Exit(1)
		}
		artifactStore = s3Store
		logger.Info("using S3 artifact store", slog.String("bucket", cfg.S3Bucket))
	} else {
		artifactStore = artifacts.NewMemoryStore()
		logger.Info("using in-memory artifact store")
	}

	// Initialize template registry
	reg, err := registry.New()
	if err != nil {
		logger.Error("failed to create template registry", "error", err)
		os.Exit(1)
	}

	// Initialize stage executor with providers
	exec, err := executor.New(reg, executor.NewLocalProviders(cfg.ProviderLatency), logger)
	if err != nil {
		logger.Error("failed to create executor", "error", err)
		os.Exit(1)
	}

	// Initialize orchestrator
	notif := notifier.NewStoreNotifier(store, logger)
	orch := orchestrator.New(store, reg, exec, ledger, notif, artifactStore, logger)

	logger.Info("orchestrator initialized",
		slog.String("provider_mode", cfg.ProviderMode),
		slog.Int64("default_credits", cfg.DefaultCredits),
	)

	// Initialize OIDC auth
	var oidcProvider *auth.Provider
	if cfg.OIDCEnabled {
		oidcProvider, err = auth.NewProvider(ctx, &auth.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
		})
		if err != nil {
			logger.Error("failed to create OIDC provider", "error", err)
			os.Exit(1)
		}
		logger.Info("OIDC auth enabled", slog.String("issuer", cfg.OIDCIssuer))
	}
	authMW := auth.NewMiddleware(oidcProvider, &auth.MiddlewareConfig{Enabled: cfg.OIDCEnabled})
	rateLimiter := auth.NewPerClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Initialize API handlers
	handlers := api.NewHandlers(store, orch, reg, ledger, cfg, logger)
	server := api.NewServer(handlers)

	// Compose the outer middleware chain. Auth runs first so the rate
	// limiter can key on the resolved user.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", authMW.Handler(rateLimiter.Handler(server.Router())))

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
