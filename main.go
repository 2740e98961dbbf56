package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/auth"
	"github.com/Kocoro-lab/comfyflow/internal/config"
	"github.com/Kocoro-lab/comfyflow/internal/health"
	"github.com/Kocoro-lab/comfyflow/internal/httpapi"
	"github.com/Kocoro-lab/comfyflow/internal/server"
	"github.com/Kocoro-lab/comfyflow/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	warnings, err := cfg.Validate()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	for _, w := range warnings {
		logger.Warn("Configuration warning", zap.String("detail", w))
	}

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, version, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	engine, err := server.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}
	if cfg.Workflows.Watch {
		if w, err := engine.Watch(ctx); err != nil {
			logger.Warn("Template watcher disabled", zap.Error(err))
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	// Health checks
	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewBackendHealthChecker(engine.Client, logger))
	_ = hm.RegisterChecker(health.NewTemplatesHealthChecker(engine.Registry))
	if engine.Redis != nil {
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(engine.Redis, logger))
	}
	if err := hm.Start(ctx); err != nil {
		logger.Warn("Health manager failed to start", zap.Error(err))
	}
	defer func() { _ = hm.Stop() }()

	var opts []httpapi.Option
	opts = append(opts, httpapi.WithLogger(logger.Named("httpapi")), httpapi.WithBaseContext(ctx))
	if cfg.Auth.JWTSecret != "" {
		jwtMgr := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0)
		opts = append(opts, httpapi.WithAuth(auth.NewMiddleware(jwtMgr, false, logger.Named("auth"))))
	} else {
		logger.Warn("Authentication disabled; set auth.jwt_secret to require bearer tokens")
	}
	api := httpapi.NewHandler(httpapi.Config{
		HistoryMaxAge:  cfg.History.MaxAge,
		AttemptTimeout: cfg.Backend.Timeout,
	}, engine.Executor, engine.Resolver, engine.Registry, engine.Streams, opts...)

	mux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	api.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("backend", cfg.Backend.BaseURL),
			zap.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	go sweepHistory(ctx, engine, cfg.History.MaxAge, cfg.History.SweepInterval, logger)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	api.Wait()
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}
	logger.Info("Shutdown complete")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug || os.Getenv("ENVIRONMENT") == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// sweepHistory drops attempt history and stream buffers older than maxAge.
func sweepHistory(ctx context.Context, engine *server.Engine, maxAge, interval time.Duration, logger *zap.Logger) {
	if maxAge <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purged := engine.History.PurgeBefore(now.Add(-maxAge))
			if len(purged) == 0 {
				continue
			}
			engine.Streams.Forget(purged...)
			logger.Debug("Purged execution history", zap.Int("executions", len(purged)))
		}
	}
}
