package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/config"
	"github.com/lowc1012/estate-ratelimiter/internal/health"
	"github.com/lowc1012/estate-ratelimiter/internal/log"
	rl "github.com/lowc1012/estate-ratelimiter/internal/ratelimiter"
	"github.com/lowc1012/estate-ratelimiter/internal/store"
	"github.com/lowc1012/estate-ratelimiter/internal/utils"
	"github.com/lowc1012/estate-ratelimiter/pkg/ratelimiter"
)

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"success":true,"message":"pong"}`))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Logger().Fatal("Failed to load config", zap.Error(err))
	}

	logger, err := log.Init(cfg.Environment(), cfg.LogLevel)
	if err != nil {
		log.Logger().Fatal("Failed to init logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", cfg.ServiceName))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	counters := store.Open(ctx, cfg.Redis, cfg.RateLimit.StoreRetry, logger)
	defer func() {
		if err := counters.Close(); err != nil {
			logger.Error("Failed to close counter store", zap.Error(err))
		}
	}()

	rules := append(rl.DefaultRules(), rl.ParseRules(cfg.RateLimit.CustomRules, logger)...)
	registry := rl.NewRegistry(cfg.Environment(), rules, logger)
	limiter := rl.NewLimiter(counters, rl.WithLogger(logger))

	dispatcher := ratelimiter.NewDispatcher(ratelimiter.Config{
		Registry:       registry,
		Limiter:        limiter,
		KeyPrefix:      cfg.RateLimit.KeyPrefix,
		UserExtractor:  utils.NewUserExtractor(cfg.RateLimit.UserHeader),
		BypassIPs:      cfg.RateLimit.BypassIPs,
		TrustedProxies: cfg.RateLimit.TrustedProxies,
		DevTestToken:   cfg.RateLimit.DevTestToken,
		AdminToken:     cfg.RateLimit.AdminToken,
		Logger:         logger,
	})

	if cfg.RateLimit.AdminToken == "" && len(cfg.RateLimit.BypassIPs) == 0 {
		logger.Warn("No admin token or bypass list configured, admin endpoints refuse every request")
	}

	checker := health.NewChecker(health.WithTimeout(cfg.Redis.CommandTimeout), health.WithLogger(logger))
	checker.Register(counters.Name(), health.Ping(counters))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(dispatcher.Middleware)

	r.Get("/health", checker.Handler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/rate-limit/test", dispatcher.Test)
	r.Group(func(r chi.Router) {
		r.Use(dispatcher.RequireAdmin)
		r.Get("/rate-limit/info", dispatcher.Info)
		r.Post("/api/v1/admin/rate-limit/reset", dispatcher.Reset)
	})
	r.Get("/api/v1/public/ping", PingHandler)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening",
			zap.String("addr", srv.Addr),
			zap.String("env", string(registry.Environment())),
			zap.String("store", counters.Name()),
			zap.Int("rules", len(registry.Rules())),
		)
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
