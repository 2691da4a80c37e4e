package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/advanciapayledger/claims-pipeline/internal/config"
	"github.com/advanciapayledger/claims-pipeline/internal/httpapi"
	"github.com/advanciapayledger/claims-pipeline/internal/metrics"
	"github.com/advanciapayledger/claims-pipeline/internal/objectstore"
	"github.com/advanciapayledger/claims-pipeline/internal/queue"
	"github.com/advanciapayledger/claims-pipeline/internal/redact"
	"github.com/advanciapayledger/claims-pipeline/internal/store"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 15 * time.Second
	idleTimeout     = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect redis", "error", err)
		os.Exit(1)
	}
	intakeQueue := queue.NewRedisQueue(rdb, cfg.QueueName)

	cards, err := objectstore.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioSecure, cfg.PHIBucket)
	if err != nil {
		logger.Error("failed to init object store", "error", err)
		os.Exit(1)
	}

	handler := httpapi.New(logger, st, intakeQueue, cards, cfg.PresignTTL, cfg.ServiceName)
	router := httpapi.Router(handler, metrics.Handler(func() (int64, bool) {
		depth, err := intakeQueue.Depth(context.Background())
		return depth, err == nil
	}))

	srv := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("claims api listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func newLogger(env string) *slog.Logger {
	json := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	if env == "local" {
		return slog.New(json)
	}
	return slog.New(redact.NewHandler(json))
}
