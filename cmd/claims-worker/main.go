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
	"github.com/advanciapayledger/claims-pipeline/internal/eventbus"
	"github.com/advanciapayledger/claims-pipeline/internal/identity"
	"github.com/advanciapayledger/claims-pipeline/internal/metrics"
	"github.com/advanciapayledger/claims-pipeline/internal/queue"
	"github.com/advanciapayledger/claims-pipeline/internal/redact"
	"github.com/advanciapayledger/claims-pipeline/internal/store"
	"github.com/advanciapayledger/claims-pipeline/internal/worker"
)

const (
	sweepInterval   = 1 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	kafkaWriter := eventbus.NewWriter(cfg.KafkaBrokers, cfg.EventBusName)
	defer func() {
		_ = kafkaWriter.Close()
	}()
	bus := eventbus.NewPublisher(kafkaWriter, cfg.EventBusName)

	resolver := identity.NewResolver(cfg.IdentityHMACSecret)

	w := worker.New(logger, st, intakeQueue, bus, resolver, worker.Config{
		QueueWait:          cfg.QueueWait,
		VisibilityTimeout:  cfg.VisibilityTimeout,
		PublishMaxAttempts: cfg.PublishMaxAttempts,
		PoisonMaxReceives:  cfg.PoisonMaxReceives,
		ReconcileAfter:     cfg.ReconcileAfter,
		EventSource:        cfg.EventSource,
	})

	go w.Run(ctx)
	go w.RunSweeps(ctx, sweepInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(`{"status":"ok","service":"` + cfg.ServiceName + `-worker"}`))
	})
	mux.Handle("/metrics", metrics.Handler(func() (int64, bool) {
		depth, err := intakeQueue.Depth(context.Background())
		return depth, err == nil
	}))
	srv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("claims worker started", "metrics_addr", cfg.WorkerMetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdown
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
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
