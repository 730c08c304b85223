package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insight-service/internal/config"
	"github.com/kjstillabower/weather-insight-service/internal/observability"
	"github.com/kjstillabower/weather-insight-service/internal/queue"
	"github.com/kjstillabower/weather-insight-service/internal/relay"
)

func main() {
	logger, err := observability.NewLogger("relay")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if err := config.ValidateRelay(cfg); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := queue.Connect(ctx, queue.Config{
		Addr:            cfg.RedisAddr,
		Password:        cfg.RedisPassword,
		DB:              cfg.RedisDB,
		Name:            cfg.QueueName,
		ConnectAttempts: cfg.QueueConnectAttempts,
		ConnectDelay:    cfg.QueueConnectDelay,
		BlockTimeout:    cfg.QueueBlockTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("queue unreachable, relay giving up", zap.Error(err))
	}

	metricsSrv := startMetricsServer(cfg.RelayMetricsPort, logger)

	r := relay.New(q, relay.Config{
		IngestURL:       cfg.IngestURL,
		ForwardAttempts: cfg.ForwardAttempts,
		ForwardDelay:    cfg.ForwardDelay,
		HTTPTimeout:     cfg.RelayHTTPTimeout,
		ErrorDelay:      cfg.QueueConnectDelay,
	}, logger)
	if err := r.Run(ctx); err != nil {
		logger.Error("relay stopped", zap.Error(err))
	}

	logger.Info("graceful shutdown triggered")
	if err := q.Close(); err != nil {
		logger.Error("queue close", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func startMetricsServer(port string, logger *zap.Logger) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	srv := &http.Server{Addr: ":" + port, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}
