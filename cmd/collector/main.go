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

	"github.com/kjstillabower/weather-insight-service/internal/client"
	"github.com/kjstillabower/weather-insight-service/internal/collector"
	"github.com/kjstillabower/weather-insight-service/internal/config"
	"github.com/kjstillabower/weather-insight-service/internal/observability"
	"github.com/kjstillabower/weather-insight-service/internal/queue"
)

func main() {
	logger, err := observability.NewLogger("collector")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if err := config.ValidateCollector(cfg); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher, err := client.NewOpenWeatherClientWithRetry(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout, client.RetryConfig{
		Attempts:  cfg.UpstreamRetryAttempts,
		BaseDelay: cfg.UpstreamRetryBase,
		MaxDelay:  cfg.UpstreamRetryMax,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

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
		// The service keeps serving whatever it already holds.
		logger.Fatal("queue unreachable, collector giving up", zap.Error(err))
	}

	metricsSrv := startMetricsServer(cfg.CollectorMetricsPort, logger)

	c := collector.New(fetcher, q, cfg.City, cfg.PollInterval, logger)
	if err := c.Start(ctx); err != nil {
		logger.Fatal("collector", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("graceful shutdown triggered")
	c.Stop()

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
