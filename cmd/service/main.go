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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-insight-service/internal/assistant"
	"github.com/kjstillabower/weather-insight-service/internal/cache"
	"github.com/kjstillabower/weather-insight-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-insight-service/internal/completion"
	"github.com/kjstillabower/weather-insight-service/internal/config"
	httphandler "github.com/kjstillabower/weather-insight-service/internal/http"
	"github.com/kjstillabower/weather-insight-service/internal/lifecycle"
	"github.com/kjstillabower/weather-insight-service/internal/observability"
	"github.com/kjstillabower/weather-insight-service/internal/observations"
	"github.com/kjstillabower/weather-insight-service/internal/traffic"
)

const breakerComponent = "completion_api"

func main() {
	logger, err := observability.NewLogger("service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if err := config.ValidateService(cfg); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	completer, err := completion.NewGeminiClient(completion.Config{
		APIKey:         cfg.CompletionAPIKey,
		URL:            cfg.CompletionURL,
		Model:          cfg.CompletionModel,
		Timeout:        cfg.CompletionTimeout,
		RetryAttempts:  cfg.CompletionRetryAttempts,
		RetryBaseDelay: cfg.CompletionRetryBaseDelay,
		RetryMaxDelay:  cfg.CompletionRetryMaxDelay,
	})
	if err != nil {
		logger.Fatal("completion client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        breakerComponent,
			IsFailure:        completion.CountsAgainstBreaker,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(breakerComponent, from.String(), to.String())
				observability.SetCircuitBreakerStateGauge(breakerComponent, float64(to))
				logger.Warn("circuit breaker transition",
					zap.String("component", breakerComponent),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		completer.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge(breakerComponent, 0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	tracker := traffic.NewTracker(maxDuration(cfg.OverloadWindow, cfg.DegradedWindow))
	observability.RegisterTrafficGauges(tracker, cfg.OverloadWindow)

	assistantOpts := []assistant.Option{
		assistant.WithOutcomeRecorder(tracker),
		assistant.WithLogger(logger),
	}
	var memcacheCloser *cache.MemcachedCache
	switch cfg.AnswerCacheBackend {
	case "memcached":
		mc := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		memcacheCloser = mc
		assistantOpts = append(assistantOpts, assistant.WithAnswerCache(mc, cfg.AnswerCacheTTL))
		logger.Info("answer cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "in_memory":
		assistantOpts = append(assistantOpts, assistant.WithAnswerCache(cache.NewInMemoryCache(cfg.AnswerCacheCleanupInterval), cfg.AnswerCacheTTL))
		logger.Info("answer cache backend: in_memory")
	default:
		logger.Info("answer cache disabled")
	}
	answerer := assistant.New(completer, assistantOpts...)

	store := observations.New(cfg.ObservationsMaxSize, cfg.ObservationsTTL)
	state := &lifecycle.State{}

	healthConfig := &httphandler.HealthConfig{
		Thresholds: traffic.Thresholds{
			OverloadWindow:       cfg.OverloadWindow,
			OverloadThresholdPct: cfg.OverloadThresholdPct,
			RateLimitRPS:         cfg.RateLimitRPS,
			DegradedWindow:       cfg.DegradedWindow,
			DegradedErrorPct:     cfg.DegradedErrorPct,
		},
		Version:         version(),
		CompletionCheck: completer.Check,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	handler := httphandler.NewHandler(store, answerer, tracker, state, healthConfig, logger,
		httphandler.WithLatestLimit(cfg.LatestLimit),
		httphandler.WithQuestionMaxLength(cfg.QuestionMaxLength),
	)
	inFlight := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		ChatLimiter: limiter,
		Denials:     tracker,
		ChatTimeout: cfg.RequestTimeout,
		InFlight:    inFlight,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.Int("observations_max_size", store.MaxSize()),
			zap.Duration("observations_ttl", store.TTL()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	state.BeginShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	remaining := inFlight.Count()
	logger.Info("waiting for in-flight requests", zap.Int64("count", remaining))
	observability.RecordShutdownInFlight(remaining)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := inFlight.WaitForZero(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// version is set via SERVICE_VERSION, e.g. by the container build.
func version() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}
