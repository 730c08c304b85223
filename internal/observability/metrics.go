package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases on /chat.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Records currently held by the observation cache.
	ObservationsStored prometheus.Gauge

	// Accepted ingestions. rate() should track the producer cadence (~2/min per city).
	ObservationsIngestedTotal prometheus.Counter

	// Rejected ingestion payloads by reason (schema, body).
	ObservationsRejectedTotal *prometheus.CounterVec

	// Records dropped by the cache, by reason (ttl, capacity).
	ObservationEvictionsTotal *prometheus.CounterVec

	// Chat questions answered, split by whether weather data was available.
	ChatRequestsTotal *prometheus.CounterVec

	// Completion backend calls by outcome (success, timeout, unavailable, rate_limited, rejected, malformed).
	CompletionCallsTotal *prometheus.CounterVec

	// Completion backend latency. Watch for: p95 approaching the configured timeout.
	CompletionDuration *prometheus.HistogramVec

	// Retry attempts against the completion backend.
	CompletionRetriesTotal prometheus.Counter

	// Answer cache hits. Misses = chatRequestsTotal - answerCacheHitsTotal.
	AnswerCacheHitsTotal prometheus.Counter

	// Answer cache backend errors by operation (get, set).
	AnswerCacheErrorsTotal *prometheus.CounterVec

	// Circuit breaker transitions and current state (0 closed, 1 open, 2 half-open).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Rate limit denials on /chat.
	RateLimitDeniedTotal prometheus.Counter

	// Upstream weather provider calls (collector). Watch for: error vs success ratio.
	UpstreamCallsTotal *prometheus.CounterVec

	// Upstream weather provider latency (collector).
	UpstreamDuration *prometheus.HistogramVec

	// Retry attempts against the upstream weather provider.
	UpstreamRetriesTotal prometheus.Counter

	// Queue publishes by result (collector).
	QueuePublishedTotal *prometheus.CounterVec

	// Queue pops by result (relay): message, empty, error, invalid.
	QueueConsumedTotal *prometheus.CounterVec

	// Relay forwards to the ingestion endpoint by result (success, failure).
	RelayForwardTotal *prometheus.CounterVec

	// In-flight requests at shutdown start.
	ShutdownInFlightRequests prometheus.Gauge

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ObservationsStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "observationsStored",
			Help: "Number of observations held by the cache after the last insert",
		},
	)
	ObservationsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "observationsIngestedTotal",
			Help: "Total number of observations accepted by the ingestion endpoint",
		},
	)
	ObservationsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationsRejectedTotal",
			Help: "Total number of ingestion payloads rejected",
		},
		[]string{"reason"},
	)
	ObservationEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationEvictionsTotal",
			Help: "Total number of observations dropped from the cache",
		},
		[]string{"reason"},
	)
	ChatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatRequestsTotal",
			Help: "Total number of chat questions answered",
		},
		[]string{"hasWeatherData"},
	)
	CompletionCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completionCallsTotal",
			Help: "Total number of completion backend calls",
		},
		[]string{"outcome"},
	)
	CompletionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completionDurationSeconds",
			Help:    "Completion backend latency in seconds (per attempt)",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"outcome"},
	)
	CompletionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "completionRetriesTotal",
			Help: "Total number of retry attempts for completion calls",
		},
	)
	AnswerCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "answerCacheHitsTotal",
			Help: "Total number of chat answers served from the answer cache",
		},
	)
	AnswerCacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerCacheErrorsTotal",
			Help: "Total number of answer cache backend errors",
		},
		[]string{"operation"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of upstream weather provider calls",
		},
		[]string{"status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Upstream weather provider latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of retry attempts for upstream weather calls",
		},
	)
	QueuePublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuePublishedTotal",
			Help: "Total number of observations pushed onto the queue",
		},
		[]string{"result"},
	)
	QueueConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queueConsumedTotal",
			Help: "Total number of queue pops by result",
		},
		[]string{"result"},
	)
	RelayForwardTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayForwardTotal",
			Help: "Total number of observations forwarded to the ingestion endpoint",
		},
		[]string{"result"},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ObservationsStored, ObservationsIngestedTotal, ObservationsRejectedTotal, ObservationEvictionsTotal,
		ChatRequestsTotal, CompletionCallsTotal, CompletionDuration, CompletionRetriesTotal,
		AnswerCacheHitsTotal, AnswerCacheErrorsTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		RateLimitDeniedTotal,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal,
		QueuePublishedTotal, QueueConsumedTotal, RelayForwardTotal,
		ShutdownInFlightRequests,
	)
}

// TrafficCounter is the subset of the traffic tracker exposed as gauges.
type TrafficCounter interface {
	RequestCount(window time.Duration) int
	DenialCount(window time.Duration) int
}

// RegisterTrafficGauges registers sliding-window load and reject gauges for the
// rate-limited chat path. Call once from main with the overload window.
func RegisterTrafficGauges(t TrafficCounter, window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(t.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(t.DenialCount(window)) },
			),
		)
	})
}

// RecordCircuitBreakerTransition counts a breaker state change.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the current breaker state for component.
func SetCircuitBreakerStateGauge(component string, state float64) {
	CircuitBreakerState.WithLabelValues(component).Set(state)
}

// RecordShutdownInFlight records how many requests were still running when shutdown began.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
