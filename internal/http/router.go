package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-insight-service/internal/observability"
)

// RouterConfig wires the cross-cutting pieces around a Handler.
type RouterConfig struct {
	// ChatLimiter throttles POST /chat. Nil disables rate limiting.
	ChatLimiter *rate.Limiter
	// Denials receives rate limiter rejections; usually the traffic tracker.
	Denials DenialRecorder
	// ChatTimeout bounds the chat request context. Zero disables it.
	ChatTimeout time.Duration
	InFlight    *InFlightTracker
}

// NewRouter builds the service routes under /api/v1 plus /, /health and /metrics.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(h.logger))
	router.Use(MetricsMiddleware(cfg.InFlight))
	router.Use(RecoverMiddleware(h.logger))

	router.HandleFunc("/", h.GetRoot).Methods(http.MethodGet)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	api.HandleFunc("/ingest", h.PostIngest).Methods(http.MethodPost)
	api.HandleFunc("/weather/latest", h.GetLatest).Methods(http.MethodGet)
	api.HandleFunc("/weather/latest/{city}", h.GetLatestForCity).Methods(http.MethodGet)
	api.HandleFunc("/weather/insights", h.GetInsights).Methods(http.MethodGet)
	api.HandleFunc("/weather/logs", h.GetLogs).Methods(http.MethodGet)
	api.HandleFunc("/weather/export.csv", h.GetExportCSV).Methods(http.MethodGet)
	api.HandleFunc("/weather/chart/{series}", h.GetChart).Methods(http.MethodGet)

	var chat http.Handler = http.HandlerFunc(h.PostChat)
	if cfg.ChatTimeout > 0 {
		chat = TimeoutMiddleware(cfg.ChatTimeout)(chat)
	}
	chat = RateLimitMiddleware(cfg.ChatLimiter, cfg.Denials)(chat)
	api.Handle("/chat", chat).Methods(http.MethodPost)

	return router
}
