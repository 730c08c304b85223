package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insight-service/internal/assistant"
	"github.com/kjstillabower/weather-insight-service/internal/insights"
	"github.com/kjstillabower/weather-insight-service/internal/lifecycle"
	"github.com/kjstillabower/weather-insight-service/internal/models"
	"github.com/kjstillabower/weather-insight-service/internal/observability"
	"github.com/kjstillabower/weather-insight-service/internal/traffic"
	"github.com/kjstillabower/weather-insight-service/internal/validation"
)

const (
	serviceName              = "weather-insight-service"
	defaultLatestLimit       = 10
	defaultQuestionMaxLength = 500
	maxBodyBytes             = 64 << 10
	maxCityLength            = 100
	defaultLogsLimit         = 50
	maxLogsLimit             = 500
)

// ObservationStore is the subset of the observation cache the handlers use.
type ObservationStore interface {
	Insert(rec models.Observation) (models.Observation, int)
	ListLatest(limit int) []models.Observation
	Snapshot() []models.Observation
	LatestForCity(city string) (models.Observation, bool)
	Stats() (count int, last *time.Time)
}

// Answerer answers a validated question against a cache snapshot.
type Answerer interface {
	Answer(ctx context.Context, question string, snapshot []models.Observation) assistant.Response
}

// HealthConfig holds thresholds and dependency checks for the health handler.
type HealthConfig struct {
	Thresholds traffic.Thresholds
	Version    string
	// CompletionCheck reports completion backend availability, e.g. breaker state.
	CompletionCheck func() error
	// CachePing, when set, is called to check answer cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store             ObservationStore
	answerer          Answerer
	tracker           *traffic.Tracker
	state             *lifecycle.State
	healthConfig      *HealthConfig
	logger            *zap.Logger
	latestLimit       int
	questionMaxLength int

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLatestLimit sets how many records GET /weather/latest returns.
func WithLatestLimit(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.latestLimit = n
		}
	}
}

// WithQuestionMaxLength sets the maximum question length in characters.
func WithQuestionMaxLength(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.questionMaxLength = n
		}
	}
}

// NewHandler returns a new Handler. tracker, state and healthConfig may be nil.
func NewHandler(
	store ObservationStore,
	answerer Answerer,
	tracker *traffic.Tracker,
	state *lifecycle.State,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	opts ...Option,
) *Handler {
	if state == nil {
		state = &lifecycle.State{}
	}
	h := &Handler{
		store:             store,
		answerer:          answerer,
		tracker:           tracker,
		state:             state,
		healthConfig:      healthConfig,
		logger:            logger,
		latestLimit:       defaultLatestLimit,
		questionMaxLength: defaultQuestionMaxLength,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ingestResponse is the body returned by PostIngest.
type ingestResponse struct {
	Status      string             `json:"status"`
	Message     string             `json:"message"`
	StoredCount int                `json:"stored_count"`
	Record      models.Observation `json:"record"`
}

// PostIngest handles POST /api/v1/ingest.
func (h *Handler) PostIngest(w http.ResponseWriter, r *http.Request) {
	var payload validation.ObservationPayload
	if err := decodeBody(w, r, &payload); err != nil {
		observability.ObservationsRejectedTotal.WithLabelValues("body").Inc()
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be a JSON observation")
		return
	}
	obs, err := validation.ValidateObservation(payload)
	if err != nil {
		observability.ObservationsRejectedTotal.WithLabelValues("schema").Inc()
		writeError(w, r, http.StatusBadRequest, "INVALID_OBSERVATION", err.Error())
		return
	}

	stored, n := h.store.Insert(obs)
	observability.ObservationsIngestedTotal.Inc()
	h.loggerFor(r).Info("observation ingested",
		zap.String("city", stored.City),
		zap.Float64("temperature_celsius", stored.TemperatureCelsius),
		zap.Int("stored_count", n))

	writeJSON(w, http.StatusOK, ingestResponse{
		Status:      "success",
		Message:     "Observation received and stored",
		StoredCount: n,
		Record:      stored,
	})
}

type chatRequest struct {
	Question *string `json:"question"`
}

// PostChat handles POST /api/v1/chat. Completion failures are answered with
// 200 and an apology; only invalid input is a client error.
func (h *Handler) PostChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be a JSON object with a question")
		return
	}
	raw := ""
	if req.Question != nil {
		raw = *req.Question
	}
	question, err := validation.ValidateQuestion(raw, h.questionMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUESTION", err.Error())
		return
	}

	snapshot := h.store.Snapshot()
	writeJSON(w, http.StatusOK, h.answerer.Answer(r.Context(), question, snapshot))
}

type latestResponse struct {
	Count       int                  `json:"count"`
	LastUpdated *time.Time           `json:"last_updated"`
	Data        []models.Observation `json:"data"`
}

// GetLatest handles GET /api/v1/weather/latest. count and last_updated describe
// the whole cache; data holds only the newest latestLimit records.
func (h *Handler) GetLatest(w http.ResponseWriter, r *http.Request) {
	snapshot := h.store.Snapshot()
	resp := latestResponse{Count: len(snapshot), Data: snapshot}
	if n := len(snapshot); n > 0 {
		ts := snapshot[n-1].Timestamp
		resp.LastUpdated = &ts
		if n > h.latestLimit {
			resp.Data = snapshot[n-h.latestLimit:]
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetLatestForCity handles GET /api/v1/weather/latest/{city}.
func (h *Handler) GetLatestForCity(w http.ResponseWriter, r *http.Request) {
	city, err := validation.ValidateCity(mux.Vars(r)["city"], maxCityLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}
	obs, ok := h.store.LatestForCity(city)
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no observation for city "+city)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

type logsResponse struct {
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
	Data   []models.Observation `json:"data"`
}

// GetLogs handles GET /api/v1/weather/logs?limit=&offset=. Records are listed
// newest first; offset past the end yields an empty page.
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLogsLimit)
	if err != nil || limit < 1 || limit > maxLogsLimit {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", fmt.Sprintf("limit must be an integer between 1 and %d", maxLogsLimit))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", "offset must be a non-negative integer")
		return
	}

	snapshot := h.store.Snapshot()
	resp := logsResponse{Total: len(snapshot), Limit: limit, Offset: offset, Data: []models.Observation{}}
	for i := len(snapshot) - 1 - offset; i >= 0 && len(resp.Data) < limit; i-- {
		resp.Data = append(resp.Data, snapshot[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetChart handles GET /api/v1/weather/chart/{series}.
func (h *Handler) GetChart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["series"]
	series, err := insights.Chart(h.store.Snapshot(), name, insights.DefaultTrendWindow)
	if errors.Is(err, insights.ErrUnknownSeries) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown chart series "+name)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// GetInsights handles GET /api/v1/weather/insights.
func (h *Handler) GetInsights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, insights.Summarize(h.store.Snapshot(), insights.DefaultTrendWindow))
}

// GetRoot handles GET /.
func (h *Handler) GetRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Weather Insight Service",
		"status":  "running",
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

type automaticData struct {
	Enabled       bool       `json:"enabled"`
	StoredRecords int        `json:"stored_records"`
	LastReceived  *time.Time `json:"last_received"`
}

type healthResponse struct {
	Status        string            `json:"status"`
	Service       string            `json:"service"`
	Version       string            `json:"version"`
	AutomaticData automaticData     `json:"automatic_data"`
	Checks        map[string]string `json:"checks"`
	Timestamp     string            `json:"timestamp"`
}

// GetHealth handles GET /health and GET /api/v1/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	count, last := h.store.Stats()
	resp := healthResponse{
		Status:  result.status,
		Service: serviceName,
		Version: "dev",
		AutomaticData: automaticData{
			Enabled:       true,
			StoredRecords: count,
			LastReceived:  last,
		},
		Checks:    h.dependencyChecks(result),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		resp.Version = h.healthConfig.Version
	}
	writeJSON(w, result.statusCode, resp)
}

func (h *Handler) dependencyChecks(result healthResult) map[string]string {
	checks := map[string]string{"completionApi": "healthy"}
	if result.status == "degraded" {
		checks["completionApi"] = "unhealthy"
	}
	if h.healthConfig == nil {
		return checks
	}
	if h.healthConfig.CompletionCheck != nil && h.healthConfig.CompletionCheck() != nil {
		checks["completionApi"] = "unhealthy"
	}
	if h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["answerCache"] = "healthy"
		} else {
			checks["answerCache"] = "unhealthy"
		}
	}
	return checks
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if h.state.ShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil || h.tracker == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.tracker.Overloaded(h.healthConfig.Thresholds) {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	if h.tracker.Degraded(h.healthConfig.Thresholds) {
		return healthResult{"degraded", http.StatusOK, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func (h *Handler) loggerFor(r *http.Request) *zap.Logger {
	if l := observability.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	return h.logger
}

var errBodyTrailingData = errors.New("unexpected data after JSON body")

// decodeBody decodes a single JSON value from the request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errBodyTrailingData
	}
	return nil
}

// writeJSON writes a JSON response with the specified HTTP status code.
// Sets Content-Type header to application/json and encodes the provided value.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
