// Package relay moves queued observations to the ingestion endpoint.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insight-service/internal/models"
	"github.com/kjstillabower/weather-insight-service/internal/observability"
	"github.com/kjstillabower/weather-insight-service/internal/queue"
)

const (
	DefaultForwardAttempts = 3
	DefaultForwardDelay    = 5 * time.Second
	DefaultHTTPTimeout     = 10 * time.Second
	DefaultErrorDelay      = 5 * time.Second
)

var (
	// ErrRejected means the ingestion endpoint refused the record (4xx).
	ErrRejected = errors.New("observation rejected by ingest endpoint")
	// ErrIngestUnavailable means the endpoint failed with a retryable status.
	ErrIngestUnavailable = errors.New("ingest endpoint unavailable")
)

// Config holds relay parameters. Zero values fall back to defaults.
type Config struct {
	IngestURL       string
	ForwardAttempts int
	ForwardDelay    time.Duration
	HTTPTimeout     time.Duration
	// ErrorDelay is the pause after a failed queue read.
	ErrorDelay time.Duration
}

// Relay consumes the queue and forwards each record. Run it from one goroutine.
type Relay struct {
	consumer  queue.Consumer
	ingestURL string
	client    *http.Client
	attempts  int
	delay     time.Duration
	errDelay  time.Duration
	logger    *zap.Logger
}

// New creates a Relay reading from consumer.
func New(consumer queue.Consumer, cfg Config, logger *zap.Logger) *Relay {
	if cfg.ForwardAttempts <= 0 {
		cfg.ForwardAttempts = DefaultForwardAttempts
	}
	if cfg.ForwardDelay <= 0 {
		cfg.ForwardDelay = DefaultForwardDelay
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = DefaultErrorDelay
	}
	return &Relay{
		consumer:  consumer,
		ingestURL: cfg.IngestURL,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		attempts:  cfg.ForwardAttempts,
		delay:     cfg.ForwardDelay,
		errDelay:  cfg.ErrorDelay,
		logger:    logger,
	}
}

// Run pops and forwards until ctx is cancelled. Queue errors are logged and
// retried after ErrorDelay; forward failures drop the record.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", zap.String("ingest_url", r.ingestURL))
	for {
		if ctx.Err() != nil {
			r.logger.Info("relay stopped")
			return nil
		}
		if err := r.step(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("queue read failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(r.errDelay):
			}
		}
	}
}

// step handles at most one queued payload. It returns only queue read errors.
func (r *Relay) step(ctx context.Context) error {
	payload, ok, err := r.consumer.Pop(ctx)
	if err != nil {
		observability.QueueConsumedTotal.WithLabelValues("error").Inc()
		return err
	}
	if !ok {
		observability.QueueConsumedTotal.WithLabelValues("empty").Inc()
		return nil
	}

	var obs models.Observation
	if err := json.Unmarshal(payload, &obs); err != nil {
		observability.QueueConsumedTotal.WithLabelValues("invalid").Inc()
		r.logger.Warn("dropping undecodable payload", zap.Int("bytes", len(payload)), zap.Error(err))
		return nil
	}
	observability.QueueConsumedTotal.WithLabelValues("message").Inc()

	if err := r.Forward(ctx, obs); err != nil {
		observability.RelayForwardTotal.WithLabelValues("failure").Inc()
		r.logger.Error("forward failed, record dropped", zap.String("city", obs.City), zap.Error(err))
		return nil
	}
	observability.RelayForwardTotal.WithLabelValues("success").Inc()
	r.logger.Info("observation forwarded",
		zap.String("city", obs.City),
		zap.Float64("temperature_celsius", obs.TemperatureCelsius))
	return nil
}

// Forward POSTs obs to the ingestion endpoint with up to ForwardAttempts tries,
// ForwardDelay apart. A 4xx response is not retried.
func (r *Relay) Forward(ctx context.Context, obs models.Observation) error {
	body, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encode observation: %w", err)
	}
	corrID := uuid.New().String()
	attempt := 0
	op := func() error {
		attempt++
		err := r.post(ctx, body, corrID)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("forward attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.attempts),
			zap.String("correlation_id", corrID),
			zap.Error(err))
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), uint64(r.attempts-1)),
		ctx,
	)
	return backoff.Retry(op, policy)
}

func (r *Relay) post(ctx context.Context, body []byte, corrID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.ingestURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", corrID)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(msg))
	default:
		return fmt.Errorf("%w: HTTP %d", ErrIngestUnavailable, resp.StatusCode)
	}
}
