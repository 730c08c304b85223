package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kjstillabower/weather-insight-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-insight-service/internal/observability"
)

const (
	DefaultURL     = "https://generativelanguage.googleapis.com/v1beta/models"
	DefaultModel   = "gemini-2.5-flash"
	DefaultTimeout = 20 * time.Second
)

// ErrMissingAPIKey is returned by NewGeminiClient without a key.
var ErrMissingAPIKey = errors.New("completion API key is required")

// Config configures a GeminiClient. Zero values fall back to defaults.
type Config struct {
	APIKey         string
	URL            string
	Model          string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// GeminiClient calls the generateContent endpoint of the Gemini REST API.
type GeminiClient struct {
	apiKey         string
	endpoint       string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// NewGeminiClient validates cfg and returns a client.
func NewGeminiClient(cfg Config) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	return &GeminiClient{
		apiKey:         cfg.APIKey,
		endpoint:       strings.TrimRight(cfg.URL, "/") + "/" + cfg.Model + ":generateContent",
		timeout:        cfg.Timeout,
		client:         &http.Client{},
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
	}, nil
}

// SetCircuitBreaker guards every attempt with cb. Pass nil to disable.
func (c *GeminiClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// Check reports whether the client would currently attempt a call.
func (c *GeminiClient) Check() error {
	if c.breaker != nil && c.breaker.State() == circuitbreaker.StateOpen {
		return circuitbreaker.ErrOpen
	}
	return nil
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Complete sends prompt to the backend. The whole call, retries included, is
// bounded by the configured timeout.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	op := func() (string, error) {
		text, err := c.attempt(ctx, prompt)
		if err != nil && (!retryable(Classify(err)) || errors.Is(err, circuitbreaker.ErrOpen)) {
			return "", backoff.Permanent(err)
		}
		return text, err
	}
	notify := func(error, time.Duration) {
		observability.CompletionRetriesTotal.Inc()
	}
	text, err := backoff.RetryNotifyWithData(op, c.retryBackOff(ctx), notify)
	return resultOf(text, err)
}

func resultOf(text string, err error) Result {
	if err != nil {
		return Failed(Classify(err), err.Error())
	}
	return Success(text)
}

func (c *GeminiClient) attempt(ctx context.Context, prompt string) (string, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, prompt)
	}
	var text string
	err := c.breaker.Call(ctx, func() error {
		var err error
		text, err = c.callAPI(ctx, prompt)
		return err
	})
	return text, err
}

func (c *GeminiClient) callAPI(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := c.doRequest(ctx, prompt)
	outcome := resultOf(text, err).Outcome()
	observability.CompletionCallsTotal.WithLabelValues(outcome).Inc()
	observability.CompletionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return text, err
}

func (c *GeminiClient) doRequest(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{{Text: prompt}}}}})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", statusError(resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return extractText(parsed)
}

func extractText(resp generateResponse) (string, error) {
	if resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked (%s)", ErrRejected, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrMalformed)
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fmt.Errorf("%w: empty candidate", ErrMalformed)
	}
	return b.String(), nil
}

// retryBackOff doubles from the base delay up to the max delay with 10% jitter
// and stops after retryAttempts-1 retries or when ctx is done.
func (c *GeminiClient) retryBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBaseDelay
	b.MaxInterval = c.retryMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retryAttempts-1)), ctx)
}
