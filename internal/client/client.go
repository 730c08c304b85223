// Package client fetches current conditions from the OpenWeather API and
// normalizes them into observation records.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kjstillabower/weather-insight-service/internal/models"
	"github.com/kjstillabower/weather-insight-service/internal/observability"
)

// DefaultURL is the OpenWeather current-weather endpoint.
const DefaultURL = "https://api.openweathermap.org/data/2.5/weather"

// Fetcher returns the current observation for a city.
type Fetcher interface {
	FetchObservation(ctx context.Context, city string) (models.Observation, error)
}

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrCityNotFound    = errors.New("city not found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
)

// RetryConfig controls retries of transient upstream failures.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// OpenWeatherClient implements Fetcher.
type OpenWeatherClient struct {
	apiKey string
	apiURL string
	client *http.Client
	retry  RetryConfig
	now    func() time.Time
}

// NewOpenWeatherClient returns a client with three attempts and 100ms-2s backoff.
func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithRetry(apiKey, apiURL, timeout, RetryConfig{
		Attempts:  3,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	})
}

// NewOpenWeatherClientWithRetry returns a client with explicit retry settings.
func NewOpenWeatherClientWithRetry(apiKey, apiURL string, timeout time.Duration, retry RetryConfig) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if apiURL == "" {
		apiURL = DefaultURL
	}
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = retry.BaseDelay
	}
	return &OpenWeatherClient{
		apiKey: apiKey,
		apiURL: apiURL,
		client: &http.Client{Timeout: timeout},
		retry:  retry,
		now:    time.Now,
	}, nil
}

type openWeatherResponse struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Name string `json:"name"`
}

// FetchObservation implements Fetcher. The returned record carries city as
// given, not the provider's display name.
func (c *OpenWeatherClient) FetchObservation(ctx context.Context, city string) (models.Observation, error) {
	op := func() (models.Observation, error) {
		obs, err := c.callAPI(ctx, city)
		if err != nil && !isRetryable(err) {
			return models.Observation{}, backoff.Permanent(err)
		}
		return obs, err
	}
	notify := func(error, time.Duration) {
		observability.UpstreamRetriesTotal.Inc()
	}
	obs, err := backoff.RetryNotifyWithData(op, c.retryBackOff(ctx), notify)
	if err != nil {
		if isRetryable(err) {
			return models.Observation{}, fmt.Errorf("exhausted retries: %w", err)
		}
		return models.Observation{}, err
	}
	return obs, nil
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, city string) (models.Observation, error) {
	start := time.Now()
	req, err := c.buildRequest(ctx, city)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		return models.Observation{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		observability.UpstreamDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return models.Observation{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(status).Inc()
	observability.UpstreamDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return models.Observation{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Observation{}, fmt.Errorf("read response body: %w", err)
	}
	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.Observation{}, fmt.Errorf("parse response: %w", err)
	}
	return c.mapResponse(apiResp, city), nil
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryBackOff doubles from BaseDelay up to MaxDelay with 10% jitter and stops
// after Attempts-1 retries or when ctx is done.
func (c *OpenWeatherClient) retryBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.BaseDelay
	b.MaxInterval = c.retry.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retry.Attempts-1)), ctx)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, city string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP 401", ErrInvalidAPIKey)
	case resp.StatusCode == http.StatusNotFound:
		return ErrCityNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
}

// mapResponse normalizes the provider payload. The upstream measurement time
// (dt) is used when present, otherwise the fetch time.
func (c *OpenWeatherClient) mapResponse(apiResp openWeatherResponse, city string) models.Observation {
	condition := ""
	if len(apiResp.Weather) > 0 {
		condition = apiResp.Weather[0].Description
		if condition == "" {
			condition = apiResp.Weather[0].Main
		}
	}
	ts := c.now().UTC()
	if apiResp.Dt > 0 {
		ts = time.Unix(apiResp.Dt, 0).UTC()
	}
	return models.Observation{
		City:                 city,
		TemperatureCelsius:   apiResp.Main.Temp,
		HumidityPercent:      apiResp.Main.Humidity,
		WindSpeedMS:          apiResp.Wind.Speed,
		ConditionDescription: condition,
		Timestamp:            ts,
	}
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}

// ValidateAPIKey makes one request for city and reports whether the key is accepted.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context, city string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, city)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
