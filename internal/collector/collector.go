// Package collector polls the upstream weather provider on a fixed schedule
// and pushes each normalized observation onto the queue.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insight-service/internal/client"
	"github.com/kjstillabower/weather-insight-service/internal/observability"
	"github.com/kjstillabower/weather-insight-service/internal/queue"
)

const (
	DefaultCity         = "Toritama"
	DefaultPollInterval = 30 * time.Second
)

// Collector runs one fetch-and-publish cycle per interval.
type Collector struct {
	fetcher      client.Fetcher
	publisher    queue.Publisher
	city         string
	interval     time.Duration
	fetchTimeout time.Duration
	logger       *zap.Logger
	scheduler    *gocron.Scheduler
}

// New creates a Collector. Non-positive interval and empty city use defaults.
func New(fetcher client.Fetcher, publisher queue.Publisher, city string, interval time.Duration, logger *zap.Logger) *Collector {
	if city == "" {
		city = DefaultCity
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Collector{
		fetcher:      fetcher,
		publisher:    publisher,
		city:         city,
		interval:     interval,
		fetchTimeout: interval,
		logger:       logger,
		scheduler:    s,
	}
}

// Collect fetches the current observation and publishes it once. Each cycle
// carries its own correlation ID into the upstream request.
func (c *Collector) Collect(ctx context.Context) error {
	ctx = observability.WithCorrelationID(ctx, uuid.New().String())
	logger := c.logger.With(zap.String("correlation_id", observability.CorrelationID(ctx)))

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	obs, err := c.fetcher.FetchObservation(fetchCtx, c.city)
	if err != nil {
		logger.Warn("upstream fetch failed", zap.String("city", c.city), zap.Error(err))
		return fmt.Errorf("fetch %s: %w", c.city, err)
	}

	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encode observation: %w", err)
	}
	if err := c.publisher.Publish(ctx, payload); err != nil {
		observability.QueuePublishedTotal.WithLabelValues("error").Inc()
		logger.Error("queue publish failed", zap.String("city", c.city), zap.Error(err))
		return err
	}
	observability.QueuePublishedTotal.WithLabelValues("success").Inc()
	logger.Info("observation queued",
		zap.String("city", obs.City),
		zap.Float64("temperature_celsius", obs.TemperatureCelsius),
		zap.String("condition", obs.ConditionDescription))
	return nil
}

// Start schedules Collect every interval, starting immediately. Cycles never
// overlap. Errors are logged by Collect and do not stop the schedule.
func (c *Collector) Start(ctx context.Context) error {
	_, err := c.scheduler.Every(c.interval).Do(func() {
		if ctx.Err() != nil {
			return
		}
		_ = c.Collect(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule collector: %w", err)
	}
	c.scheduler.StartAsync()
	c.logger.Info("collector started", zap.String("city", c.city), zap.Duration("interval", c.interval))
	return nil
}

// Stop stops the schedule and waits for a running cycle to return.
func (c *Collector) Stop() {
	c.scheduler.Stop()
}
