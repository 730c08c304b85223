// Package queue is a durable FIFO of observation payloads on a Redis list.
// Producers RPUSH, consumers BLPOP.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	DefaultName            = "weather_data_queue"
	DefaultConnectAttempts = 10
	DefaultConnectDelay    = 5 * time.Second
	DefaultBlockTimeout    = 30 * time.Second
)

// ErrConnect is returned when the bounded connection attempts are exhausted.
var ErrConnect = errors.New("queue connection failed")

// Publisher appends payloads to the queue.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Consumer takes payloads from the head of the queue. ok is false when the
// block timeout elapsed with nothing to read.
type Consumer interface {
	Pop(ctx context.Context) (payload []byte, ok bool, err error)
}

// Config holds connection and queue parameters. Zero values fall back to defaults.
type Config struct {
	Addr            string
	Password        string
	DB              int
	Name            string
	ConnectAttempts int
	ConnectDelay    time.Duration
	BlockTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = DefaultConnectDelay
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
}

// RedisQueue implements Publisher and Consumer.
type RedisQueue struct {
	rdb          *redis.Client
	name         string
	blockTimeout time.Duration
}

// Connect opens a client and pings it up to ConnectAttempts times, ConnectDelay
// apart. Exhaustion returns an error wrapping ErrConnect.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*RedisQueue, error) {
	cfg.applyDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := pingWithRetry(ctx, rdb, cfg, logger); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	logger.Info("connected to queue", zap.String("addr", cfg.Addr), zap.String("queue", cfg.Name))
	return New(rdb, cfg.Name, cfg.BlockTimeout), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, name string, blockTimeout time.Duration) *RedisQueue {
	if name == "" {
		name = DefaultName
	}
	if blockTimeout <= 0 {
		blockTimeout = DefaultBlockTimeout
	}
	return &RedisQueue{rdb: rdb, name: name, blockTimeout: blockTimeout}
}

type pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

func pingWithRetry(ctx context.Context, p pinger, cfg Config, logger *zap.Logger) error {
	attempt := 0
	op := func() error {
		attempt++
		err := p.Ping(ctx).Err()
		if err != nil {
			logger.Warn("queue connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", cfg.ConnectAttempts),
				zap.Error(err))
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.ConnectDelay), uint64(cfg.ConnectAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: %d attempts to %s: %v", ErrConnect, attempt, cfg.Addr, err)
	}
	return nil
}

// Publish implements Publisher.
func (q *RedisQueue) Publish(ctx context.Context, payload []byte) error {
	if err := q.rdb.RPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", q.name, err)
	}
	return nil
}

// Pop implements Consumer. It blocks up to the configured block timeout.
func (q *RedisQueue) Pop(ctx context.Context) ([]byte, bool, error) {
	res, err := q.rdb.BLPop(ctx, q.blockTimeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blpop %s: %w", q.name, err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("blpop %s: unexpected reply length %d", q.name, len(res))
	}
	return []byte(res[1]), true, nil
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
