//go:build integration
// +build integration

// Package testhelpers holds shared setup for tests that need live
// infrastructure (memcached, redis, the upstream weather API).
package testhelpers

import (
	"context"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	WeatherAPIKey string
	City          string
	MemcachedAddr string
	RedisAddr     string
}

// GetIntegrationConfig loads integration test configuration from environment.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	city := os.Getenv("CITY_NAME")
	if city == "" {
		city = "Toritama"
	}
	return IntegrationTestConfig{
		WeatherAPIKey: os.Getenv("WEATHER_API_KEY"),
		City:          city,
		MemcachedAddr: MemcachedAddr(),
		RedisAddr:     RedisAddr(),
	}
}

var hexKey = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// RequireUpstreamKey skips the test unless a well-formed OpenWeather key is set.
func RequireUpstreamKey(t *testing.T, cfg IntegrationTestConfig) {
	t.Helper()
	if cfg.WeatherAPIKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	if !hexKey.MatchString(cfg.WeatherAPIKey) {
		t.Fatalf("WEATHER_API_KEY must be 32 hex characters")
	}
}

// MemcachedAddr returns MEMCACHED_ADDRS or localhost:11211.
func MemcachedAddr() string {
	if v := os.Getenv("MEMCACHED_ADDRS"); v != "" {
		return v
	}
	return "localhost:11211"
}

// RedisAddr returns REDIS_ADDR or localhost:6379.
func RedisAddr() string {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		return v
	}
	return "localhost:6379"
}

// RedisClient returns a client for RedisAddr, skipping the test when redis is
// unreachable. The client is closed at test cleanup.
func RedisClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: RedisAddr()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not reachable at %s: %v", RedisAddr(), err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// UniqueQueueName returns a queue name private to this test and deletes it on cleanup.
func UniqueQueueName(t *testing.T, rdb *redis.Client) string {
	t.Helper()
	name := "test_queue_" + regexp.MustCompile(`[^a-zA-Z0-9]`).ReplaceAllString(t.Name(), "_") +
		"_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = rdb.Del(context.Background(), name).Err() })
	return name
}
