// Package observations holds the bounded, time-windowed observation cache
// shared by ingestion, query and question answering.
//
// Expiry is lazy: the TTL sweep runs on Insert only. Reads return whatever the
// last Insert left behind, so a read taken between inserts can include records
// that are already older than the TTL.
package observations

import (
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/weather-insight-service/internal/models"
	"github.com/kjstillabower/weather-insight-service/internal/observability"
)

const (
	DefaultMaxSize = 100
	DefaultTTL     = 24 * time.Hour
)

// Cache is an insertion-ordered collection of observations bounded by size
// and age. Safe for concurrent use; readers always receive copies.
type Cache struct {
	mu      sync.RWMutex
	records []models.Observation
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache. Non-positive maxSize or ttl fall back to the defaults.
func New(maxSize int, ttl time.Duration, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		records: make([]models.Observation, 0, maxSize+1),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Insert appends rec, assigning the current time when rec.Timestamp is zero,
// then drops every record older than the TTL and finally keeps only the newest
// maxSize records. Returns the stored record and the post-insert length.
// A caller-supplied timestamp already older than the TTL is dropped by the
// same sweep that would drop any other expired record.
func (c *Cache) Insert(rec models.Observation) (models.Observation, int) {
	c.mu.Lock()
	now := c.now()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	c.records = append(c.records, rec)

	expired := c.sweepLocked(now)
	truncated := 0
	if over := len(c.records) - c.maxSize; over > 0 {
		old := c.records
		c.records = append(c.records[:0], c.records[over:]...)
		clear(old[len(c.records):])
		truncated = over
	}
	n := len(c.records)
	c.mu.Unlock()

	if expired > 0 {
		observability.ObservationEvictionsTotal.WithLabelValues("ttl").Add(float64(expired))
	}
	if truncated > 0 {
		observability.ObservationEvictionsTotal.WithLabelValues("capacity").Add(float64(truncated))
	}
	observability.ObservationsStored.Set(float64(n))
	return rec, n
}

// sweepLocked removes records whose age exceeds the TTL, preserving order.
// Returns the number removed. Caller must hold the write lock.
func (c *Cache) sweepLocked(now time.Time) int {
	kept := c.records[:0]
	for _, r := range c.records {
		if now.Sub(r.Timestamp) <= c.ttl {
			kept = append(kept, r)
		}
	}
	removed := len(c.records) - len(kept)
	clear(c.records[len(kept):])
	c.records = kept
	return removed
}

// ListLatest returns a copy of the last limit records, oldest first. A
// non-positive limit or one larger than the cache returns everything.
func (c *Cache) ListLatest(limit int) []models.Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 0
	if limit > 0 && limit < len(c.records) {
		start = len(c.records) - limit
	}
	out := make([]models.Observation, len(c.records)-start)
	copy(out, c.records[start:])
	return out
}

// Snapshot returns a copy of every record currently held.
func (c *Cache) Snapshot() []models.Observation {
	return c.ListLatest(0)
}

// LatestForCity returns the most recently inserted record whose city matches
// city case-insensitively.
func (c *Cache) LatestForCity(city string) (models.Observation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.records) - 1; i >= 0; i-- {
		if strings.EqualFold(c.records[i].City, city) {
			return c.records[i], true
		}
	}
	return models.Observation{}, false
}

// Stats reports the current length and the timestamp of the last record.
// last is nil when the cache is empty.
func (c *Cache) Stats() (count int, last *time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count = len(c.records)
	if count > 0 {
		ts := c.records[count-1].Timestamp
		last = &ts
	}
	return count, last
}

// MaxSize returns the configured capacity.
func (c *Cache) MaxSize() int { return c.maxSize }

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }
