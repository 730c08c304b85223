// Package traffic keeps sliding windows of chat outcomes. Health status reads
// overload and degradation from the same tracker.
package traffic

import (
	"sync"
	"time"
)

// DefaultRetention bounds how long outcomes are kept when no window is longer.
const DefaultRetention = 5 * time.Minute

// Tracker maintains sliding windows of outcome timestamps. Safe for concurrent use.
type Tracker struct {
	mu           sync.Mutex
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
	retention    time.Duration
	now          func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker keeps outcomes for retention (DefaultRetention if non-positive).
// retention should be at least the longest window queried.
func NewTracker(retention time.Duration, opts ...Option) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	t := &Tracker{retention: retention, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful completion.
func (t *Tracker) RecordSuccess() {
	t.record(&t.successTimes)
}

// RecordError records a failed completion.
func (t *Tracker) RecordError() {
	t.record(&t.errorTimes)
}

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() {
	t.record(&t.deniedTimes)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns successes, errors and denials within window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return countSince(t.successTimes, cutoff) + countSince(t.errorTimes, cutoff) + countSince(t.deniedTimes, cutoff)
}

// DenialCount returns the number of denials within window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.deniedTimes, t.now().Add(-window))
}

// ErrorRate returns (errors, successes+errors) within window. Denials are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (errs, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errs = countSince(t.errorTimes, cutoff)
	return errs, errs + countSince(t.successTimes, cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

// Thresholds configures Overloaded and Degraded. A zero window or percentage
// disables the corresponding check.
type Thresholds struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
}

// Overloaded reports whether denials in the overload window exceed the
// threshold percentage of the limiter's capacity for that window.
func (t *Tracker) Overloaded(th Thresholds) bool {
	if th.OverloadWindow <= 0 || th.OverloadThresholdPct <= 0 || th.RateLimitRPS <= 0 {
		return false
	}
	capacity := float64(th.RateLimitRPS) * th.OverloadWindow.Seconds()
	return float64(t.DenialCount(th.OverloadWindow)) > capacity*float64(th.OverloadThresholdPct)/100
}

// Degraded reports whether the completion error rate in the degraded window
// is at or above the threshold percentage.
func (t *Tracker) Degraded(th Thresholds) bool {
	if th.DegradedWindow <= 0 || th.DegradedErrorPct <= 0 {
		return false
	}
	errs, total := t.ErrorRate(th.DegradedWindow)
	if total == 0 {
		return false
	}
	return float64(errs)*100/float64(total) >= float64(th.DegradedErrorPct)
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than the retention period. Slices are
// append-only in time order, so the expired prefix is contiguous.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
