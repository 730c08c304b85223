package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kjstillabower/weather-insight-service/internal/circuitbreaker"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrUnavailable = errors.New("backend unavailable")
	ErrRejected    = errors.New("request rejected")
	ErrMalformed   = errors.New("malformed response")
)

// statusError maps a non-2xx backend status to a sentinel.
func statusError(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, code)
	case code >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUnavailable, code)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrRejected, code)
	}
}

// Classify maps an error from a completion attempt to a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, ErrRejected):
		return FailureRejected
	case errors.Is(err, ErrMalformed):
		return FailureMalformed
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, ErrUnavailable):
		return FailureUnavailable
	}
	// Transport errors (refused, reset, DNS) and cancellation.
	return FailureUnavailable
}

func retryable(kind FailureKind) bool {
	return kind == FailureRateLimited || kind == FailureUnavailable
}

// CountsAgainstBreaker is the circuitbreaker IsFailure predicate for completion
// calls. Caller-side faults (rejected, malformed) never open the breaker.
func CountsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	k := Classify(err)
	return k != FailureRejected && k != FailureMalformed
}
