// Package completion calls the text-generation backend that answers chat
// questions. Calls never return a Go error: every outcome is a Result.
package completion

import "context"

// FailureKind classifies a failed completion. The empty kind means success.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureTimeout     FailureKind = "timeout"
	FailureUnavailable FailureKind = "unavailable"
	FailureRateLimited FailureKind = "rate_limited"
	FailureRejected    FailureKind = "rejected"
	FailureMalformed   FailureKind = "malformed"
)

// Result is the outcome of one completion, including retries.
type Result struct {
	Text    string
	Failure FailureKind
	Reason  string
}

// OK reports whether the completion produced text.
func (r Result) OK() bool {
	return r.Failure == FailureNone
}

// Outcome is the metrics label for r.
func (r Result) Outcome() string {
	if r.OK() {
		return "success"
	}
	return string(r.Failure)
}

// Success builds a successful Result.
func Success(text string) Result {
	return Result{Text: text}
}

// Failed builds a failed Result.
func Failed(kind FailureKind, reason string) Result {
	return Result{Failure: kind, Reason: reason}
}

// Completer turns a prompt into generated text.
type Completer interface {
	Complete(ctx context.Context, prompt string) Result
}
