// Package assistant answers natural-language questions about the most recent
// observation by delegating to a completion backend.
package assistant

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-insight-service/internal/cache"
	"github.com/kjstillabower/weather-insight-service/internal/completion"
	"github.com/kjstillabower/weather-insight-service/internal/models"
	"github.com/kjstillabower/weather-insight-service/internal/observability"
)

// Response is the chat answer shape. Failures use the same shape.
type Response struct {
	Answer         string `json:"answer"`
	HasWeatherData bool   `json:"has_weather_data"`
	DataCount      int    `json:"data_count"`
}

// OutcomeRecorder receives one success or error per completion attempt made on
// behalf of a question. Cache hits are not recorded.
type OutcomeRecorder interface {
	RecordSuccess()
	RecordError()
}

// Service is the question-answering adapter. Safe for concurrent use.
type Service struct {
	completer completion.Completer
	answers   cache.Cache
	answerTTL time.Duration
	outcomes  OutcomeRecorder
	logger    *zap.Logger
	group     singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithAnswerCache reuses successful answers for identical prompts for ttl.
func WithAnswerCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.answers = c
		s.answerTTL = ttl
	}
}

// WithOutcomeRecorder reports completion outcomes, typically to the traffic tracker.
func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(s *Service) { s.outcomes = r }
}

// WithLogger sets the fallback logger used when the request context has none.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New returns a Service that delegates to completer.
func New(completer completion.Completer, opts ...Option) *Service {
	s := &Service{completer: completer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Answer answers question against snapshot, which the caller takes once per
// request. question must already be validated. Answer never fails: backend
// failures come back as an apology in Response.Answer.
func (s *Service) Answer(ctx context.Context, question string, snapshot []models.Observation) Response {
	resp := Response{
		HasWeatherData: len(snapshot) > 0,
		DataCount:      len(snapshot),
	}
	observability.ChatRequestsTotal.WithLabelValues(strconv.FormatBool(resp.HasWeatherData)).Inc()

	prompt := BuildPrompt(BuildContext(snapshot), question)
	key := cache.Key(prompt)

	if text, ok := s.cachedAnswer(ctx, key); ok {
		resp.Answer = text
		return resp
	}

	result := s.complete(ctx, key, prompt)
	if !result.OK() {
		s.loggerFor(ctx).Warn("completion failed",
			zap.String("failure", string(result.Failure)),
			zap.String("reason", result.Reason))
		resp.Answer = Apology(result.Reason)
		return resp
	}
	resp.Answer = result.Text
	return resp
}

// complete runs one completion per distinct prompt at a time. Concurrent
// callers with the same prompt share the result. The shared call is detached
// from any single caller's cancellation and bounded by the completer's timeout.
func (s *Service) complete(ctx context.Context, key, prompt string) completion.Result {
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		result := s.completer.Complete(shared, prompt)
		s.recordOutcome(result)
		if result.OK() {
			s.storeAnswer(shared, key, result.Text)
		}
		return result, nil
	})
	select {
	case r := <-ch:
		return r.Val.(completion.Result)
	case <-ctx.Done():
		return completion.Failed(completion.Classify(ctx.Err()), ctx.Err().Error())
	}
}

func (s *Service) cachedAnswer(ctx context.Context, key string) (string, bool) {
	if s.answers == nil {
		return "", false
	}
	text, ok, err := s.answers.Get(ctx, key)
	if err != nil {
		observability.AnswerCacheErrorsTotal.WithLabelValues("get").Inc()
		s.loggerFor(ctx).Warn("answer cache get failed", zap.Error(err))
		return "", false
	}
	if ok {
		observability.AnswerCacheHitsTotal.Inc()
		s.loggerFor(ctx).Debug("answer cache hit")
	}
	return text, ok
}

func (s *Service) storeAnswer(ctx context.Context, key, text string) {
	if s.answers == nil {
		return
	}
	if err := s.answers.Set(ctx, key, text, s.answerTTL); err != nil {
		observability.AnswerCacheErrorsTotal.WithLabelValues("set").Inc()
		s.loggerFor(ctx).Warn("answer cache set failed", zap.Error(err))
	}
}

func (s *Service) recordOutcome(result completion.Result) {
	if s.outcomes == nil {
		return
	}
	if result.OK() {
		s.outcomes.RecordSuccess()
		return
	}
	s.outcomes.RecordError()
}

func (s *Service) loggerFor(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}
