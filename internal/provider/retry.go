package provider

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"ugc/server/internal/telemetry"
)

// DefaultMaxRetryWait caps how long a single retry may wait. A provider
// asking for a longer pause gets its error surfaced to the caller instead.
const DefaultMaxRetryWait = 30 * time.Second

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy bounds how often job creation is re-attempted after rate limits
// and transient failures. Status queries are never retried here.
type RetryPolicy struct {
	MaxRetries       int
	RateLimitBackoff time.Duration
	MaxWait          time.Duration
	Sleep            SleepFunc
	Logger           *slog.Logger
}

func DefaultRetryPolicy(logger *slog.Logger) RetryPolicy {
	return RetryPolicy{
		MaxRetries:       3,
		RateLimitBackoff: DefaultRetryAfter,
		MaxWait:          DefaultMaxRetryWait,
		Logger:           logger,
	}
}

// Submit validates req and creates the job, retrying retryable failures at
// most MaxRetries times. Validation errors never reach the adapter.
func (p RetryPolicy) Submit(ctx context.Context, a Adapter, req Request) (JobHandle, error) {
	if req.Provider == "" {
		req.Provider = a.ID()
	}
	if err := req.Validate(); err != nil {
		return JobHandle{}, err
	}
	logger := p.logger().With("provider", string(a.ID()), "kind", string(req.Kind))
	for attempt := 0; ; attempt++ {
		handle, err := a.Submit(ctx, req)
		if err == nil {
			return handle, nil
		}
		if attempt >= p.MaxRetries || !IsRetryable(err) {
			return JobHandle{}, err
		}
		var pErr *Error
		errors.As(err, &pErr)
		wait := p.backoff(pErr, attempt+1)
		if limit := p.maxWait(); wait > limit {
			logger.Warn("retry wait exceeds limit, giving up",
				"attempt", attempt+1,
				"error_kind", pErr.Kind,
				"wait", wait,
				"max_wait", limit,
			)
			return JobHandle{}, err
		}
		telemetry.SubmitRetriesTotal.WithLabelValues(string(a.ID()), string(pErr.Kind)).Inc()
		logger.Warn("retrying job creation",
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"error_kind", pErr.Kind,
			"wait", wait,
		)
		if err := p.sleep(ctx, wait); err != nil {
			return JobHandle{}, canceledError(a.ID(), err)
		}
	}
}

// SubmitWithFallback tries each model in order and moves on only when the
// previous one does not exist. Any other error ends the search.
func (p RetryPolicy) SubmitWithFallback(ctx context.Context, a Adapter, req Request, models []string) (JobHandle, string, error) {
	if len(models) == 0 {
		h, err := p.Submit(ctx, a, req)
		return h, req.Model, err
	}
	var lastErr error
	for _, m := range models {
		req.Model = m
		h, err := p.Submit(ctx, a, req)
		if err == nil {
			return h, m, nil
		}
		lastErr = err
		if KindOf(err) != KindNotFound {
			return JobHandle{}, m, err
		}
		p.logger().Info("model unavailable, trying next", "provider", string(a.ID()), "model", m)
	}
	return JobHandle{}, req.Model, lastErr
}

func (p RetryPolicy) backoff(err *Error, attempt int) time.Duration {
	if err.RetryAfter > 0 {
		return err.RetryAfter
	}
	if err.Kind == KindRateLimit {
		if p.RateLimitBackoff > 0 {
			return p.RateLimitBackoff
		}
		return DefaultRetryAfter
	}
	return retryBackoff(attempt)
}

func (p RetryPolicy) maxWait() time.Duration {
	if p.MaxWait > 0 {
		return p.MaxWait
	}
	return DefaultMaxRetryWait
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return waitCancelable(ctx, d)
}

func (p RetryPolicy) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func retryBackoff(attempt int) time.Duration {
	base := time.Second << max(attempt-1, 0) // 1s, 2s, 4s...
	jitter := time.Duration(rand.Int63n(int64(base / 5)))
	return base + jitter
}
