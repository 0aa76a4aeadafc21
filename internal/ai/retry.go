// retry.go - Retry loop with exponential backoff for model API calls

package ai

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig defines retry behavior for model API calls.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
	JitterFraction  float64
}

// DefaultRetryConfig provides sensible defaults for retry behavior.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    1 * time.Second,
	MaxDelay:        8 * time.Second,
	BackoffMultiple: 2.0,
	JitterFraction:  0.25,
}

// withMaxAttempts returns a copy with the attempt budget overridden.
// Zero or negative leaves the default in place.
func (c RetryConfig) withMaxAttempts(n int) RetryConfig {
	if n > 0 {
		c.MaxAttempts = n
	}
	return c
}

// backoffDelay computes the base exponential delay for an attempt number,
// capped at MaxDelay. Attempt numbers start at 1. The result depends on
// nothing but the attempt number and the config.
func backoffDelay(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= config.BackoffMultiple
	}
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

var (
	jitterMu  sync.Mutex
	jitterRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// jitteredDelay adds random jitter on top of the base backoff so concurrent
// workers do not retry in lockstep after a shared rate limit.
func jitteredDelay(attempt int, config RetryConfig) time.Duration {
	delay := backoffDelay(attempt, config)
	if config.JitterFraction <= 0 {
		return delay
	}
	jitterMu.Lock()
	jitter := time.Duration(jitterRng.Float64() * config.JitterFraction * float64(delay))
	jitterMu.Unlock()
	return delay + jitter
}

// attemptFunc performs one model call attempt and returns the parsed result.
// Implementations must report the attempt's token usage themselves before
// returning, success or not.
type attemptFunc func(ctx context.Context) (*ExtractionResult, error)

// retryExtract runs attempt until it succeeds, fails permanently, or the
// attempt budget is exhausted. Only transient errors are retried.
func retryExtract(ctx context.Context, config RetryConfig, logger *slog.Logger, attempt attemptFunc) (*ExtractionResult, error) {
	var lastErr error

	for n := 1; n <= config.MaxAttempts; n++ {
		result, err := attempt(ctx)
		if err == nil {
			if n > 1 {
				logger.Info("retry succeeded", "attempt", n)
			}
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			logger.Error("permanent extraction error", "attempt", n, "error", err)
			return nil, err
		}
		if n >= config.MaxAttempts {
			break
		}

		delay := jitteredDelay(n, config)
		logger.Warn("transient extraction error, retrying",
			"attempt", n, "max_attempts", config.MaxAttempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("canceled during retry wait: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("extraction failed after %d attempts: %w", config.MaxAttempts, lastErr)
}
