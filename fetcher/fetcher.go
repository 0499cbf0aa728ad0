// Package fetcher wraps outbound market-API requests with request pacing,
// bounded retry with exponential backoff and a circuit breaker. It
// recognizes both transport-level throttling (HTTP status) and the
// upstream's payload-embedded rate-limit codes.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"perpflow/config"
	"perpflow/logger"
	"perpflow/metrics"
)

// maxBodyBytes bounds response reads; candle payloads are a few KB.
const maxBodyBytes = 4 << 20

// ErrRateLimited marks an upstream throttling response.
var ErrRateLimited = errors.New("upstream rate limited")

// ExhaustedError is returned once every attempt has failed. It wraps the
// last observed error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// StatusError is a non-ok HTTP response. Server-side statuses are retried,
// other client errors propagate immediately.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func (e *StatusError) retryable() bool { return e.Code >= 500 }

// Fetcher issues single GET requests with retry and pacing. Safe for
// concurrent use; it holds no per-request state.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   config.RetryConfig
	log     *logger.Log

	// sleep is swapped out by tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Fetcher from configuration.
func New(cfg config.FetcherConfig) *Fetcher {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold == 0 {
		threshold = 10
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "market-api",
		Timeout: cfg.CircuitBreaker.RecoveryTimeout.D(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})

	return &Fetcher{
		client:  &http.Client{Timeout: cfg.Timeout.D()},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
		retry:   cfg.Retry,
		log:     logger.GetLogger(),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch GETs url, retrying throttled and transient failures with delays
// that double from base_delay up to max_delay. maxAttempts <= 0 uses the
// configured default. The last error is propagated after exhaustion.
func (f *Fetcher) Fetch(ctx context.Context, url string, maxAttempts int) ([]byte, error) {
	if maxAttempts <= 0 {
		maxAttempts = f.retry.MaxAttempts
	}
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{"url": url})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.retry.BaseDelay.D()
	bo.MaxInterval = f.retry.MaxDelay.D()
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := f.do(ctx, url)
		if err == nil {
			metrics.FetchAttempt("ok")
			return body, nil
		}
		lastErr = err
		if errors.Is(err, ErrRateLimited) {
			metrics.FetchAttempt("throttled")
			metrics.RateLimitHit()
		} else {
			metrics.FetchAttempt("error")
		}

		if !retryable(err) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := bo.NextBackOff()
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("request failed, backing off")
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &ExhaustedError{Attempts: maxAttempts, Last: lastErr}
}

func (f *Fetcher) do(ctx context.Context, url string) ([]byte, error) {
	res, err := f.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		if throttled(resp.StatusCode, body) {
			return nil, fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// retryable reports whether an attempt error warrants a backoff retry.
// Breaker-open errors fail fast; the breaker timeout already spaces
// requests out.
func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.retryable()
	}
	// Anything else is a transport-level failure.
	return true
}

// throttled recognizes throttling from the status line or from rate-limit
// markers embedded in an otherwise well-formed payload.
func throttled(status int, body []byte) bool {
	if status == http.StatusTooManyRequests || status == http.StatusTeapot {
		return true
	}
	if bytes.Contains(body, []byte(`"code":"50011"`)) || bytes.Contains(body, []byte(`"code":"50013"`)) {
		return true
	}
	return bytes.Contains(body, []byte("Too Many Requests"))
}
