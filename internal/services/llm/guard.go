// Package llm talks to the completion providers. Each provider client wraps
// its SDK behind the same single-turn Complete call; a shared guard applies
// client-side rate limiting, a circuit breaker and bounded retry so the
// pipeline only ever sees a reply or a classified error.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/explico/internal/interfaces"
)

// ErrUnparseable marks a model reply that could not be decoded into the
// expected JSON schema. Its text is the row error marker used to tell a first
// parse failure (retry) from a second consecutive one (terminal).
var ErrUnparseable = errors.New("llm reply not parseable")

// Retry tuning for provider calls. The first backoff roughly matches the
// providers' shortest quota window.
const (
	guardMaxRetries     = 3
	guardInitialBackoff = 2 * time.Second
	guardMaxBackoff     = 60 * time.Second
)

// callGuard serializes provider calls through a client-side request budget and
// a circuit breaker, retrying transient provider failures with exponential
// sleep. One guard per provider client.
type callGuard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  arbor.ILogger
}

func newCallGuard(name string, perMinute int, logger arbor.ILogger) *callGuard {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &callGuard{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger,
	}
}

// do runs one provider call under the guard. Rate-limit and 5xx errors are
// retried with exponential sleep honoring any provider-suggested delay; an
// open breaker fails fast without consuming retries.
func (g *callGuard) do(ctx context.Context, call func() (*interfaces.CompletionResponse, error)) (*interfaces.CompletionResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= guardMaxRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := g.breaker.Execute(func() (interface{}, error) {
			return call()
		})
		if err == nil {
			return result.(*interfaces.CompletionResponse), nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("provider circuit open: %w", err)
		}
		if !IsRetryableError(err) || attempt == guardMaxRetries {
			break
		}

		backoff := guardBackoff(attempt, ExtractRetryDelay(err))
		g.logger.Warn().
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(err).
			Msg("Retrying provider call")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

// guardBackoff doubles the initial backoff per attempt, capped. A
// provider-suggested delay replaces the computed base with a small buffer.
func guardBackoff(attempt int, suggested time.Duration) time.Duration {
	if suggested > 0 {
		d := suggested + 2*time.Second
		if d > guardMaxBackoff {
			return guardMaxBackoff
		}
		return d
	}
	d := guardInitialBackoff << uint(attempt)
	if d > guardMaxBackoff {
		return guardMaxBackoff
	}
	return d
}

// IsRetryableError reports whether a provider error is worth another attempt:
// rate limits, overload and server-side failures. Auth and malformed request
// errors are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "resource_exhausted", "quota",
		"500", "502", "503", "504",
		"overloaded", "timeout", "deadline exceeded",
		"connection reset", "connection refused", "eof",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// retryDelayRegex matches "Please retry in Xs" or "retryDelay:Xs" patterns the
// providers embed in rate-limit errors.
var retryDelayRegex = regexp.MustCompile(`(?i)(?:please retry in |retrydelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// ExtractRetryDelay parses the provider-suggested retry delay out of an error
// message. Returns 0 when none is present.
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}
	matches := retryDelayRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}
	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
