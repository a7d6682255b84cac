package client

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mcplane/mcplane/shared"
)

// isRetryable classifies failures the retry loop may replay: transport
// errors, timeouts, and implementation-defined server errors
// (-32000..-32099). Protocol errors (-32700..-32600 range) are final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rpcErr *shared.JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code <= -32000 && rpcErr.Code >= -32099
	}
	// Anything that never reached the JSON-RPC layer is a transport
	// failure.
	return true
}

// newBackOff builds the policy's backoff sequence. Jitter is applied per
// attempt as a symmetric fraction of the delay.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.Exponential {
		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = p.BaseDelay
		expo.Multiplier = p.Multiplier
		expo.MaxInterval = p.MaxDelay
		expo.RandomizationFactor = p.JitterFraction
		expo.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts
		return expo
	}
	return &linearBackOff{policy: p}
}

// linearBackOff grows the delay arithmetically: base, 2*base, 3*base...
type linearBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	delay := time.Duration(l.attempt) * l.policy.BaseDelay
	if l.policy.MaxDelay > 0 && delay > l.policy.MaxDelay {
		delay = l.policy.MaxDelay
	}
	if l.policy.JitterFraction > 0 {
		jitter := float64(delay) * l.policy.JitterFraction
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}

// withRetry runs op under the client's retry policy.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	bo := backoff.WithContext(c.retry.newBackOff(), ctx)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
