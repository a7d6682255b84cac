package client

import (
	"net/http"
	"time"

	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

// Timeouts are the per-operation budgets.
type Timeouts struct {
	Connect        time.Duration
	Request        time.Duration
	LongOperation  time.Duration
	Initialization time.Duration
	Heartbeat      time.Duration
}

// DefaultTimeouts returns the budgets used unless overridden.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:        10 * time.Second,
		Request:        30 * time.Second,
		LongOperation:  5 * time.Minute,
		Initialization: 15 * time.Second,
		Heartbeat:      30 * time.Second,
	}
}

// RetryPolicy shapes the backoff applied to retryable failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Fraction of the delay randomized on each attempt (0..1).
	JitterFraction float64
	// Exponential growth when true, linear otherwise.
	Exponential bool
}

// DefaultRetryPolicy returns the policy used unless overridden.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      250 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       5 * time.Second,
		JitterFraction: 0.2,
		Exponential:    true,
	}
}

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithHTTPClient overrides the HTTP client (e.g. for custom TLS).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) error {
		if httpClient != nil {
			c.httpClient = httpClient
		}
		return nil
	}
}

// WithClientInfo sets the implementation metadata sent in initialize.
func WithClientInfo(info schema.Implementation) Option {
	return func(c *Client) error {
		c.clientInfo = info
		return nil
	}
}

// WithCapabilities sets the advertised client capability tree.
func WithCapabilities(caps schema.ClientCapabilities) Option {
	return func(c *Client) error {
		c.capabilities = caps
		return nil
	}
}

// WithProtocolVersion requests a specific protocol version during
// initialize instead of the latest supported.
func WithProtocolVersion(version schema.ProtocolVersion) Option {
	return func(c *Client) error {
		c.requestVersion = string(version)
		return nil
	}
}

// WithTimeouts overrides the per-operation budgets.
func WithTimeouts(timeouts Timeouts) Option {
	return func(c *Client) error {
		c.timeouts = timeouts
		return nil
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) error {
		c.retry = policy
		return nil
	}
}

// WithHeader adds a header to every request (e.g. Authorization).
func WithHeader(name, value string) Option {
	return func(c *Client) error {
		c.headers[name] = value
		return nil
	}
}
