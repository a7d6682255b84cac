package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// APIKeyMiddleware rejects requests whose metadata does not carry one of
// the configured keys. It is a hook, not a prescription: deployments with
// real identity providers plug in their own middleware.
type APIKeyMiddleware struct {
	Base
	// Metadata key holding the presented credential (the HTTP transport
	// lowers the Authorization bearer token into "authorization").
	MetadataKey string
	Keys        map[string]bool
}

func NewAPIKeyMiddleware(metadataKey string, keys ...string) *APIKeyMiddleware {
	set := make(map[string]bool, len(keys))
	for _, key := range keys {
		set[key] = true
	}
	return &APIKeyMiddleware{MetadataKey: metadataKey, Keys: set}
}

func (m *APIKeyMiddleware) BeforeDispatch(ctx context.Context, req *RequestContext, session SessionView, injection *SessionInjection) error {
	presented := req.Metadata[m.MetadataKey]
	if presented == "" {
		return NewUnauthorizedError("Missing API key")
	}
	if !m.Keys[presented] {
		return NewUnauthorizedError("Invalid API key")
	}
	injection.SetMetadata("authenticated", true) //nolint:errcheck
	return nil
}

// RateLimitMiddleware throttles per session. Requests for initialize are
// not counted: the session does not exist yet and the handshake must not
// consume the budget.
type RateLimitMiddleware struct {
	Base
	mu                sync.Mutex
	limiters          map[string]*rate.Limiter
	limit             rate.Limit
	burst             int
	retryAfterSeconds int
}

// NewRateLimitMiddleware allows `burst` immediate requests per session,
// refilling at `limit`. The retry hint is returned in data.retryAfter.
func NewRateLimitMiddleware(limit rate.Limit, burst int, retryAfterSeconds int) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiters:          make(map[string]*rate.Limiter),
		limit:             limit,
		burst:             burst,
		retryAfterSeconds: retryAfterSeconds,
	}
}

func (m *RateLimitMiddleware) limiterFor(sessionID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	limiter, exists := m.limiters[sessionID]
	if !exists {
		limiter = rate.NewLimiter(m.limit, m.burst)
		m.limiters[sessionID] = limiter
	}
	return limiter
}

func (m *RateLimitMiddleware) BeforeDispatch(ctx context.Context, req *RequestContext, session SessionView, injection *SessionInjection) error {
	if req.Method == "initialize" || req.SessionID == "" {
		return nil
	}
	if !m.limiterFor(req.SessionID).Allow() {
		return NewRateLimitError(m.retryAfterSeconds)
	}
	return nil
}

// Forget drops the limiter state of a deleted session.
func (m *RateLimitMiddleware) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, sessionID)
}
