package validators

import (
	"errors"
	"sync"

	"github.com/mcplane/mcplane/shared"
	"golang.org/x/time/rate"
)

// Throttling limits the rate of messages per session using RPS (requests
// per second) and RPM (requests per minute) buckets. It backstops the
// middleware rate limiter for deployments that want a hard transport-level
// cap.
type Throttling struct {
	defaultRPS int
	defaultRPM int
	mu         sync.Mutex
	limiters   map[string]*limiterPair
}

type limiterPair struct {
	rpsLimiter *rate.Limiter
	rpmLimiter *rate.Limiter
}

// NewThrottling creates a new throttling validator. Zero disables the
// corresponding bucket.
func NewThrottling(defaultRPS, defaultRPM int) *Throttling {
	return &Throttling{
		defaultRPS: defaultRPS,
		defaultRPM: defaultRPM,
		limiters:   make(map[string]*limiterPair),
	}
}

func (t *Throttling) getLimiters(sessionID string) *limiterPair {
	t.mu.Lock()
	defer t.mu.Unlock()
	pair, exists := t.limiters[sessionID]
	if exists {
		return pair
	}
	pair = &limiterPair{}
	if t.defaultRPM > 0 {
		pair.rpmLimiter = rate.NewLimiter(rate.Limit(t.defaultRPM)/60.0, t.defaultRPM)
	}
	if t.defaultRPS > 0 {
		pair.rpsLimiter = rate.NewLimiter(rate.Limit(t.defaultRPS), t.defaultRPS)
	}
	t.limiters[sessionID] = pair
	return pair
}

// Forget drops limiter state for a deleted session.
func (t *Throttling) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, sessionID)
}

// Validate implements the shared.MessageValidator interface.
func (t *Throttling) Validate(msg *shared.Message) error {
	if msg.Session == nil {
		return nil
	}
	pair := t.getLimiters(msg.Session.SessionID())
	if pair.rpsLimiter != nil && !pair.rpsLimiter.Allow() {
		return errors.New("message rate limit exceeded (per second)")
	}
	if pair.rpmLimiter != nil && !pair.rpmLimiter.Allow() {
		return errors.New("message rate limit exceeded (per minute)")
	}
	return nil
}

// CreateDefaultValidators returns the validator set a server starts with.
func CreateDefaultValidators(maxBodySize int64) []shared.MessageValidator {
	if maxBodySize <= 0 {
		maxBodySize = 4 << 20
	}
	return []shared.MessageValidator{
		NewMessageSizeValidator(maxBodySize),
	}
}
