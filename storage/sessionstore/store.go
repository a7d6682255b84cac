package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcplane/mcplane/shared/mcp/schema"
)

// DefaultEventBufferSize is the per-session cap on buffered SSE events.
// The oldest event is dropped when the cap is exceeded.
const DefaultEventBufferSize = 256

var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRecord is the storage-owned state of one session. Handlers never
// hold a record directly; they get a short-lived SessionContext instead.
type SessionRecord struct {
	ID string
	// Empty until initialize succeeds; never changes afterwards.
	ProtocolVersion    string
	ClientInfo         *schema.Implementation
	ClientCapabilities *schema.ClientCapabilities
	ServerCapabilities schema.ServerCapabilities
	CreatedAt          time.Time
	LastActivity       time.Time
	// Expanding JSON key/value state, written by handlers and middleware.
	State map[string]json.RawMessage
	// Metadata populated by middleware or initialize.
	Metadata map[string]json.RawMessage
	// Log severity threshold for notifications/message events.
	LogLevel schema.LoggingLevel
}

// Initialized reports whether the initialize handshake completed.
func (r *SessionRecord) Initialized() bool {
	return r.ProtocolVersion != ""
}

// SseEvent is a durable server-sent event bound to one session. IDs are
// monotonically increasing and unique within the session.
type SseEvent struct {
	ID    int64           `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SessionStorage persists session identity, negotiated capabilities,
// key/value state and the bounded buffer of SSE events per session.
// Implementations must be safe for concurrent use and must assign
// strictly monotonic per-session event ids.
type SessionStorage interface {
	// CreateSession mints a session with a fresh cryptographically random
	// opaque id.
	CreateSession(ctx context.Context, serverCaps schema.ServerCapabilities) (*SessionRecord, error)
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	// TouchSession updates the last-activity time.
	TouchSession(ctx context.Context, id string) error
	// DeleteSession removes the session and cascades to its events.
	// Idempotent; reports whether the session existed.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// SetInitialized records the negotiated version and client identity.
	// Fails with ErrSessionNotFound for unknown sessions.
	SetInitialized(ctx context.Context, id string, version string, clientInfo schema.Implementation, clientCaps schema.ClientCapabilities) error
	SetLogLevel(ctx context.Context, id string, level schema.LoggingLevel) error

	// Per-session JSON key/value state.
	SetState(ctx context.Context, id, key string, value json.RawMessage) error
	GetState(ctx context.Context, id, key string) (json.RawMessage, bool, error)
	DeleteState(ctx context.Context, id, key string) error

	// Session metadata (middleware-populated).
	SetMetadata(ctx context.Context, id, key string, value json.RawMessage) error
	GetMetadata(ctx context.Context, id, key string) (json.RawMessage, bool, error)

	// StoreEvent appends an event, assigning the next monotonic id, and
	// drops the oldest event beyond the buffer cap.
	StoreEvent(ctx context.Context, id string, event string, data json.RawMessage) (SseEvent, error)
	// EventsAfter returns buffered events with id > after, in id order.
	// gap is true when events between after and the oldest buffered id
	// have been evicted.
	EventsAfter(ctx context.Context, id string, after int64) (events []SseEvent, gap bool, err error)

	SessionCount(ctx context.Context) (int, error)
	// CleanupExpired removes sessions idle longer than ttl and returns how
	// many were swept.
	CleanupExpired(ctx context.Context, ttl time.Duration) (int, error)

	Close() error
}

// NewSessionID returns a fresh opaque session id. UUID v7 is preferred for
// temporal ordering; the random fallback covers clock failure.
func NewSessionID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func cloneRecord(r *SessionRecord) *SessionRecord {
	out := *r
	out.State = make(map[string]json.RawMessage, len(r.State))
	for k, v := range r.State {
		out.State[k] = v
	}
	out.Metadata = make(map[string]json.RawMessage, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
