package sessionstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

var _ SessionStorage = (*MemoryStorage)(nil)

// MemoryStorage keeps sessions in process memory. Fast, no persistence;
// the default for development and tests.
type MemoryStorage struct {
	mu          sync.RWMutex
	sessions    map[string]*memorySession
	eventBuffer int
	logger      *zap.Logger
}

type memorySession struct {
	record      SessionRecord
	events      []SseEvent
	nextEventID int64
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithEventBufferSize overrides the per-session event cap.
func WithEventBufferSize(size int) MemoryOption {
	return func(s *MemoryStorage) {
		if size > 0 {
			s.eventBuffer = size
		}
	}
}

// NewMemoryStorage creates an in-memory session storage.
func NewMemoryStorage(logger *zap.Logger, options ...MemoryOption) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MemoryStorage{
		sessions:    make(map[string]*memorySession),
		eventBuffer: DefaultEventBufferSize,
		logger:      logger.Named("sessionstore"),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *MemoryStorage) CreateSession(ctx context.Context, serverCaps schema.ServerCapabilities) (*SessionRecord, error) {
	now := time.Now()
	record := SessionRecord{
		ID:                 NewSessionID(),
		ServerCapabilities: serverCaps,
		CreatedAt:          now,
		LastActivity:       now,
		State:              make(map[string]json.RawMessage),
		Metadata:           make(map[string]json.RawMessage),
		LogLevel:           schema.LoggingLevelInfo,
	}

	s.mu.Lock()
	s.sessions[record.ID] = &memorySession{record: record}
	s.mu.Unlock()

	s.logger.Debug("Created session", zap.String("sessionID", record.ID))
	return cloneRecord(&record), nil
}

func (s *MemoryStorage) get(id string) (*memorySession, error) {
	sess, exists := s.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return cloneRecord(&sess.record), nil
}

func (s *MemoryStorage) TouchSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.record.LastActivity = time.Now()
	return nil
}

func (s *MemoryStorage) DeleteSession(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.sessions[id]
	delete(s.sessions, id)
	return exists, nil
}

func (s *MemoryStorage) SetInitialized(ctx context.Context, id string, version string, clientInfo schema.Implementation, clientCaps schema.ClientCapabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.record.ProtocolVersion = version
	sess.record.ClientInfo = &clientInfo
	sess.record.ClientCapabilities = &clientCaps
	sess.record.LastActivity = time.Now()
	return nil
}

func (s *MemoryStorage) SetLogLevel(ctx context.Context, id string, level schema.LoggingLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.record.LogLevel = level
	return nil
}

func (s *MemoryStorage) SetState(ctx context.Context, id, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.record.State[key] = value
	return nil
}

func (s *MemoryStorage) GetState(ctx context.Context, id, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := s.get(id)
	if err != nil {
		return nil, false, err
	}
	value, exists := sess.record.State[key]
	return value, exists, nil
}

func (s *MemoryStorage) DeleteState(ctx context.Context, id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	delete(sess.record.State, key)
	return nil
}

func (s *MemoryStorage) SetMetadata(ctx context.Context, id, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.record.Metadata[key] = value
	return nil
}

func (s *MemoryStorage) GetMetadata(ctx context.Context, id, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := s.get(id)
	if err != nil {
		return nil, false, err
	}
	value, exists := sess.record.Metadata[key]
	return value, exists, nil
}

func (s *MemoryStorage) StoreEvent(ctx context.Context, id string, event string, data json.RawMessage) (SseEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return SseEvent{}, err
	}
	sess.nextEventID++
	stored := SseEvent{ID: sess.nextEventID, Event: event, Data: data}
	sess.events = append(sess.events, stored)
	if len(sess.events) > s.eventBuffer {
		sess.events = sess.events[len(sess.events)-s.eventBuffer:]
	}
	return stored, nil
}

func (s *MemoryStorage) EventsAfter(ctx context.Context, id string, after int64) ([]SseEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := s.get(id)
	if err != nil {
		return nil, false, err
	}
	gap := len(sess.events) > 0 && after > 0 && sess.events[0].ID > after+1
	var out []SseEvent
	for _, e := range sess.events {
		if e.ID > after {
			out = append(out, e)
		}
	}
	return out, gap, nil
}

func (s *MemoryStorage) SessionCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

func (s *MemoryStorage) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	deadline := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for id, sess := range s.sessions {
		if sess.record.LastActivity.Before(deadline) {
			delete(s.sessions, id)
			swept++
		}
	}
	if swept > 0 {
		s.logger.Debug("Swept idle sessions", zap.Int("count", swept))
	}
	return swept, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
