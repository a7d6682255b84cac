package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"go.uber.org/zap"
)

// Manager owns the session table (storage-backed) and the set of live SSE
// streams, and produces SessionContext values for handlers.
type Manager struct {
	storage     sessionstore.SessionStorage
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
	logger      *zap.Logger
	serverInfo  schema.Implementation
	// Optional usage instructions surfaced from initialize.
	instructions string
}

// NewManager creates a session manager over the given storage.
func NewManager(storage sessionstore.SessionStorage, logger *zap.Logger, serverInfo schema.Implementation, instructions string) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		storage:      storage,
		broadcaster:  NewBroadcaster(storage, logger, DefaultStreamQueueSize),
		logger:       logger.Named("session-manager"),
		serverInfo:   serverInfo,
		instructions: instructions,
	}
	m.dispatcher = NewDispatcher(m, logger)
	return m
}

func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

func (m *Manager) Broadcaster() *Broadcaster {
	return m.broadcaster
}

func (m *Manager) Storage() sessionstore.SessionStorage {
	return m.storage
}

func (m *Manager) Logger() *zap.Logger {
	return m.logger
}

func (m *Manager) ServerInfo() schema.Implementation {
	return m.serverInfo
}

func (m *Manager) Instructions() string {
	return m.instructions
}

// ServerCapabilities assembles the advertised tree from the registered
// capabilities. Bits are contributed only by features that really run.
func (m *Manager) ServerCapabilities() schema.ServerCapabilities {
	return m.dispatcher.BuildServerCapabilities()
}

// CreateSession mints a new session record.
func (m *Manager) CreateSession(ctx context.Context) (*SessionContext, error) {
	record, err := m.storage.CreateSession(ctx, m.ServerCapabilities())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.logger.Info("Created new session", zap.String("sessionID", record.ID))
	return m.contextFor(ctx, record), nil
}

// GetSession loads an existing session and touches its activity time.
func (m *Manager) GetSession(ctx context.Context, id string) (*SessionContext, error) {
	record, err := m.storage.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.storage.TouchSession(ctx, id); err != nil {
		m.logger.Warn("Failed to touch session", zap.String("sessionID", id), zap.Error(err))
	}
	return m.contextFor(ctx, record), nil
}

// BackgroundContext loans a context detached from any request, for task
// work that outlives the request which started it.
func (m *Manager) BackgroundContext(id string) (*SessionContext, error) {
	return m.GetSession(context.Background(), id)
}

func (m *Manager) contextFor(ctx context.Context, record *sessionstore.SessionRecord) *SessionContext {
	return &SessionContext{
		ctx:     ctx,
		record:  record,
		manager: m,
		logger:  m.logger.With(zap.String("sessionID", record.ID)),
	}
}

// DeleteSession removes the session, drops its live streams and reports
// whether it existed. Idempotent.
func (m *Manager) DeleteSession(ctx context.Context, id string) (bool, error) {
	existed, err := m.storage.DeleteSession(ctx, id)
	if err != nil {
		return false, err
	}
	m.broadcaster.DropSession(id)
	if existed {
		m.logger.Info("Deleted session", zap.String("sessionID", id))
	}
	return existed, nil
}

// SessionCount reports live sessions for observability and limits.
func (m *Manager) SessionCount(ctx context.Context) (int, error) {
	return m.storage.SessionCount(ctx)
}

// CleanupIdleSessions sweeps sessions idle longer than the timeout.
func (m *Manager) CleanupIdleSessions(ctx context.Context, timeout time.Duration) int {
	swept, err := m.storage.CleanupExpired(ctx, timeout)
	if err != nil {
		m.logger.Error("Session cleanup failed", zap.Error(err))
		return 0
	}
	if swept > 0 {
		m.logger.Info("Closed idle sessions", zap.Int("count", swept))
	}
	return swept
}

// NotifyEligibleSessions broadcasts a notification to every session that
// has a live stream attached. Used for *_list_changed fan-out; sessions
// without a live stream do not receive the event.
func (m *Manager) NotifyEligibleSessions(ctx context.Context, method string, params map[string]interface{}) {
	// Broadcasting requires the session list, which storage does not
	// enumerate; list-changed events go to sessions with live streams.
	for _, sessionID := range m.broadcaster.liveSessionIDs() {
		if err := m.broadcaster.Broadcast(ctx, sessionID, method, params); err != nil {
			m.logger.Warn("Failed to notify session",
				zap.String("sessionID", sessionID),
				zap.String("method", method),
				zap.Error(err))
		}
	}
}
