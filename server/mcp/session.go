package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"go.uber.org/zap"
)

var _ shared.ISessionCtx = (*SessionContext)(nil)

// SessionContext is the per-request loan of a session: it gives the
// handler read/write state access and notification emission for the
// duration of one request. It must not outlive the request.
type SessionContext struct {
	ctx     context.Context
	record  *sessionstore.SessionRecord
	manager *Manager
	logger  *zap.Logger
}

func (s *SessionContext) SessionID() string {
	return s.record.ID
}

func (s *SessionContext) ProtocolVersion() string {
	return s.record.ProtocolVersion
}

func (s *SessionContext) ClientCapabilities() *schema.ClientCapabilities {
	return s.record.ClientCapabilities
}

// Record exposes the storage snapshot loaded for this request.
func (s *SessionContext) Record() *sessionstore.SessionRecord {
	return s.record
}

func (s *SessionContext) Logger() *zap.Logger {
	return s.logger
}

func (s *SessionContext) GetState(key string) (json.RawMessage, error) {
	value, exists, err := s.manager.storage.GetState(s.ctx, s.record.ID, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return value, nil
}

func (s *SessionContext) SetState(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal state %q: %w", key, err)
	}
	return s.manager.storage.SetState(s.ctx, s.record.ID, key, raw)
}

func (s *SessionContext) DeleteState(key string) error {
	return s.manager.storage.DeleteState(s.ctx, s.record.ID, key)
}

// GetTypedState deserializes a state value into T. ok is false when the
// key is absent.
func GetTypedState[T any](s *SessionContext, key string) (value T, ok bool, err error) {
	raw, err := s.GetState(key)
	if err != nil || raw == nil {
		return value, false, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("failed to unmarshal state %q: %w", key, err)
	}
	return value, true, nil
}

// SetTypedState serializes value into the session state.
func SetTypedState[T any](s *SessionContext, key string, value T) error {
	return s.SetState(key, value)
}

// Notify appends a notification event for this session and pushes it to
// any live SSE stream.
func (s *SessionContext) Notify(method string, params interface{}) error {
	return s.manager.broadcaster.Broadcast(s.ctx, s.record.ID, method, params)
}

// NotifyProgress emits notifications/progress bound to the request's
// progress token.
func (s *SessionContext) NotifyProgress(token interface{}, progress float64, total *float64, message string) error {
	return s.Notify("notifications/progress", schema.ProgressNotificationParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// NotifyLog emits notifications/message, filtered by the session's log
// severity threshold.
func (s *SessionContext) NotifyLog(level schema.LoggingLevel, loggerName string, data interface{}) error {
	if !s.record.LogLevel.Allows(level) {
		return nil
	}
	return s.Notify("notifications/message", schema.LoggingMessageNotificationParams{
		Level:  level,
		Logger: loggerName,
		Data:   data,
	})
}

func (s *SessionContext) LogLevel() schema.LoggingLevel {
	return s.record.LogLevel
}

func (s *SessionContext) SetLogLevel(level schema.LoggingLevel) {
	if err := s.manager.storage.SetLogLevel(s.ctx, s.record.ID, level); err != nil {
		s.logger.Error("Failed to persist log level", zap.Error(err))
		return
	}
	s.record.LogLevel = level
}

// NotifyResourceUpdated emits notifications/resources/updated.
func (s *SessionContext) NotifyResourceUpdated(uri string) error {
	return s.Notify("notifications/resources/updated", schema.ResourceUpdatedNotificationParams{URI: uri})
}

// Initialize records the handshake outcome on the session. The negotiated
// version never changes afterwards.
func (s *SessionContext) Initialize(version string, clientInfo schema.Implementation, caps schema.ClientCapabilities) error {
	if err := s.manager.storage.SetInitialized(s.ctx, s.record.ID, version, clientInfo, caps); err != nil {
		return err
	}
	s.record.ProtocolVersion = version
	s.record.ClientInfo = &clientInfo
	s.record.ClientCapabilities = &caps
	return nil
}

// View adapts the context to the middleware SessionView contract: state
// and metadata writes log failures instead of propagating them, so
// middleware never blocks request processing on storage trouble.
func (s *SessionContext) View() *SessionView {
	return &SessionView{session: s}
}

// SessionView is the middleware-facing session adapter.
type SessionView struct {
	session *SessionContext
}

func (v *SessionView) SessionID() string {
	return v.session.record.ID
}

func (v *SessionView) GetState(key string) (json.RawMessage, bool, error) {
	return v.session.manager.storage.GetState(v.session.ctx, v.session.record.ID, key)
}

func (v *SessionView) SetState(key string, value json.RawMessage) error {
	if err := v.session.manager.storage.SetState(v.session.ctx, v.session.record.ID, key, value); err != nil {
		v.session.logger.Error("Middleware state write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (v *SessionView) GetMetadata(key string) (json.RawMessage, bool, error) {
	return v.session.manager.storage.GetMetadata(v.session.ctx, v.session.record.ID, key)
}

func (v *SessionView) SetMetadata(key string, value json.RawMessage) error {
	if err := v.session.manager.storage.SetMetadata(v.session.ctx, v.session.record.ID, key, value); err != nil {
		v.session.logger.Error("Middleware metadata write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}
