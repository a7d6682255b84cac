package capability

import (
	"encoding/json"
	"fmt"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

var _ shared.IServerCapability = (*BaseCapability)(nil)

// BaseCapability provides handlers for fundamental MCP methods: the
// initialize handshake, ping and the initialized notification.
type BaseCapability struct {
	logger   *zap.Logger
	manager  *mcp.Manager
	handlers map[string]func(*shared.Message) (interface{}, error)
}

// NewBase creates a new BaseCapability.
func NewBase(logger *zap.Logger, manager *mcp.Manager) *BaseCapability {
	bc := &BaseCapability{
		logger:  logger.Named("base-capability"),
		manager: manager,
	}
	bc.handlers = map[string]func(*shared.Message) (interface{}, error){
		"ping":                      bc.handlePing,
		"initialize":                bc.handleInitialize,
		"notifications/initialized": bc.handleNotificationInitialized,
		"notifications/cancelled":   bc.handleNotificationCancelled,
	}
	return bc
}

func (bc *BaseCapability) GetHandlers() map[string]func(*shared.Message) (interface{}, error) {
	return bc.handlers
}

func (bc *BaseCapability) SetCapabilities(s *schema.ServerCapabilities) {
	// The handshake is implicit; no capability bits to contribute.
}

// handleInitialize negotiates the protocol version and records the
// client's identity and capability tree on the session.
func (bc *BaseCapability) handleInitialize(msg *shared.Message) (interface{}, error) {
	session, ok := msg.Session.(*mcp.SessionContext)
	if !ok {
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Internal server error: invalid session type"}
	}
	logger := bc.logger.With(zap.String("sessionID", session.SessionID()), zap.String("method", "initialize"))

	if session.Record().Initialized() {
		logger.Warn("Repeated initialize on the same session")
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInvalidRequest, Message: "Session already initialized"}
	}

	var params schema.InitializeRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		logger.Error("Failed to unmarshal initialize params", zap.Error(err))
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}

	negotiated := schema.NegotiateProtocolVersion(params.ProtocolVersion)
	logger.Info("Negotiated protocol version",
		zap.String("requestedVersion", params.ProtocolVersion),
		zap.String("negotiatedVersion", string(negotiated)),
		zap.String("clientName", params.ClientInfo.Name),
		zap.String("clientVersion", params.ClientInfo.Version),
	)

	if err := session.Initialize(string(negotiated), params.ClientInfo, params.Capabilities); err != nil {
		logger.Error("Failed to persist initialize result", zap.Error(err))
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Internal server error"}
	}

	return schema.InitializeResult{
		ProtocolVersion: string(negotiated),
		Capabilities:    bc.manager.ServerCapabilities(),
		ServerInfo:      bc.manager.ServerInfo(),
		Instructions:    bc.manager.Instructions(),
	}, nil
}

// handleNotificationInitialized confirms the client finished the handshake.
func (bc *BaseCapability) handleNotificationInitialized(msg *shared.Message) (interface{}, error) {
	session := msg.Session
	logger := bc.logger.With(zap.String("sessionID", session.SessionID()))
	if session.ProtocolVersion() == "" {
		logger.Warn("Received initialized notification before successful initialize")
		return nil, fmt.Errorf("protocol error: initialized before initialize")
	}
	logger.Info("Session initialized and connected",
		zap.String("negotiatedVersion", session.ProtocolVersion()))
	return nil, nil
}

// handleNotificationCancelled acknowledges request cancellation notices.
// Request handlers run to completion (§5: HTTP disconnects do not cancel
// in-flight handlers); the notice is logged for diagnostics.
func (bc *BaseCapability) handleNotificationCancelled(msg *shared.Message) (interface{}, error) {
	var params schema.CancelledNotificationParams
	if msg.Params != nil {
		if err := json.Unmarshal(*msg.Params, &params); err != nil {
			return nil, nil
		}
	}
	bc.logger.Debug("Request cancellation notice",
		zap.String("requestID", params.RequestID.String()),
		zap.String("reason", params.Reason))
	return nil, nil
}

// handlePing responds with an empty result.
func (bc *BaseCapability) handlePing(msg *shared.Message) (interface{}, error) {
	return map[string]interface{}{}, nil
}
