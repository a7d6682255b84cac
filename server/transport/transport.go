package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/config"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

const (
	// DefaultPath is the single MCP endpoint path.
	DefaultPath = "/mcp"

	MCPSessionHeader     = "Mcp-Session-Id"
	ProtocolVersionHeader = "MCP-Protocol-Version"
	LastEventIDHeader    = "Last-Event-ID"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"

	allowedMethods = "GET, POST, DELETE, OPTIONS"
	allowedHeaders = "Content-Type, Accept, MCP-Protocol-Version, Mcp-Session-Id, Last-Event-ID"
)

// Transport is the streamable HTTP endpoint: POST carries JSON-RPC
// messages (answered with a JSON body or a POST-scoped SSE stream), GET
// opens the persistent notification stream, DELETE tears the session
// down, OPTIONS answers CORS preflights.
type Transport struct {
	manager *mcp.Manager
	logger  *zap.Logger
	config  config.IConfig

	path              string
	corsEnabled       bool
	sseEnabled        bool
	postSSEEnabled    bool
	maxBodySize       int64
	sessionTimeout    time.Duration
	cleanupInterval   time.Duration
	keepaliveInterval time.Duration
	requestTimeout    time.Duration
}

// TransportOption configures the Transport.
type TransportOption func(*Transport) error

// WithKeepaliveInterval sets the SSE ping cadence.
func WithKeepaliveInterval(interval time.Duration) TransportOption {
	return func(t *Transport) error {
		if interval <= 0 {
			return errors.New("keepalive interval must be positive")
		}
		t.keepaliveInterval = interval
		return nil
	}
}

// WithRequestTimeout caps handler processing per request.
func WithRequestTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) error {
		if timeout <= 0 {
			return errors.New("request timeout must be positive")
		}
		t.requestTimeout = timeout
		return nil
	}
}

// WithCleanupInterval sets how often idle sessions are swept.
func WithCleanupInterval(interval time.Duration) TransportOption {
	return func(t *Transport) error {
		if interval <= 0 {
			return errors.New("cleanup interval must be positive")
		}
		t.cleanupInterval = interval
		return nil
	}
}

// New creates the MCP HTTP transport.
func New(manager *mcp.Manager, logger *zap.Logger, cfg config.IConfig, options ...TransportOption) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if manager == nil {
		return nil, errors.New("session manager cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	path, err := cfg.MCPPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get mcp path from config: %w", err)
	}
	corsEnabled, err := cfg.CORSEnabled()
	if err != nil {
		return nil, err
	}
	sseEnabled, err := cfg.SSEEnabled()
	if err != nil {
		return nil, err
	}
	postSSEEnabled, err := cfg.POSTSSEEnabled()
	if err != nil {
		return nil, err
	}
	maxBodySize, err := cfg.MaxBodySize()
	if err != nil {
		return nil, err
	}
	expiryMinutes, err := cfg.SessionExpiryMinutes()
	if err != nil {
		return nil, err
	}

	transport := &Transport{
		manager:           manager,
		logger:            logger.Named("transport"),
		config:            cfg,
		path:              path,
		corsEnabled:       corsEnabled,
		sseEnabled:        sseEnabled,
		postSSEEnabled:    postSSEEnabled,
		maxBodySize:       maxBodySize,
		sessionTimeout:    time.Duration(expiryMinutes) * time.Minute,
		cleanupInterval:   5 * time.Minute,
		keepaliveInterval: 15 * time.Second,
		requestTimeout:    60 * time.Second,
	}
	for _, option := range options {
		if err := option(transport); err != nil {
			return nil, fmt.Errorf("failed to apply transport option: %w", err)
		}
	}

	logger.Info("MCP HTTP transport created",
		zap.String("path", transport.path),
		zap.Bool("sse", transport.sseEnabled),
		zap.Bool("postSSE", transport.postSSEEnabled),
		zap.Duration("sessionTimeout", transport.sessionTimeout),
	)
	return transport, nil
}

// Path returns the endpoint path.
func (t *Transport) Path() string {
	return t.path
}

// RegisterHandlers mounts the endpoint on the mux.
func (t *Transport) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(t.path, t.Handle())
	t.logger.Info("Registered MCP protocol handler", zap.String("path", t.path))
}

// StartSessionCleanup sweeps idle sessions until ctx is done.
func (t *Transport) StartSessionCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.manager.CleanupIdleSessions(ctx, t.sessionTimeout)
			}
		}
	}()
}

// Handle dispatches by HTTP verb.
func (t *Transport) Handle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := t.logger
		logger.Debug("Received request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		t.applyCORS(w)

		switch r.Method {
		case http.MethodPost:
			t.handlePOST(w, r, logger)
		case http.MethodGet:
			t.handleGET(w, r, logger)
		case http.MethodDelete:
			t.handleDELETE(w, r, logger)
		case http.MethodOptions:
			w.Header().Set("Allow", allowedMethods)
			w.WriteHeader(http.StatusOK)
		default:
			logger.Warn("Method not allowed", zap.String("method", r.Method))
			w.Header().Set("Allow", allowedMethods)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (t *Transport) applyCORS(w http.ResponseWriter) {
	if !t.corsEnabled {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
	w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
}

// headerMetadata lowers the request headers middleware cares about into
// the message metadata map.
func headerMetadata(r *http.Request) map[string]string {
	metadata := map[string]string{
		"remote-addr": r.RemoteAddr,
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		metadata["authorization"] = trimBearer(auth)
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		metadata["user-agent"] = ua
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		metadata["x-forwarded-for"] = fwd
	}
	return metadata
}

func trimBearer(value string) string {
	const prefix = "Bearer "
	if len(value) > len(prefix) && value[:len(prefix)] == prefix {
		return value[len(prefix):]
	}
	return value
}

// sendJSONResponse writes a JSON body with the given status.
func sendJSONResponse(w http.ResponseWriter, statusCode int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logger.Error("Failed to encode JSON response", zap.Error(err))
		}
	}
}

// sendJSONRPCErrorResponse writes a JSON-RPC error object. statusCode
// carries the HTTP-level mapping (400 for parse errors, 404 for unknown
// sessions, 200 for in-protocol errors).
func sendJSONRPCErrorResponse(w http.ResponseWriter, statusCode int, id *schema.RequestID, code int, message string, data interface{}, logger *zap.Logger) {
	errResp := shared.JSONRPCErrorResponse{
		JSONRPC: shared.JSONRPCVersion,
		ID:      id,
		Error: &shared.JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	logger.Warn("Sending JSON-RPC error",
		zap.Int("httpStatus", statusCode),
		zap.Int("code", code),
		zap.String("message", message),
	)
	sendJSONResponse(w, statusCode, errResp, logger)
}
