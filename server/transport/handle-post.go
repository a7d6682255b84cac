package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"go.uber.org/zap"
)

// streamableMethods are the requests likely to emit mid-flight
// notifications; only they may open a POST-scoped SSE stream.
var streamableMethods = map[string]bool{
	"tools/call":             true,
	"sampling/createMessage": true,
	"elicitation/create":     true,
}

// handlePOST processes one JSON-RPC message or batch.
func (t *Transport) handlePOST(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(strings.ToLower(ct), contentTypeJSON) {
		sendJSONRPCErrorResponse(w, http.StatusBadRequest, nil, shared.JSONRPCErrorInvalidRequest,
			"Content-Type must be application/json", nil, logger)
		return
	}

	bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxBodySize))
	if err != nil {
		sendJSONRPCErrorResponse(w, http.StatusBadRequest, nil, shared.JSONRPCErrorInvalidRequest,
			"Failed to read request body", nil, logger)
		return
	}
	defer r.Body.Close()

	msgs, err := shared.ParseMessages(bodyBytes)
	if err != nil {
		logger.Warn("Failed to parse JSON-RPC message(s)", zap.Error(err))
		sendJSONRPCErrorResponse(w, http.StatusBadRequest, nil, shared.JSONRPCErrorParseError,
			"Parse error", err.Error(), logger)
		return
	}
	if len(msgs) == 0 {
		sendJSONRPCErrorResponse(w, http.StatusBadRequest, nil, shared.JSONRPCErrorInvalidRequest,
			"Empty batch", nil, logger)
		return
	}

	isInitialize := msgs[0].Method != nil && *msgs[0].Method == "initialize"

	session, ok := t.resolveSession(w, r, logger, isInitialize)
	if !ok {
		return
	}

	if !t.checkProtocolVersionHeader(w, r, session, logger) {
		return
	}

	headers := headerMetadata(r)
	var requests []*shared.Message
	for _, msg := range msgs {
		msg.Session = session
		msg.Headers = headers
		msg.Timestamp = time.Now()
		if msg.IsRequest() {
			requests = append(requests, msg)
		}
	}

	// A notification-only payload gets 202 Accepted with an empty body;
	// processing continues in the background.
	if len(requests) == 0 {
		for _, msg := range msgs {
			if !msg.IsNotification() {
				continue
			}
			go func(notification *shared.Message) {
				dispatchCtx, cancel := contextWithTimeout(t.requestTimeout)
				defer cancel()
				if _, rpcErr := t.manager.Dispatcher().Dispatch(dispatchCtx, notification); rpcErr != nil {
					logger.Warn("Notification handler failed",
						zap.Stringp("method", notification.Method),
						zap.Error(rpcErr))
				}
			}(msg)
		}
		w.Header().Set(MCPSessionHeader, session.SessionID())
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if t.shouldStream(r, session, requests) {
		t.respondWithStream(w, r, session, requests, logger)
		return
	}
	t.respondWithJSON(w, r, session, requests, msgs, logger)
}

// resolveSession loads the session named by the Mcp-Session-Id header, or
// creates a fresh one for initialize. An initialize that names an existing
// session resolves to it, so the handler can reject the repeat handshake.
func (t *Transport) resolveSession(w http.ResponseWriter, r *http.Request, logger *zap.Logger, isInitialize bool) (*mcp.SessionContext, bool) {
	sessionID := r.Header.Get(MCPSessionHeader)

	if isInitialize && sessionID == "" {
		session, err := t.manager.CreateSession(r.Context())
		if err != nil {
			logger.Error("Failed to create session", zap.Error(err))
			sendJSONRPCErrorResponse(w, http.StatusInternalServerError, nil, shared.JSONRPCErrorInternal,
				"Failed to create session", nil, logger)
			return nil, false
		}
		return session, true
	}

	if sessionID == "" {
		sendJSONRPCErrorResponse(w, http.StatusBadRequest, nil, shared.JSONRPCErrorInvalidRequest,
			"Session not initialized", nil, logger)
		return nil, false
	}
	session, err := t.manager.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sessionstore.ErrSessionNotFound) {
			sendJSONRPCErrorResponse(w, http.StatusNotFound, nil, shared.JSONRPCErrorInvalidRequest,
				"Session not found", nil, logger)
		} else {
			logger.Error("Session lookup failed", zap.Error(err))
			sendJSONRPCErrorResponse(w, http.StatusInternalServerError, nil, shared.JSONRPCErrorInternal,
				"Internal error", nil, logger)
		}
		return nil, false
	}
	return session, true
}

// checkProtocolVersionHeader enforces that an explicit MCP-Protocol-Version
// header matches the session's negotiated version.
func (t *Transport) checkProtocolVersionHeader(w http.ResponseWriter, r *http.Request, session *mcp.SessionContext, logger *zap.Logger) bool {
	header := r.Header.Get(ProtocolVersionHeader)
	if header == "" || !session.Record().Initialized() {
		return true
	}
	if header != session.ProtocolVersion() {
		sendJSONRPCErrorResponse(w, http.StatusBadRequest, nil, shared.JSONRPCErrorInvalidRequest,
			"MCP-Protocol-Version header does not match negotiated version", nil, logger)
		return false
	}
	return true
}

// shouldStream decides between an immediate JSON body and a POST-scoped
// SSE stream.
func (t *Transport) shouldStream(r *http.Request, session *mcp.SessionContext, requests []*shared.Message) bool {
	if !t.postSSEEnabled {
		return false
	}
	version := schema.ProtocolVersion(session.ProtocolVersion())
	if session.Record().Initialized() && !version.SupportsStreamableHTTP() {
		return false
	}
	if !strings.Contains(strings.ToLower(r.Header.Get("Accept")), contentTypeSSE) {
		return false
	}
	for _, msg := range requests {
		if msg.Method != nil && streamableMethods[*msg.Method] {
			return true
		}
	}
	return false
}

type indexedResponse struct {
	index int
	msg   *shared.Message
}

// dispatchRequests runs every request concurrently, preserving input
// order in the returned slice.
func (t *Transport) dispatchRequests(requests []*shared.Message, results chan<- indexedResponse) {
	var wg sync.WaitGroup
	for i, msg := range requests {
		wg.Add(1)
		go func(index int, request *shared.Message) {
			defer wg.Done()
			dispatchCtx, cancel := contextWithTimeout(t.requestTimeout)
			defer cancel()

			value, rpcErr := t.manager.Dispatcher().Dispatch(dispatchCtx, request)
			response := &shared.Message{ID: request.ID}
			if rpcErr != nil {
				response.Error = rpcErr
			} else {
				raw, err := json.Marshal(value)
				if err != nil {
					response.Error = &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Failed to marshal result"}
				} else {
					rawMsg := json.RawMessage(raw)
					response.Result = &rawMsg
				}
			}
			results <- indexedResponse{index: index, msg: response}
		}(i, msg)
	}
	go func() {
		wg.Wait()
		close(results)
	}()
}

// respondWithJSON collects all responses and writes a single JSON body:
// one object for a single request, an ordered array for a batch.
func (t *Transport) respondWithJSON(w http.ResponseWriter, r *http.Request, session *mcp.SessionContext, requests []*shared.Message, all []*shared.Message, logger *zap.Logger) {
	results := make(chan indexedResponse, len(requests))
	t.dispatchRequests(requests, results)

	// Fire notifications that rode along in the batch.
	for _, msg := range all {
		if msg.IsNotification() {
			go func(notification *shared.Message) {
				dispatchCtx, cancel := contextWithTimeout(t.requestTimeout)
				defer cancel()
				t.manager.Dispatcher().Dispatch(dispatchCtx, notification) //nolint:errcheck
			}(msg)
		}
	}

	ordered := make([]*shared.Message, len(requests))
	for res := range results {
		ordered[res.index] = res.msg
	}

	w.Header().Set(MCPSessionHeader, session.SessionID())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)

	var payload interface{}
	if len(ordered) == 1 && !requests[0].Batch {
		payload = ordered[0]
	} else {
		payload = ordered
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

// respondWithStream answers over a POST-scoped SSE stream: mid-flight
// notifications for the session interleave with the responses, and the
// terminal response frame is always the last frame for its request id.
func (t *Transport) respondWithStream(w http.ResponseWriter, r *http.Request, session *mcp.SessionContext, requests []*shared.Message, logger *zap.Logger) {
	sse, ok := newSSEWriter(w)
	if !ok {
		logger.Error("Streaming unsupported by response writer")
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	subscriber := t.manager.Broadcaster().Subscribe(session.SessionID())
	defer t.manager.Broadcaster().Unsubscribe(subscriber)

	w.Header().Set(MCPSessionHeader, session.SessionID())
	sse.prepare(http.StatusOK)

	results := make(chan indexedResponse, len(requests))
	t.dispatchRequests(requests, results)

	pending := len(requests)
	ticker := time.NewTicker(t.keepaliveInterval)
	defer ticker.Stop()

	for pending > 0 {
		select {
		case <-r.Context().Done():
			logger.Info("Client disconnected during POST stream", zap.String("sessionID", session.SessionID()))
			return
		case event, ok := <-subscriber.Events():
			if !ok {
				continue
			}
			if err := sse.writeEvent(event); err != nil {
				logger.Warn("Failed to write SSE event", zap.Error(err))
				return
			}
		case res := <-results:
			data, err := json.Marshal(res.msg)
			if err != nil {
				logger.Error("Failed to marshal SSE response frame", zap.Error(err))
				return
			}
			if err := sse.writeMessage("message", data); err != nil {
				logger.Warn("Failed to write SSE response frame", zap.Error(err))
				return
			}
			pending--
		case <-ticker.C:
			if err := sse.writePing(); err != nil {
				return
			}
		}
	}
	// All terminal response frames written; the stream closes. Any further
	// progress notifications for these requests stay on the session buffer
	// and never reach this stream.
	logger.Debug("POST stream complete", zap.String("sessionID", session.SessionID()))
}
