package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"go.uber.org/zap"
)

func contextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// handleGET opens the persistent SSE stream for server-originated
// notifications. With Last-Event-ID the buffered tail replays first; an
// evicted position yields a resumption-gap event and the stream closes.
func (t *Transport) handleGET(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	if !t.sseEnabled {
		w.Header().Set("Allow", "POST, DELETE, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.Header.Get(MCPSessionHeader)
	if sessionID == "" {
		sendJSONRPCErrorResponse(w, http.StatusBadRequest, nil, shared.JSONRPCErrorInvalidRequest,
			"Session not initialized", nil, logger)
		return
	}
	_, err := t.manager.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sessionstore.ErrSessionNotFound) {
			sendJSONRPCErrorResponse(w, http.StatusNotFound, nil, shared.JSONRPCErrorInvalidRequest,
				"Session not found", nil, logger)
		} else {
			sendJSONRPCErrorResponse(w, http.StatusInternalServerError, nil, shared.JSONRPCErrorInternal,
				"Internal error", nil, logger)
		}
		return
	}
	logger = logger.With(zap.String("sessionID", sessionID))

	lastEventID := int64(0)
	resuming := false
	if header := r.Header.Get(LastEventIDHeader); header != "" {
		if parsed, parseErr := strconv.ParseInt(header, 10, 64); parseErr == nil {
			lastEventID = parsed
			resuming = true
		}
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		logger.Error("Streaming unsupported by response writer")
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying so no event falls between the replayed
	// tail and the live feed; duplicates are filtered by id below.
	subscriber := t.manager.Broadcaster().Subscribe(sessionID)
	defer t.manager.Broadcaster().Unsubscribe(subscriber)

	// Without Last-Event-ID the stream is fresh: history is not replayed,
	// the client sees only events produced from now on.
	buffered, gap, err := t.manager.Storage().EventsAfter(r.Context(), sessionID, lastEventID)
	if err != nil {
		logger.Error("Event replay lookup failed", zap.Error(err))
		sendJSONRPCErrorResponse(w, http.StatusInternalServerError, nil, shared.JSONRPCErrorInternal,
			"Internal error", nil, logger)
		return
	}

	if !resuming {
		for _, event := range buffered {
			if event.ID > lastEventID {
				lastEventID = event.ID
			}
		}
		buffered = nil
		gap = false
	}

	w.Header().Set(MCPSessionHeader, sessionID)
	sse.prepare(http.StatusOK)
	sse.writeRetry(3000)

	if gap {
		// The requested position fell off the ring; the client must
		// re-initialize.
		data, _ := json.Marshal(map[string]interface{}{"lastEventId": lastEventID})
		sse.writeMessage("resumption-gap", data) //nolint:errcheck
		logger.Warn("Resumption gap, closing stream", zap.Int64("lastEventID", lastEventID))
		return
	}

	delivered := lastEventID
	for _, event := range buffered {
		if err := sse.writeEvent(event); err != nil {
			logger.Warn("Failed to write replayed event", zap.Error(err))
			return
		}
		delivered = event.ID
	}

	ticker := time.NewTicker(t.keepaliveInterval)
	defer ticker.Stop()

	logger.Info("Persistent SSE stream open", zap.Int64("replayedThrough", delivered))
	for {
		select {
		case <-r.Context().Done():
			logger.Info("SSE stream client disconnected")
			return
		case event, ok := <-subscriber.Events():
			if !ok {
				logger.Info("SSE stream closed by server")
				return
			}
			if event.ID <= delivered {
				continue // already replayed
			}
			if err := sse.writeEvent(event); err != nil {
				logger.Warn("Failed to write live event", zap.Error(err))
				return
			}
			delivered = event.ID
		case <-ticker.C:
			if err := sse.writePing(); err != nil {
				return
			}
		}
	}
}
