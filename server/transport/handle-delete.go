package transport

import (
	"net/http"

	"github.com/mcplane/mcplane/shared"
	"go.uber.org/zap"
)

// handleDELETE terminates the session explicitly. Idempotent: deleting an
// already-gone session still answers 204.
func (t *Transport) handleDELETE(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	sessionID := r.Header.Get(MCPSessionHeader)
	if sessionID == "" {
		sendJSONRPCErrorResponse(w, http.StatusBadRequest, nil, shared.JSONRPCErrorInvalidRequest,
			"Session not initialized", nil, logger)
		return
	}

	existed, err := t.manager.DeleteSession(r.Context(), sessionID)
	if err != nil {
		logger.Error("Failed to delete session", zap.String("sessionID", sessionID), zap.Error(err))
		sendJSONRPCErrorResponse(w, http.StatusInternalServerError, nil, shared.JSONRPCErrorInternal,
			"Internal error", nil, logger)
		return
	}
	logger.Info("Session terminated", zap.String("sessionID", sessionID), zap.Bool("existed", existed))
	w.WriteHeader(http.StatusNoContent)
}
