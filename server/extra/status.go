package extra

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mcplane/mcplane/server/mcp"
	"go.uber.org/zap"
)

// RegisterStatusHandler mounts a liveness endpoint reporting session and
// stream counts.
func RegisterStatusHandler(mux *http.ServeMux, manager *mcp.Manager, logger *zap.Logger) {
	started := time.Now()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		sessionCount, err := manager.SessionCount(ctx)
		status := "ok"
		if err != nil {
			logger.Warn("Status session count failed", zap.Error(err))
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"status":        status,
			"uptimeSeconds": int(time.Since(started).Seconds()),
			"sessions":      sessionCount,
			"liveStreams":   manager.Broadcaster().LiveStreamCount(),
			"serverName":    manager.ServerInfo().Name,
			"serverVersion": manager.ServerInfo().Version,
		})
	})
	logger.Info("Registered status handler", zap.String("path", "/status"))
}
