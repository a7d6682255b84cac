package extra

import (
	"context"
	"net/http"
	"time"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RegisterMetricsHandler mounts a Prometheus endpoint with session and
// broadcaster gauges on a dedicated registry, so embedders keep control
// of the default registry.
func RegisterMetricsHandler(mux *http.ServeMux, manager *mcp.Manager, logger *zap.Logger) {
	registry := prometheus.NewRegistry()

	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mcplane_sessions",
			Help: "Number of live sessions.",
		},
		func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			count, err := manager.SessionCount(ctx)
			if err != nil {
				return -1
			}
			return float64(count)
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mcplane_live_sse_streams",
			Help: "Number of attached SSE streams.",
		},
		func() float64 {
			return float64(manager.Broadcaster().LiveStreamCount())
		},
	))

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("Registered metrics handler", zap.String("path", "/metrics"))
}
