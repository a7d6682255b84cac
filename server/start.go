package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mcplane/mcplane/server/extra"
	"github.com/mcplane/mcplane/server/mcp/validators"
	"github.com/mcplane/mcplane/server/transport"
	"github.com/mcplane/mcplane/shared/config"
	"go.uber.org/zap"
)

// Server is the immutable handle Start yields once configuration is
// consumed.
type Server struct {
	Transport  *transport.Transport
	Mux        *http.ServeMux
	HTTPServer *http.Server
	builder    *ServerBuilder
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) {
	transport.ShutdownHTTPServer(ctx, s.builder.logger, s.HTTPServer)
}

// Start builds and starts the MCP server with the provided options. It
// returns the server handle and a channel reporting listener errors.
func Start(ctx context.Context, logger *zap.Logger, cfg config.IConfig, options ...ServerOption) (*Server, <-chan error, error) {
	if logger == nil {
		return nil, nil, errors.New("logger cannot be nil")
	}
	if cfg == nil {
		return nil, nil, errors.New("config cannot be nil")
	}

	listenAddr, err := cfg.ListenAddr()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get listen address: %w", err)
	}

	builder := &ServerBuilder{
		ctx:        ctx,
		logger:     logger,
		cfg:        cfg,
		listenAddr: listenAddr,
		mux:        http.NewServeMux(),
	}

	logger.Info("Applying server configuration options...")
	for _, option := range options {
		if err := option(builder); err != nil {
			return nil, nil, fmt.Errorf("failed to apply server option: %w", err)
		}
	}
	if err := builder.EnsureMCPBaseCapability(); err != nil {
		return nil, nil, err
	}

	maxBodySize, err := cfg.MaxBodySize()
	if err != nil {
		return nil, nil, err
	}
	builder.manager.Dispatcher().AddValidator(validators.CreateDefaultValidators(maxBodySize)...)

	transportInstance, err := transport.New(builder.manager, logger, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}
	builder.transport = transportInstance
	transportInstance.RegisterHandlers(builder.mux)
	transportInstance.StartSessionCleanup(ctx)

	if builder.runtime != nil {
		builder.runtime.StartSweeper(ctx, time.Minute)
	}

	extra.RegisterStatusHandler(builder.mux, builder.manager, logger)
	extra.RegisterMetricsHandler(builder.mux, builder.manager, logger)

	httpServer, listenerErrChan, err := transport.StartHTTPServer(ctx, logger, cfg, builder.mux, listenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start HTTP server: %w", err)
	}

	server := &Server{
		Transport:  transportInstance,
		Mux:        builder.mux,
		HTTPServer: httpServer,
		builder:    builder,
	}
	return server, listenerErrChan, nil
}
