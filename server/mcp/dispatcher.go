package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mcplane/mcplane/server/middleware"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

// HandlerFunc is one MCP method handler: a function of the message (params
// plus the loaned session context).
type HandlerFunc func(*shared.Message) (interface{}, error)

// Dispatcher routes parsed messages to method handlers, running the
// validator set and the middleware chain around each dispatch.
type Dispatcher struct {
	manager *Manager
	logger  *zap.Logger

	mu           sync.RWMutex
	handlers     map[string]HandlerFunc
	validators   []shared.MessageValidator
	capabilities []shared.ICapability
	chain        *middleware.Chain
}

func NewDispatcher(manager *Manager, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		manager:  manager,
		logger:   logger.Named("dispatcher"),
		handlers: make(map[string]HandlerFunc),
		chain:    middleware.NewChain(),
	}
}

// AddServerCapability registers one or more capabilities' handlers.
func (d *Dispatcher) AddServerCapability(capabilities ...shared.IServerCapability) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, capability := range capabilities {
		d.capabilities = append(d.capabilities, capability)
		for method, handler := range capability.GetHandlers() {
			d.handlers[method] = handler
			d.logger.Debug("Registered handler from capability",
				zap.String("capability", fmt.Sprintf("%T", capability)),
				zap.String("method", method))
		}
	}
}

// AddValidator appends message validators run before every dispatch.
func (d *Dispatcher) AddValidator(validators ...shared.MessageValidator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.validators = append(d.validators, validators...)
}

// UseMiddleware appends a middleware to the chain.
func (d *Dispatcher) UseMiddleware(m middleware.Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chain.Use(m)
}

// HasMethod reports whether a handler is registered for the method.
func (d *Dispatcher) HasMethod(method string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.handlers[method]
	return exists
}

// BuildServerCapabilities asks every registered capability to contribute
// its bits.
func (d *Dispatcher) BuildServerCapabilities() schema.ServerCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	caps := schema.ServerCapabilities{}
	for _, capability := range d.capabilities {
		if serverCap, ok := capability.(shared.IServerCapability); ok {
			serverCap.SetCapabilities(&caps)
		}
	}
	return caps
}

// Dispatch runs one request or notification: validators, middleware
// before-hooks, the handler, middleware after-hooks. Panics become -32603.
// The returned error is always a *shared.JSONRPCError.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *shared.Message) (result interface{}, rpcErr *shared.JSONRPCError) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic recovered during dispatch",
				zap.Any("panic", r),
				zap.Stringp("method", msg.Method),
				zap.Any("msgId", msg.ID))
			result = nil
			rpcErr = &shared.JSONRPCError{Code: shared.JSONRPCErrorInternal, Message: "Internal error"}
		}
	}()

	if msg.Method == nil {
		return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInvalidRequest, Message: "Missing method"}
	}
	method := *msg.Method

	d.mu.RLock()
	validators := make([]shared.MessageValidator, len(d.validators))
	copy(validators, d.validators)
	handler, handlerExists := d.handlers[method]
	chain := d.chain
	d.mu.RUnlock()

	for _, validator := range validators {
		if err := validator.Validate(msg); err != nil {
			return nil, &shared.JSONRPCError{Code: shared.JSONRPCErrorInvalidRequest, Message: err.Error()}
		}
	}

	req := &middleware.RequestContext{
		Method:   method,
		Params:   msg.Params,
		Metadata: msg.Headers,
	}
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}

	// For initialize the session does not exist from the middleware's
	// point of view: no view is handed out, and injected values land on
	// the freshly created session below.
	var view middleware.SessionView
	sessionCtx, _ := msg.Session.(*SessionContext)
	if method != "initialize" && sessionCtx != nil {
		req.SessionID = sessionCtx.SessionID()
		view = sessionCtx.View()
	}

	injection := middleware.NewSessionInjection()
	succeeded, mwErr := chain.Before(ctx, req, view, injection)
	if mwErr != nil {
		outcome := &middleware.Result{Err: mwErr}
		chain.After(ctx, succeeded, req, outcome)
		if outcome.Err != nil {
			return nil, middlewareErrorToJSONRPC(outcome.Err)
		}
		return outcome.Value, nil
	}

	if sessionCtx != nil {
		d.applyInjection(sessionCtx, injection)
	}

	if !handlerExists {
		d.logger.Warn("Method not found", zap.String("method", method))
		return nil, shared.NewMethodNotFoundError(method)
	}

	value, err := handler(msg)
	outcome := &middleware.Result{Value: value, Err: err}
	chain.After(ctx, succeeded, req, outcome)

	if outcome.Err != nil {
		return nil, middlewareErrorToJSONRPC(outcome.Err)
	}
	return outcome.Value, nil
}

// applyInjection merges staged middleware state/metadata into the session
// before the handler runs.
func (d *Dispatcher) applyInjection(session *SessionContext, injection *middleware.SessionInjection) {
	for key, value := range injection.State() {
		if err := d.manager.storage.SetState(session.ctx, session.SessionID(), key, value); err != nil {
			d.logger.Error("Failed to apply injected state", zap.String("key", key), zap.Error(err))
		}
	}
	for key, value := range injection.Metadata() {
		if err := d.manager.storage.SetMetadata(session.ctx, session.SessionID(), key, value); err != nil {
			d.logger.Error("Failed to apply injected metadata", zap.String("key", key), zap.Error(err))
		}
	}
}

func middlewareErrorToJSONRPC(err error) *shared.JSONRPCError {
	var mwErr *middleware.Error
	if errors.As(err, &mwErr) {
		return mwErr.ToJSONRPC()
	}
	return shared.AsJSONRPCError(err)
}
