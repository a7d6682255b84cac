package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcplane/mcplane/shared"
)

// RequestContext is the normalized view of one request the middleware
// chain operates on, independent of transport (HTTP, Lambda, stdio).
type RequestContext struct {
	Method string
	Params *json.RawMessage
	// Transport metadata: headers, remote address, anything the transport
	// chose to expose. Middleware may read and mutate it.
	Metadata map[string]string
	// Empty for initialize (the session does not exist yet).
	SessionID string
}

// SessionView is the minimal read-write session interface middleware gets.
// Write failures are logged by the implementation and not propagated, so
// middleware never blocks request processing on storage trouble.
type SessionView interface {
	SessionID() string
	GetState(key string) (json.RawMessage, bool, error)
	SetState(key string, value json.RawMessage) error
	GetMetadata(key string) (json.RawMessage, bool, error)
	SetMetadata(key string, value json.RawMessage) error
}

// SessionInjection is a staging buffer for session state and metadata.
// Values are applied to the session after the whole before-chain succeeds;
// for initialize they are applied to the freshly created session.
type SessionInjection struct {
	state    map[string]json.RawMessage
	metadata map[string]json.RawMessage
}

func NewSessionInjection() *SessionInjection {
	return &SessionInjection{
		state:    make(map[string]json.RawMessage),
		metadata: make(map[string]json.RawMessage),
	}
}

func (i *SessionInjection) SetState(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal injected state %q: %w", key, err)
	}
	i.state[key] = raw
	return nil
}

func (i *SessionInjection) SetMetadata(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal injected metadata %q: %w", key, err)
	}
	i.metadata[key] = raw
	return nil
}

func (i *SessionInjection) State() map[string]json.RawMessage    { return i.state }
func (i *SessionInjection) Metadata() map[string]json.RawMessage { return i.metadata }

// Result is the mutable dispatch outcome after-hooks may transform,
// including converting success into error or vice versa.
type Result struct {
	Value interface{}
	Err   error
}

// Middleware intercepts requests around the method handler.
type Middleware interface {
	// BeforeDispatch runs in registration order before the handler. A
	// returned error short-circuits the chain and the handler.
	BeforeDispatch(ctx context.Context, req *RequestContext, session SessionView, injection *SessionInjection) error
	// AfterDispatch runs in reverse order of the before-hooks that
	// succeeded.
	AfterDispatch(ctx context.Context, req *RequestContext, result *Result) error
}

// Base provides no-op hooks for middlewares that only need one side.
type Base struct{}

func (Base) BeforeDispatch(context.Context, *RequestContext, SessionView, *SessionInjection) error {
	return nil
}

func (Base) AfterDispatch(context.Context, *RequestContext, *Result) error {
	return nil
}

// Error is a middleware short-circuit error with a deterministic JSON-RPC
// mapping.
type Error struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// ToJSONRPC converts the middleware error to its wire form.
func (e *Error) ToJSONRPC() *shared.JSONRPCError {
	return &shared.JSONRPCError{Code: e.Code, Message: e.Message, Data: e.Data}
}

func NewUnauthorizedError(message string) *Error {
	if message == "" {
		message = "Unauthorized"
	}
	return &Error{Code: shared.JSONRPCErrorUnauthorized, Message: message}
}

func NewForbiddenError(message string) *Error {
	if message == "" {
		message = "Forbidden"
	}
	return &Error{Code: shared.JSONRPCErrorForbidden, Message: message}
}

func NewBadRequestError(code int, message string) *Error {
	if code == 0 {
		code = shared.JSONRPCErrorBadRequest
	}
	return &Error{Code: code, Message: message}
}

// NewRateLimitError carries the retry hint in data.retryAfter (seconds).
func NewRateLimitError(retryAfterSeconds int) *Error {
	return &Error{
		Code:    shared.JSONRPCErrorRateLimitExceeded,
		Message: "Rate limit exceeded",
		Data:    map[string]interface{}{"retryAfter": retryAfterSeconds},
	}
}

// Chain is the ordered middleware list.
type Chain struct {
	middlewares []Middleware
}

func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Use appends a middleware to the chain.
func (c *Chain) Use(m Middleware) {
	c.middlewares = append(c.middlewares, m)
}

// Len reports the number of registered middlewares.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Before runs the before-hooks in registration order. It returns how many
// hooks succeeded; on error the caller must still run After(succeeded, …)
// so completed middlewares unwind.
func (c *Chain) Before(ctx context.Context, req *RequestContext, session SessionView, injection *SessionInjection) (int, error) {
	for i, m := range c.middlewares {
		if err := m.BeforeDispatch(ctx, req, session, injection); err != nil {
			return i, err
		}
	}
	return len(c.middlewares), nil
}

// After runs the after-hooks of the first `succeeded` middlewares in
// reverse registration order.
func (c *Chain) After(ctx context.Context, succeeded int, req *RequestContext, result *Result) {
	if succeeded > len(c.middlewares) {
		succeeded = len(c.middlewares)
	}
	for i := succeeded - 1; i >= 0; i-- {
		if err := c.middlewares[i].AfterDispatch(ctx, req, result); err != nil {
			result.Value = nil
			result.Err = err
		}
	}
}
