package shared

import (
	"encoding/json"
	"fmt"

	"github.com/mcplane/mcplane/shared/mcp/schema"
)

const (
	JSONRPCVersion = "2.0"

	// Standard JSON-RPC 2.0 error codes
	JSONRPCErrorParseError     = -32700 // Invalid JSON was received
	JSONRPCErrorInvalidRequest = -32600 // The JSON sent is not a valid Request object
	JSONRPCErrorMethodNotFound = -32601 // The method does not exist / is not available
	JSONRPCErrorInvalidParams  = -32602 // Invalid method parameter(s)
	JSONRPCErrorInternal       = -32603 // Internal JSON-RPC error

	// -32000 to -32099 are reserved for implementation-defined server errors.
	// Middleware short-circuit errors map onto the first four.
	JSONRPCErrorUnauthorized      = -32000
	JSONRPCErrorForbidden         = -32001
	JSONRPCErrorBadRequest        = -32002
	JSONRPCErrorRateLimitExceeded = -32003

	// JSONRPCErrorTaskCancelled is synthesized by the task runtime when a
	// cancelled task's result is requested.
	JSONRPCErrorTaskCancelled = -32800
)

type JSONRPCErrorResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      *schema.RequestID `json:"id"` // Null when the request id could not be parsed
	Error   *JSONRPCError     `json:"error"`
}

// JSONRPCResponse represents the structure for sending successful JSON-RPC responses.
type JSONRPCResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      *schema.RequestID `json:"id"` // Must be present and same as request ID
	Result  *json.RawMessage  `json:"result"`
}

type JSONRPCMessage struct {
	JSONRPC string            `json:"jsonrpc"` // Must be "2.0"
	ID      *schema.RequestID `json:"id,omitempty"`
	Method  *string           `json:"method,omitempty"`
	Params  *json.RawMessage  `json:"params,omitempty"`
	Error   *JSONRPCError     `json:"error,omitempty"`
}

// JSONRPCRequestEnvelope is the outbound request form used by clients.
type JSONRPCRequestEnvelope struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      *schema.RequestID `json:"id,omitempty"` // Omitted for notifications
	Method  string            `json:"method"`
	Params  *json.RawMessage  `json:"params,omitempty"`
}

type JSONRPCNotification struct {
	JSONRPC string           `json:"jsonrpc"` // Must be "2.0"
	Method  *string          `json:"method"`
	Params  *json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error type code
	Message string      `json:"message"`        // Short error description
	Data    interface{} `json:"data,omitempty"` // Additional error information
}

// Error implements the Go error interface for JSONRPCError.
func (e *JSONRPCError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// AsJSONRPCError converts any Go error into a JSON-RPC error object,
// passing *JSONRPCError values through unchanged.
func AsJSONRPCError(err error) *JSONRPCError {
	if err == nil {
		return nil
	}
	if jsonErr, ok := err.(*JSONRPCError); ok {
		return jsonErr
	}
	return &JSONRPCError{
		Code:    JSONRPCErrorInternal,
		Message: err.Error(),
	}
}

// NewInvalidParamsError builds a -32602 error with a descriptive message.
func NewInvalidParamsError(format string, args ...interface{}) *JSONRPCError {
	return &JSONRPCError{
		Code:    JSONRPCErrorInvalidParams,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewMethodNotFoundError builds a -32601 error for an unknown method.
func NewMethodNotFoundError(method string) *JSONRPCError {
	return &JSONRPCError{
		Code:    JSONRPCErrorMethodNotFound,
		Message: fmt.Sprintf("Method not found: %s", method),
	}
}
