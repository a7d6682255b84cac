package shared

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

// ISessionCtx is the view of a session that method handlers receive with
// each message. The concrete implementation lives in server/mcp; the client
// runtime provides its own.
type ISessionCtx interface {
	SessionID() string
	ProtocolVersion() string
	ClientCapabilities() *schema.ClientCapabilities

	// Per-session JSON key/value state.
	GetState(key string) (json.RawMessage, error)
	SetState(key string, value interface{}) error
	DeleteState(key string) error

	// Notification emission. Events are durably buffered per session and
	// pushed to any live SSE stream.
	Notify(method string, params interface{}) error
	NotifyProgress(token interface{}, progress float64, total *float64, message string) error
	NotifyLog(level schema.LoggingLevel, loggerName string, data interface{}) error

	LogLevel() schema.LoggingLevel
	SetLogLevel(level schema.LoggingLevel)

	Logger() *zap.Logger
}

// Message is the in-process representation of one JSON-RPC message: a
// request (ID+Method), a notification (Method only), a response (ID+Result)
// or an error response (ID+Error).
type Message struct {
	ID        *schema.RequestID `json:"id,omitempty"`
	Timestamp time.Time         `json:"-"`
	Method    *string           `json:"method,omitempty"`
	Params    *json.RawMessage  `json:"params,omitempty"`
	Result    *json.RawMessage  `json:"result,omitempty"`
	Error     *JSONRPCError     `json:"error,omitempty"`

	Session ISessionCtx `json:"-"`
	Batch   bool        `json:"-"` // Whether the message arrived inside a batch
	// Transport metadata (headers, remote address) exposed to middleware.
	Headers map[string]string `json:"-"`
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != nil && !m.ID.IsEmpty()
}

// IsNotification reports whether the message is a notification (no id).
func (m *Message) IsNotification() bool {
	return m.Method != nil && m.ID.IsEmpty()
}

// IsResponse reports whether the message carries a result or error for a
// previously sent request.
func (m *Message) IsResponse() bool {
	return m.Method == nil && !m.ID.IsEmpty()
}

// ParseMessages parses a request body holding either a single JSON-RPC
// message or an ordered batch. The returned messages preserve input order;
// batch membership is recorded so the transport can shape the response.
func ParseMessages(data []byte) ([]*Message, error) {
	var messages []*Message
	err := json.Unmarshal(data, &messages)
	if err == nil {
		for _, msg := range messages {
			if msg == nil {
				return nil, fmt.Errorf("invalid JSON-RPC batch: null entry")
			}
			msg.Batch = true
		}
		return messages, nil
	}

	var singleMessage Message
	err = json.Unmarshal(data, &singleMessage)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC message (neither batch nor single): %w", err)
	}
	return []*Message{&singleMessage}, nil
}

// NilIfNil returns "nil" if the string pointer is nil, otherwise returns the pointed-to string.
func NilIfNil(s *string) string {
	if s == nil {
		return "nil"
	}
	return *s
}

// MarshalJSON ensures the JSONRPC field is properly set before marshaling.
// Exactly one of result or error appears on a response.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Error != nil {
		response := JSONRPCErrorResponse{
			JSONRPC: JSONRPCVersion,
			ID:      m.ID,
			Error:   m.Error,
		}
		return json.Marshal(response)
	}
	if m.Result != nil {
		response := JSONRPCResponse{
			JSONRPC: JSONRPCVersion,
			ID:      m.ID,
			Result:  m.Result,
		}
		return json.Marshal(response)
	}
	response := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      m.ID,
		Method:  m.Method,
		Params:  m.Params,
	}
	return json.Marshal(response)
}

// UnmarshalJSON validates the envelope while parsing.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      *schema.RequestID `json:"id,omitempty"`
		Method  *string           `json:"method,omitempty"`
		Params  *json.RawMessage  `json:"params,omitempty"`
		Result  *json.RawMessage  `json:"result,omitempty"`
		Error   *JSONRPCError     `json:"error,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("unsupported jsonrpc version %q", a.JSONRPC)
	}
	m.ID = a.ID
	m.Method = a.Method
	m.Params = a.Params
	m.Result = a.Result
	m.Error = a.Error

	// "result": null decodes to a nil pointer above, which would erase the
	// result field on re-encode. Probe for key presence so the wire form
	// survives a round trip.
	if m.Result == nil && m.Error == nil {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err == nil {
			if raw, present := probe["result"]; present {
				rawCopy := json.RawMessage(raw)
				m.Result = &rawCopy
			}
		}
	}
	return nil
}
