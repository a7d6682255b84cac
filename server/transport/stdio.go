package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/shared"
	"go.uber.org/zap"
)

// StdioTransport serves newline-delimited JSON-RPC over an in-process
// reader/writer pair (typically stdin/stdout). It shares the dispatcher
// with the HTTP transport and binds the whole connection to one session.
type StdioTransport struct {
	manager *mcp.Manager
	logger  *zap.Logger
	reader  io.Reader
	writer  io.Writer
	mu      sync.Mutex // serializes writes
}

func NewStdioTransport(manager *mcp.Manager, logger *zap.Logger, reader io.Reader, writer io.Writer) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{
		manager: manager,
		logger:  logger.Named("stdio"),
		reader:  reader,
		writer:  writer,
	}
}

// Serve reads messages until EOF or ctx cancellation. The session is
// created up front; notifications emitted for it are pumped onto the
// writer alongside responses.
func (t *StdioTransport) Serve(ctx context.Context) error {
	session, err := t.manager.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to create stdio session: %w", err)
	}
	sessionID := session.SessionID()
	defer t.manager.DeleteSession(context.Background(), sessionID) //nolint:errcheck

	subscriber := t.manager.Broadcaster().Subscribe(sessionID)
	defer t.manager.Broadcaster().Unsubscribe(subscriber)

	// Notification pump.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-subscriber.Events():
				if !ok {
					return
				}
				notification := shared.JSONRPCNotification{
					JSONRPC: shared.JSONRPCVersion,
					Method:  &event.Event,
				}
				if len(event.Data) > 0 {
					raw := json.RawMessage(event.Data)
					notification.Params = &raw
				}
				t.writeJSON(notification)
			}
		}
	}()

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := shared.ParseMessages(line)
		if err != nil {
			t.writeJSON(shared.JSONRPCErrorResponse{
				JSONRPC: shared.JSONRPCVersion,
				Error:   &shared.JSONRPCError{Code: shared.JSONRPCErrorParseError, Message: "Parse error"},
			})
			continue
		}

		for _, msg := range msgs {
			msg.Session = session
			msg.Timestamp = time.Now()
			if msg.IsResponse() {
				continue
			}
			go t.dispatch(ctx, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio read failed: %w", err)
	}
	t.logger.Info("Stdio transport closed", zap.String("sessionID", sessionID))
	return nil
}

func (t *StdioTransport) dispatch(ctx context.Context, msg *shared.Message) {
	value, rpcErr := t.manager.Dispatcher().Dispatch(ctx, msg)
	if msg.IsNotification() {
		if rpcErr != nil {
			t.logger.Warn("Notification handler failed", zap.Stringp("method", msg.Method), zap.Error(rpcErr))
		}
		return
	}

	response := &shared.Message{ID: msg.ID}
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
	t.writeJSON(response)
}

func (t *StdioTransport) writeJSON(value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		t.logger.Error("Failed to marshal stdio frame", zap.Error(err))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		t.logger.Warn("Failed to write stdio frame", zap.Error(err))
	}
}
