package transport_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/server/mcp/capability"
	"github.com/mcplane/mcplane/server/transport"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStdioTransport(t *testing.T) {
	logger := zap.NewNop()
	manager := mcp.NewManager(sessionstore.NewMemoryStorage(nil), logger,
		schema.Implementation{Name: "TestServer", Version: "1.0"}, "")
	manager.Dispatcher().AddServerCapability(capability.NewBase(logger, manager))

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	stdio := transport.NewStdioTransport(manager, logger, stdinReader, stdoutWriter)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stdio.Serve(ctx) //nolint:errcheck

	// Send initialize.
	initBody, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": schema.InitializeRequestParams{
			ProtocolVersion: "2025-06-18",
			ClientInfo:      schema.Implementation{Name: "test", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	_, err = stdinWriter.Write(append(initBody, '\n'))
	require.NoError(t, err)

	lines := make(chan string, 4)
	go func() {
		scanner := bufio.NewScanner(stdoutReader)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	select {
	case line := <-lines:
		var response struct {
			ID     *schema.RequestID    `json:"id"`
			Result *json.RawMessage     `json:"result"`
			Error  *shared.JSONRPCError `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &response))
		require.Nil(t, response.Error)
		var initResult schema.InitializeResult
		require.NoError(t, json.Unmarshal(*response.Result, &initResult))
		assert.Equal(t, "2025-06-18", initResult.ProtocolVersion)
	case <-time.After(3 * time.Second):
		t.Fatal("no response on stdout")
	}

	// Ping round-trip on the same session.
	_, err = stdinWriter.Write([]byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n"))
	require.NoError(t, err)
	select {
	case line := <-lines:
		assert.Contains(t, line, `"id":2`)
	case <-time.After(3 * time.Second):
		t.Fatal("no ping response on stdout")
	}

	stdinWriter.Close()
}
