package client_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcplane/mcplane/client"
	"github.com/mcplane/mcplane/server/mcp"
	"github.com/mcplane/mcplane/server/mcp/capability"
	"github.com/mcplane/mcplane/server/tasks"
	"github.com/mcplane/mcplane/server/transport"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/config"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"github.com/mcplane/mcplane/storage/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startTestServer(t *testing.T) (string, *mcp.Manager) {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.NewInternalConfig()
	cfg.ServerNameValue = "TestServer"

	manager := mcp.NewManager(sessionstore.NewMemoryStorage(nil), logger,
		schema.Implementation{Name: "TestServer", Version: "1.0"}, "use the add tool")
	runtime := tasks.NewRuntime(taskstore.NewMemoryStorage(nil), tasks.NewGoroutineExecutor(nil), logger)

	toolsCap := capability.NewToolsCapability(manager, runtime, logger)
	require.NoError(t, toolsCap.AddTool(capability.Tool{
		Tool: schema.Tool{Name: "add"},
		Handler: func(ctx context.Context, session shared.ISessionCtx, arguments schema.Arguments) (*capability.ToolResult, error) {
			a, _ := arguments["a"].(float64)
			b, _ := arguments["b"].(float64)
			return &capability.ToolResult{
				Content:           []schema.Content{schema.NewTextContent(fmt.Sprintf("%g", a+b))},
				StructuredContent: map[string]interface{}{"sum": a + b},
			}, nil
		},
	}))
	require.NoError(t, toolsCap.AddTool(capability.Tool{
		Tool:          schema.Tool{Name: "slow"},
		SupportsTasks: true,
		Handler: func(ctx context.Context, session shared.ISessionCtx, arguments schema.Arguments) (*capability.ToolResult, error) {
			select {
			case <-time.After(30 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &capability.ToolResult{Content: []schema.Content{schema.NewTextContent("done")}}, nil
		},
	}))

	promptsCap := capability.NewPromptsCapability(manager, logger)
	require.NoError(t, promptsCap.AddPrompt(schema.Prompt{
		Name:        "greeting",
		Description: "Say hello to {{name}}.",
		Arguments:   []schema.PromptArgument{{Name: "name", Required: true}},
	}, nil))

	manager.Dispatcher().AddServerCapability(
		capability.NewBase(logger, manager),
		capability.NewLoggingCapability(logger),
		toolsCap,
		promptsCap,
		capability.NewTasksCapability(runtime, logger),
	)

	tr, err := transport.New(manager, logger, cfg)
	require.NoError(t, err)
	mux := http.NewServeMux()
	tr.RegisterHandlers(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server.URL + transport.DefaultPath, manager
}

func TestClientConnect(t *testing.T) {
	endpoint, _ := startTestServer(t)
	c, err := client.New(endpoint, client.WithClientInfo(schema.Implementation{Name: "test", Version: "1.0"}))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx) //nolint:errcheck

	assert.NotEmpty(t, c.SessionID())
	assert.Equal(t, string(schema.LatestProtocolVersion), c.ProtocolVersion())
	assert.Equal(t, "TestServer", c.ServerInfo().Name)
	require.NotNil(t, c.ServerCapabilities().Tools)

	require.NoError(t, c.Ping(ctx))
}

func TestClientToolsAndPrompts(t *testing.T) {
	endpoint, _ := startTestServer(t)
	c, err := client.New(endpoint)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx) //nolint:errcheck

	toolsPage, err := c.ListTools(ctx, nil)
	require.NoError(t, err)
	require.Len(t, toolsPage.Tools, 2)

	result, err := c.CallTool(ctx, "add", schema.Arguments{"a": 5, "b": 3})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "8", result.Content[0].Text)

	prompt, err := c.GetPrompt(ctx, "greeting", map[string]string{"name": "Ada"})
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	assert.Equal(t, "Say hello to Ada.", prompt.Messages[0].Content.Text)
}

func TestClientTaskFlow(t *testing.T) {
	endpoint, _ := startTestServer(t)
	c, err := client.New(endpoint)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx) //nolint:errcheck

	response, err := c.CallToolWithTask(ctx, "slow", nil, 60000)
	require.NoError(t, err)
	require.NotNil(t, response.Task)
	assert.Equal(t, schema.TaskStatusWorking, response.Task.Status)

	terminal, err := c.WaitForTask(ctx, response.Task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, terminal.Status)

	var toolResult schema.CallToolResult
	require.NoError(t, c.GetTaskResult(ctx, response.Task.TaskID, &toolResult))
	require.Len(t, toolResult.Content, 1)
	assert.Equal(t, "done", toolResult.Content[0].Text)

	page, err := c.ListTasks(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
}

func TestClientTaskCancellation(t *testing.T) {
	endpoint, _ := startTestServer(t)
	c, err := client.New(endpoint)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx) //nolint:errcheck

	response, err := c.CallToolWithTask(ctx, "slow", schema.Arguments{"delay_ms": 5000}, 60000)
	require.NoError(t, err)
	require.NotNil(t, response.Task)

	cancelled, err := c.CancelTask(ctx, response.Task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCancelled, cancelled.Status)

	err = c.GetTaskResult(ctx, response.Task.TaskID, &struct{}{})
	require.Error(t, err)
	assert.True(t, client.TaskCancelled(err))
}

func TestClientDisconnectDeletesSession(t *testing.T) {
	endpoint, manager := startTestServer(t)
	c, err := client.New(endpoint)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	sessionID := c.SessionID()
	_, err = manager.GetSession(ctx, sessionID)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(ctx))
	_, err = manager.GetSession(ctx, sessionID)
	assert.ErrorIs(t, err, sessionstore.ErrSessionNotFound)

	// Idempotent.
	require.NoError(t, c.Disconnect(ctx))
}

func TestClientStream(t *testing.T) {
	endpoint, manager := startTestServer(t)
	c, err := client.New(endpoint)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx) //nolint:errcheck

	events := make(chan client.StreamEvent, 8)
	require.NoError(t, c.OpenStream(ctx, func(event client.StreamEvent) {
		events <- event
	}))
	time.Sleep(200 * time.Millisecond) // let the stream attach

	require.NoError(t, manager.Broadcaster().Broadcast(ctx, c.SessionID(),
		"notifications/message", map[string]interface{}{"hello": true}))

	select {
	case event := <-events:
		assert.Equal(t, "notifications/message", event.Method)
		assert.Equal(t, int64(1), event.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no stream event received")
	}
	c.CloseStream()
}

func TestClientRetriesTransportFailures(t *testing.T) {
	attempts := 0
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close() // abort mid-request
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mcp-Session-Id", "s-1")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"flaky","version":"1"}}}`)
	}))
	defer flaky.Close()

	c, err := client.New(flaky.URL, client.WithRetryPolicy(client.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    50 * time.Millisecond,
		Exponential: true,
	}))
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	assert.GreaterOrEqual(t, attempts, 3)
}
