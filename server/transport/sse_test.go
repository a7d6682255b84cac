package transport_test

import (
	"bufio"
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mcplane/mcplane/server/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseFrame struct {
	ID    int64
	Event string
	Data  string
}

// readSSEFrames opens the GET stream and collects up to max frames (ping
// frames excluded) within the timeout.
func readSSEFrames(t *testing.T, url, sessionID string, lastEventID string, max int, timeout time.Duration) []sseFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(transport.MCPSessionHeader, sessionID)
	if lastEventID != "" {
		req.Header.Set(transport.LastEventIDHeader, lastEventID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []sseFrame
	var current sseFrame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Event != "" || current.Data != "" {
				if current.Event != "ping" {
					frames = append(frames, current)
				}
				current = sseFrame{}
			}
			if len(frames) >= max {
				return frames
			}
		case strings.HasPrefix(line, "id: "):
			current.ID, _ = strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func broadcastN(t *testing.T, env *testEnv, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, env.Manager.Broadcaster().Broadcast(context.Background(), sessionID,
			"notifications/message", map[string]interface{}{"n": i}))
	}
}

// End-to-end scenario: events 1..5 buffered, reconnect with
// Last-Event-ID: 3 replays 4 and 5.
func TestSSEResumption(t *testing.T) {
	env := setupServerTest(t)
	sessionID := initializeSession(t, env)
	broadcastN(t, env, sessionID, 5)

	frames := readSSEFrames(t, env.URL, sessionID, "3", 2, 3*time.Second)
	require.Len(t, frames, 2)
	assert.Equal(t, int64(4), frames[0].ID)
	assert.Equal(t, int64(5), frames[1].ID)
	assert.Equal(t, "notifications/message", frames[0].Event)
}

func TestSSEFreshStreamGetsOnlyNewEvents(t *testing.T) {
	env := setupServerTest(t)
	sessionID := initializeSession(t, env)
	broadcastN(t, env, sessionID, 3)

	done := make(chan []sseFrame, 1)
	go func() {
		done <- readSSEFrames(t, env.URL, sessionID, "", 1, 3*time.Second)
	}()
	time.Sleep(200 * time.Millisecond) // let the stream open
	broadcastN(t, env, sessionID, 1)

	frames := <-done
	require.Len(t, frames, 1)
	assert.Equal(t, int64(4), frames[0].ID, "fresh stream sees only the event produced after opening")
}

func TestSSEResumptionGap(t *testing.T) {
	env := setupServerTest(t)
	sessionID := initializeSession(t, env)
	// The memory backend in the test env keeps the default buffer; produce
	// enough to evict id 1..n.
	broadcastN(t, env, sessionID, 260)

	frames := readSSEFrames(t, env.URL, sessionID, "1", 1, 3*time.Second)
	require.Len(t, frames, 1)
	assert.Equal(t, "resumption-gap", frames[0].Event)
}

func TestSSERequiresSession(t *testing.T) {
	env := setupServerTest(t)

	req, _ := http.NewRequest(http.MethodGet, env.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, env.URL, nil)
	req.Header.Set(transport.MCPSessionHeader, "unknown")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
