package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
)

// StreamEvent is one server-originated notification from the persistent
// GET stream.
type StreamEvent struct {
	ID     int64
	Method string
	Data   json.RawMessage
}

// StreamHandler consumes stream events.
type StreamHandler func(event StreamEvent)

// OpenStream opens the persistent SSE stream and invokes the handler for
// every notification. It reconnects with the retry policy's backoff,
// resuming from the last delivered event id via Last-Event-ID. The stream
// stops when ctx is cancelled or the client disconnects.
func (c *Client) OpenStream(ctx context.Context, handler StreamHandler) error {
	c.mu.RLock()
	sessionID := c.sessionID
	c.mu.RUnlock()
	if sessionID == "" {
		return fmt.Errorf("not connected: no session id")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.streamCancel != nil {
		c.streamCancel()
	}
	c.streamCancel = cancel
	c.mu.Unlock()

	var lastEventID atomic.Int64

	go func() {
		bo := c.retry.newBackOff()
		for {
			if streamCtx.Err() != nil {
				return
			}

			sseClient := sse.NewClient(c.endpoint)
			sseClient.Connection = c.httpClient
			sseClient.Headers = map[string]string{
				"Accept":        "text/event-stream",
				"Cache-Control": "no-cache",
				"Mcp-Session-Id": sessionID,
			}
			for name, value := range c.headers {
				sseClient.Headers[name] = value
			}
			if last := lastEventID.Load(); last > 0 {
				sseClient.Headers["Last-Event-ID"] = strconv.FormatInt(last, 10)
			}

			err := sseClient.SubscribeRawWithContext(streamCtx, func(msg *sse.Event) {
				event := StreamEvent{
					Method: string(msg.Event),
					Data:   json.RawMessage(msg.Data),
				}
				if len(msg.ID) > 0 {
					if id, parseErr := strconv.ParseInt(string(msg.ID), 10, 64); parseErr == nil {
						event.ID = id
						lastEventID.Store(id)
					}
				}
				switch event.Method {
				case "ping", "":
					return
				case "resumption-gap":
					c.logger.Warn("Server reported resumption gap; re-initialization required")
					return
				}
				handler(event)
			})
			if streamCtx.Err() != nil {
				return
			}
			if err != nil {
				c.logger.Warn("SSE stream failed, reconnecting", zap.Error(err))
			}

			delay := bo.NextBackOff()
			if delay < 0 {
				delay = time.Second
			}
			select {
			case <-time.After(delay):
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return nil
}

// CloseStream stops the persistent stream if one is open.
func (c *Client) CloseStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
}
