package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcplane/mcplane/storage/sessionstore"
	"go.uber.org/zap"
)

// DefaultStreamQueueSize bounds each live stream's in-memory queue.
const DefaultStreamQueueSize = 64

// Subscriber is one live SSE stream attached to a session. The transport
// drains Events until it closes the stream and unsubscribes.
type Subscriber struct {
	sessionID string
	events    chan sessionstore.SseEvent
	closed    chan struct{}
	once      sync.Once
}

// Events is the stream's bounded queue.
func (s *Subscriber) Events() <-chan sessionstore.SseEvent {
	return s.events
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// Broadcaster routes server-originated events to the correct session's
// live streams. Every event is durably appended to storage first (which
// assigns the monotonic id), then queued to subscribers; a session with no
// live stream keeps the event buffered for replay.
type Broadcaster struct {
	storage   sessionstore.SessionStorage
	queueSize int
	logger    *zap.Logger

	mu          sync.Mutex
	subscribers map[string][]*Subscriber
	// Per-session write lock so the store-then-queue pair stays ordered
	// across concurrent producers.
	sessionLocks sync.Map // session id -> *sync.Mutex
}

func NewBroadcaster(storage sessionstore.SessionStorage, logger *zap.Logger, queueSize int) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultStreamQueueSize
	}
	return &Broadcaster{
		storage:     storage,
		queueSize:   queueSize,
		logger:      logger.Named("broadcaster"),
		subscribers: make(map[string][]*Subscriber),
	}
}

func (b *Broadcaster) lockSession(sessionID string) *sync.Mutex {
	actual, _ := b.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Subscribe attaches a live stream to the session.
func (b *Broadcaster) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		events:    make(chan sessionstore.SseEvent, b.queueSize),
		closed:    make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[sessionID] = append(b.subscribers[sessionID], sub)
	b.mu.Unlock()
	b.logger.Debug("Stream subscribed", zap.String("sessionID", sessionID))
	return sub
}

// Unsubscribe detaches the stream. Events already queued are lost to this
// stream but remain durably stored for replay.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	sub.close()
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sub.sessionID]
	for i, candidate := range subs {
		if candidate == sub {
			b.subscribers[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[sub.sessionID]) == 0 {
		delete(b.subscribers, sub.sessionID)
	}
	b.logger.Debug("Stream unsubscribed", zap.String("sessionID", sub.sessionID))
}

// DropSession unsubscribes every stream of a deleted session.
func (b *Broadcaster) DropSession(sessionID string) {
	b.mu.Lock()
	subs := b.subscribers[sessionID]
	delete(b.subscribers, sessionID)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	b.sessionLocks.Delete(sessionID)
}

// Broadcast appends the notification to the session's durable buffer and
// queues it to any live stream. The queue send blocks (producers are
// suspended, never dropped) unless the stream closes first.
func (b *Broadcaster) Broadcast(ctx context.Context, sessionID, method string, params interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal notification params: %w", err)
	}

	lock := b.lockSession(sessionID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := b.storage.StoreEvent(ctx, sessionID, method, data)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	b.mu.Lock()
	subs := make([]*Subscriber, len(b.subscribers[sessionID]))
	copy(subs, b.subscribers[sessionID])
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- stored:
		case <-sub.closed:
			// Stream went away; the event stays buffered for replay.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// liveSessionIDs lists sessions with at least one attached stream.
func (b *Broadcaster) liveSessionIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// LiveStreamCount reports how many streams are attached, for metrics.
func (b *Broadcaster) LiveStreamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
