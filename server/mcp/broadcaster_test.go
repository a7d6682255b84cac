package mcp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mcplane/mcplane/shared/mcp/schema"
	"github.com/mcplane/mcplane/storage/sessionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *sessionstore.MemoryStorage) {
	t.Helper()
	storage := sessionstore.NewMemoryStorage(nil)
	manager := NewManager(storage, nil, schema.Implementation{Name: "TestServer", Version: "1.0"}, "")
	return manager, storage
}

func TestBroadcastStoresAndDelivers(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	session, err := manager.CreateSession(ctx)
	require.NoError(t, err)
	sessionID := session.SessionID()

	subscriber := manager.Broadcaster().Subscribe(sessionID)
	defer manager.Broadcaster().Unsubscribe(subscriber)

	for i := 0; i < 3; i++ {
		require.NoError(t, manager.Broadcaster().Broadcast(ctx, sessionID, "notifications/message",
			map[string]interface{}{"n": i}))
	}

	// Delivered in strictly increasing id order.
	var last int64
	for i := 0; i < 3; i++ {
		select {
		case event := <-subscriber.Events():
			assert.Greater(t, event.ID, last)
			assert.Equal(t, "notifications/message", event.Event)
			last = event.ID
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	// And durably stored for replay.
	events, gap, err := manager.Storage().EventsAfter(ctx, sessionID, 0)
	require.NoError(t, err)
	assert.False(t, gap)
	assert.Len(t, events, 3)
}

func TestBroadcastWithoutStreamBuffers(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	session, err := manager.CreateSession(ctx)
	require.NoError(t, err)

	require.NoError(t, manager.Broadcaster().Broadcast(ctx, session.SessionID(), "notifications/progress",
		schema.ProgressNotificationParams{Progress: 0.5}))

	events, _, err := manager.Storage().EventsAfter(ctx, session.SessionID(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].ID)
}

func TestBroadcastClosedStreamDoesNotBlock(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	session, err := manager.CreateSession(ctx)
	require.NoError(t, err)
	sessionID := session.SessionID()

	subscriber := manager.Broadcaster().Subscribe(sessionID)
	// Unsubscribe without draining, then broadcast more events than the queue
	// holds: the producer must not deadlock.
	manager.Broadcaster().Unsubscribe(subscriber)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < DefaultStreamQueueSize+8; i++ {
			manager.Broadcaster().Broadcast(ctx, sessionID, "notifications/message", //nolint:errcheck
				map[string]interface{}{"n": i})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a closed stream")
	}
}

func TestDropSessionClosesStreams(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	session, err := manager.CreateSession(ctx)
	require.NoError(t, err)
	subscriber := manager.Broadcaster().Subscribe(session.SessionID())

	existed, err := manager.DeleteSession(ctx, session.SessionID())
	require.NoError(t, err)
	assert.True(t, existed)

	select {
	case <-subscriber.closed:
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed on session delete")
	}
	assert.Equal(t, 0, manager.Broadcaster().LiveStreamCount())
}

func TestConcurrentBroadcastOrdering(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	session, err := manager.CreateSession(ctx)
	require.NoError(t, err)
	sessionID := session.SessionID()
	subscriber := manager.Broadcaster().Subscribe(sessionID)
	defer manager.Broadcaster().Unsubscribe(subscriber)

	const producers = 4
	const perProducer = 8
	for p := 0; p < producers; p++ {
		go func(p int) {
			for i := 0; i < perProducer; i++ {
				manager.Broadcaster().Broadcast(ctx, sessionID, "notifications/message", //nolint:errcheck
					map[string]interface{}{"producer": fmt.Sprintf("p%d", p), "n": i})
			}
		}(p)
	}

	var last int64
	for i := 0; i < producers*perProducer; i++ {
		select {
		case event := <-subscriber.Events():
			require.Greater(t, event.ID, last, "events must arrive in strictly increasing id order")
			last = event.ID
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}
}
