package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcpfleet/internal/logger"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
	block  chan struct{}
}

func (m *memSink) Send(_ context.Context, e Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &memSink{}
	d := NewDispatcher(logger.Discard(), sink)
	d.Publish(Event{Type: EventLaunched, Server: "a"})
	d.Publish(Event{Type: EventExited, Server: "a"})
	d.Publish(Event{Type: EventRestarting, Server: "a"})
	require.NoError(t, d.Close())

	assert.Equal(t, []EventType{EventLaunched, EventExited, EventRestarting}, sink.types())
	assert.True(t, sink.closed)
	assert.False(t, sink.events[0].OccurredAt.IsZero())
}

func TestDispatcherSinkErrorDoesNotStopDelivery(t *testing.T) {
	bad := &memSink{err: errors.New("db down")}
	good := &memSink{}
	d := NewDispatcher(logger.Discard(), bad, good)
	d.Publish(Event{Type: EventFailed, Server: "b"})
	d.Publish(Event{Type: EventStopped, Server: "b"})
	require.NoError(t, d.Close())
	assert.Len(t, good.types(), 2)
}

func TestDispatcherPublishNeverBlocks(t *testing.T) {
	slow := &memSink{block: make(chan struct{})}
	d := NewDispatcher(logger.Discard(), slow)

	start := time.Now()
	for i := 0; i < DefaultBuffer*2; i++ {
		d.Publish(Event{Type: EventLaunched, Server: "c"})
	}
	assert.Less(t, time.Since(start), time.Second)

	close(slow.block)
	require.NoError(t, d.Close())
	n := len(slow.types())
	assert.Greater(t, n, 0)
	assert.LessOrEqual(t, n, DefaultBuffer+1)
}

func TestSubscribeReceivesAndClosed(t *testing.T) {
	d := NewDispatcher(logger.Discard())
	ch := d.Subscribe(8)
	d.Publish(Event{Type: EventPortConflict, Server: "d", Port: 8000})

	select {
	case e := <-ch:
		assert.Equal(t, EventPortConflict, e.Type)
		assert.Equal(t, 8000, e.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	require.NoError(t, d.Close())
	_, open := <-ch
	assert.False(t, open)

	// Publishing after close is a no-op.
	d.Publish(Event{Type: EventStopped})
	require.NoError(t, d.Close())
}
