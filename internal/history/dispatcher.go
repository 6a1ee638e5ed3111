package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultBuffer      = 256
	DefaultSendTimeout = 5 * time.Second
)

// Dispatcher fans events out to sinks and subscribers from a single goroutine
// so a slow sink never blocks the caller. When the buffer is full events are
// dropped with a warning.
type Dispatcher struct {
	sinks       []Sink
	logger      *slog.Logger
	sendTimeout time.Duration

	in   chan Event
	done chan struct{}

	mu     sync.Mutex
	closed bool
	subs   []chan Event
}

func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:       sinks,
		logger:      logger,
		sendTimeout: DefaultSendTimeout,
		in:          make(chan Event, DefaultBuffer),
		done:        make(chan struct{}),
	}
	go d.loop()
	return d
}

// Publish enqueues e without blocking.
func (d *Dispatcher) Publish(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.in <- e:
	default:
		d.logger.Warn("history buffer full, dropping event", "server", e.Server, "type", string(e.Type))
	}
}

// Subscribe returns a channel receiving every event published afterwards.
// Subscribers that fall behind lose events. The channel is closed by Close.
func (d *Dispatcher) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
		return ch
	}
	d.subs = append(d.subs, ch)
	return ch
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.in {
		d.mu.Lock()
		subs := append([]chan Event(nil), d.subs...)
		d.mu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- e:
			default:
			}
		}
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				d.logger.Warn("history sink send failed", "server", e.Server, "type", string(e.Type), "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events, closes subscriber channels and any sink that
// implements io.Closer. Safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.in)
	d.mu.Unlock()

	<-d.done

	d.mu.Lock()
	for _, ch := range d.subs {
		close(ch)
	}
	d.subs = nil
	d.mu.Unlock()

	var first error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
