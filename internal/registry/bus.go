package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventUnregistering EventType = "unregistering"
	EventUnregistered  EventType = "unregistered"
	EventStatusChanged EventType = "status_changed"
	EventMessage       EventType = "message"
	EventShutdown      EventType = "shutdown"
)

// Event is an ephemeral lifecycle notification. Events are never persisted;
// subscribers that need history must record them as they arrive.
type Event struct {
	ID      uuid.UUID
	Type    EventType
	Source  string
	Target  string
	Payload map[string]any
	At      time.Time
}

// Message is a directed or broadcast payload delivered to services that
// implement MessageHandler.
type Message struct {
	ID      uuid.UUID
	From    string
	To      string // empty for broadcasts
	Payload map[string]any
	At      time.Time
}

// Bus fans lifecycle events out to subscribers. Each subscriber gets a
// buffered channel; slow subscribers that fall behind have events dropped
// rather than blocking the publisher.
type Bus struct {
	logger  *slog.Logger
	bufSize int

	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewBus creates an event bus whose subscriber channels buffer bufSize events.
func NewBus(logger *slog.Logger, bufSize int) *Bus {
	return &Bus{
		logger:      logger,
		bufSize:     bufSize,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel that receives every subsequent event.
// The caller must call Unsubscribe when done.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
// Unsubscribing a channel that is not subscribed is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub == ch {
			delete(b.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Publish sends an event to all subscribers. Subscribers with a full buffer
// are skipped so one slow consumer cannot block the rest.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("bus: dropped event for slow subscriber",
				"type", event.Type, "source", event.Source)
		}
	}
}

// Close closes every subscriber channel and rejects further publishes.
// Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan Event]struct{})
}
