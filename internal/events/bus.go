package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a typed message published on a Bus. Kind is the wire name used by
// the websocket and gRPC feeds.
type Event interface {
	Kind() string
}

// Envelope stamps an event for delivery to stream subscribers.
type Envelope struct {
	ID        uuid.UUID `json:"id"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
}

type Handler func(Event)

// Bus fans events out to synchronous handlers, in publish order, and to
// buffered stream channels. Slow streams drop events instead of blocking
// the publisher.
type Bus struct {
	source string

	mu          sync.RWMutex
	nextID      uint64
	handlers    map[uint64]Handler
	order       []uint64
	subscribers []chan Envelope
}

func NewBus(source string) *Bus {
	return &Bus{
		source:   source,
		handlers: make(map[uint64]Handler),
	}
}

func (b *Bus) Source() string {
	return b.source
}

// Subscribe registers a synchronous handler. The returned function removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	b.order = append(b.order, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.handlers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers e to every handler and stream.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subscribers) == 0 {
		return
	}

	env := Envelope{
		ID:        uuid.New(),
		Source:    b.source,
		Timestamp: time.Now(),
		Event:     e,
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- env:
		default:
			// Skip if channel is full
		}
	}
}

// Stream returns a buffered channel receiving every published event.
func (b *Bus) Stream(buffer int) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

func (b *Bus) Unstream(ch <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}
