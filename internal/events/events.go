// Package events fans out runtime events to any number of subscribers and
// keeps the most recent ones for late joiners.
package events

import (
	"sync"
	"time"
)

// Event kinds pushed to API clients
const (
	KindViewChanged    = "view-changed"
	KindExposedServed  = "exposed-served"
	KindPrompt         = "prompt"
	KindPromptResolved = "prompt-resolved"
	KindOpenPreview    = "open-preview"
	KindAuthComplete   = "auth-complete"
	KindNotification   = "notification"
	KindLog            = "log"
)

// Event is a single runtime event
type Event struct {
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// New returns an event of kind stamped with the current time
func New(kind string, data any) Event {
	return Event{Kind: kind, Time: time.Now(), Data: data}
}

// Streamer broadcasts values to subscribers. A subscriber that does not
// keep up misses values rather than blocking the emitter.
type Streamer[T any] struct {
	mu         sync.RWMutex
	clients    map[uint64]chan T
	nextID     uint64
	history    *RingBuffer[T]
	bufferSize int
	closed     bool
}

// NewStreamer keeps historySize values for replay
func NewStreamer[T any](historySize int) *Streamer[T] {
	if historySize < 1 {
		historySize = 1
	}
	return &Streamer[T]{
		clients:    make(map[uint64]chan T),
		history:    NewRingBuffer[T](historySize),
		bufferSize: 64,
	}
}

// Emit records v and sends it to every subscriber
func (s *Streamer[T]) Emit(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.history.Push(v)
	for _, ch := range s.clients {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe registers a client. With replay, the retained history is
// delivered first, in order.
func (s *Streamer[T]) Subscribe(replay bool) (uint64, <-chan T) {
	ch := make(chan T, s.bufferSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	if s.closed {
		close(ch)
		return id, ch
	}
	s.clients[id] = ch

	if replay {
		for _, v := range s.history.Items() {
			select {
			case ch <- v:
			default:
			}
		}
	}
	return id, ch
}

// Unsubscribe closes the client's channel
func (s *Streamer[T]) Unsubscribe(id uint64) {
	s.mu.Lock()
	if ch, ok := s.clients[id]; ok {
		close(ch)
		delete(s.clients, id)
	}
	s.mu.Unlock()
}

func (s *Streamer[T]) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// History returns the retained values, oldest first
func (s *Streamer[T]) History() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Items()
}

// Close ends every subscription. Later emits are dropped.
func (s *Streamer[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
	return nil
}

// RingBuffer is a fixed-size circular buffer. It is not safe for
// concurrent use on its own.
type RingBuffer[T any] struct {
	items []T
	head  int // next write position
	count int
}

func NewRingBuffer[T any](size int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, size)}
}

// Push adds an item, overwriting the oldest when full
func (rb *RingBuffer[T]) Push(item T) {
	rb.items[rb.head] = item
	rb.head = (rb.head + 1) % len(rb.items)
	if rb.count < len(rb.items) {
		rb.count++
	}
}

// Items returns the buffered items, oldest first
func (rb *RingBuffer[T]) Items() []T {
	if rb.count == 0 {
		return nil
	}
	result := make([]T, rb.count)
	if rb.count < len(rb.items) {
		copy(result, rb.items[:rb.count])
	} else {
		n := copy(result, rb.items[rb.head:])
		copy(result[n:], rb.items[:rb.head])
	}
	return result
}

func (rb *RingBuffer[T]) Len() int {
	return rb.count
}
