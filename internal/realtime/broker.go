// Package realtime fans batch progress events out to in-process subscribers.
package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by a batch.
const (
	EventWindowRunning = "window_running"
	EventStageAttempt  = "stage_attempt"
	EventWindowDone    = "window_done"
	EventWindowFailed  = "window_failed"
	EventBatchFinished = "batch_finished"
)

// Event is one progress notification.
type Event struct {
	ID      int64     `json:"id"`
	Type    string    `json:"type"`
	RunID   string    `json:"run_id,omitempty"`
	Window  string    `json:"window,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Status  string    `json:"status,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Broker is an in-memory fan-out event bus.
type Broker struct {
	mu     sync.RWMutex
	closed bool
	nextID atomic.Int64
	nextCh int64
	subs   map[int64]chan Event
}

// NewBroker creates a Broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int64]chan Event),
	}
}

// Publish broadcasts an event to all active subscribers.
// Slow subscribers drop events instead of blocking the batch.
func (b *Broker) Publish(evt Event) {
	if b == nil {
		return
	}
	evt.ID = b.nextID.Add(1)
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a subscriber with a buffer of size events and returns
// its channel and a cancel func. The channel is closed on cancel or Close.
func (b *Broker) Subscribe(size int) (<-chan Event, func()) {
	if size <= 0 {
		size = 32
	}
	id := atomic.AddInt64(&b.nextCh, 1)
	ch := make(chan Event, size)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}

	return ch, cancel
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
