// Package events is an in-memory pub/sub for dispatcher and engine lifecycle
// notifications. A bounded ring buffer lets late subscribers catch up.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by repmbridge components.
const (
	TypeCallCompleted     = "call.completed"
	TypeCallRejected      = "call.rejected"
	TypeEngineInitialized = "engine.initialized"
	TypeEngineInitFailed  = "engine.init_failed"
)

// Publisher is the write side of a Hub.
type Publisher interface {
	Publish(eventType string, data any)
}

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Hub fans events out to subscribers and remembers the most recent ones.
type Hub struct {
	nextID atomic.Int64

	mu   sync.Mutex
	ring ring

	subs      map[int]chan Event
	nextSubID int
	subBuffer int
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub that retains capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring:      ring{buf: make([]Event, capacity)},
		subs:      make(map[int]chan Event),
		subBuffer: 128,
	}
}

// Publish records an event and offers it to every subscriber. Slow
// subscribers miss events rather than block the publisher.
func (h *Hub) Publish(eventType string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so the ring stays ordered by ID.
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.ring.push(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a live event channel and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, h.subBuffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.since(lastID)
}

// ring is a fixed-size FIFO that overwrites its oldest entry when full.
type ring struct {
	buf   []Event
	start int
	size  int
}

func (r *ring) push(ev Event) {
	capacity := len(r.buf)
	if capacity == 0 {
		return
	}
	if r.size < capacity {
		r.buf[(r.start+r.size)%capacity] = ev
		r.size++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % capacity
}

func (r *ring) since(lastID int64) []Event {
	out := make([]Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
