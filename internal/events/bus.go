// Package events provides the in-process event bus that fans dispatcher
// and session state changes out to observers: the status reporter, the
// HTTP server, and the watch TUI.
//
// Delivery is best-effort. Publishing never blocks the dispatcher; events
// to a subscriber whose buffer is full are dropped and counted. The
// message log, not the bus, is the durable record.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies what happened.
type Type string

const (
	TypeSessionStarting   Type = "session_starting"
	TypeSessionReady      Type = "session_ready"
	TypeSessionBusy       Type = "session_busy"
	TypeSessionStopping   Type = "session_stopping"
	TypeSessionTerminated Type = "session_terminated"

	TypeTaskQueued     Type = "task_queued"
	TypeTaskDispatched Type = "task_dispatched"
	TypeTaskDelivered  Type = "task_delivered"
	TypeTaskFailed     Type = "task_failed"

	TypeMessageAppended  Type = "message_appended"
	TypeDispatcherHalted Type = "dispatcher_halted"
)

// Event is one state change notification.
type Event struct {
	Type     Type      `json:"type"`
	Time     time.Time `json:"time"`
	Identity string    `json:"identity,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Bus fans events out to any number of subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// NewBus returns an empty bus ready for subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns its channel plus a cancel function. Cancel is idempotent and
// closes the channel.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

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

// Publish delivers ev to every subscriber without blocking. Events a
// subscriber cannot accept are dropped and counted. A zero Time is
// stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("event bus dropping events for slow subscriber",
					"type", ev.Type, "dropped_total", n)
			}
		}
	}
}

// Dropped returns the total number of events dropped across all
// subscribers since the bus was created.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel and rejects future publishes.
// Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
