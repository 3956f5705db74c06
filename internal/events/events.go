// Package events defines the small typed event set the coordinator's
// components publish in place of the teacher's event-emitter/callback
// style (§9 "Event-emitter + callbacks → message passing over typed
// channels"). Bus generalizes the teacher's websocket.Hub
// register/broadcast/unregister channel trio from a client fan-out to
// a generic in-process subscriber fan-out.
package events

import (
	"sync"
	"time"
)

// Type is one of the fixed event kinds named in §9.
type Type string

const (
	TaskCreated       Type = "task:created"
	TaskAssigned      Type = "task:assigned"
	TaskCompleted     Type = "task:completed"
	TaskFailed        Type = "task:failed"
	WorkerSpawned     Type = "worker:spawned"
	WorkerIdle        Type = "worker:idle"
	DecisionReached   Type = "decision:reached"
	MemoryStored      Type = "memory:stored"
	MemoryEvicted     Type = "memory:evicted"
	SessionPaused     Type = "session:paused"
	SessionResumed    Type = "session:resumed"
	SessionStopped    Type = "session:stopped"
	MessageDropped    Type = "message:dropped"
)

// Event is one published occurrence, scoped to the swarm it concerns.
type Event struct {
	Type    Type
	SwarmID string
	Data    map[string]interface{}
	At      time.Time
}

// Bus fans events out to registered subscribers. Each subscriber gets
// its own bounded channel; a slow subscriber drops events rather than
// blocking the publisher, mirroring the teacher's
// BroadcastToSubscribed drop-on-full behavior.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener with the given buffer size.
// Callers must call the returned cancel func to unregister.
func (b *Bus) Subscribe(buffer int) (ch <-chan Event, cancel func()) {
	c := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[c] = struct{}{}
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		if _, ok := b.subscribers[c]; ok {
			delete(b.subscribers, c)
			close(c)
		}
		b.mu.Unlock()
	}
}

// Publish fans out ev to every current subscriber, non-blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.subscribers {
		select {
		case c <- ev:
		default:
		}
	}
}
