package driftsync

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// EventType identifies engine notifications.
type EventType string

const (
	// EventSyncComplete fires after a sync pass finishes (success or not).
	EventSyncComplete EventType = "sync_complete"
	// EventConflict fires when merge detects a new conflict.
	EventConflict EventType = "conflict"
	// EventActionFailed fires exactly once when an action is dead-lettered.
	EventActionFailed EventType = "action_failed"
	// EventConnectivity fires when the network monitor reports a change.
	EventConnectivity EventType = "connectivity"
)

// Event is an engine notification delivered to subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Result    *SyncResult     `json:"result,omitempty"`   // sync_complete
	Conflict  *ConflictRecord `json:"conflict,omitempty"` // conflict
	Dead      *DeadLetter     `json:"dead,omitempty"`     // action_failed
	Online    bool            `json:"online,omitempty"`   // connectivity
	Err       error           `json:"-"`                  // sync_complete failures
}

// Subscription is an active event subscriber. Events are delivered on a
// buffered channel; slow consumers drop events rather than block the engine.
type Subscription struct {
	ID     string
	Events chan Event
	filter map[EventType]bool
	closed int32
	cancel func()
}

// Close terminates the subscription.
func (s *Subscription) Close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.cancel()
		close(s.Events)
	}
}

// eventBus fans engine events out to subscribers.
type eventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	nextID      int64
	bufferSize  int

	published int64
	dropped   int64
}

func newEventBus(bufferSize int) *eventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &eventBus{
		subscribers: make(map[string]*Subscription),
		bufferSize:  bufferSize,
	}
}

// subscribe registers a subscriber for the given event types (none = all).
func (b *eventBus) subscribe(types ...EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", atomic.AddInt64(&b.nextID, 1))
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	sub := &Subscription{
		ID:     id,
		Events: make(chan Event, b.bufferSize),
		filter: filter,
	}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	b.subscribers[id] = sub
	return sub
}

// emit delivers an event to all matching subscribers without blocking.
func (b *eventBus) emit(ev Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if atomic.LoadInt32(&sub.closed) == 1 {
			continue
		}
		if sub.filter != nil && !sub.filter[ev.Type] {
			continue
		}
		select {
		case sub.Events <- ev:
			atomic.AddInt64(&b.published, 1)
		default:
			atomic.AddInt64(&b.dropped, 1)
		}
	}
}

// closeAll terminates every subscription.
func (b *eventBus) closeAll() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		if atomic.CompareAndSwapInt32(&sub.closed, 0, 1) {
			close(sub.Events)
		}
	}
}
