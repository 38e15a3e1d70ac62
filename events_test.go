package driftsync

import (
	"testing"
	"time"
)

func TestEventBusFanOut(t *testing.T) {
	bus := newEventBus(8)

	all := bus.subscribe()
	conflictsOnly := bus.subscribe(EventConflict)
	defer all.Close()
	defer conflictsOnly.Close()

	bus.emit(Event{Type: EventSyncComplete, Timestamp: 1})
	bus.emit(Event{Type: EventConflict, Timestamp: 2})

	t.Run("UnfilteredSeesAll", func(t *testing.T) {
		if ev := <-all.Events; ev.Type != EventSyncComplete {
			t.Errorf("first event = %v", ev.Type)
		}
		if ev := <-all.Events; ev.Type != EventConflict {
			t.Errorf("second event = %v", ev.Type)
		}
	})

	t.Run("FilteredSeesMatching", func(t *testing.T) {
		if ev := <-conflictsOnly.Events; ev.Type != EventConflict {
			t.Errorf("event = %v", ev.Type)
		}
		select {
		case ev := <-conflictsOnly.Events:
			t.Errorf("unexpected event %v", ev.Type)
		default:
		}
	})
}

func TestEventBusSlowConsumerDrops(t *testing.T) {
	bus := newEventBus(2)
	sub := bus.subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.emit(Event{Type: EventSyncComplete, Timestamp: int64(i)})
	}

	// Buffer holds two; the rest were dropped rather than blocking.
	count := 0
loop:
	for {
		select {
		case <-sub.Events:
			count++
		default:
			break loop
		}
	}
	if count != 2 {
		t.Errorf("delivered %d events, want 2", count)
	}
	if bus.dropped != 3 {
		t.Errorf("dropped = %d, want 3", bus.dropped)
	}
}

func TestEventBusClose(t *testing.T) {
	bus := newEventBus(4)

	t.Run("ClosedSubscriberSkipped", func(t *testing.T) {
		sub := bus.subscribe()
		sub.Close()
		bus.emit(Event{Type: EventConflict})
		// A second Close is a no-op, not a double-close panic.
		sub.Close()
	})

	t.Run("CloseAllDrainsCleanly", func(t *testing.T) {
		sub := bus.subscribe()
		bus.emit(Event{Type: EventSyncComplete})
		bus.closeAll()

		// Channel delivers the buffered event then reports closed.
		if ev, ok := <-sub.Events; !ok || ev.Type != EventSyncComplete {
			t.Errorf("ev=%v ok=%v", ev, ok)
		}
		select {
		case _, ok := <-sub.Events:
			if ok {
				t.Error("unexpected event after closeAll")
			}
		case <-time.After(time.Second):
			t.Error("channel not closed")
		}
	})
}
