// Package pubsub is the in-process "schedule updated" event bus connecting
// the Scheduler to its subscribers, per spec.md §4.D step 4 and §5's
// shared-resource policy ("in-memory caches, if any, are invalidated
// immediately on schedule write"). The websocket hub (internal/wsbroadcast)
// is the only subscriber; the Executor does not subscribe.
//
// This is plain channel fan-out over the standard library: no publish-
// subscribe or event-bus library appears anywhere in the retrieval pack, so
// there is nothing to ground a dependency choice on (see DESIGN.md).
package pubsub

import (
	"sync"
	"time"
)

// EventType discriminates the (currently single) kind of event on the bus.
// Kept as a type rather than inlining a bare struct so the bus can grow new
// event kinds without breaking subscribers that switch on Type.
type EventType string

// ScheduleUpdated fires whenever the Scheduler completes save_schedule.
const ScheduleUpdated EventType = "schedule_updated"

// Event is one message delivered to subscribers.
type Event struct {
	Type         EventType
	At           time.Time
	HorizonStart time.Time
	HorizonEnd   time.Time
}

// Bus fans out Events to any number of subscribers. A slow subscriber never
// blocks a publish: its channel is buffered and, if full, the event is
// dropped for that subscriber only (schedule-updated is a level-triggered
// signal — a missed notification is harmless because the next read always
// goes to the Store, the single source of truth).
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBus builds an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. Callers must call unsubscribe when done to avoid
// leaking the channel from the Bus's internal set.
func (b *Bus) Subscribe(buffer int) (ch <-chan Event, unsubscribe func()) {
	c := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[c] = struct{}{}
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[c]; ok {
			delete(b.subs, c)
			close(c)
		}
	}
}

// Publish delivers ev to every current subscriber, non-blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		select {
		case c <- ev:
		default:
		}
	}
}
