package queue

import (
	"sync"
	"time"
)

// EventKind identifies what part of the queue/slot state a change event
// describes.
type EventKind string

// The set of change event kinds delivered to observers.
const (
	EventScreeningChanged EventKind = "screening-changed"
	EventMainChanged      EventKind = "main-changed"
	EventSlotsChanged     EventKind = "slots-changed"
	EventSlotError        EventKind = "slot-error"
)

// A ChangeEvent is one entry of the append-only change log. Seq increases
// monotonically for a single process lifetime and gives reconnecting
// observers a replay cursor.
type ChangeEvent struct {
	Seq       uint64      `json:"seq"`
	Kind      EventKind   `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// QueueChangedPayload carries a queue's membership and positions after a
// mutation. Positions always reflect post-mutation state.
type QueueChangedPayload struct {
	Callers   []Caller   `json:"callers"`
	Positions []Position `json:"positions"`
}

// SlotsChangedPayload carries the occupancy of every slot after a mutation.
type SlotsChangedPayload struct {
	Slots []SlotStatus `json:"slots"`
}

// SlotErrorPayload describes an external encoder failure on a slot.
type SlotErrorPayload struct {
	SlotID   string `json:"slot_id"`
	Error    string `json:"error,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// subscriberBuffer is how many undelivered events a single observer may lag
// behind before we start dropping events for it.
const subscriberBuffer = 64

// A Fanout broadcasts change events to all subscribed observers and retains
// them in an in-memory log. Publication is fire-and-forget: a slow or
// disconnected observer never blocks the publisher or other observers.
type Fanout struct {
	mu      sync.Mutex
	log     []ChangeEvent
	nextSeq uint64
	subs    map[*Subscription]struct{}
}

// A Subscription is one observer's registration with a Fanout. Events are
// delivered on C in publication order; events may be dropped if the observer
// falls more than subscriberBuffer events behind.
type Subscription struct {
	C       <-chan ChangeEvent
	ch      chan ChangeEvent
	dropped uint64
}

// Dropped reports how many events were discarded because this observer was
// too slow to receive them.
func (s *Subscription) Dropped() uint64 {
	return s.dropped
}

// NewFanout returns a new fan-out with an empty change log.
func NewFanout() *Fanout {
	return &Fanout{nextSeq: 1, subs: map[*Subscription]struct{}{}}
}

// Publish appends an event with the given kind and payload to the change log,
// stamping it, and delivers it to every current subscriber without blocking.
func (f *Fanout) Publish(kind EventKind, payload interface{}) ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	event := ChangeEvent{
		Seq:       f.nextSeq,
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	f.nextSeq++
	f.log = append(f.log, event)
	for sub := range f.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
		}
	}
	return event
}

// Subscribe registers a new observer. Registration is independent of queue
// and slot state; a fresh subscriber should request a full snapshot from the
// Orchestrator rather than relying on log replay.
func (f *Fanout) Subscribe() *Subscription {
	ch := make(chan ChangeEvent, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the observer and closes its channel. Unsubscribing
// twice is a no-op.
func (f *Fanout) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	close(sub.ch)
}

// LastSeq returns the sequence number of the most recently published event,
// or zero if nothing has been published.
func (f *Fanout) LastSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextSeq - 1
}

// EventsSince returns a copy of all logged events with Seq greater than the
// given cursor, in emission order.
func (f *Fanout) EventsSince(seq uint64) []ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.log)
	for i, event := range f.log {
		if event.Seq > seq {
			idx = i
			break
		}
	}
	return append([]ChangeEvent(nil), f.log[idx:]...)
}

// Close unsubscribes every observer.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
}
