package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// An Engine owns the screening queue and the main queue as ordered
// collections. A caller id appears in at most one of {screening queue, main
// queue, a slot} at any time.
//
// An Engine is not safe for concurrent use; the Orchestrator serializes all
// access to it.
type Engine struct {
	screening []*Caller
	main      []*Caller

	// byID also tracks live callers, which are in neither queue.
	byID map[string]*Caller
}

// NewEngine returns a new engine with empty queues.
func NewEngine() *Engine {
	return &Engine{byID: map[string]*Caller{}}
}

// AdmitToScreening creates a new caller and appends it to the screening queue
// tail. It returns the caller and its 1-based screening position.
func (e *Engine) AdmitToScreening(name, topic string) (*Caller, int) {
	caller := &Caller{
		ID:       uuid.NewString(),
		Name:     name,
		Topic:    topic,
		JoinedAt: time.Now(),
		Status:   StatusScreening,
	}
	e.screening = append(e.screening, caller)
	e.byID[caller.ID] = caller
	return caller, len(e.screening)
}

// Approve moves the caller from the screening queue to the main queue tail
// and returns its new 1-based main queue position. A second approval of the
// same caller fails with ErrNotFound rather than inserting a duplicate.
func (e *Engine) Approve(callerID string) (int, error) {
	idx := indexOf(e.screening, callerID)
	if idx == -1 {
		return 0, errors.Wrapf(ErrNotFound, "approve %q", callerID)
	}
	caller := e.screening[idx]
	e.screening = append(e.screening[:idx], e.screening[idx+1:]...)
	caller.Status = StatusQueued
	e.main = append(e.main, caller)
	return len(e.main), nil
}

// NextInLine peeks at the main queue head without removing it. It returns
// nil if the main queue is empty.
func (e *Engine) NextInLine() *Caller {
	if len(e.main) == 0 {
		return nil
	}
	next := *e.main[0]
	return &next
}

// PromoteToSlot removes the caller from the main queue and marks it live in
// the given slot. Any main queue position is eligible, not only the head;
// operators may skip callers. Only the Orchestrator calls this, after the
// slot registry has confirmed the slot was free.
func (e *Engine) PromoteToSlot(callerID, slotID string) error {
	idx := indexOf(e.main, callerID)
	if idx == -1 {
		return errors.Wrapf(ErrNotFound, "promote %q", callerID)
	}
	caller := e.main[idx]
	e.main = append(e.main[:idx], e.main[idx+1:]...)
	caller.Status = StatusLive
	caller.SlotID = slotID
	return nil
}

// ReturnToQueue undoes a promotion whose external slot switch failed: the
// caller goes back to the main queue tail with status queued. Exact position
// restoration is deliberately not attempted.
func (e *Engine) ReturnToQueue(callerID string) error {
	caller, ok := e.byID[callerID]
	if !ok || caller.Status != StatusLive {
		return errors.Wrapf(ErrNotFound, "return %q", callerID)
	}
	caller.Status = StatusQueued
	caller.SlotID = ""
	e.main = append(e.main, caller)
	return nil
}

// Remove removes the caller from whichever collection holds it and marks it
// ended. It reports the caller's previous status and whether it was known at
// all; removing an unknown id is a no-op, since disconnect races are expected.
func (e *Engine) Remove(callerID string) (Status, bool) {
	caller, ok := e.byID[callerID]
	if !ok {
		return "", false
	}
	prev := caller.Status
	switch prev {
	case StatusScreening:
		if idx := indexOf(e.screening, callerID); idx != -1 {
			e.screening = append(e.screening[:idx], e.screening[idx+1:]...)
		}
	case StatusQueued:
		if idx := indexOf(e.main, callerID); idx != -1 {
			e.main = append(e.main[:idx], e.main[idx+1:]...)
		}
	case StatusLive, StatusEnded:
	}
	caller.Status = StatusEnded
	caller.SlotID = ""
	delete(e.byID, callerID)
	return prev, true
}

// Caller returns a copy of the caller with the given id.
func (e *Engine) Caller(callerID string) (Caller, bool) {
	caller, ok := e.byID[callerID]
	if !ok {
		return Caller{}, false
	}
	return *caller, true
}

// ScreeningSnapshot returns a copy of the screening queue in order.
func (e *Engine) ScreeningSnapshot() []Caller {
	return copyQueue(e.screening)
}

// MainSnapshot returns a copy of the main queue in order.
func (e *Engine) MainSnapshot() []Caller {
	return copyQueue(e.main)
}

// PositionsSnapshot returns the 1-based position of every caller in each
// queue, reflecting the queue state after the most recent mutation.
func (e *Engine) PositionsSnapshot() (screening, main []Position) {
	return positions(e.screening), positions(e.main)
}

func positions(q []*Caller) []Position {
	out := make([]Position, 0, len(q))
	for i, caller := range q {
		out = append(out, Position{CallerID: caller.ID, Position: i + 1})
	}
	return out
}

func copyQueue(q []*Caller) []Caller {
	out := make([]Caller, 0, len(q))
	for _, caller := range q {
		out = append(out, *caller)
	}
	return out
}

func indexOf(q []*Caller, callerID string) int {
	for i, caller := range q {
		if caller.ID == callerID {
			return i
		}
	}
	return -1
}
