package queue

import "github.com/pkg/errors"

// SlotStatus is the externally visible occupancy of a single broadcast slot.
type SlotStatus struct {
	ID       string `json:"id"`
	Occupied bool   `json:"occupied"`
	Occupant string `json:"occupant,omitempty"`
	// Feed is the supervisor's view of the slot's outbound signal
	// (idle, live, errored, degraded). Filled in by the Orchestrator.
	Feed string `json:"feed,omitempty"`
}

// A Registry is the fixed-size table of broadcast slots. It tracks
// allocation only; process handles are owned by the feed supervisor.
//
// Like the Engine, a Registry is not safe for concurrent use; the
// Orchestrator serializes all access to it.
type Registry struct {
	order     []string
	occupants map[string]string
}

// NewRegistry returns a registry over the given slot ids. The slot set is
// fixed for the life of the process; allocation scans ids in the given order.
func NewRegistry(slotIDs []string) *Registry {
	r := &Registry{
		order:     append([]string(nil), slotIDs...),
		occupants: map[string]string{},
	}
	return r
}

// SlotIDs returns the slot ids in allocation order.
func (r *Registry) SlotIDs() []string {
	return append([]string(nil), r.order...)
}

// AllocateFree returns the first idle slot in registry order. The stable
// scan order is the defined tie-break when multiple slots are free. It
// reports false when every slot is occupied.
func (r *Registry) AllocateFree() (string, bool) {
	for _, id := range r.order {
		if _, occupied := r.occupants[id]; !occupied {
			return id, true
		}
	}
	return "", false
}

// Occupy assigns the caller to the slot. It fails with ErrConflict if the
// slot is not currently idle, guarding against a double-assignment race, and
// with ErrNotFound for an unknown slot id.
func (r *Registry) Occupy(slotID, callerID string) error {
	if !r.knows(slotID) {
		return errors.Wrapf(ErrNotFound, "occupy %q", slotID)
	}
	if occupant, occupied := r.occupants[slotID]; occupied {
		return errors.Wrapf(ErrConflict, "slot %q held by %q", slotID, occupant)
	}
	r.occupants[slotID] = callerID
	return nil
}

// Release sets the slot back to idle and reports who was evicted. Releasing
// an already idle slot is a harmless no-op.
func (r *Registry) Release(slotID string) (string, bool) {
	occupant, occupied := r.occupants[slotID]
	delete(r.occupants, slotID)
	return occupant, occupied
}

// Occupant returns the id of the caller occupying the slot, if any.
func (r *Registry) Occupant(slotID string) (string, bool) {
	occupant, occupied := r.occupants[slotID]
	return occupant, occupied
}

// StatusSnapshot returns the occupancy of every slot in registry order.
func (r *Registry) StatusSnapshot() []SlotStatus {
	out := make([]SlotStatus, 0, len(r.order))
	for _, id := range r.order {
		occupant, occupied := r.occupants[id]
		out = append(out, SlotStatus{ID: id, Occupied: occupied, Occupant: occupant})
	}
	return out
}

func (r *Registry) knows(slotID string) bool {
	for _, id := range r.order {
		if id == slotID {
			return true
		}
	}
	return false
}
