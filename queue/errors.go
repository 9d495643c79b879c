package queue

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when an operation references a caller or slot id
	// that is no longer present. Expected under concurrent disconnects.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an operation attempts to occupy a slot that
	// is already occupied. Indicates a race that was correctly rejected.
	ErrConflict = errors.New("slot already occupied")

	// ErrNoSlotAvailable is returned when every broadcast slot is occupied.
	// This is an expected steady-state condition; the caller stays queued.
	ErrNoSlotAvailable = errors.New("no slot available")

	// ErrNoMedia is returned when a caller is taken live before any media
	// session has been negotiated for them.
	ErrNoMedia = errors.New("no negotiated media for caller")
)
