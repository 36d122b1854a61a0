// Package entity defines the object handle shared by the store, the
// replication layer and the component payloads that reference other objects.
package entity

import "fmt"

// Handle identifies a replicable object in one peer's local namespace. The
// low 32 bits are an arena slot, the high 32 bits a generation counter, so a
// slot can be reused without the old handle ever matching again. Two peers'
// handles for the same object are unrelated values; the replication layer
// translates between them.
type Handle uint64

// Nil is the zero Handle, never assigned to a live object.
const Nil Handle = 0

// NewHandle builds a handle from an arena slot and generation.
func NewHandle(slot, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(slot))
}

// Slot returns the arena slot.
func (h Handle) Slot() uint32 { return uint32(h) }

// Generation returns the slot generation.
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

// IsNil reports whether the handle is unset.
func (h Handle) IsNil() bool { return h == Nil }

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.Slot(), h.Generation())
}
