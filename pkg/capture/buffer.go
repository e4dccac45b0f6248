// Package capture implements the double buffer between the sampler and the
// uploader.
//
// Both slots are allocated once. Their roles and the index of the filling
// slot are packed into a single atomic word; every role change is a
// compare-and-swap of that word. The sampler never waits for the uploader.
package capture

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/itohio/dfrnode/pkg/adc"
)

// Role is the ownership state of a slot.
type Role uint32

const (
	Free     Role = iota // empty, owned by nobody
	Filling              // owned by the sampler
	Sealed               // complete, waiting for the uploader
	Draining             // owned by the uploader
)

func (r Role) String() string {
	switch r {
	case Free:
		return "free"
	case Filling:
		return "filling"
	case Sealed:
		return "sealed"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("role(%d)", uint32(r))
	}
}

// Outcome reports what Append did.
type Outcome int

const (
	Appended      Outcome = iota // reading stored, batch not full yet
	Swapped                      // batch sealed and handed over
	DroppedOldest                // batch sealed, replacing an undrained one
	DroppedNewest                // batch complete but discarded: the uploader holds the other slot
)

// Word layout: bit 0 is the filling slot index, bits 1-2 and 3-4 the roles of
// slot 0 and slot 1.
const roleMask = 0b11

func roleShift(slot int) uint32 { return uint32(1 + 2*slot) }

func roleOf(w uint32, slot int) Role {
	return Role((w >> roleShift(slot)) & roleMask)
}

func withRole(w uint32, slot int, r Role) uint32 {
	s := roleShift(slot)
	return w&^(roleMask<<s) | uint32(r)<<s
}

func withActive(w uint32, slot int) uint32 {
	return w&^1 | uint32(slot)
}

func activeOf(w uint32) int { return int(w & 1) }

// Buffer is a two-slot capture buffer with a single producer (the sampler)
// and a single consumer (the uploader).
type Buffer struct {
	slots [2]Batch
	word  atomic.Uint32

	// sampler-owned
	seq uint64

	sealed   atomic.Uint64
	overruns atomic.Uint64
}

// New allocates a buffer whose batches hold size reading sets taken at the
// given interval.
func New(size int, interval time.Duration) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	b := &Buffer{}
	for i := range b.slots {
		b.slots[i] = newBatch(size, interval)
	}
	b.word.Store(withActive(withRole(withRole(0, 0, Filling), 1, Free), 0))
	return b, nil
}

// BatchSize returns the number of reading sets per batch.
func (b *Buffer) BatchSize() int { return b.slots[0].Cap() }

// Roles returns the current role of both slots.
func (b *Buffer) Roles() (Role, Role) {
	w := b.word.Load()
	return roleOf(w, 0), roleOf(w, 1)
}

// Append stores one reading set in the filling slot and seals the slot when
// it becomes full. Sampler only; never blocks and never allocates.
func (b *Buffer) Append(stamp time.Time, r *adc.Reading) Outcome {
	cur := activeOf(b.word.Load())
	batch := &b.slots[cur]
	batch.append(stamp, r)
	if !batch.Full() {
		return Appended
	}
	return b.seal(cur)
}

func (b *Buffer) seal(cur int) Outcome {
	batch := &b.slots[cur]
	batch.Seq = b.seq
	b.seq++
	other := 1 - cur

	for {
		w := b.word.Load()
		switch roleOf(w, other) {
		case Free, Sealed:
			dropped := roleOf(w, other) == Sealed
			nw := withActive(withRole(withRole(w, cur, Sealed), other, Filling), other)
			if !b.word.CompareAndSwap(w, nw) {
				// Uploader moved the other slot; re-evaluate.
				continue
			}
			b.slots[other].reset()
			b.sealed.Add(1)
			if dropped {
				b.overruns.Add(1)
				return DroppedOldest
			}
			return Swapped
		case Draining:
			batch.reset()
			b.overruns.Add(1)
			return DroppedNewest
		default:
			panic(fmt.Sprintf("capture: both slots filling (word %#b)", w))
		}
	}
}

// Acquire moves the sealed slot to draining and returns its batch.
// It returns false if no batch is sealed. Uploader only.
func (b *Buffer) Acquire() (*Batch, bool) {
	for {
		w := b.word.Load()
		slot := -1
		for i := range b.slots {
			if roleOf(w, i) == Sealed {
				slot = i
				break
			}
		}
		if slot < 0 {
			return nil, false
		}
		if b.word.CompareAndSwap(w, withRole(w, slot, Draining)) {
			return &b.slots[slot], true
		}
	}
}

// Release returns a drained batch's slot to the free role.
func (b *Buffer) Release(batch *Batch) error {
	slot := -1
	for i := range b.slots {
		if batch == &b.slots[i] {
			slot = i
		}
	}
	if slot < 0 {
		return fmt.Errorf("batch does not belong to this buffer")
	}

	for {
		w := b.word.Load()
		if roleOf(w, slot) != Draining {
			return fmt.Errorf("slot %d is %s, not draining", slot, roleOf(w, slot))
		}
		if b.word.CompareAndSwap(w, withRole(w, slot, Free)) {
			return nil
		}
	}
}

// Sealed returns the number of batches handed over to the uploader.
func (b *Buffer) Sealed() uint64 { return b.sealed.Load() }

// Overruns returns the number of batches dropped because the uploader fell behind.
func (b *Buffer) Overruns() uint64 { return b.overruns.Load() }
