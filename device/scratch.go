package device

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ScratchSlots is the number of auxiliary counter buffers an intersector
// keeps for its backend. Backends use them for stream compaction and atomics
// during a query or build; three covers every backend family shipped so far.
const ScratchSlots = 3

// Scratch owns the per-intersector counter buffers. Slots are allocated
// lazily by backends during preprocessing and released exactly once when the
// owning intersector is closed. The release routine is bound at allocation
// time because different buffer kinds need different teardown calls.
type Scratch struct {
	mu    sync.Mutex
	slots [ScratchSlots]scratchSlot
}

type scratchSlot struct {
	buf     Buffer
	release func(Buffer)
}

// Bind stores buf in the given slot together with its release routine,
// releasing whatever the slot held before. Passing a nil release leaves
// teardown to the buffer's own Release method.
func (s *Scratch) Bind(slot int, buf Buffer, release func(Buffer)) {
	if release == nil {
		release = func(b Buffer) { b.Release() }
	}
	s.mu.Lock()
	prev := s.slots[slot]
	s.slots[slot] = scratchSlot{buf: buf, release: release}
	s.mu.Unlock()
	if prev.buf != nil {
		prev.release(prev.buf)
	}
}

// Counter returns the buffer bound to slot, or nil if the slot is empty.
func (s *Scratch) Counter(slot int) Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[slot].buf
}

// EnsureCounter returns the counter bound to slot, allocating it via dev
// when the slot is empty or smaller than size.
func (s *Scratch) EnsureCounter(dev Device, slot, size int) (Buffer, error) {
	if slot < 0 || slot >= ScratchSlots {
		return nil, fmt.Errorf("device: scratch slot %d out of range", slot)
	}
	if buf := s.Counter(slot); buf != nil && buf.Size() >= size {
		return buf, nil
	}
	buf, err := dev.CreateBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("device: scratch counter %d: %w", slot, err)
	}
	s.Bind(slot, buf, nil)
	return buf, nil
}

// ResetCounter writes zero into the first four bytes of the slot's buffer.
// Backends call it at the start of every query that uses the counter, so no
// state leaks between unrelated queries.
func (s *Scratch) ResetCounter(dev Device, slot int) error {
	buf := s.Counter(slot)
	if buf == nil {
		return fmt.Errorf("device: scratch slot %d not allocated", slot)
	}
	var zero [4]byte
	return dev.Write(buf, 0, zero[:])
}

// ReadCounter returns the uint32 value stored in the slot's buffer.
func (s *Scratch) ReadCounter(dev Device, slot int) (uint32, error) {
	buf := s.Counter(slot)
	if buf == nil {
		return 0, fmt.Errorf("device: scratch slot %d not allocated", slot)
	}
	var raw [4]byte
	if err := dev.Read(buf, 0, raw[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw[:]), nil
}

// Release tears every slot down through its bound release routine. Safe to
// call more than once and on partially allocated scratch, including after a
// failed preprocess.
func (s *Scratch) Release() {
	s.mu.Lock()
	slots := s.slots
	s.slots = [ScratchSlots]scratchSlot{}
	s.mu.Unlock()
	for _, sl := range slots {
		if sl.buf != nil {
			sl.release(sl.buf)
		}
	}
}
