// Package slotmap provides a generational slot map: a dense slice of values addressed by handles
// that remain stable while other values are inserted and removed, and that stop resolving once
// the value they referred to has been removed.
package slotmap

import (
	"fmt"
	"math"
)

// Handle addresses one value within a SlotMap. The zero Handle never resolves to a value.
type Handle struct {
	index      uint32
	generation uint32
}

// InvalidHandle is the zero Handle, which is never issued by a SlotMap
var InvalidHandle Handle

// IsValid returns true if the handle could have been issued by a SlotMap. It does not
// indicate whether the value it addresses is still present.
func (h Handle) IsValid() bool { return h.generation != 0 }

// Index returns the slot index the handle addresses
func (h Handle) Index() int { return int(h.index) }

func (h Handle) String() string {
	if !h.IsValid() {
		return "Handle(invalid)"
	}
	return fmt.Sprintf("Handle(%d:%d)", h.index, h.generation)
}

type slot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// SlotMap stores values of type T behind generational handles. Removed slots are reused by later
// inserts with a new generation, so stale handles fail to resolve rather than addressing the new
// value. It is not safe for concurrent use.
type SlotMap[T any] struct {
	slots     []slot[T]
	freeSlots []uint32
	count     int
}

func New[T any]() *SlotMap[T] {
	return &SlotMap[T]{}
}

// Insert stores value and returns the handle that addresses it
func (m *SlotMap[T]) Insert(value T) Handle {
	m.count++

	if len(m.freeSlots) > 0 {
		index := m.freeSlots[len(m.freeSlots)-1]
		m.freeSlots = m.freeSlots[:len(m.freeSlots)-1]

		s := &m.slots[index]
		s.value = value
		s.occupied = true
		return Handle{index: index, generation: s.generation}
	}

	if uint64(len(m.slots)) >= math.MaxUint32 {
		panic("slot map has run out of slot indices")
	}

	index := uint32(len(m.slots))
	m.slots = append(m.slots, slot[T]{value: value, generation: 1, occupied: true})
	return Handle{index: index, generation: 1}
}

func (m *SlotMap[T]) lookup(h Handle) *slot[T] {
	if !h.IsValid() || int(h.index) >= len(m.slots) {
		return nil
	}

	s := &m.slots[h.index]
	if !s.occupied || s.generation != h.generation {
		return nil
	}
	return s
}

// Contains returns true if the handle addresses a live value
func (m *SlotMap[T]) Contains(h Handle) bool {
	return m.lookup(h) != nil
}

// Get returns the value addressed by the handle, or false if the handle is stale or invalid
func (m *SlotMap[T]) Get(h Handle) (T, bool) {
	s := m.lookup(h)
	if s == nil {
		var zero T
		return zero, false
	}
	return s.value, true
}

// GetPtr returns a pointer to the stored value so it can be modified in place, or nil if the
// handle is stale or invalid. The pointer is only valid until the next call to Insert.
func (m *SlotMap[T]) GetPtr(h Handle) *T {
	s := m.lookup(h)
	if s == nil {
		return nil
	}
	return &s.value
}

// Set replaces the value addressed by the handle and returns false if the handle is stale or invalid
func (m *SlotMap[T]) Set(h Handle, value T) bool {
	s := m.lookup(h)
	if s == nil {
		return false
	}
	s.value = value
	return true
}

// Remove deletes the value addressed by the handle and returns it. Every handle to the slot
// becomes stale.
func (m *SlotMap[T]) Remove(h Handle) (T, bool) {
	var zero T

	s := m.lookup(h)
	if s == nil {
		return zero, false
	}

	value := s.value
	s.value = zero
	s.occupied = false
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}

	m.freeSlots = append(m.freeSlots, h.index)
	m.count--
	return value, true
}

// Len returns the number of live values
func (m *SlotMap[T]) Len() int { return m.count }

// Each calls visit for every live value in slot order. Iteration ends early if visit returns true.
// visit must not insert into or remove from the map.
func (m *SlotMap[T]) Each(visit func(h Handle, value *T) (stop bool)) {
	for index := range m.slots {
		s := &m.slots[index]
		if !s.occupied {
			continue
		}

		if visit(Handle{index: uint32(index), generation: s.generation}, &s.value) {
			return
		}
	}
}

// Clear removes every value. Handles issued before the call become stale.
func (m *SlotMap[T]) Clear() {
	var zero T

	m.freeSlots = m.freeSlots[:0]
	for index := len(m.slots) - 1; index >= 0; index-- {
		s := &m.slots[index]
		if s.occupied {
			s.value = zero
			s.occupied = false
			s.generation++
			if s.generation == 0 {
				s.generation = 1
			}
		}
		m.freeSlots = append(m.freeSlots, uint32(index))
	}
	m.count = 0
}
