package buffers

import (
	"maps"
	"slices"

	"github.com/opd-ai/vidcore/interfaces"
)

// Collection holds every buffer of one type, keyed by a monotonic slot id.
// Iteration is in slot order, which is insertion order.
type Collection struct {
	Type        interfaces.BufferType
	Size        uint32
	MinCount    uint32
	ExtraCount  uint32
	ActualCount uint32
	// Reuse is set when existing internal buffers already satisfy the
	// current size and count requirements.
	Reuse bool

	slots map[uint64]*Buffer
	next  uint64
}

func newCollection(t interfaces.BufferType) *Collection {
	return &Collection{Type: t, slots: make(map[uint64]*Buffer)}
}

func (c *Collection) insert(b *Buffer) {
	c.next++
	b.slot = c.next
	c.slots[b.slot] = b
}

func (c *Collection) remove(b *Buffer) bool {
	if cur, ok := c.slots[b.slot]; !ok || cur != b {
		return false
	}
	delete(c.slots, b.slot)
	b.slot = 0
	return true
}

// Len returns the number of buffers.
func (c *Collection) Len() int { return len(c.slots) }

// All returns the buffers in slot order. The slice is a copy, so callers may
// remove buffers while iterating it.
func (c *Collection) All() []*Buffer {
	out := make([]*Buffer, 0, len(c.slots))
	for _, slot := range slices.Sorted(maps.Keys(c.slots)) {
		out = append(out, c.slots[slot])
	}
	return out
}

// ByIndex returns the first buffer with the client index, or nil.
func (c *Collection) ByIndex(index uint32) *Buffer {
	for _, b := range c.All() {
		if b.Index == index {
			return b
		}
	}
	return nil
}

// ByDeviceAddr returns the first buffer mapped at addr, or nil.
func (c *Collection) ByDeviceAddr(addr uint64) *Buffer {
	for _, b := range c.All() {
		if b.DeviceAddr == addr {
			return b
		}
	}
	return nil
}

// Count returns how many buffers have every bit of mask set.
func (c *Collection) Count(mask Attr) int {
	n := 0
	for _, b := range c.slots {
		if b.Attr.Has(mask) {
			n++
		}
	}
	return n
}
