// Package pool provides typed object arenas with free lists for
// session-scoped bookkeeping: buffers, allocations, mappings, timestamps,
// input timers and statistics entries.
//
// Objects are handed out zeroed and must be returned exactly once. Returning
// an object the pool does not consider live is reported as ErrNotLive, which
// catches double frees and cross-pool frees.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNotLive indicates a Put of an object that is not currently allocated
var ErrNotLive = errors.New("object not allocated from this pool")

// Kind names what a pool holds.
type Kind uint8

const (
	KindBuffer Kind = iota
	KindAllocation
	KindMapping
	KindTimestamp
	KindInputTimer
	KindBufferStats
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindAllocation:
		return "allocation"
	case KindMapping:
		return "mapping"
	case KindTimestamp:
		return "timestamp"
	case KindInputTimer:
		return "input_timer"
	case KindBufferStats:
		return "buffer_stats"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Usage is a point-in-time view of a pool.
type Usage struct {
	Kind      Kind   `cbor:"kind"`
	Name      string `cbor:"name"`
	Live      int    `cbor:"live"`
	Free      int    `cbor:"free"`
	Allocated int    `cbor:"allocated"`
}

// Pool is a free-list arena of T.
type Pool[T any] struct {
	mu        sync.Mutex
	kind      Kind
	free      []*T
	live      map[*T]struct{}
	allocated int
}

// New creates an empty pool.
func New[T any](kind Kind) *Pool[T] {
	return &Pool[T]{
		kind: kind,
		live: make(map[*T]struct{}),
	}
}

// Get returns a zeroed object, reusing a freed one when available.
func (p *Pool[T]) Get() *T {
	p.mu.Lock()
	defer p.mu.Unlock()

	var obj *T
	if n := len(p.free); n > 0 {
		obj = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		var zero T
		*obj = zero
	} else {
		obj = new(T)
		p.allocated++
	}
	p.live[obj] = struct{}{}
	return obj
}

// Put returns obj to the free list.
func (p *Pool[T]) Put(obj *T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[obj]; !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Put",
			"pool":     p.kind.String(),
		}).Error("Double free or foreign object")
		return fmt.Errorf("%w: %s", ErrNotLive, p.kind)
	}
	delete(p.live, obj)
	p.free = append(p.free, obj)
	return nil
}

// Usage reports live and free counts.
func (p *Pool[T]) Usage() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Usage{
		Kind:      p.kind,
		Name:      p.kind.String(),
		Live:      len(p.live),
		Free:      len(p.free),
		Allocated: p.allocated,
	}
}

// Drain empties the free list and forgets live objects, returning how many
// were still live (leaked).
func (p *Pool[T]) Drain() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	leaked := len(p.live)
	if leaked > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Drain",
			"pool":     p.kind.String(),
			"leaked":   leaked,
		}).Error("Pool objects leaked")
	}
	p.live = make(map[*T]struct{})
	p.free = nil
	return leaked
}

// Tracker is the type-erased view of a Pool used by Set.
type Tracker interface {
	Usage() Usage
	Drain() int
}

// Set groups the pools of one owner for diagnostics and teardown.
type Set struct {
	pools []Tracker
}

// Register adds pools to the set.
func (s *Set) Register(pools ...Tracker) {
	s.pools = append(s.pools, pools...)
}

// Usage reports every registered pool.
func (s *Set) Usage() []Usage {
	out := make([]Usage, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p.Usage())
	}
	return out
}

// Drain drains every pool and returns the total number of leaked objects.
func (s *Set) Drain() int {
	total := 0
	for _, p := range s.pools {
		total += p.Drain()
	}
	return total
}
