package testing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/vidcore/interfaces"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownHandle indicates a handle the provider never issued
	ErrUnknownHandle = errors.New("unknown handle")
	// ErrAllocFailed is returned while allocation failure is injected
	ErrAllocFailed = errors.New("simulated allocation failure")
)

// Requirement is the sizing the provider reports for one buffer type.
type Requirement struct {
	Size       uint32
	MinCount   uint32
	ExtraCount uint32
}

type simAlloc struct {
	region interfaces.MemRegion
	size   uint32
	addr   uint64
	mapped bool
}

// SimulatedResources implements interfaces.ResourceProvider with in-memory
// bookkeeping so tests can check for leaks.
type SimulatedResources struct {
	mu       sync.Mutex
	next     interfaces.Handle
	nextAddr uint64
	allocs   map[interfaces.Handle]*simAlloc
	surfaces map[interfaces.Handle]int32
	reqs     map[interfaces.BufferType]Requirement
	failNext int
}

// NewSimulatedResources creates a provider that reports reqs for buffer
// sizing. Types without an entry report zero.
func NewSimulatedResources(reqs map[interfaces.BufferType]Requirement) *SimulatedResources {
	r := &SimulatedResources{
		next:     1,
		nextAddr: 0x10000000,
		allocs:   make(map[interfaces.Handle]*simAlloc),
		surfaces: make(map[interfaces.Handle]int32),
		reqs:     make(map[interfaces.BufferType]Requirement, len(reqs)),
	}
	for t, req := range reqs {
		r.reqs[t] = req
	}
	return r
}

// DefaultRequirements returns decoder-like internal buffer sizing.
func DefaultRequirements() map[interfaces.BufferType]Requirement {
	return map[interfaces.BufferType]Requirement{
		interfaces.BufferBin:     {Size: 1 << 20, MinCount: 1},
		interfaces.BufferComv:    {Size: 256 << 10, MinCount: 1},
		interfaces.BufferNonComv: {Size: 128 << 10, MinCount: 1},
		interfaces.BufferLine:    {Size: 64 << 10, MinCount: 1},
		interfaces.BufferPersist: {Size: 512 << 10, MinCount: 1},
		interfaces.BufferInput:   {Size: 2 << 20, MinCount: 4, ExtraCount: 2},
		interfaces.BufferOutput:  {Size: 3 << 20, MinCount: 4, ExtraCount: 2},
	}
}

// SetRequirement changes the sizing of t.
func (r *SimulatedResources) SetRequirement(t interfaces.BufferType, req Requirement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs[t] = req
}

// FailAllocs makes the next n Alloc calls fail.
func (r *SimulatedResources) FailAllocs(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

// Alloc reserves size bytes.
func (r *SimulatedResources) Alloc(region interfaces.MemRegion, size uint32) (interfaces.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return 0, ErrAllocFailed
	}
	h := r.next
	r.next++
	r.allocs[h] = &simAlloc{region: region, size: size}
	logrus.WithFields(logrus.Fields{
		"function": "SimulatedResources.Alloc",
		"handle":   h,
		"region":   region.String(),
		"size":     size,
	}).Debug("Simulated allocation")
	return h, nil
}

// Map assigns a device address to an allocation.
func (r *SimulatedResources) Map(h interfaces.Handle) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.allocs[h]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	if !a.mapped {
		a.addr = r.nextAddr
		r.nextAddr += uint64(a.size+0xFFF) &^ 0xFFF
		a.mapped = true
	}
	return a.addr, nil
}

// Unmap removes the device mapping.
func (r *SimulatedResources) Unmap(h interfaces.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.allocs[h]
	if !ok || !a.mapped {
		return fmt.Errorf("%w: unmap %d", ErrUnknownHandle, h)
	}
	a.mapped = false
	return nil
}

// Free releases an allocation.
func (r *SimulatedResources) Free(h interfaces.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.allocs[h]; !ok {
		return fmt.Errorf("%w: free %d", ErrUnknownHandle, h)
	}
	delete(r.allocs, h)
	return nil
}

// Get takes a surface reference on a client fd.
func (r *SimulatedResources) Get(fd int32) (interfaces.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.next
	r.next++
	r.surfaces[h] = fd
	return h, nil
}

// Put drops a surface reference.
func (r *SimulatedResources) Put(h interfaces.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.surfaces[h]; !ok {
		return fmt.Errorf("%w: put %d", ErrUnknownHandle, h)
	}
	delete(r.surfaces, h)
	return nil
}

// BufferSize reports the size of t.
func (r *SimulatedResources) BufferSize(_ interfaces.Domain, t interfaces.BufferType) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[t].Size
}

// MinCount reports the minimum count of t.
func (r *SimulatedResources) MinCount(_ interfaces.Domain, t interfaces.BufferType) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[t].MinCount
}

// ExtraCount reports the extra count of t.
func (r *SimulatedResources) ExtraCount(_ interfaces.Domain, t interfaces.BufferType) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[t].ExtraCount
}

// Outstanding returns live allocations, live mappings and surface
// references.
func (r *SimulatedResources) Outstanding() (allocs, mapped, surfaces int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.allocs {
		if a.mapped {
			mapped++
		}
	}
	return len(r.allocs), mapped, len(r.surfaces)
}
