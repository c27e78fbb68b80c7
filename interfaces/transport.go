package interfaces

import (
	"errors"
	"fmt"
	"time"
)

// Region describes the shared memory a transport exposes to the firmware.
type Region struct {
	// Mem is the host view of the region. It must be word aligned.
	Mem []byte
	// DeviceAddr is the firmware-visible base address.
	DeviceAddr uint64
}

// Transport raises and receives interrupts and owns the shared region.
// This abstraction allows switching between a simulated firmware and a real
// device link.
type Transport interface {
	// RaiseDoorbell interrupts the firmware
	RaiseDoorbell() error

	// Region returns the shared queue region
	Region() (*Region, error)

	// OnInterrupt registers the callback run when the firmware signals
	OnInterrupt(callback func())

	// Close releases the region and stops interrupt delivery
	Close() error

	// IsSimulation returns true if this is a simulation implementation
	IsSimulation() bool
}

// ResourceProvider allocates and maps buffer memory and supplies
// capability-driven buffer sizing.
type ResourceProvider interface {
	// Alloc allocates size bytes from region
	Alloc(region MemRegion, size uint32) (Handle, error)

	// Map returns the device address of an allocation
	Map(h Handle) (uint64, error)

	// Unmap removes the device mapping
	Unmap(h Handle) error

	// Free releases an allocation
	Free(h Handle) error

	// Get takes a reference on a client surface
	Get(fd int32) (Handle, error)

	// Put drops a client surface reference
	Put(h Handle) error

	// BufferSize returns the size of one buffer of type t
	BufferSize(domain Domain, t BufferType) uint32

	// MinCount returns the minimum buffer count of type t
	MinCount(domain Domain, t BufferType) uint32

	// ExtraCount returns the extra buffers of type t kept for pipelining
	ExtraCount(domain Domain, t BufferType) uint32
}

var (
	// ErrInvalidRegionSize indicates a region smaller than the queue layout needs
	ErrInvalidRegionSize = errors.New("region size must be positive")
	// ErrInvalidTimeout indicates a non-positive interrupt timeout
	ErrInvalidTimeout = errors.New("interrupt timeout must be positive")
	// ErrMissingDevicePath indicates a real transport without a device path
	ErrMissingDevicePath = errors.New("device path required for real transport")
)

// TransportConfig holds configuration for transport implementations
type TransportConfig struct {
	// UseSimulation determines whether to use the simulated firmware
	UseSimulation bool

	// RegionSize is the shared region size in bytes
	RegionSize int

	// DevicePath is the shared memory file used by the real transport
	DevicePath string

	// InterruptTimeout bounds a single wait for an interrupt
	InterruptTimeout time.Duration
}

// Validate checks the configuration for consistency.
func (c *TransportConfig) Validate() error {
	if c.RegionSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRegionSize, c.RegionSize)
	}
	if c.InterruptTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, c.InterruptTimeout)
	}
	if !c.UseSimulation && c.DevicePath == "" {
		return ErrMissingDevicePath
	}
	return nil
}
