//go:build !linux

package real

import "github.com/opd-ai/vidcore/interfaces"

// SharedMemoryTransport is unavailable on this platform.
type SharedMemoryTransport struct{}

// NewSharedMemoryTransport always fails on this platform.
func NewSharedMemoryTransport(*interfaces.TransportConfig) (*SharedMemoryTransport, error) {
	return nil, ErrUnsupported
}

func (t *SharedMemoryTransport) RaiseDoorbell() error { return ErrUnsupported }
func (t *SharedMemoryTransport) Region() (*interfaces.Region, error) { return nil, ErrUnsupported }
func (t *SharedMemoryTransport) OnInterrupt(func()) {}
func (t *SharedMemoryTransport) Close() error { return nil }
func (t *SharedMemoryTransport) IsSimulation() bool { return false }
