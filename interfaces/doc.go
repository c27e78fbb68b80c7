// Package interfaces defines the collaborator abstractions the session core
// depends on, together with the small vocabulary types shared between them.
//
// # Core Interfaces
//
// [Transport] owns the shared-memory region and the interrupt lines. The core
// never touches hardware registers; it writes packets into the region and
// asks the transport to ring the doorbell:
//
//	region, err := transport.Region()
//	transport.OnInterrupt(func() { dispatcher.Kick() })
//	err = transport.RaiseDoorbell()
//
// [ResourceProvider] allocates, maps and frees buffer memory and answers
// sizing questions (BufferSize, MinCount, ExtraCount) from capability data.
//
// Both have a simulated implementation in the testing package and a real one
// in the real package; the factory package picks between them.
//
// # Configuration
//
// [TransportConfig] selects and parameterizes a transport. Validate returns
// ErrInvalidRegionSize, ErrInvalidTimeout or ErrMissingDevicePath.
//
// # Shared Types
//
// Domain, BufferType, MemRegion and Handle are used across packages so that
// buffer classification has a single definition.
package interfaces
