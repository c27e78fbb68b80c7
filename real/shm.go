package real

import "errors"

// DefaultDeviceAddr is the firmware-visible base of the shared region.
const DefaultDeviceAddr = 0x80000000

var (
	// ErrTransportClosed indicates use of a closed transport
	ErrTransportClosed = errors.New("transport closed")
	// ErrUnsupported indicates a platform without shared memory eventfds
	ErrUnsupported = errors.New("shared memory transport requires linux")
)
