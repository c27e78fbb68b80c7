package hfi

import "errors"

// Ring errors
var (
	// ErrQueueFull indicates the ring lacks headroom for the packet; tx_req was raised
	ErrQueueFull = errors.New("queue full")
	// ErrQueueEmpty indicates read index equals write index
	ErrQueueEmpty = errors.New("queue empty")
	// ErrQueueCorrupt indicates an out-of-range index or malformed packet length
	ErrQueueCorrupt = errors.New("queue corrupt")
	// ErrQueueOverflowed indicates the firmware reported its side of a queue as full
	ErrQueueOverflowed = errors.New("firmware queue overflowed")
	// ErrInvalidPacket indicates a host packet with a bad length prefix
	ErrInvalidPacket = errors.New("invalid packet")
)

// Protocol errors
var (
	// ErrLockNotHeld indicates a submission without a live core lock token
	ErrLockNotHeld = errors.New("core lock not held")
	// ErrRegionTooSmall indicates the shared region cannot hold the queue table
	ErrRegionTooSmall = errors.New("shared region too small")
	// ErrRegionMisaligned indicates the shared region is not word aligned
	ErrRegionMisaligned = errors.New("shared region not word aligned")
	// ErrQueuesClosed indicates the queues were torn down
	ErrQueuesClosed = errors.New("queues released")
)
