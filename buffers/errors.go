package buffers

import "errors"

var (
	// ErrInvalidType indicates an operation on a buffer type it does not apply to
	ErrInvalidType = errors.New("invalid buffer type for operation")
	// ErrMetaMissing indicates a queue without its required metadata companion
	ErrMetaMissing = errors.New("metadata buffer missing")
	// ErrUnknownBuffer indicates a firmware response for a buffer the manager does not track
	ErrUnknownBuffer = errors.New("unknown buffer")
	// ErrBufferBusy indicates a client reuse of a buffer the firmware still owns
	ErrBufferBusy = errors.New("buffer owned by firmware")
	// ErrNotDeferred indicates a queue of a buffer that was not prepared by the driver
	ErrNotDeferred = errors.New("buffer not deferred")
	// ErrReorderEmpty indicates a pop from an empty timestamp reorder list
	ErrReorderEmpty = errors.New("timestamp reorder list empty")
)
