package vidcore

import (
	"errors"

	"github.com/opd-ai/vidcore/admission"
	"github.com/opd-ai/vidcore/hfi"
)

var (
	// ErrDisallowed indicates an operation refused in the current session state
	ErrDisallowed = errors.New("operation not allowed in current state")
	// ErrIgnored indicates an operation that is already satisfied
	ErrIgnored = errors.New("operation ignored")
	// ErrDeferred indicates work held locally until its port starts streaming
	ErrDeferred = errors.New("operation deferred")
	// ErrTimeout indicates the firmware did not answer within the response timeout
	ErrTimeout = errors.New("firmware response timeout")
	// ErrSessionError indicates a session that has entered the error state
	ErrSessionError = errors.New("session in error state")
	// ErrCoreInvalid indicates the core cannot accept commands
	ErrCoreInvalid = errors.New("core not in a valid state")
	// ErrUnknownSession indicates a lookup for an id the registry does not hold
	ErrUnknownSession = errors.New("unknown session")
	// ErrShutdown indicates use of a core after Shutdown
	ErrShutdown = errors.New("core shut down")

	// ErrQueueFull is returned when the command ring has no room; retry later
	ErrQueueFull = hfi.ErrQueueFull
	// ErrQueueCorrupt is returned when a ring was found corrupt and recovered
	ErrQueueCorrupt = hfi.ErrQueueCorrupt
	// ErrOverloaded indicates admission would exceed a hardware load limit
	ErrOverloaded = admission.ErrOverloaded
	// ErrTooManySessions indicates admission would exceed a session count limit
	ErrTooManySessions = admission.ErrTooManySessions
)
