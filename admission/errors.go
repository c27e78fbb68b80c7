package admission

import "errors"

var (
	// ErrOverloaded indicates the macroblock load would exceed a hardware limit
	ErrOverloaded = errors.New("hardware overloaded")
	// ErrTooManySessions indicates a session count or resolution tier limit
	ErrTooManySessions = errors.New("too many sessions")
	// ErrUnsupported indicates a session configuration the core never admits
	ErrUnsupported = errors.New("session configuration not supported")
)
