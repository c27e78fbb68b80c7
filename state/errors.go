package state

import "errors"

var (
	// ErrOverlappingMasks indicates a (clear, set) pair sharing bits
	ErrOverlappingMasks = errors.New("clear and set masks overlap")
	// ErrInvalidSubState indicates bits outside the defined sub-state set
	ErrInvalidSubState = errors.New("invalid sub-state bits")
	// ErrSubStateInvariant indicates a result that breaks a sub-state dependency
	ErrSubStateInvariant = errors.New("sub-state dependency violated")
	// ErrInvalidTransition indicates a state change absent from the transition table
	ErrInvalidTransition = errors.New("state transition not allowed")
)
