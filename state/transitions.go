package state

import "fmt"

type streamKey struct {
	from State
	port Port
	on   bool
}

// streamTable maps stream-on/off events on data ports to the next state.
var streamTable = map[streamKey]State{
	{StateOpen, PortInput, true}:              StateInputStreaming,
	{StateOpen, PortOutput, true}:             StateOutputStreaming,
	{StateInputStreaming, PortOutput, true}:   StateStreaming,
	{StateInputStreaming, PortInput, false}:   StateOpen,
	{StateOutputStreaming, PortInput, true}:   StateStreaming,
	{StateOutputStreaming, PortOutput, false}: StateOpen,
	{StateStreaming, PortInput, false}:        StateOutputStreaming,
	{StateStreaming, PortOutput, false}:       StateInputStreaming,
}

// NextState returns the state after a stream-on (on=true) or stream-off on
// port. ok is false when the table has no entry.
func NextState(from State, port Port, on bool) (next State, ok bool) {
	next, ok = streamTable[streamKey{from: from, port: port, on: on}]
	return next, ok
}

// StateChangeAllowed reports whether a direct state change is legal. Error
// is sticky: only Close leaves it. Any live state may enter Error or Close.
func StateChangeAllowed(from, to State) bool {
	if from == to {
		return true
	}
	switch to {
	case StateClose:
		return true
	case StateError:
		return from != StateClose
	}
	if from == StateError || from == StateClose {
		return false
	}
	for k, v := range streamTable {
		if k.from == from && v == to {
			return true
		}
	}
	return false
}

// subStateGuards lists bits that may only be set while the guard bits are
// present in the resulting set.
var subStateGuards = map[SubState]SubState{
	SubDrainLastBuffer: SubDrain | SubInputPause,
	SubDrcLastBuffer:   SubDrc | SubInputPause,
}

// subStateImplies lists dependencies that must hold after every change.
var subStateImplies = map[SubState]SubState{
	SubDrainLastBuffer: SubDrain,
	SubDrcLastBuffer:   SubDrc,
}

// ApplySubState computes (cur &^ clear) | set. Overlapping masks, unknown
// bits and results that break a dependency are rejected and cur is returned
// unchanged with the error.
func ApplySubState(cur, clear, set SubState) (SubState, error) {
	if clear == SubNone && set == SubNone {
		return cur, nil
	}
	if clear&set != 0 {
		return cur, fmt.Errorf("%w: clear %s set %s", ErrOverlappingMasks, clear, set)
	}
	if (clear|set)&^SubAll != 0 {
		return cur, fmt.Errorf("%w: clear %#x set %#x", ErrInvalidSubState, uint8(clear), uint8(set))
	}

	next := cur&^clear | set
	for bit, need := range subStateGuards {
		if set&bit != 0 && !next.Has(need) {
			return cur, fmt.Errorf("%w: %s requires %s, have %s", ErrSubStateInvariant, bit, need, next)
		}
	}
	for bit, need := range subStateImplies {
		if next&bit != 0 && !next.Has(need) {
			return cur, fmt.Errorf("%w: %s requires %s, have %s", ErrSubStateInvariant, bit, need, next)
		}
	}
	return next, nil
}
