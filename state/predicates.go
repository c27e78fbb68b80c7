package state

import "fmt"

// Allow is the outcome of a gating predicate.
type Allow uint8

const (
	// Disallow refuses the operation outright.
	Disallow Allow = iota
	// Permit lets the operation proceed.
	Permit
	// Defer queues locally without reaching the firmware yet.
	Defer
	// Ignore treats the operation as an already satisfied no-op.
	Ignore
)

// String returns the outcome name.
func (a Allow) String() string {
	switch a {
	case Disallow:
		return "DISALLOW"
	case Permit:
		return "ALLOW"
	case Defer:
		return "DEFER"
	case Ignore:
		return "IGNORE"
	default:
		return fmt.Sprintf("ALLOW(%d)", uint8(a))
	}
}

// Snapshot is the input to every session predicate. Streaming holds the
// ports the client has streamed on; State is the firmware-facing state.
type Snapshot struct {
	State     State
	Sub       SubState
	Streaming PortSet
}

func (s Snapshot) live() bool {
	return s.State != StateError && s.State != StateClose
}

func (s Snapshot) isState(states ...State) bool {
	for _, st := range states {
		if s.State == st {
			return true
		}
	}
	return false
}

// AllowStreamOn gates stream-on of a data port. Metadata ports only
// require that they are not streaming already.
func (s Snapshot) AllowStreamOn(port Port) bool {
	if !s.live() {
		return false
	}
	switch port {
	case PortInput:
		return s.isState(StateOpen, StateOutputStreaming)
	case PortOutput:
		return s.isState(StateOpen, StateInputStreaming)
	case PortInputMeta, PortOutputMeta:
		return !s.Streaming.Has(port)
	}
	return false
}

// AllowStreamOff gates stream-off. A port that is not streaming is ignored;
// a metadata port cannot stop while its data port streams.
func (s Snapshot) AllowStreamOff(port Port) Allow {
	if !s.Streaming.Has(port) {
		return Ignore
	}
	if port.IsMeta() && s.Streaming.Has(port.Main()) {
		return Disallow
	}
	return Permit
}

// AllowQBuf gates buffer submission. Buffers on ports whose streaming has
// not fully started are deferred.
func (s Snapshot) AllowQBuf(port Port) Allow {
	if !s.live() {
		return Disallow
	}
	if !s.Streaming.Has(port) {
		return Defer
	}
	switch port {
	case PortInputMeta, PortOutputMeta:
		return Defer
	case PortInput:
		if s.isState(StateOpen, StateOutputStreaming) {
			return Defer
		}
		return Permit
	case PortOutput:
		if s.isState(StateOpen, StateInputStreaming) {
			return Defer
		}
		return Permit
	}
	return Disallow
}

// AllowStop gates a drain request.
func (s Snapshot) AllowStop() Allow {
	switch {
	case s.isState(StateInputStreaming, StateStreaming):
		if s.Sub.Has(SubDrain) {
			return Disallow
		}
		return Permit
	case s.State == StateOpen:
		return Ignore
	}
	return Disallow
}

// AllowStart gates resume, which completes a drain or DRC sequence once
// its last buffer has been seen.
func (s Snapshot) AllowStart() bool {
	if !s.isState(StateInputStreaming, StateOutputStreaming, StateStreaming) {
		return false
	}
	return s.Sub.Has(SubDrc|SubDrcLastBuffer) || s.Sub.Has(SubDrain|SubDrainLastBuffer)
}

// AllowInputPSC refuses a port-settings-change while one is pending.
func (s Snapshot) AllowInputPSC() Allow {
	if !s.live() || s.Sub.Has(SubDrc) {
		return Disallow
	}
	return Permit
}

// AllowDrainLastFlag gates the drain last-buffer notification.
func (s Snapshot) AllowDrainLastFlag() bool {
	return s.Sub.Has(SubDrain|SubInputPause) && !s.Sub.Has(SubDrainLastBuffer)
}

// AllowPSCLastFlag gates the DRC last-buffer notification.
func (s Snapshot) AllowPSCLastFlag() bool {
	return s.Sub.Has(SubDrc|SubInputPause) && !s.Sub.Has(SubDrcLastBuffer)
}

// AllowReqBufs gates (re)allocation of client buffers on port.
func (s Snapshot) AllowReqBufs(port Port) bool {
	switch {
	case s.State == StateOpen:
		return true
	case !port.IsInputSide() && s.State == StateInputStreaming:
		return true
	case port.IsInputSide() && s.State == StateOutputStreaming:
		return true
	}
	return false
}
