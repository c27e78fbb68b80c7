package state

import (
	"fmt"
	"strings"
)

// State is the primary session state.
type State uint8

const (
	StateOpen State = iota + 1
	StateInputStreaming
	StateOutputStreaming
	StateStreaming
	StateClose
	StateError
)

var stateNames = map[State]string{
	StateOpen:            "OPEN",
	StateInputStreaming:  "INPUT_STREAMING",
	StateOutputStreaming: "OUTPUT_STREAMING",
	StateStreaming:       "STREAMING",
	StateClose:           "CLOSE",
	StateError:           "ERROR",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// SubState is the set of in-flight sequencing flags of a session.
type SubState uint8

const (
	SubDrain SubState = 1 << iota
	SubDrc
	SubDrainLastBuffer
	SubDrcLastBuffer
	SubInputPause
	SubOutputPause

	// SubNone is the empty set.
	SubNone SubState = 0

	// SubAll is every defined bit.
	SubAll = SubDrain | SubDrc | SubDrainLastBuffer | SubDrcLastBuffer | SubInputPause | SubOutputPause
)

var subStateNames = []struct {
	bit  SubState
	name string
}{
	{SubDrain, "DRAIN"},
	{SubDrc, "DRC"},
	{SubDrainLastBuffer, "DRAIN_LAST_BUFFER"},
	{SubDrcLastBuffer, "DRC_LAST_BUFFER"},
	{SubInputPause, "INPUT_PAUSE"},
	{SubOutputPause, "OUTPUT_PAUSE"},
}

// Has reports whether every bit of b is set.
func (s SubState) Has(b SubState) bool { return s&b == b }

// String formats the set as NAME|NAME, or NONE.
func (s SubState) String() string {
	return formatBits(uint32(s), len(subStateNames), func(i int) (uint32, string) {
		return uint32(subStateNames[i].bit), subStateNames[i].name
	})
}

func formatBits(v uint32, n int, entry func(int) (uint32, string)) string {
	if v == 0 {
		return "NONE"
	}
	var parts []string
	var known uint32
	for i := 0; i < n; i++ {
		bit, name := entry(i)
		known |= bit
		if v&bit != 0 {
			parts = append(parts, name)
		}
	}
	if rest := v &^ known; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", rest))
	}
	return strings.Join(parts, "|")
}

// Port is a client-visible stream port.
type Port uint8

const (
	PortInput Port = iota
	PortOutput
	PortInputMeta
	PortOutputMeta
)

// String returns the port name.
func (p Port) String() string {
	switch p {
	case PortInput:
		return "INPUT"
	case PortOutput:
		return "OUTPUT"
	case PortInputMeta:
		return "INPUT_META"
	case PortOutputMeta:
		return "OUTPUT_META"
	default:
		return fmt.Sprintf("PORT(%d)", uint8(p))
	}
}

// IsMeta reports whether p carries metadata buffers.
func (p Port) IsMeta() bool { return p == PortInputMeta || p == PortOutputMeta }

// IsInputSide reports whether p belongs to the input direction.
func (p Port) IsInputSide() bool { return p == PortInput || p == PortInputMeta }

// Main returns the data port a metadata port belongs to.
func (p Port) Main() Port {
	switch p {
	case PortInputMeta:
		return PortInput
	case PortOutputMeta:
		return PortOutput
	}
	return p
}

// Meta returns the metadata port of a data port.
func (p Port) Meta() Port {
	switch p {
	case PortInput:
		return PortInputMeta
	case PortOutput:
		return PortOutputMeta
	}
	return p
}

// PortSet is a set of ports.
type PortSet uint8

// With returns the set including p.
func (s PortSet) With(p Port) PortSet { return s | 1<<p }

// Without returns the set excluding p.
func (s PortSet) Without(p Port) PortSet { return s &^ (1 << p) }

// Has reports whether p is in the set.
func (s PortSet) Has(p Port) bool { return s&(1<<p) != 0 }
