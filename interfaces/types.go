package interfaces

import "fmt"

// Domain is the session kind.
type Domain uint8

const (
	DomainDecoder Domain = iota + 1
	DomainEncoder
)

// String returns the domain name.
func (d Domain) String() string {
	switch d {
	case DomainDecoder:
		return "decoder"
	case DomainEncoder:
		return "encoder"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// BufferType identifies a buffer collection. Each type has exactly one
// collection per session.
type BufferType uint8

const (
	BufferInput BufferType = iota + 1
	BufferOutput
	BufferInputMeta
	BufferOutputMeta
	BufferBin
	BufferArp
	BufferComv
	BufferNonComv
	BufferLine
	BufferDpb
	BufferPersist
	BufferVpss
	BufferPartialData
	BufferReadOnly
)

var bufferTypeNames = map[BufferType]string{
	BufferInput:       "INPUT",
	BufferOutput:      "OUTPUT",
	BufferInputMeta:   "INPUT_META",
	BufferOutputMeta:  "OUTPUT_META",
	BufferBin:         "BIN",
	BufferArp:         "ARP",
	BufferComv:        "COMV",
	BufferNonComv:     "NON_COMV",
	BufferLine:        "LINE",
	BufferDpb:         "DPB",
	BufferPersist:     "PERSIST",
	BufferVpss:        "VPSS",
	BufferPartialData: "PARTIAL_DATA",
	BufferReadOnly:    "READ_ONLY",
}

// String returns the type name.
func (t BufferType) String() string {
	if name, ok := bufferTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("BUFFER(%d)", uint8(t))
}

// Valid reports whether t is a defined type.
func (t BufferType) Valid() bool {
	_, ok := bufferTypeNames[t]
	return ok
}

// IsInternal reports whether t is a firmware-only buffer.
func (t BufferType) IsInternal() bool {
	return t >= BufferBin && t <= BufferPartialData
}

// IsMeta reports whether t is a metadata buffer.
func (t BufferType) IsMeta() bool {
	return t == BufferInputMeta || t == BufferOutputMeta
}

// IsInput reports whether t travels on the input side.
func (t BufferType) IsInput() bool {
	return t == BufferInput || t == BufferInputMeta
}

// IsOutput reports whether t travels on the output side.
func (t BufferType) IsOutput() bool {
	return t == BufferOutput || t == BufferOutputMeta
}

// InternalTypes lists every firmware-only buffer type.
var InternalTypes = []BufferType{
	BufferBin, BufferArp, BufferComv, BufferNonComv, BufferLine,
	BufferDpb, BufferPersist, BufferVpss, BufferPartialData,
}

// MemRegion selects the memory pool an allocation comes from.
type MemRegion uint8

const (
	RegionNonSecure MemRegion = iota
	RegionSecurePixel
	RegionSecureNonPixel
	RegionSecureBitstream
	RegionFirmware
)

// String returns the region name.
func (r MemRegion) String() string {
	switch r {
	case RegionNonSecure:
		return "non_secure"
	case RegionSecurePixel:
		return "secure_pixel"
	case RegionSecureNonPixel:
		return "secure_non_pixel"
	case RegionSecureBitstream:
		return "secure_bitstream"
	case RegionFirmware:
		return "firmware"
	default:
		return fmt.Sprintf("region(%d)", uint8(r))
	}
}

// Handle is an opaque resource-provider reference.
type Handle uint64
