package hfi

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/opd-ai/vidcore/limits"
	"github.com/sirupsen/logrus"
)

// PacketType identifies a command or response.
type PacketType uint32

// Host to firmware commands.
const (
	CmdSysInit PacketType = 0x01000001 + iota
	CmdSysPowerCollapse
	CmdSysDebugSSR
	CmdSessionOpen
	CmdSessionClose
	CmdSessionStart
	CmdSessionStop
	CmdSessionDrain
	CmdSessionResume
	CmdSessionPause
	CmdBufferQueue
	CmdBufferRelease
	CmdPropertySet
	CmdPropertyGet
)

// Firmware to host responses.
const (
	MsgSysInitDone PacketType = 0x02000001 + iota
	MsgSysError
	MsgSessionOpenDone
	MsgSessionCloseDone
	MsgStartDone
	MsgStopDone
	MsgDrainDone
	MsgLastFlag
	MsgPortSettingsChange
	MsgPSCLastFlag
	MsgBufferDone
	MsgReleaseDone
	MsgPropertyDone
	MsgSessionError
	MsgDebugLog
)

var packetNames = map[PacketType]string{
	CmdSysInit:            "SYS_INIT",
	CmdSysPowerCollapse:   "SYS_POWER_COLLAPSE",
	CmdSysDebugSSR:        "SYS_DEBUG_SSR",
	CmdSessionOpen:        "SESSION_OPEN",
	CmdSessionClose:       "SESSION_CLOSE",
	CmdSessionStart:       "SESSION_START",
	CmdSessionStop:        "SESSION_STOP",
	CmdSessionDrain:       "SESSION_DRAIN",
	CmdSessionResume:      "SESSION_RESUME",
	CmdSessionPause:       "SESSION_PAUSE",
	CmdBufferQueue:        "BUFFER_QUEUE",
	CmdBufferRelease:      "BUFFER_RELEASE",
	CmdPropertySet:        "PROPERTY_SET",
	CmdPropertyGet:        "PROPERTY_GET",
	MsgSysInitDone:        "SYS_INIT_DONE",
	MsgSysError:           "SYS_ERROR",
	MsgSessionOpenDone:    "SESSION_OPEN_DONE",
	MsgSessionCloseDone:   "SESSION_CLOSE_DONE",
	MsgStartDone:          "START_DONE",
	MsgStopDone:           "STOP_DONE",
	MsgDrainDone:          "DRAIN_DONE",
	MsgLastFlag:           "LAST_FLAG",
	MsgPortSettingsChange: "PORT_SETTINGS_CHANGE",
	MsgPSCLastFlag:        "PSC_LAST_FLAG",
	MsgBufferDone:         "BUFFER_DONE",
	MsgReleaseDone:        "RELEASE_DONE",
	MsgPropertyDone:       "PROPERTY_DONE",
	MsgSessionError:       "SESSION_ERROR",
	MsgDebugLog:           "DEBUG_LOG",
}

// String returns the packet mnemonic.
func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PACKET(%#x)", uint32(t))
}

// IsSystem reports whether the packet addresses the core rather than a session.
func (t PacketType) IsSystem() bool {
	switch t {
	case CmdSysInit, CmdSysPowerCollapse, CmdSysDebugSSR, MsgSysInitDone, MsgSysError:
		return true
	}
	return false
}

// Port is the firmware-side port a packet addresses.
type Port uint32

const (
	PortNone Port = iota
	PortBitstream
	PortRaw
)

// String returns the port name.
func (p Port) String() string {
	switch p {
	case PortNone:
		return "none"
	case PortBitstream:
		return "bitstream"
	case PortRaw:
		return "raw"
	default:
		return fmt.Sprintf("port(%d)", uint32(p))
	}
}

// Packet is a decoded queue packet. On the wire the header is five
// little-endian words: size, session id, type, port and flags. Flags carry
// the status code on responses.
type Packet struct {
	SessionID uint32
	Type      PacketType
	Port      Port
	Flags     uint32
	Payload   []byte
}

// ErrShortPayload indicates a payload shorter than its fixed layout
var ErrShortPayload = errors.New("payload too short")

// Size returns the encoded size in bytes, padded to a word boundary.
func (p *Packet) Size() int {
	n := limits.MinPacketSize + len(p.Payload)
	if rem := n % limits.WordSize; rem != 0 {
		n += limits.WordSize - rem
	}
	return n
}

// Marshal encodes the packet.
func (p *Packet) Marshal() ([]byte, error) {
	size := p.Size()
	if size > limits.MaxPacketSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", limits.ErrPacketTooLarge, size, limits.MaxPacketSize)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], p.SessionID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(p.Port))
	binary.LittleEndian.PutUint32(buf[16:20], p.Flags)
	copy(buf[limits.MinPacketSize:], p.Payload)
	return buf, nil
}

// ParsePacket decodes a packet read from a queue. The payload aliases b.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < limits.MinPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", limits.ErrPacketTruncated, len(b))
	}
	size := int(binary.LittleEndian.Uint32(b[0:4]))
	if err := limits.ValidateMessage(size); err != nil {
		return nil, err
	}
	if size > len(b) {
		return nil, fmt.Errorf("%w: header says %d bytes, have %d", limits.ErrPacketTruncated, size, len(b))
	}
	return &Packet{
		SessionID: binary.LittleEndian.Uint32(b[4:8]),
		Type:      PacketType(binary.LittleEndian.Uint32(b[8:12])),
		Port:      Port(binary.LittleEndian.Uint32(b[12:16])),
		Flags:     binary.LittleEndian.Uint32(b[16:20]),
		Payload:   b[limits.MinPacketSize:size],
	}, nil
}

// BufferPayloadSize is the encoded size of BufferPayload.
const BufferPayloadSize = 44

// BufferPayload describes a buffer in queue and done packets.
type BufferPayload struct {
	Type       uint32
	Index      uint32
	DeviceAddr uint64
	Size       uint32
	DataSize   uint32
	Offset     uint32
	Timestamp  int64
	Flags      uint32
	Reserved   uint32
}

// Marshal encodes the payload.
func (b *BufferPayload) Marshal() []byte {
	buf := make([]byte, BufferPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], b.Type)
	binary.LittleEndian.PutUint32(buf[4:8], b.Index)
	binary.LittleEndian.PutUint64(buf[8:16], b.DeviceAddr)
	binary.LittleEndian.PutUint32(buf[16:20], b.Size)
	binary.LittleEndian.PutUint32(buf[20:24], b.DataSize)
	binary.LittleEndian.PutUint32(buf[24:28], b.Offset)
	binary.LittleEndian.PutUint64(buf[28:36], uint64(b.Timestamp))
	binary.LittleEndian.PutUint32(buf[36:40], b.Flags)
	binary.LittleEndian.PutUint32(buf[40:44], b.Reserved)
	return buf
}

// ParseBufferPayload decodes a buffer payload.
func ParseBufferPayload(b []byte) (*BufferPayload, error) {
	if len(b) < BufferPayloadSize {
		return nil, fmt.Errorf("%w: buffer payload %d bytes", ErrShortPayload, len(b))
	}
	return &BufferPayload{
		Type:       binary.LittleEndian.Uint32(b[0:4]),
		Index:      binary.LittleEndian.Uint32(b[4:8]),
		DeviceAddr: binary.LittleEndian.Uint64(b[8:16]),
		Size:       binary.LittleEndian.Uint32(b[16:20]),
		DataSize:   binary.LittleEndian.Uint32(b[20:24]),
		Offset:     binary.LittleEndian.Uint32(b[24:28]),
		Timestamp:  int64(binary.LittleEndian.Uint64(b[28:36])),
		Flags:      binary.LittleEndian.Uint32(b[36:40]),
		Reserved:   binary.LittleEndian.Uint32(b[40:44]),
	}, nil
}

// PropertyPayload carries a single property id and value.
type PropertyPayload struct {
	ID    uint32
	Value uint32
}

// Marshal encodes the payload.
func (p *PropertyPayload) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], p.ID)
	binary.LittleEndian.PutUint32(buf[4:8], p.Value)
	return buf
}

// ParsePropertyPayload decodes a property payload.
func ParsePropertyPayload(b []byte) (*PropertyPayload, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: property payload %d bytes", ErrShortPayload, len(b))
	}
	return &PropertyPayload{
		ID:    binary.LittleEndian.Uint32(b[0:4]),
		Value: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// SSRPayload is the subsystem-restart trigger.
//
// The packed trigger value carries the SSR type in bits 0-3, the sub-client
// id in bits 4-7 and a test address in bits 32-63.
type SSRPayload struct {
	Type        uint32
	SubClientID uint32
	TestAddr    uint32
}

// ParseSSRTrigger unpacks a trigger value.
func ParseSSRTrigger(value uint64) SSRPayload {
	return SSRPayload{
		Type:        uint32(value & 0xF),
		SubClientID: uint32((value >> 4) & 0xF),
		TestAddr:    uint32(value >> 32),
	}
}

// Marshal encodes the payload.
func (s *SSRPayload) Marshal() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], s.Type)
	binary.LittleEndian.PutUint32(buf[4:8], s.SubClientID)
	binary.LittleEndian.PutUint32(buf[8:12], s.TestAddr)
	return buf
}

// DumpPacket logs a packet hex dump at trace level.
func DumpPacket(direction string, b []byte) {
	if !logrus.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "DumpPacket",
		"direction": direction,
		"size":      len(b),
		"bytes":     hex.EncodeToString(b),
	}).Trace("Queue packet")
}
