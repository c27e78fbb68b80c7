package buffers

import (
	"fmt"
	"strings"
	"time"

	"github.com/opd-ai/vidcore/interfaces"
)

// Attr records who owns a buffer and what the driver knows about it.
type Attr uint8

const (
	// AttrDeferred marks a buffer held by the driver, waiting to be queued.
	AttrDeferred Attr = 1 << iota
	// AttrQueued marks a buffer owned by the firmware.
	AttrQueued
	// AttrPendingRelease marks an internal buffer whose release was requested.
	AttrPendingRelease
	// AttrReadOnly marks a decoded frame the firmware still reads as a reference.
	AttrReadOnly
	// AttrBufferDone marks a buffer already handed back to the client.
	AttrBufferDone
)

var attrNames = []struct {
	bit  Attr
	name string
}{
	{AttrDeferred, "DEFERRED"},
	{AttrQueued, "QUEUED"},
	{AttrPendingRelease, "PENDING_RELEASE"},
	{AttrReadOnly, "READ_ONLY"},
	{AttrBufferDone, "BUFFER_DONE"},
}

// Has reports whether every bit of mask is set.
func (a Attr) Has(mask Attr) bool { return a&mask == mask }

// String lists the set bits joined by '|'.
func (a Attr) String() string {
	if a == 0 {
		return "NONE"
	}
	var parts []string
	for _, n := range attrNames {
		if a&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := a &^ (AttrBufferDone<<1 - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Flag is the per-frame flag word carried in buffer packets.
type Flag uint32

const (
	FlagError Flag = 1 << iota
	FlagLast
	FlagCodecConfig
	FlagEOS
	FlagReadOnly
	FlagKeyframe
)

var flagNames = []struct {
	bit  Flag
	name string
}{
	{FlagError, "ERROR"},
	{FlagLast, "LAST"},
	{FlagCodecConfig, "CODECCONFIG"},
	{FlagEOS, "EOS"},
	{FlagReadOnly, "READONLY"},
	{FlagKeyframe, "KEYFRAME"},
}

// Has reports whether every bit of mask is set.
func (f Flag) Has(mask Flag) bool { return f&mask == mask }

// String lists the set flags joined by '|'.
func (f Flag) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := f &^ (FlagKeyframe<<1 - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Owner is the party currently responsible for a buffer.
type Owner uint8

const (
	OwnerClient Owner = iota
	OwnerDriver
	OwnerFirmware
)

// String returns the owner name.
func (o Owner) String() string {
	switch o {
	case OwnerClient:
		return "client"
	case OwnerDriver:
		return "driver"
	case OwnerFirmware:
		return "firmware"
	default:
		return fmt.Sprintf("owner(%d)", uint8(o))
	}
}

// Buffer is one tracked buffer of a session.
type Buffer struct {
	Type       interfaces.BufferType
	Index      uint32
	FD         int32
	Handle     interfaces.Handle
	DeviceAddr uint64
	Size       uint32
	DataSize   uint32
	Offset     uint32
	Timestamp  int64
	Flags      Flag
	Attr       Attr
	Region     interfaces.MemRegion

	// surfaceRef is set while Handle holds a client surface reference.
	surfaceRef bool
	prepared   bool
	start      time.Duration
	slot       uint64
	alloc      *allocation
	mapping    *mapping
}

// Owner derives the current owner from the attr bits.
func (b *Buffer) Owner() Owner {
	switch {
	case b.Attr&AttrQueued != 0:
		return OwnerFirmware
	case b.Attr&AttrDeferred != 0:
		return OwnerDriver
	default:
		return OwnerClient
	}
}

// HasSurfaceRef reports whether the buffer holds a client surface reference.
func (b *Buffer) HasSurfaceRef() bool { return b.surfaceRef }

// String formats the buffer for logs.
func (b *Buffer) String() string {
	return fmt.Sprintf("%s idx %d addr %#x size %d/%d ts %d flags %s attr %s",
		b.Type, b.Index, b.DeviceAddr, b.DataSize, b.Size, b.Timestamp, b.Flags, b.Attr)
}

type allocation struct {
	handle interfaces.Handle
	region interfaces.MemRegion
	size   uint32
}

type mapping struct {
	handle     interfaces.Handle
	deviceAddr uint64
}

// Descriptor is what the client supplies when it hands a buffer in.
type Descriptor struct {
	Type       interfaces.BufferType
	Index      uint32
	FD         int32
	DeviceAddr uint64
	Size       uint32
	DataSize   uint32
	Offset     uint32
	Timestamp  int64
	Flags      Flag
}

// Response is a firmware buffer-done or release-done notification.
type Response struct {
	Type       interfaces.BufferType
	Index      uint32
	DeviceAddr uint64
	DataSize   uint32
	Offset     uint32
	Timestamp  int64
	Flags      Flag
}
