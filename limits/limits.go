// Package limits provides centralized size limits for the host/firmware queue protocol.
// This ensures consistent validation across the ring, packet and session layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// WordSize is the granularity of every queue index and packet length.
	WordSize = 4

	// QueueSize is the byte size of a single ring region (command, message or debug).
	QueueSize = 64 * 1024

	// QueueWords is the ring capacity expressed in words, as stored in q_size.
	QueueWords = QueueSize / WordSize

	// NumQueues is the number of rings in the shared queue table.
	NumQueues = 3

	// QueueHeaderWords is the number of 32-bit fields in one queue header.
	QueueHeaderWords = 13

	// QueueHeaderSize is the byte size of one queue header.
	QueueHeaderSize = QueueHeaderWords * WordSize

	// TableHeaderSize is the byte size of the queue table header
	// (version, size, qhdr0 offset, qhdr size, num_q, num_active_q).
	TableHeaderSize = 6 * WordSize

	// QueueTableSize covers the table header plus all queue headers.
	QueueTableSize = TableHeaderSize + NumQueues*QueueHeaderSize

	// SFRSize is the size of the firmware fatal-reason scratch region.
	SFRSize = 4096

	// SharedRegionSize is the total region a transport must provide.
	SharedRegionSize = QueueTableSize + NumQueues*QueueSize + SFRSize

	// MaxPacketSize is the largest legal packet on any queue (12 KiB).
	MaxPacketSize = 12 * 1024

	// MaxCommandSize bounds host-built command packets.
	MaxCommandSize = 4096

	// MinPacketSize is the fixed packet header (size, session, type, port, flags).
	MinPacketSize = 5 * WordSize
)

var (
	// ErrPacketEmpty indicates an empty packet was provided
	ErrPacketEmpty = errors.New("empty packet")

	// ErrPacketTooLarge indicates packet exceeds maximum size
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrPacketMisaligned indicates a packet length that is not word aligned
	ErrPacketMisaligned = errors.New("packet not word aligned")

	// ErrPacketTruncated indicates a packet shorter than the fixed header
	ErrPacketTruncated = errors.New("packet shorter than header")
)

// ValidatePacketSize validates a packet length against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidatePacketSize(size, maxSize int) error {
	if size == 0 {
		return ErrPacketEmpty
	}
	if size%WordSize != 0 {
		return fmt.Errorf("%w: size %d", ErrPacketMisaligned, size)
	}
	if size > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPacketTooLarge, size, maxSize)
	}
	return nil
}

// ValidateCommand validates a host command packet against MaxCommandSize.
func ValidateCommand(packet []byte) error {
	if err := ValidatePacketSize(len(packet), MaxCommandSize); err != nil {
		return err
	}
	if len(packet) < MinPacketSize {
		return fmt.Errorf("%w: size %d below %d", ErrPacketTruncated, len(packet), MinPacketSize)
	}
	return nil
}

// ValidateMessage validates a firmware packet length against MaxPacketSize.
// Firmware lengths come from shared memory and must never be trusted blindly.
func ValidateMessage(size int) error {
	if err := ValidatePacketSize(size, MaxPacketSize); err != nil {
		return err
	}
	if size < MinPacketSize {
		return fmt.Errorf("%w: size %d below %d", ErrPacketTruncated, size, MinPacketSize)
	}
	return nil
}
