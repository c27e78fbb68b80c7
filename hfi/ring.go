package hfi

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/vidcore/limits"
	"github.com/sirupsen/logrus"
)

// RingQueue is a circular packet queue over a region shared with the firmware.
//
// Indices are word offsets into the data region and wrap at the word
// capacity. The host is the only writer of the command queue and the only
// reader of the message and debug queues; the header fields written by the
// other side (write index on message queues, read index on command queues)
// are validated on every access because the firmware may misbehave.
type RingQueue struct {
	qtype    QueueType
	hdr      header
	data     []byte
	words    uint32
	maxBytes int
}

// NewRingQueue lays a standalone ring over mem: the 13-word header first and
// the data region after it. The header is reset to defaults.
func NewRingQueue(qtype QueueType, mem []byte) (*RingQueue, error) {
	if err := checkAligned(mem); err != nil {
		return nil, err
	}
	if len(mem) <= limits.QueueHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRegionTooSmall, len(mem))
	}
	dataLen := len(mem) - limits.QueueHeaderSize
	dataLen -= dataLen % limits.WordSize
	q, err := newRingQueue(qtype, mem, 0, mem[limits.QueueHeaderSize:limits.QueueHeaderSize+dataLen])
	if err != nil {
		return nil, err
	}
	q.Reset(0)
	return q, nil
}

func newRingQueue(qtype QueueType, hdrMem []byte, hdrOff int, data []byte) (*RingQueue, error) {
	maxBytes := limits.MaxPacketSize
	if qtype == QueueTypeCommand {
		maxBytes = limits.MaxCommandSize
	}
	if len(data) <= maxBytes {
		return nil, fmt.Errorf("%w: ring of %d bytes cannot hold a %d byte packet",
			ErrRegionTooSmall, len(data), maxBytes)
	}
	return &RingQueue{
		qtype:    qtype,
		hdr:      header{mem: hdrMem, off: hdrOff},
		data:     data,
		words:    uint32(len(data) / limits.WordSize),
		maxBytes: maxBytes,
	}, nil
}

// Type returns the queue type tag.
func (q *RingQueue) Type() QueueType { return q.qtype }

// Capacity returns the ring capacity in words.
func (q *RingQueue) Capacity() uint32 { return q.words }

// State returns a snapshot of the shared header.
func (q *RingQueue) State() HeaderState { return q.hdr.snapshot() }

// Reset restores header defaults and empties the ring.
func (q *RingQueue) Reset(startAddr uint32) {
	q.hdr.reset(q.qtype, q.words, startAddr)
}

// free returns the number of empty words for the given indices.
func (q *RingQueue) free(read, write uint32) uint32 {
	if write >= read {
		return q.words - (write - read)
	}
	return read - write
}

// Write copies packet into the ring. The packet length is taken from its
// first word. needsSignal reports that the firmware must be interrupted.
//
// A write that would leave no headroom fails with ErrQueueFull, raises
// tx_req, and leaves indices and contents untouched.
func (q *RingQueue) Write(packet []byte) (needsSignal bool, err error) {
	if len(packet) < limits.WordSize {
		return false, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(packet))
	}
	size := binary.LittleEndian.Uint32(packet[0:4])
	words := size / limits.WordSize
	if words == 0 || size%limits.WordSize != 0 || words > q.words || int(size) > len(packet) || int(size) > q.maxBytes {
		logrus.WithFields(logrus.Fields{
			"function": "Write",
			"queue":    q.qtype.String(),
			"size":     size,
			"buffer":   len(packet),
		}).Error("Rejecting packet with invalid size")
		return false, fmt.Errorf("%w: size %d", ErrInvalidPacket, size)
	}

	read := q.hdr.load(hdrReadIdx)
	write := q.hdr.load(hdrWriteIdx)
	if read >= q.words || write >= q.words {
		return false, fmt.Errorf("%w: %s indices read=%d write=%d capacity=%d",
			ErrQueueCorrupt, q.qtype, read, write, q.words)
	}

	empty := q.free(read, write)
	if empty <= words {
		q.hdr.store(hdrTxReq, 1)
		logrus.WithFields(logrus.Fields{
			"function": "Write",
			"queue":    q.qtype.String(),
			"words":    words,
			"free":     empty,
		}).Debug("Queue full, requesting firmware notification")
		return false, fmt.Errorf("%w: need %d words, %d free", ErrQueueFull, words, empty)
	}
	q.hdr.store(hdrTxReq, 0)

	src := packet[:words*limits.WordSize]
	start := int(write) * limits.WordSize
	next := write + words
	if next < q.words {
		copy(q.data[start:start+len(src)], src)
	} else {
		next -= q.words
		first := len(q.data) - start
		copy(q.data[start:], src[:first])
		copy(q.data[:len(src)-first], src[first:])
	}

	// Publishing the write index orders the payload before it.
	q.hdr.store(hdrWriteIdx, next)
	return true, nil
}

// Read copies the next packet into out and returns its byte length.
// txReq reports that the firmware had flagged this queue as full.
//
// An empty ring returns ErrQueueEmpty. A malformed length or index drops
// every pending entry by moving read_idx to write_idx and returns
// ErrQueueCorrupt.
func (q *RingQueue) Read(out []byte) (n int, txReq bool, err error) {
	read := q.hdr.load(hdrReadIdx)
	write := q.hdr.load(hdrWriteIdx)

	var rxReq uint32
	if q.qtype != QueueTypeDebug {
		rxReq = 1
	}

	if read == write {
		q.hdr.store(hdrRxReq, rxReq)
		return 0, false, ErrQueueEmpty
	}
	if write >= q.words {
		return 0, false, fmt.Errorf("%w: %s write index %d out of range", ErrQueueCorrupt, q.qtype, write)
	}
	if read >= q.words {
		q.drop(read, write, "read index out of range")
		return 0, false, fmt.Errorf("%w: %s read index %d out of range", ErrQueueCorrupt, q.qtype, read)
	}

	pos := int(read) * limits.WordSize
	size := binary.LittleEndian.Uint32(q.data[pos : pos+limits.WordSize])
	words := size / limits.WordSize
	if err := limits.ValidateMessage(int(size)); err != nil || words > q.words {
		q.drop(read, write, "invalid packet size")
		return 0, false, fmt.Errorf("%w: %s packet size %d", ErrQueueCorrupt, q.qtype, size)
	}
	if int(size) > len(out) {
		return 0, false, fmt.Errorf("%w: buffer of %d bytes for %d byte packet", ErrInvalidPacket, len(out), size)
	}

	n = int(words) * limits.WordSize
	next := read + words
	if next < q.words {
		copy(out[:n], q.data[pos:pos+n])
	} else {
		next -= q.words
		first := len(q.data) - pos
		copy(out[:first], q.data[pos:])
		copy(out[first:n], q.data[:n-first])
	}

	q.hdr.store(hdrRxReq, rxReq)
	q.hdr.store(hdrReadIdx, next)
	return n, q.hdr.load(hdrTxReq) == 1, nil
}

func (q *RingQueue) drop(read, write uint32, reason string) {
	logrus.WithFields(logrus.Fields{
		"function":  "Read",
		"queue":     q.qtype.String(),
		"read_idx":  read,
		"write_idx": write,
		"reason":    reason,
	}).Error("Dropping corrupt queue entries")
	q.hdr.store(hdrReadIdx, write)
}
