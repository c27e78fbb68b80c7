package hfi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/vidcore/limits"
	"github.com/sirupsen/logrus"
)

// Doorbell interrupts the firmware after a command write.
type Doorbell interface {
	RaiseDoorbell() error
}

// Queues multiplexes the command, message and debug rings laid out in one
// shared region, together with the firmware fatal-reason (SFR) scratch area.
type Queues struct {
	mem        []byte
	deviceAddr uint64
	lock       *CoreLock
	bell       Doorbell

	cmd *RingQueue
	msg *RingQueue
	dbg *RingQueue
	sfr []byte

	// readMu serializes the host reader of the message and debug rings.
	readMu   sync.Mutex
	released atomic.Bool
}

var queueOrder = [limits.NumQueues]QueueType{QueueTypeCommand, QueueTypeMessage, QueueTypeDebug}

// Attach builds ring views over an already initialized region without
// touching its contents. The firmware side of a link uses this.
func Attach(mem []byte, deviceAddr uint64) (*Queues, error) {
	if err := checkAligned(mem); err != nil {
		return nil, err
	}
	if len(mem) < limits.SharedRegionSize {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrRegionTooSmall, len(mem), limits.SharedRegionSize)
	}

	q := &Queues{mem: mem, deviceAddr: deviceAddr}
	rings := make([]*RingQueue, limits.NumQueues)
	for i, qtype := range queueOrder {
		hdrOff := limits.TableHeaderSize + i*limits.QueueHeaderSize
		dataOff := limits.QueueTableSize + i*limits.QueueSize
		ring, err := newRingQueue(qtype, mem, hdrOff, mem[dataOff:dataOff+limits.QueueSize])
		if err != nil {
			return nil, err
		}
		rings[i] = ring
	}
	q.cmd, q.msg, q.dbg = rings[0], rings[1], rings[2]
	sfrOff := limits.QueueTableSize + limits.NumQueues*limits.QueueSize
	q.sfr = mem[sfrOff : sfrOff+limits.SFRSize]
	return q, nil
}

// NewQueues initializes the queue table in mem and returns the host view.
// Submissions require a token from lock and ring bell when needed.
func NewQueues(mem []byte, deviceAddr uint64, bell Doorbell, lock *CoreLock) (*Queues, error) {
	if bell == nil {
		return nil, errors.New("doorbell cannot be nil")
	}
	if lock == nil {
		return nil, errors.New("core lock cannot be nil")
	}
	q, err := Attach(mem, deviceAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewQueues",
			"size":     len(mem),
			"error":    err.Error(),
		}).Error("Failed to lay out queue table")
		return nil, err
	}
	q.bell = bell
	q.lock = lock

	tbl := header{mem: mem, off: 0}
	tbl.store(tblVersion, 0)
	tbl.store(tblSize, limits.QueueTableSize)
	tbl.store(tblQHdr0Offset, limits.TableHeaderSize)
	tbl.store(tblQHdrSize, limits.QueueHeaderSize)
	tbl.store(tblNumQ, limits.NumQueues)
	tbl.store(tblNumActiveQ, limits.NumQueues)

	q.ResetHeaders()
	binary.LittleEndian.PutUint32(q.sfr[0:4], limits.SFRSize)

	logrus.WithFields(logrus.Fields{
		"function":    "NewQueues",
		"device_addr": fmt.Sprintf("%#x", deviceAddr),
		"queue_size":  limits.QueueSize,
		"num_queues":  limits.NumQueues,
	}).Info("Queue table initialized")
	return q, nil
}

// ResetHeaders restores every queue header to its defaults without
// reallocating the region.
func (q *Queues) ResetHeaders() {
	for i, ring := range []*RingQueue{q.cmd, q.msg, q.dbg} {
		start := q.deviceAddr + uint64(limits.QueueTableSize+i*limits.QueueSize)
		ring.Reset(uint32(start))
	}
	q.released.Store(false)
	logrus.WithFields(logrus.Fields{
		"function": "ResetHeaders",
	}).Debug("Queue headers reset")
}

// Release marks the queues unusable until the next ResetHeaders.
func (q *Queues) Release() {
	q.released.Store(true)
}

// Command returns the command ring.
func (q *Queues) Command() *RingQueue { return q.cmd }

// Message returns the message ring.
func (q *Queues) Message() *RingQueue { return q.msg }

// Debug returns the debug ring.
func (q *Queues) Debug() *RingQueue { return q.dbg }

type submitConfig struct {
	doorbell bool
}

// SubmitOption adjusts a single submission.
type SubmitOption func(*submitConfig)

// WithoutDoorbell suppresses the interrupt for batched submissions.
func WithoutDoorbell() SubmitOption {
	return func(c *submitConfig) { c.doorbell = false }
}

// SubmitCommand writes packet to the command ring. tok must be the live
// token of the core lock these queues were created with.
func (q *Queues) SubmitCommand(tok *Token, packet []byte, opts ...SubmitOption) error {
	if q.lock == nil {
		return fmt.Errorf("%w: queues attached without a core lock", ErrLockNotHeld)
	}
	if err := q.lock.Verify(tok); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SubmitCommand",
		}).Error("Command submission without core lock")
		return err
	}
	if q.released.Load() {
		return ErrQueuesClosed
	}
	if err := limits.ValidateCommand(packet); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}

	cfg := submitConfig{doorbell: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	DumpPacket("host->fw", packet)
	needsSignal, err := q.cmd.Write(packet)
	if err != nil {
		return err
	}
	if needsSignal && cfg.doorbell {
		if err := q.bell.RaiseDoorbell(); err != nil {
			return fmt.Errorf("raise doorbell: %w", err)
		}
	}
	return nil
}

// PollMessage reads one response. If the firmware had flagged the message
// queue as full, the packet is returned together with ErrQueueOverflowed.
func (q *Queues) PollMessage(out []byte) (int, error) {
	return q.poll(q.msg, out)
}

// PollDebug reads one firmware log packet.
func (q *Queues) PollDebug(out []byte) (int, error) {
	return q.poll(q.dbg, out)
}

func (q *Queues) poll(ring *RingQueue, out []byte) (int, error) {
	if q.released.Load() {
		return 0, ErrQueuesClosed
	}
	q.readMu.Lock()
	defer q.readMu.Unlock()

	n, txReq, err := ring.Read(out)
	if err != nil {
		return 0, err
	}
	DumpPacket("fw->host", out[:n])
	if txReq {
		logrus.WithFields(logrus.Fields{
			"function": "poll",
			"queue":    ring.Type().String(),
		}).Error("Firmware reports queue full")
		return n, fmt.Errorf("%w: %s", ErrQueueOverflowed, ring.Type())
	}
	return n, nil
}

// ReadSFR returns the firmware fatal-reason string. The first word of the
// region is its size; the string follows and is NUL terminated.
func (q *Queues) ReadSFR() string {
	size := int(binary.LittleEndian.Uint32(q.sfr[0:4]))
	if size <= limits.WordSize || size > len(q.sfr) {
		size = len(q.sfr)
	}
	text := q.sfr[limits.WordSize:size]
	if i := bytes.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	return string(text)
}

// WriteSFR stores a fatal-reason string, truncating it to fit.
func (q *Queues) WriteSFR(reason string) {
	text := q.sfr[limits.WordSize:]
	n := copy(text[:len(text)-1], reason)
	text[n] = 0
	binary.LittleEndian.PutUint32(q.sfr[0:4], limits.SFRSize)
}

// TableState is a diagnostic snapshot of all queue headers.
type TableState struct {
	Command HeaderState `cbor:"command"`
	Message HeaderState `cbor:"message"`
	Debug   HeaderState `cbor:"debug"`
}

// Snapshot captures every queue header.
func (q *Queues) Snapshot() TableState {
	return TableState{
		Command: q.cmd.State(),
		Message: q.msg.State(),
		Debug:   q.dbg.State(),
	}
}
