package hfi

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/opd-ai/vidcore/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDoorbell struct {
	rings atomic.Int32
	err   error
}

func (d *countingDoorbell) RaiseDoorbell() error {
	d.rings.Add(1)
	return d.err
}

func newTestQueues(t *testing.T) (*Queues, *CoreLock, *countingDoorbell, []byte) {
	t.Helper()
	mem := make([]byte, limits.SharedRegionSize)
	lock := &CoreLock{}
	bell := &countingDoorbell{}
	q, err := NewQueues(mem, 0x80000000, bell, lock)
	require.NoError(t, err)
	return q, lock, bell, mem
}

func testCommand(t *testing.T, typ PacketType) []byte {
	t.Helper()
	pkt := &Packet{SessionID: 7, Type: typ, Port: PortBitstream}
	b, err := pkt.Marshal()
	require.NoError(t, err)
	return b
}

// TestSubmitCommandRequiresLiveToken verifies the proof-of-lock check.
func TestSubmitCommandRequiresLiveToken(t *testing.T) {
	q, lock, bell, _ := newTestQueues(t)
	cmd := testCommand(t, CmdSessionStart)

	err := q.SubmitCommand(nil, cmd)
	assert.ErrorIs(t, err, ErrLockNotHeld)

	tok := lock.Lock()
	require.NoError(t, q.SubmitCommand(tok, cmd))
	tok.Unlock()
	assert.Equal(t, int32(1), bell.rings.Load())

	err = q.SubmitCommand(tok, cmd)
	assert.ErrorIs(t, err, ErrLockNotHeld, "stale token must be refused")

	other := (&CoreLock{}).Lock()
	defer other.Unlock()
	err = q.SubmitCommand(other, cmd)
	assert.ErrorIs(t, err, ErrLockNotHeld, "foreign token must be refused")
}

// TestSubmitCommandWithoutDoorbell checks doorbell suppression.
func TestSubmitCommandWithoutDoorbell(t *testing.T) {
	q, lock, bell, _ := newTestQueues(t)
	tok := lock.Lock()
	defer tok.Unlock()

	require.NoError(t, q.SubmitCommand(tok, testCommand(t, CmdBufferQueue), WithoutDoorbell()))
	assert.Equal(t, int32(0), bell.rings.Load())
	assert.NotEqual(t, uint32(0), q.Command().State().WriteIdx)
}

// TestSubmitCommandDoorbellFailure surfaces transport errors.
func TestSubmitCommandDoorbellFailure(t *testing.T) {
	q, lock, bell, _ := newTestQueues(t)
	bell.err = errors.New("link down")
	tok := lock.Lock()
	defer tok.Unlock()

	err := q.SubmitCommand(tok, testCommand(t, CmdSessionStop))
	assert.Error(t, err)
}

// TestFirmwareRoundTrip sends a command, reads it from the firmware view
// and returns a response through the message ring.
func TestFirmwareRoundTrip(t *testing.T) {
	q, lock, _, mem := newTestQueues(t)
	fw, err := Attach(mem, 0x80000000)
	require.NoError(t, err)

	tok := lock.Lock()
	require.NoError(t, q.SubmitCommand(tok, testCommand(t, CmdSessionOpen)))
	tok.Unlock()

	buf := make([]byte, limits.MaxPacketSize)
	n, _, err := fw.Command().Read(buf)
	require.NoError(t, err)
	cmd, err := ParsePacket(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, CmdSessionOpen, cmd.Type)
	assert.Equal(t, uint32(7), cmd.SessionID)

	resp := &Packet{SessionID: cmd.SessionID, Type: MsgSessionOpenDone}
	b, err := resp.Marshal()
	require.NoError(t, err)
	_, err = fw.Message().Write(b)
	require.NoError(t, err)

	n, err = q.PollMessage(buf)
	require.NoError(t, err)
	msg, err := ParsePacket(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, MsgSessionOpenDone, msg.Type)

	_, err = q.PollMessage(buf)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

// TestPollMessageReportsOverflow checks that a firmware tx_req is surfaced.
func TestPollMessageReportsOverflow(t *testing.T) {
	q, _, _, mem := newTestQueues(t)
	fw, err := Attach(mem, 0)
	require.NoError(t, err)

	b, err := (&Packet{Type: MsgSysError}).Marshal()
	require.NoError(t, err)
	_, err = fw.Message().Write(b)
	require.NoError(t, err)
	fw.Message().hdr.store(hdrTxReq, 1)

	buf := make([]byte, limits.MaxPacketSize)
	n, err := q.PollMessage(buf)
	assert.ErrorIs(t, err, ErrQueueOverflowed)
	assert.Equal(t, len(b), n)
}

// TestResetHeadersRestoresDefaults checks header defaults after reset.
func TestResetHeadersRestoresDefaults(t *testing.T) {
	q, lock, _, _ := newTestQueues(t)
	tok := lock.Lock()
	require.NoError(t, q.SubmitCommand(tok, testCommand(t, CmdSessionStart)))
	tok.Unlock()
	q.Release()

	tok = lock.Lock()
	assert.ErrorIs(t, q.SubmitCommand(tok, testCommand(t, CmdSessionStart)), ErrQueuesClosed)
	tok.Unlock()

	q.ResetHeaders()
	snap := q.Snapshot()
	for _, st := range []HeaderState{snap.Command, snap.Message, snap.Debug} {
		assert.Equal(t, uint32(1), st.Status)
		assert.Equal(t, uint32(limits.QueueWords), st.QSize)
		assert.Equal(t, uint32(1), st.RxWatermark)
		assert.Equal(t, uint32(1), st.TxWatermark)
		assert.Equal(t, uint32(0), st.ReadIdx)
		assert.Equal(t, uint32(0), st.WriteIdx)
		assert.Equal(t, uint32(0), st.TxReq)
	}
	assert.Equal(t, uint32(1), snap.Message.RxReq)
	assert.Equal(t, uint32(0), snap.Debug.RxReq)
	assert.Equal(t, uint32(QueueTypeDebug), snap.Debug.Type)
	assert.Equal(t, uint32(0x80000000+limits.QueueTableSize), snap.Command.StartAddress)
}

// TestSFRRoundTrip checks the fatal-reason scratch area.
func TestSFRRoundTrip(t *testing.T) {
	q, _, _, _ := newTestQueues(t)
	assert.Equal(t, "", q.ReadSFR())

	q.WriteSFR("watchdog bite in core 0")
	assert.Equal(t, "watchdog bite in core 0", q.ReadSFR())
}

// TestAttachRejectsSmallRegion checks region validation.
func TestAttachRejectsSmallRegion(t *testing.T) {
	_, err := Attach(make([]byte, 1024), 0)
	assert.ErrorIs(t, err, ErrRegionTooSmall)
}
