package testing

import (
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/vidcore/buffers"
	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type host struct {
	t    *testing.T
	tr   *SimulatedTransport
	q    *hfi.Queues
	lock *hfi.CoreLock
	irq  chan struct{}
	buf  []byte
}

func newHost(t *testing.T) *host {
	t.Helper()
	tr, err := NewSimulatedTransport(&interfaces.TransportConfig{
		UseSimulation:    true,
		RegionSize:       limits.SharedRegionSize,
		InterruptTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	region, err := tr.Region()
	require.NoError(t, err)
	lock := &hfi.CoreLock{}
	q, err := hfi.NewQueues(region.Mem, region.DeviceAddr, tr, lock)
	require.NoError(t, err)

	h := &host{t: t, tr: tr, q: q, lock: lock, irq: make(chan struct{}, 1), buf: make([]byte, limits.MaxPacketSize)}
	tr.OnInterrupt(func() {
		select {
		case h.irq <- struct{}{}:
		default:
		}
	})
	return h
}

func (h *host) submit(p *hfi.Packet) {
	h.t.Helper()
	b, err := p.Marshal()
	require.NoError(h.t, err)
	tok := h.lock.Lock()
	defer tok.Unlock()
	require.NoError(h.t, h.q.SubmitCommand(tok, b))
}

func (h *host) next() *hfi.Packet {
	h.t.Helper()
	deadline := time.After(time.Second)
	for {
		n, err := h.q.PollMessage(h.buf)
		if err == nil {
			p, perr := hfi.ParsePacket(append([]byte(nil), h.buf[:n]...))
			require.NoError(h.t, perr)
			return p
		}
		require.True(h.t, errors.Is(err, hfi.ErrQueueEmpty), "poll: %v", err)
		select {
		case <-h.irq:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			h.t.Fatal("timed out waiting for firmware message")
		}
	}
}

func (h *host) queue(sessionID uint32, t interfaces.BufferType, addr uint64, dataSize uint32, ts int64) {
	h.t.Helper()
	bp := &hfi.BufferPayload{Type: uint32(t), DeviceAddr: addr, Size: 4096, DataSize: dataSize, Timestamp: ts}
	h.submit(&hfi.Packet{SessionID: sessionID, Type: hfi.CmdBufferQueue, Payload: bp.Marshal()})
}

// TestSysInitHandshake tests the init exchange and the command log
func TestSysInitHandshake(t *testing.T) {
	h := newHost(t)
	assert.True(t, h.tr.IsSimulation())

	h.submit(&hfi.Packet{Type: hfi.CmdSysInit})
	assert.Equal(t, hfi.MsgSysInitDone, h.next().Type)
	assert.True(t, h.tr.Firmware().Inited())
	assert.Equal(t, 1, h.tr.Firmware().CountCommands(hfi.CmdSysInit))
	assert.GreaterOrEqual(t, h.tr.Doorbells(), int64(1))
}

// TestDecodeFlow tests input and output pairing, drain and stop
func TestDecodeFlow(t *testing.T) {
	h := newHost(t)
	fw := h.tr.Firmware()

	h.submit(&hfi.Packet{SessionID: 1, Type: hfi.CmdSessionOpen, Flags: uint32(interfaces.DomainDecoder)})
	assert.Equal(t, hfi.MsgSessionOpenDone, h.next().Type)

	h.queue(1, interfaces.BufferInput, 0x1000, 512, 100)
	ebd := h.next()
	assert.Equal(t, hfi.MsgBufferDone, ebd.Type)
	assert.Equal(t, hfi.PortBitstream, ebd.Port)

	h.queue(1, interfaces.BufferOutput, 0x2000, 0, 0)
	fbd := h.next()
	assert.Equal(t, hfi.PortRaw, fbd.Port)
	bp, err := hfi.ParseBufferPayload(fbd.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), bp.DeviceAddr)
	assert.Equal(t, uint32(512), bp.DataSize)
	assert.Equal(t, int64(100), bp.Timestamp)

	h.queue(1, interfaces.BufferOutput, 0x3000, 0, 0)
	h.submit(&hfi.Packet{SessionID: 1, Type: hfi.CmdSessionDrain})
	assert.Equal(t, hfi.MsgDrainDone, h.next().Type)
	last := h.next()
	assert.Equal(t, hfi.MsgLastFlag, last.Type)
	bp, err = hfi.ParseBufferPayload(last.Payload)
	require.NoError(t, err)
	assert.True(t, buffers.Flag(bp.Flags).Has(buffers.FlagLast))

	h.queue(1, interfaces.BufferOutput, 0x4000, 0, 0)
	h.submit(&hfi.Packet{SessionID: 1, Type: hfi.CmdSessionStop, Port: hfi.PortRaw})
	returned := h.next()
	assert.Equal(t, hfi.MsgBufferDone, returned.Type)
	stop := h.next()
	assert.Equal(t, hfi.MsgStopDone, stop.Type)
	assert.Equal(t, hfi.PortRaw, stop.Port)
	outputs, _ := fw.HeldBuffers(1)
	assert.Equal(t, 0, outputs)
}

// TestInternalRelease tests holding and releasing internal buffers
func TestInternalRelease(t *testing.T) {
	h := newHost(t)
	h.submit(&hfi.Packet{SessionID: 2, Type: hfi.CmdSessionOpen, Flags: uint32(interfaces.DomainDecoder)})
	h.next()

	h.queue(2, interfaces.BufferBin, 0x9000, 0, 0)
	h.queue(2, interfaces.BufferLine, 0xA000, 0, 0)
	require.Eventually(t, func() bool {
		_, internal := h.tr.Firmware().HeldBuffers(2)
		return internal == 2
	}, time.Second, 5*time.Millisecond)

	bp := &hfi.BufferPayload{Type: uint32(interfaces.BufferBin), DeviceAddr: 0x9000}
	h.submit(&hfi.Packet{SessionID: 2, Type: hfi.CmdBufferRelease, Payload: bp.Marshal()})
	done := h.next()
	assert.Equal(t, hfi.MsgReleaseDone, done.Type)
	_, internal := h.tr.Firmware().HeldBuffers(2)
	assert.Equal(t, 1, internal)
}

// TestDroppedCommands tests that dropped commands get no answer
func TestDroppedCommands(t *testing.T) {
	h := newHost(t)
	fw := h.tr.Firmware()
	fw.DropCommands(hfi.CmdSysInit)

	h.submit(&hfi.Packet{Type: hfi.CmdSysInit})
	require.Eventually(t, func() bool { return fw.CountCommands(hfi.CmdSysInit) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, fw.Inited())
	_, err := h.q.PollMessage(h.buf)
	assert.ErrorIs(t, err, hfi.ErrQueueEmpty)
	assert.True(t, fw.Commands()[0].Dropped)

	fw.ClearDrops()
	h.submit(&hfi.Packet{Type: hfi.CmdSysInit})
	assert.Equal(t, hfi.MsgSysInitDone, h.next().Type)
}

// TestInjectedFaults tests system error, session error and debug output
func TestInjectedFaults(t *testing.T) {
	h := newHost(t)
	fw := h.tr.Firmware()

	fw.InjectSysError("watchdog bite")
	assert.Equal(t, hfi.MsgSysError, h.next().Type)
	assert.Equal(t, "watchdog bite", h.q.ReadSFR())

	fw.InjectSessionError(9)
	msg := h.next()
	assert.Equal(t, hfi.MsgSessionError, msg.Type)
	assert.Equal(t, uint32(9), msg.SessionID)

	require.NoError(t, fw.WriteDebug("hello"))
	n, err := h.q.PollDebug(h.buf)
	require.NoError(t, err)
	dbg, err := hfi.ParsePacket(h.buf[:n])
	require.NoError(t, err)
	assert.Equal(t, hfi.MsgDebugLog, dbg.Type)
}

// TestCloseIsIdempotent tests transport shutdown
func TestCloseIsIdempotent(t *testing.T) {
	h := newHost(t)
	require.NoError(t, h.tr.Close())
	require.NoError(t, h.tr.Close())
	assert.ErrorIs(t, h.tr.RaiseDoorbell(), ErrTransportClosed)
	_, err := h.tr.Region()
	assert.ErrorIs(t, err, ErrTransportClosed)
}

// TestSimulatedResources tests allocation bookkeeping
func TestSimulatedResources(t *testing.T) {
	r := NewSimulatedResources(DefaultRequirements())
	assert.Equal(t, uint32(1<<20), r.BufferSize(interfaces.DomainDecoder, interfaces.BufferBin))
	assert.Equal(t, uint32(0), r.MinCount(interfaces.DomainDecoder, interfaces.BufferVpss))

	h, err := r.Alloc(interfaces.RegionNonSecure, 4096)
	require.NoError(t, err)
	addr, err := r.Map(h)
	require.NoError(t, err)
	assert.NotZero(t, addr)

	s, err := r.Get(5)
	require.NoError(t, err)
	allocs, mapped, surfaces := r.Outstanding()
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{allocs, mapped, surfaces})

	require.NoError(t, r.Unmap(h))
	require.NoError(t, r.Free(h))
	require.NoError(t, r.Put(s))
	assert.ErrorIs(t, r.Free(h), ErrUnknownHandle)

	r.FailAllocs(1)
	_, err = r.Alloc(interfaces.RegionNonSecure, 1)
	assert.ErrorIs(t, err, ErrAllocFailed)
	_, err = r.Alloc(interfaces.RegionNonSecure, 1)
	assert.NoError(t, err)
}
