package hfi

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/opd-ai/vidcore/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRingBytes = 16 * 1024

func newTestRing(t *testing.T, qtype QueueType) (*RingQueue, []byte) {
	t.Helper()
	mem := make([]byte, limits.QueueHeaderSize+testRingBytes)
	ring, err := NewRingQueue(qtype, mem)
	require.NoError(t, err)
	return ring, mem
}

func makePacket(rng *rand.Rand, size int) []byte {
	pkt := make([]byte, size)
	rng.Read(pkt)
	binary.LittleEndian.PutUint32(pkt[0:4], uint32(size))
	return pkt
}

// TestRingWraparound writes and reads enough packets to wrap the ring
// several times and checks FIFO order and content.
func TestRingWraparound(t *testing.T) {
	ring, _ := newTestRing(t, QueueTypeMessage)
	rng := rand.New(rand.NewSource(42))
	out := make([]byte, limits.MaxPacketSize)

	var pending [][]byte
	var written int
	wraps := 0
	lastWrite := uint32(0)

	for wraps < 4 {
		// Fill until full, then drain half.
		for {
			size := limits.MinPacketSize + 4*rng.Intn(700)
			pkt := makePacket(rng, size)
			signal, err := ring.Write(pkt)
			if err != nil {
				assert.ErrorIs(t, err, ErrQueueFull)
				break
			}
			assert.True(t, signal)
			pending = append(pending, pkt)
			written += size

			w := ring.State().WriteIdx
			if w < lastWrite {
				wraps++
			}
			lastWrite = w
		}
		for i := 0; i < len(pending)/2+1 && len(pending) > 0; i++ {
			n, txReq, err := ring.Read(out)
			require.NoError(t, err)
			assert.True(t, txReq, "full write must have raised tx_req")
			require.True(t, bytes.Equal(pending[0], out[:n]), "packet mismatch at wrap %d", wraps)
			pending = pending[1:]
		}
	}

	for len(pending) > 0 {
		n, _, err := ring.Read(out)
		require.NoError(t, err)
		require.Equal(t, pending[0], out[:n])
		pending = pending[1:]
	}
	_, _, err := ring.Read(out)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Greater(t, written, 3*testRingBytes)
}

// TestRingFullLeavesStateUnchanged verifies a rejected write does not move
// indices or touch ring contents.
func TestRingFullLeavesStateUnchanged(t *testing.T) {
	ring, mem := newTestRing(t, QueueTypeCommand)
	rng := rand.New(rand.NewSource(7))

	for {
		_, err := ring.Write(makePacket(rng, 1024))
		if err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			break
		}
	}

	before := ring.State()
	data := append([]byte(nil), mem[limits.QueueHeaderSize:]...)

	_, err := ring.Write(makePacket(rng, 512))
	require.ErrorIs(t, err, ErrQueueFull)

	after := ring.State()
	assert.Equal(t, before.ReadIdx, after.ReadIdx)
	assert.Equal(t, before.WriteIdx, after.WriteIdx)
	assert.Equal(t, uint32(1), after.TxReq)
	assert.True(t, bytes.Equal(data, mem[limits.QueueHeaderSize:]), "ring contents changed")
}

// TestRingExactFitIsRejected checks that a write leaving zero headroom fails.
func TestRingExactFitIsRejected(t *testing.T) {
	ring, _ := newTestRing(t, QueueTypeMessage)
	rng := rand.New(rand.NewSource(1))

	// Leave exactly 100 words free.
	used := int(ring.Capacity()) - 100
	for used > 0 {
		words := min(used, limits.MaxPacketSize/4)
		_, err := ring.Write(makePacket(rng, words*4))
		require.NoError(t, err)
		used -= words
	}

	_, err := ring.Write(makePacket(rng, 100*4))
	assert.ErrorIs(t, err, ErrQueueFull)
	_, err = ring.Write(makePacket(rng, 99*4))
	assert.NoError(t, err)
}

// TestRingEmptyReceiveRequest checks rx_req handling per queue type.
func TestRingEmptyReceiveRequest(t *testing.T) {
	msg, _ := newTestRing(t, QueueTypeMessage)
	dbg, _ := newTestRing(t, QueueTypeDebug)
	out := make([]byte, limits.MaxPacketSize)

	msg.hdr.store(hdrRxReq, 0)
	_, _, err := msg.Read(out)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Equal(t, uint32(1), msg.State().RxReq)

	assert.Equal(t, uint32(0), dbg.State().RxReq, "debug queue starts with rx_req clear")
	_, _, err = dbg.Read(out)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Equal(t, uint32(0), dbg.State().RxReq)
}

// TestRingCorruptLengthDropsEntries checks that a malformed length
// resynchronizes the read index instead of looping.
func TestRingCorruptLengthDropsEntries(t *testing.T) {
	ring, mem := newTestRing(t, QueueTypeMessage)
	rng := rand.New(rand.NewSource(3))
	out := make([]byte, limits.MaxPacketSize)

	for i := 0; i < 3; i++ {
		_, err := ring.Write(makePacket(rng, 64))
		require.NoError(t, err)
	}
	binary.LittleEndian.PutUint32(mem[limits.QueueHeaderSize:], limits.MaxPacketSize*2)

	_, _, err := ring.Read(out)
	require.ErrorIs(t, err, ErrQueueCorrupt)
	st := ring.State()
	assert.Equal(t, st.WriteIdx, st.ReadIdx)

	_, _, err = ring.Read(out)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

// TestRingOutOfRangeIndex checks index validation against the capacity.
func TestRingOutOfRangeIndex(t *testing.T) {
	ring, _ := newTestRing(t, QueueTypeMessage)
	out := make([]byte, limits.MaxPacketSize)

	ring.hdr.store(hdrWriteIdx, 8)
	ring.hdr.store(hdrReadIdx, ring.Capacity()+5)
	_, _, err := ring.Read(out)
	require.ErrorIs(t, err, ErrQueueCorrupt)
	assert.Equal(t, uint32(8), ring.State().ReadIdx)

	ring.hdr.store(hdrWriteIdx, ring.Capacity())
	_, err = ring.Write(makePacket(rand.New(rand.NewSource(1)), 64))
	assert.ErrorIs(t, err, ErrQueueCorrupt)
}

// TestRingRejectsInvalidWrites covers bad length prefixes.
func TestRingRejectsInvalidWrites(t *testing.T) {
	ring, _ := newTestRing(t, QueueTypeCommand)

	_, err := ring.Write([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidPacket)

	pkt := make([]byte, 64)
	_, err = ring.Write(pkt)
	assert.ErrorIs(t, err, ErrInvalidPacket, "zero size")

	binary.LittleEndian.PutUint32(pkt, 128)
	_, err = ring.Write(pkt)
	assert.ErrorIs(t, err, ErrInvalidPacket, "size beyond buffer")

	binary.LittleEndian.PutUint32(pkt, 62)
	_, err = ring.Write(pkt)
	assert.ErrorIs(t, err, ErrInvalidPacket, "unaligned size")
	assert.Equal(t, uint32(0), ring.State().WriteIdx)
}

// TestNewRingQueueTooSmall checks the capacity constraint.
func TestNewRingQueueTooSmall(t *testing.T) {
	_, err := NewRingQueue(QueueTypeMessage, make([]byte, limits.QueueHeaderSize+limits.MaxPacketSize))
	assert.ErrorIs(t, err, ErrRegionTooSmall)
}
