package vidcore

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/vidcore/buffers"
	"github.com/opd-ai/vidcore/caps"
	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outputDesc(i uint32) buffers.Descriptor {
	return buffers.Descriptor{
		Type:       interfaces.BufferOutput,
		Index:      i,
		FD:         int32(100 + i),
		DeviceAddr: 0x10000000 + uint64(i)*0x100000,
		Size:       1 << 20,
	}
}

func inputDesc(i uint32) buffers.Descriptor {
	return buffers.Descriptor{
		Type:       interfaces.BufferInput,
		Index:      i,
		FD:         int32(200 + i),
		DeviceAddr: 0x20000000 + uint64(i)*0x10000,
		Size:       0x10000,
		DataSize:   4096,
		Timestamp:  int64(i) * 33333,
	}
}

func openStreaming(t *testing.T, h *harness, p Params) *Session {
	t.Helper()
	s, err := h.core.Open(testContext(t), p)
	require.NoError(t, err)
	require.NoError(t, s.StreamOn(state.PortInput))
	require.NoError(t, s.StreamOn(state.PortOutput))
	require.Equal(t, state.StateStreaming, s.Snapshot().State)
	return s
}

// TestSessionDecode tests a full decode session: streaming, drain, resume,
// stream off and close
func TestSessionDecode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	rec := &recorder{}
	s := openStreaming(t, h, decodeParams(rec))
	assert.NotEmpty(t, s.Tag())
	assert.Equal(t, interfaces.DomainDecoder, s.Domain())

	for i := uint32(0); i < 4; i++ {
		require.NoError(t, s.QueueBuffer(outputDesc(i)))
	}
	for i := uint32(0); i < 4; i++ {
		require.NoError(t, s.QueueBuffer(inputDesc(i)))
	}
	require.Eventually(t, func() bool {
		return rec.count(interfaces.BufferInput) == 4 && rec.count(interfaces.BufferOutput) == 4
	}, waitFor, tick)

	for _, b := range rec.buffers(interfaces.BufferOutput) {
		assert.Equal(t, uint32(4096), b.DataSize)
		assert.Equal(t, int64(b.Index)*33333, b.Timestamp)
	}

	require.NoError(t, s.Drain())
	assert.ErrorIs(t, s.Drain(), ErrDisallowed)
	require.Eventually(t, func() bool { return rec.has(EventEOS) }, waitFor, tick)
	snap := s.Snapshot()
	assert.True(t, snap.Sub.Has(state.SubDrain|state.SubDrainLastBuffer))
	assert.True(t, snap.Sub.Has(state.SubInputPause|state.SubOutputPause))

	require.NoError(t, s.Resume())
	assert.Equal(t, state.SubNone, s.Snapshot().Sub)
	assert.ErrorIs(t, s.Resume(), ErrDisallowed)

	require.NoError(t, s.StreamOff(ctx, state.PortOutput))
	assert.Equal(t, state.StateInputStreaming, s.Snapshot().State)
	require.NoError(t, s.StreamOff(ctx, state.PortInput))
	assert.Equal(t, state.StateOpen, s.Snapshot().State)

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, state.StateClose, s.Snapshot().State)
	active, dangling := h.core.Registry()
	assert.Empty(t, active)
	assert.Empty(t, dangling)
	assert.Equal(t, 0, h.fw.CountCommands(hfi.CmdSessionOpen)-h.fw.CountCommands(hfi.CmdSessionClose))

	allocs, mapped, surfaces := h.res.Outstanding()
	assert.Zero(t, allocs)
	assert.Zero(t, mapped)
	assert.Zero(t, surfaces)

	require.Eventually(t, func() bool {
		return coreState(h.core) == state.CoreDeinit
	}, waitFor, tick)
}

// TestSessionEncode tests an encoder streaming with the output port
// started first
func TestSessionEncode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	rec := &recorder{}
	s, err := h.core.Open(ctx, Params{
		Domain:   interfaces.DomainEncoder,
		Width:    1280,
		Height:   720,
		OnBuffer: rec.onBuffer,
		OnEvent:  rec.onEvent,
	})
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.StreamOn(state.PortOutput))
	assert.Equal(t, state.StateOutputStreaming, s.Snapshot().State)
	require.NoError(t, s.StreamOn(state.PortInput))
	assert.Equal(t, state.StateStreaming, s.Snapshot().State)

	for i := uint32(0); i < 2; i++ {
		require.NoError(t, s.QueueBuffer(outputDesc(i)))
		require.NoError(t, s.QueueBuffer(inputDesc(i)))
	}
	require.Eventually(t, func() bool {
		return rec.count(interfaces.BufferOutput) == 2
	}, waitFor, tick)

	_, dcvs := s.Policy()
	assert.True(t, dcvs)
}

// TestDeferredOutputs tests that buffers queued before stream on are held
// and submitted when the port starts
func TestDeferredOutputs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	s, err := h.core.Open(ctx, decodeParams(nil))
	require.NoError(t, err)
	defer s.Close(ctx)

	for i := uint32(0); i < 3; i++ {
		assert.ErrorIs(t, s.QueueBuffer(outputDesc(i)), ErrDeferred)
	}
	assert.Equal(t, 0, h.fw.CountCommands(hfi.CmdBufferQueue))

	require.NoError(t, s.StreamOn(state.PortInput))
	// Output is still deferred while only the input streams.
	assert.ErrorIs(t, s.QueueBuffer(outputDesc(3)), ErrDeferred)
	require.NoError(t, s.StreamOn(state.PortOutput))

	require.Eventually(t, func() bool {
		outputs, _ := h.fw.HeldBuffers(s.ID())
		return outputs == 4
	}, waitFor, tick)
}

// TestStreamOffTimeout tests the kill path when the firmware never
// acknowledges a stop
func TestStreamOffTimeout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	rec := &recorder{}
	s := openStreaming(t, h, decodeParams(rec))
	require.NoError(t, s.QueueBuffer(outputDesc(0)))

	h.fw.DropCommands(hfi.CmdSessionStop)
	err := s.StreamOff(ctx, state.PortOutput)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, state.StateError, s.Snapshot().State)
	assert.True(t, rec.has(EventError))
	// The held output was flushed back to the client.
	assert.Equal(t, 1, rec.count(interfaces.BufferOutput))

	assert.Equal(t, state.CoreDeinit, coreState(h.core))
	assert.True(t, coreSub(h.core).Has(state.CoreVideoUnresponsive))

	active, dangling := h.core.Registry()
	assert.Empty(t, active)
	assert.Equal(t, []uint32{s.ID()}, dangling)

	h.core.sessionTimeout(s)
	_, dangling = h.core.Registry()
	assert.Equal(t, []uint32{s.ID()}, dangling)

	// The remaining port stops without the firmware.
	require.NoError(t, s.StreamOff(ctx, state.PortInput))
	require.NoError(t, s.Close(ctx))
	_, dangling = h.core.Registry()
	assert.Empty(t, dangling)
}

// TestSourceChange tests the resolution change sequence
func TestSourceChange(t *testing.T) {
	drc := func(t *testing.T) (*harness, *Session, *recorder) {
		h := newHarness(t, nil)
		rec := &recorder{}
		s := openStreaming(t, h, decodeParams(rec))

		h.fw.InjectPortSettingsChange(s.ID())
		require.Eventually(t, func() bool { return rec.has(EventSourceChange) }, waitFor, tick)
		assert.True(t, s.Snapshot().Sub.Has(state.SubDrc|state.SubInputPause))

		h.fw.InjectPSCLastFlag(s.ID())
		require.Eventually(t, func() bool { return rec.has(EventEOS) }, waitFor, tick)
		assert.True(t, s.Snapshot().Sub.Has(state.SubDrcLastBuffer|state.SubOutputPause))
		return h, s, rec
	}

	t.Run("resume", func(t *testing.T) {
		_, s, _ := drc(t)
		require.NoError(t, s.Resume())
		snap := s.Snapshot()
		assert.Equal(t, state.SubNone, snap.Sub)
		assert.Equal(t, state.StateStreaming, snap.State)
		require.NoError(t, s.Close(testContext(t)))
	})

	t.Run("output restart", func(t *testing.T) {
		_, s, _ := drc(t)
		ctx := testContext(t)
		require.NoError(t, s.StreamOff(ctx, state.PortOutput))
		require.NoError(t, s.StreamOn(state.PortOutput))
		snap := s.Snapshot()
		assert.Equal(t, state.SubNone, snap.Sub)
		assert.Equal(t, state.StateStreaming, snap.State)
		require.NoError(t, s.Close(ctx))
	})

	t.Run("drain still running", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := &recorder{}
		s := openStreaming(t, h, decodeParams(rec))
		h.fw.DropCommands(hfi.CmdSessionDrain)

		h.fw.InjectPortSettingsChange(s.ID())
		require.Eventually(t, func() bool { return rec.has(EventSourceChange) }, waitFor, tick)
		require.NoError(t, s.Drain())
		h.fw.InjectPSCLastFlag(s.ID())
		require.Eventually(t, func() bool {
			return s.Snapshot().Sub.Has(state.SubDrcLastBuffer | state.SubOutputPause)
		}, waitFor, tick)

		resumes := h.fw.CountCommands(hfi.CmdSessionResume)
		require.NoError(t, s.Resume())
		assert.Equal(t, state.SubDrain, s.Snapshot().Sub)
		require.Eventually(t, func() bool {
			return h.fw.CountCommands(hfi.CmdSessionResume) == resumes+2
		}, waitFor, tick)
		assert.False(t, s.Snapshot().AllowStart())
		require.NoError(t, s.Close(testContext(t)))
	})

	t.Run("drain complete", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := &recorder{}
		s := openStreaming(t, h, decodeParams(rec))

		h.fw.InjectPortSettingsChange(s.ID())
		require.Eventually(t, func() bool { return rec.has(EventSourceChange) }, waitFor, tick)
		require.NoError(t, s.Drain())
		require.Eventually(t, func() bool {
			return s.Snapshot().Sub.Has(state.SubDrainLastBuffer)
		}, waitFor, tick)
		h.fw.InjectPSCLastFlag(s.ID())
		require.Eventually(t, func() bool {
			return s.Snapshot().Sub.Has(state.SubDrcLastBuffer)
		}, waitFor, tick)

		resumes := h.fw.CountCommands(hfi.CmdSessionResume)
		require.NoError(t, s.Resume())
		assert.Equal(t, state.SubDrain|state.SubDrainLastBuffer|state.SubInputPause|state.SubOutputPause,
			s.Snapshot().Sub)
		assert.Equal(t, resumes, h.fw.CountCommands(hfi.CmdSessionResume))

		require.NoError(t, s.Resume())
		assert.Equal(t, state.SubNone, s.Snapshot().Sub)
		require.Eventually(t, func() bool {
			return h.fw.CountCommands(hfi.CmdSessionResume) == resumes+2
		}, waitFor, tick)
		require.NoError(t, s.Close(testContext(t)))
	})

	t.Run("resume rejected", func(t *testing.T) {
		h, s, _ := drc(t)
		before := s.Snapshot().Sub

		tok := h.core.lock.Lock()
		h.core.state = state.CoreDeinit
		tok.Unlock()
		assert.ErrorIs(t, s.Resume(), ErrCoreInvalid)
		assert.Equal(t, before, s.Snapshot().Sub)

		tok = h.core.lock.Lock()
		h.core.state = state.CoreInit
		tok.Unlock()
		require.NoError(t, s.Resume())
		assert.Equal(t, state.SubNone, s.Snapshot().Sub)
		require.NoError(t, s.Close(testContext(t)))
	})

	t.Run("during open", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx := testContext(t)
		rec := &recorder{}
		s, err := h.core.Open(ctx, decodeParams(rec))
		require.NoError(t, err)
		defer s.Close(ctx)

		h.fw.InjectPortSettingsChange(s.ID())
		require.Eventually(t, func() bool { return rec.has(EventSourceChange) }, waitFor, tick)
		sub := s.Snapshot().Sub
		assert.True(t, sub.Has(state.SubInputPause))
		assert.False(t, sub.Has(state.SubDrc))
	})
}

// TestSessionErrorMessage tests that a firmware session error fails the
// session without touching the core
func TestSessionErrorMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	rec := &recorder{}
	s := openStreaming(t, h, decodeParams(rec))

	h.fw.InjectSessionError(s.ID())
	require.Eventually(t, func() bool { return rec.has(EventError) }, waitFor, tick)
	assert.Equal(t, state.StateError, s.Snapshot().State)
	assert.Equal(t, state.CoreInit, coreState(h.core))

	assert.ErrorIs(t, s.QueueBuffer(inputDesc(0)), ErrSessionError)
	assert.ErrorIs(t, s.SetControl(caps.FrameRate, 60), ErrSessionError)
	require.NoError(t, s.Close(ctx))
}

// TestIgnoredRequests tests requests that have nothing to do
func TestIgnoredRequests(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	s, err := h.core.Open(ctx, decodeParams(nil))
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.ErrorIs(t, s.StreamOff(ctx, state.PortOutput), ErrIgnored)
	assert.ErrorIs(t, s.Drain(), ErrIgnored)
	assert.ErrorIs(t, s.Resume(), ErrDisallowed)

	require.NoError(t, s.StreamOn(state.PortInput))
	assert.ErrorIs(t, s.StreamOn(state.PortInput), ErrDisallowed)
}

// TestMetaPorts tests metadata port streaming rules
func TestMetaPorts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	s, err := h.core.Open(ctx, decodeParams(nil))
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.StreamOn(state.PortInputMeta))
	assert.ErrorIs(t, s.StreamOn(state.PortInputMeta), ErrDisallowed)
	require.NoError(t, s.StreamOn(state.PortInput))
	assert.ErrorIs(t, s.StreamOff(ctx, state.PortInputMeta), ErrDisallowed)
	require.NoError(t, s.StreamOff(ctx, state.PortInput))
	require.NoError(t, s.StreamOff(ctx, state.PortInputMeta))
	assert.Equal(t, 1, h.fw.CountCommands(hfi.CmdSessionStart))
}

// TestControls tests capability get and set through a session
func TestControls(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	s, err := h.core.Open(ctx, decodeParams(nil))
	require.NoError(t, err)
	defer s.Close(ctx)

	v, err := s.Control(caps.FrameRate)
	require.NoError(t, err)
	assert.Equal(t, int32(30), v)

	require.NoError(t, s.SetControl(caps.FrameRate, 60))
	v, err = s.Control(caps.FrameRate)
	require.NoError(t, err)
	assert.Equal(t, int32(60), v)
	assert.Equal(t, uint32(60), s.load.Load().FrameRate)

	assert.Error(t, s.SetControl(caps.FrameRate, 1000))
	_, err = s.Control(caps.ID(0xfff))
	assert.ErrorIs(t, err, caps.ErrUnknown)

	require.NoError(t, s.SetControl(caps.Priority, 1))
	assert.False(t, s.load.Load().Realtime)
}

// TestReqBufs tests client buffer reallocation
func TestReqBufs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	s, err := h.core.Open(ctx, decodeParams(nil))
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.ReqBufs(state.PortOutput, 4))
	s.mu.Lock()
	n := s.bufs.Collection(interfaces.BufferOutput).Len()
	s.mu.Unlock()
	assert.Equal(t, 4, n)

	require.NoError(t, s.ReqBufs(state.PortOutput, 0))
	s.mu.Lock()
	n = s.bufs.Collection(interfaces.BufferOutput).Len()
	s.mu.Unlock()
	assert.Zero(t, n)

	require.NoError(t, s.StreamOn(state.PortInput))
	require.NoError(t, s.StreamOn(state.PortOutput))
	assert.ErrorIs(t, s.ReqBufs(state.PortInput, 2), ErrDisallowed)
}

// TestDecodeBatching tests that batched outputs are held by the driver and
// flushed together
func TestDecodeBatching(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.Enable = true
	cfg.Batch.Timeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := testContext(t)

	p := decodeParams(nil)
	p.Width, p.Height = 1280, 720
	s := openStreaming(t, h, p)
	defer s.Close(ctx)

	batching, dcvs := s.Policy()
	assert.True(t, batching)
	assert.False(t, dcvs)

	for i := uint32(0); i < 4; i++ {
		assert.ErrorIs(t, s.QueueBuffer(outputDesc(i)), ErrDeferred)
	}
	require.Eventually(t, func() bool {
		outputs, _ := h.fw.HeldBuffers(s.ID())
		return outputs == 4
	}, waitFor, tick)

	// A low latency request turns batching off. DCVS stays off for low
	// latency sessions.
	require.NoError(t, s.SetControl(caps.LowLatency, 1))
	batching, dcvs = s.Policy()
	assert.False(t, batching)
	assert.False(t, dcvs)
}

// TestBatchingRefusedAt1080p tests the batching frame size ceiling
func TestBatchingRefusedAt1080p(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.Enable = true
	h := newHarness(t, cfg)
	s := openStreaming(t, h, decodeParams(nil))
	defer s.Close(context.Background())

	batching, _ := s.Policy()
	assert.False(t, batching)
	require.NoError(t, s.QueueBuffer(outputDesc(0)))
}
