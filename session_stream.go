package vidcore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/opd-ai/vidcore/admission"
	"github.com/opd-ai/vidcore/buffers"
	"github.com/opd-ai/vidcore/caps"
	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/state"
	"github.com/sirupsen/logrus"
)

// encoderInternal lists the internal buffers an encoder needs before its
// input starts.
var encoderInternal = []interfaces.BufferType{
	interfaces.BufferBin,
	interfaces.BufferComv,
	interfaces.BufferNonComv,
	interfaces.BufferLine,
	interfaces.BufferDpb,
	interfaces.BufferArp,
	interfaces.BufferVpss,
}

// StreamOn starts a port. Starting the input port re-runs admission
// against the other active sessions.
func (s *Session) StreamOn(port state.Port) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state == state.StateError {
		return ErrSessionError
	}
	if !s.snap().AllowStreamOn(port) {
		s.logger("StreamOn").WithFields(logrus.Fields{
			"port":  port.String(),
			"state": s.state.String(),
		}).Warn("Stream on not allowed")
		return fmt.Errorf("%w: stream on %s in %s", ErrDisallowed, port, s.state)
	}
	if port.IsMeta() {
		s.streaming = s.streaming.With(port)
		return nil
	}
	if port == state.PortInput {
		if _, err := s.core.checkLoad(s); err != nil {
			s.logger("StreamOn").WithField("error", err.Error()).Warn("Admission refused stream on")
			return err
		}
	}

	var err error
	if port == state.PortInput {
		err = s.streamOnInput()
	} else {
		err = s.streamOnOutput()
	}
	if err != nil {
		s.logger("StreamOn").WithFields(logrus.Fields{
			"port":  port.String(),
			"error": err.Error(),
		}).Error("Stream on failed")
		_ = s.changeState(state.StateError)
		return err
	}
	s.logger("StreamOn").WithField("port", port.String()).Info("Port streaming")
	return nil
}

func (s *Session) streamOnInput() error {
	internal := encoderInternal
	if s.decoder() {
		internal = slices.Concat(buffers.DecoderInputInternal, []interfaces.BufferType{interfaces.BufferPersist})
	}
	if err := s.bufs.AllocAndQueueInternal(internal...); err != nil {
		return err
	}

	if err := s.command(hfi.CmdSessionStart, s.hfiPort(state.PortInput), 0, nil); err != nil {
		return err
	}
	if err := s.changeSubState(state.SubInputPause, 0); err != nil {
		return err
	}
	var set state.SubState
	if s.sub.Has(state.SubDrc) || s.sub.Has(state.SubDrain) {
		if err := s.command(hfi.CmdSessionPause, s.hfiPort(state.PortInput), 0, nil); err != nil {
			return err
		}
		set = state.SubInputPause
	}

	if err := s.streamTransition(state.PortInput, true); err != nil {
		return err
	}
	if err := s.changeSubState(0, set); err != nil {
		return err
	}
	s.updatePolicy()
	return s.queueDeferred(state.PortInput)
}

func (s *Session) streamOnOutput() error {
	var clear state.SubState
	if s.sub.Has(state.SubDrc | state.SubDrcLastBuffer) {
		clear |= state.SubDrc | state.SubDrcLastBuffer
	}

	if s.decoder() {
		if s.sub.Has(state.SubInputPause) {
			if err := s.bufs.AllocAndQueueInternal(buffers.DecoderInputInternal...); err != nil {
				return err
			}
		}
		if err := s.bufs.AllocAndQueueInternal(interfaces.BufferDpb); err != nil {
			return err
		}
	}

	drainPending := s.sub.Has(state.SubDrain | state.SubDrainLastBuffer)
	if !drainPending && s.state == state.StateInputStreaming && s.sub.Has(state.SubInputPause) {
		if err := s.command(hfi.CmdSessionResume, s.hfiPort(state.PortInput), 0, nil); err != nil {
			return err
		}
		clear |= state.SubInputPause
	}

	if err := s.command(hfi.CmdSessionStart, s.hfiPort(state.PortOutput), 0, nil); err != nil {
		return err
	}
	if s.sub.Has(state.SubOutputPause) {
		clear |= state.SubOutputPause
	}
	if err := s.streamTransition(state.PortOutput, true); err != nil {
		return err
	}
	if err := s.changeSubState(clear, 0); err != nil {
		return err
	}
	s.updatePolicy()
	return s.queueDeferred(state.PortOutput)
}

func (s *Session) streamTransition(port state.Port, on bool) error {
	if on {
		s.streaming = s.streaming.With(port)
	} else {
		s.streaming = s.streaming.Without(port)
	}
	next, ok := state.NextState(s.state, port, on)
	if !ok {
		return fmt.Errorf("%w: %s %s from %s", state.ErrInvalidTransition, port, onOff(on), s.state)
	}
	return s.changeState(next)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// StreamOff stops a port, waits for the firmware to hand back every buffer
// it holds on that port, and returns them to the client. A firmware that
// keeps buffers or does not answer kills the session.
func (s *Session) StreamOff(ctx context.Context, port state.Port) error {
	s.mu.Lock()
	defer s.unlock()

	switch s.snap().AllowStreamOff(port) {
	case state.Ignore:
		return fmt.Errorf("%w: %s not streaming", ErrIgnored, port)
	case state.Disallow:
		return fmt.Errorf("%w: stream off %s while %s streams", ErrDisallowed, port, port.Main())
	}
	if port.IsMeta() {
		s.streaming = s.streaming.Without(port)
		return nil
	}

	t := typeForPort(port)
	if s.state == state.StateError || s.killed {
		s.streaming = s.streaming.Without(port)
		s.flushPort(t)
		return nil
	}

	sig := sigStopOutput
	if port == state.PortInput {
		sig = sigStopInput
	}
	s.reset(sig)
	err := s.command(hfi.CmdSessionStop, s.hfiPort(port), 0, nil)
	if err == nil {
		err = s.streamTransition(port, false)
	} else {
		s.streaming = s.streaming.Without(port)
	}
	if err == nil {
		err = s.wait(ctx, sig)
	}
	if err == nil && port == state.PortInput {
		s.bufs.FlushTimestamps()
	}
	if err == nil {
		if n := s.bufs.Collection(t).Count(buffers.AttrQueued); n > 0 {
			err = fmt.Errorf("%w: firmware still holds %d %s buffers", ErrSessionError, n, t)
		}
	}
	if err != nil {
		s.logger("StreamOff").WithFields(logrus.Fields{
			"port":  port.String(),
			"error": err.Error(),
		}).Error("Stream off failed")
		s.kill()
	}
	s.flushPort(t)
	if err == nil {
		s.logger("StreamOff").WithField("port", port.String()).Info("Port stopped")
	}
	return err
}

func (s *Session) flushPort(t interfaces.BufferType) {
	if err := s.bufs.Flush(t); err != nil {
		s.logger("flushPort").WithField("error", err.Error()).Warn("Flush failed")
	}
	if t == interfaces.BufferOutput {
		s.bufs.FlushReadOnly()
	}
}

// kill closes the firmware session without waiting and marks the session
// failed.
func (s *Session) kill() {
	if s.killed {
		return
	}
	s.killed = true
	s.logger("kill").Error("Killing session")
	if s.opened {
		_ = s.command(hfi.CmdSessionClose, hfi.PortNone, 0, nil)
	}
	_ = s.changeState(state.StateError)
}

// QueueBuffer hands a client buffer to the session. Buffers on a port that
// is not fully streaming are held and ErrDeferred is returned; they are
// submitted when the port starts. Metadata buffers are always held until
// their main buffer is queued.
func (s *Session) QueueBuffer(desc buffers.Descriptor) error {
	s.mu.Lock()
	defer s.unlock()

	port, ok := portForType(desc.Type)
	if !ok {
		return fmt.Errorf("%w: %s", buffers.ErrInvalidType, desc.Type)
	}
	allow := s.snap().AllowQBuf(port)
	if allow == state.Disallow {
		if s.state == state.StateError {
			return ErrSessionError
		}
		return fmt.Errorf("%w: queue %s in %s", ErrDisallowed, desc.Type, s.state)
	}

	b, err := s.bufs.Prepare(desc)
	if err != nil {
		return err
	}
	if allow == state.Defer || port.IsMeta() {
		return ErrDeferred
	}
	if s.batching && desc.Type == interfaces.BufferOutput {
		s.armBatch()
		return ErrDeferred
	}
	return s.queue(b)
}

func (s *Session) queue(b *buffers.Buffer) error {
	if err := s.bufs.Queue(b); err != nil {
		if errors.Is(err, hfi.ErrQueueFull) {
			s.logger("queue").WithField("buffer", b.String()).Warn("Command queue full, buffer stays deferred")
		}
		return err
	}
	if b.Type == interfaces.BufferInput {
		s.updateRates()
	}
	return nil
}

func (s *Session) updateRates() {
	for _, r := range []struct {
		id caps.ID
		v  uint32
	}{
		{caps.TimestampRate, s.bufs.TimestampRate()},
		{caps.InputRate, s.bufs.InputRate()},
	} {
		if r.v == 0 {
			continue
		}
		if err := s.caps.Update(r.id, int32(r.v)); err != nil {
			s.logger("updateRates").WithField("error", err.Error()).Debug("Rate update rejected")
		}
	}
}

func (s *Session) queueDeferred(port state.Port) error {
	if s.snap().AllowQBuf(port) != state.Permit {
		return nil
	}
	if port == state.PortOutput && s.batching {
		if s.bufs.Collection(interfaces.BufferOutput).Count(buffers.AttrDeferred) > 0 {
			s.armBatch()
		}
		return nil
	}
	err := s.bufs.QueueDeferred(typeForPort(port))
	if port == state.PortInput && err == nil {
		s.updateRates()
	}
	return err
}

// ReqBufs replaces the client buffers of a port with count fresh entries.
// Zero frees them.
func (s *Session) ReqBufs(port state.Port, count uint32) error {
	s.mu.Lock()
	defer s.unlock()

	if !s.snap().AllowReqBufs(port) {
		return fmt.Errorf("%w: reqbufs %s in %s", ErrDisallowed, port, s.state)
	}
	t := typeForPort(port)
	if port.IsMeta() {
		t = interfaces.BufferInputMeta
		if port == state.PortOutputMeta {
			t = interfaces.BufferOutputMeta
		}
	}
	freed := s.bufs.Free(t)
	if count > 0 {
		if err := s.bufs.Allocate(t, count); err != nil {
			return err
		}
	}
	s.logger("ReqBufs").WithFields(logrus.Fields{
		"type":  t.String(),
		"freed": freed,
		"count": count,
	}).Debug("Client buffers reallocated")
	return nil
}

// Drain asks the firmware to process every queued input and report the
// last output. The end is signalled with EventEOS.
func (s *Session) Drain() error {
	s.mu.Lock()
	defer s.unlock()

	switch s.snap().AllowStop() {
	case state.Ignore:
		return fmt.Errorf("%w: drain in %s", ErrIgnored, s.state)
	case state.Disallow:
		return fmt.Errorf("%w: drain in %s %s", ErrDisallowed, s.state, s.sub)
	}
	if err := s.command(hfi.CmdSessionDrain, s.hfiPort(state.PortInput), 0, nil); err != nil {
		return err
	}
	s.logger("Drain").Info("Drain requested")
	return s.changeSubState(0, state.SubDrain)
}

// Resume completes a drain or resolution change once its last buffer has
// been delivered and restarts the paused ports.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.unlock()

	if !s.snap().AllowStart() {
		return fmt.Errorf("%w: resume in %s %s", ErrDisallowed, s.state, s.sub)
	}

	var clear state.SubState
	switch {
	case s.sub.Has(state.SubDrc | state.SubDrcLastBuffer):
		clear = state.SubDrc | state.SubDrcLastBuffer
		// A drain whose last buffer has also arrived resumes the ports
		// itself on the next Resume.
		if !s.sub.Has(state.SubDrain | state.SubDrainLastBuffer) {
			paused, err := s.resumePaused()
			if err != nil {
				return err
			}
			clear |= paused
		}
	case s.sub.Has(state.SubDrain | state.SubDrainLastBuffer):
		paused, err := s.resumePaused()
		if err != nil {
			return err
		}
		clear = state.SubDrain | state.SubDrainLastBuffer | paused
	}
	s.logger("Resume").WithField("clear", clear.String()).Info("Session resumed")
	if err := s.changeSubState(clear, 0); err != nil {
		return err
	}
	if err := s.queueDeferred(state.PortInput); err != nil {
		return err
	}
	return s.queueDeferred(state.PortOutput)
}

// resumePaused resumes every paused streaming port and returns the pause
// bits to clear. The first failed resume aborts without clearing anything.
func (s *Session) resumePaused() (state.SubState, error) {
	var clear state.SubState
	ports := []struct {
		port state.Port
		bit  state.SubState
	}{
		{state.PortInput, state.SubInputPause},
		{state.PortOutput, state.SubOutputPause},
	}
	for _, p := range ports {
		if !s.sub.Has(p.bit) || !s.streaming.Has(p.port) {
			continue
		}
		if err := s.command(hfi.CmdSessionResume, s.hfiPort(p.port), 0, nil); err != nil {
			s.logger("resumePaused").WithFields(logrus.Fields{
				"port":  p.port.String(),
				"error": err.Error(),
			}).Error("Port resume failed")
			return 0, err
		}
		clear |= p.bit
	}
	return clear, nil
}

// SetControl sets a capability. Non-dynamic capabilities are only
// accepted before streaming starts.
func (s *Session) SetControl(id caps.ID, v int32) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state == state.StateError {
		return ErrSessionError
	}
	streaming := s.state != state.StateOpen
	if err := s.caps.Set(id, v, streaming); err != nil {
		return err
	}
	s.refreshLoad()
	if s.opened {
		if err := s.setProperty(id); err != nil {
			return err
		}
	}
	if streaming {
		s.updatePolicy()
	}
	return nil
}

// Control returns the current value of a capability.
func (s *Session) Control(id caps.ID) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.caps.Has(id) {
		return 0, fmt.Errorf("%w: %s", caps.ErrUnknown, id)
	}
	return s.caps.Value(id), nil
}

// updatePolicy re-evaluates decode batching and DCVS. Batching is decided
// first; DCVS is refused while it is on.
func (s *Session) updatePolicy() {
	cfg := s.core.cfg
	maxFPS := cfg.Platform.MaxFrameRate
	if e, ok := s.caps.Entry(caps.FrameRate); ok {
		maxFPS = uint32(e.Max)
	}
	in := admission.PolicyInput{
		Load:            *s.load.Load(),
		CoreDCVS:        cfg.DCVS && cfg.Platform.CoreDCVS,
		CoreDecodeBatch: cfg.Platform.CoreDecodeBatch,
		BatchEnabled:    cfg.Batch.Enable && s.caps.Bool(caps.DecodeBatch),
		SingleSession:   s.core.activeCount() == 1,
		MaxFrameRate:    maxFPS,
		BatchFPS:        uint32(s.caps.Value(caps.BatchFPS)),
		BatchMBPF:       uint32(s.caps.Value(caps.BatchMBPF)),
	}
	batch := admission.AllowDecodeBatch(in)
	in.BatchEnabled = batch.Allowed
	dcvs := admission.AllowDCVS(in)

	was := s.batching
	s.batching, s.dcvs = batch.Allowed, dcvs.Allowed
	s.logger("updatePolicy").WithFields(logrus.Fields{
		"batching":     batch.Allowed,
		"batch_reason": batch.Reason,
		"dcvs":         dcvs.Allowed,
		"dcvs_reason":  dcvs.Reason,
	}).Debug("Session policy updated")

	if was && !s.batching {
		s.stopBatchTimer()
		if err := s.queueDeferred(state.PortOutput); err != nil {
			s.logger("updatePolicy").WithField("error", err.Error()).Warn("Failed to queue held outputs")
		}
	}
}

func (s *Session) armBatch() {
	if s.batchTimer != nil {
		return
	}
	s.batchTimer = time.AfterFunc(s.core.cfg.Batch.Timeout, s.flushBatch)
}

// flushBatch submits every held output buffer with a single doorbell.
func (s *Session) flushBatch() {
	if !s.Acquire() {
		return
	}
	defer s.Release()
	s.mu.Lock()
	defer s.unlock()

	s.batchTimer = nil
	if s.state == state.StateError {
		s.logger("flushBatch").Debug("Skipping batch flush in error state")
		return
	}
	if _, sub := s.core.State(); sub.Has(state.CorePmSuspend) {
		s.logger("flushBatch").Debug("Skipping batch flush while suspended")
		return
	}
	if s.snap().AllowQBuf(state.PortOutput) != state.Permit {
		s.logger("flushBatch").Debug("Output not streaming, dropping batch work")
		return
	}

	s.batchFlush = true
	err := s.bufs.QueueDeferred(interfaces.BufferOutput)
	s.batchFlush = false
	if bellErr := s.core.transport.RaiseDoorbell(); bellErr != nil && err == nil {
		err = bellErr
	}
	if err != nil {
		s.logger("flushBatch").WithField("error", err.Error()).Error("Batch flush failed")
		_ = s.changeState(state.StateError)
	}
}
