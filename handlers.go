package vidcore

import (
	"github.com/opd-ai/vidcore/buffers"
	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/state"
	"github.com/sirupsen/logrus"
)

// handle applies one firmware message addressed to the session.
func (s *Session) handle(pkt *hfi.Packet) {
	s.mu.Lock()
	defer s.unlock()

	port := s.portOf(pkt.Port)
	switch pkt.Type {
	case hfi.MsgSessionOpenDone:
		s.signal(sigOpen)
	case hfi.MsgSessionCloseDone:
		s.signal(sigClose)
	case hfi.MsgStartDone:
		s.logger("handle").WithField("port", port.String()).Debug("Port started")
	case hfi.MsgStopDone:
		s.handleStopDone(port)
	case hfi.MsgDrainDone:
		s.handleDrainDone()
	case hfi.MsgLastFlag:
		s.handleLastFlag(pkt)
	case hfi.MsgPortSettingsChange:
		s.handlePortSettingsChange()
	case hfi.MsgPSCLastFlag:
		s.handlePSCLastFlag(pkt)
	case hfi.MsgBufferDone:
		s.handleBufferDone(pkt.Payload)
	case hfi.MsgReleaseDone:
		s.handleReleaseDone(pkt.Payload)
	case hfi.MsgPropertyDone:
		if pkt.Flags != 0 {
			s.logger("handle").WithField("status", pkt.Flags).Warn("Firmware rejected property")
		}
	case hfi.MsgSessionError:
		s.logger("handle").WithField("status", pkt.Flags).Error("Firmware reported session error")
		_ = s.changeState(state.StateError)
	default:
		s.logger("handle").WithField("type", pkt.Type.String()).Warn("Unexpected session message")
	}
}

func (s *Session) handleStopDone(port state.Port) {
	var set state.SubState
	var sig signal
	switch port {
	case state.PortInput:
		set, sig = state.SubInputPause, sigStopInput
		if s.sub.Has(state.SubDrc) && !s.sub.Has(state.SubDrcLastBuffer) {
			s.logger("handleStopDone").Error("Input stopped during resolution change")
			_ = s.changeState(state.StateError)
		}
		if s.decoder() && s.sub.Has(state.SubDrain) && !s.sub.Has(state.SubDrainLastBuffer) {
			s.logger("handleStopDone").Error("Input stopped during drain")
			_ = s.changeState(state.StateError)
		}
	default:
		set, sig = state.SubOutputPause, sigStopOutput
	}
	_ = s.changeSubState(0, set)
	s.signal(sig)
}

func (s *Session) handleDrainDone() {
	if !s.sub.Has(state.SubDrain) {
		s.logger("handleDrainDone").Warn("Unexpected drain done")
		return
	}
	_ = s.changeSubState(0, state.SubInputPause)
}

func (s *Session) handleLastFlag(pkt *hfi.Packet) {
	if len(pkt.Payload) > 0 {
		s.handleBufferDone(pkt.Payload)
	}
	if !s.snap().AllowDrainLastFlag() {
		s.logger("handleLastFlag").WithField("sub_state", s.sub.String()).Warn("Unexpected drain last flag")
		return
	}
	if err := s.changeSubState(0, state.SubDrainLastBuffer|state.SubOutputPause); err == nil {
		s.notify(EventEOS)
	}
}

func (s *Session) handlePortSettingsChange() {
	if !s.decoder() {
		s.logger("handlePortSettingsChange").Warn("Port settings change on an encoder")
		return
	}
	if s.snap().AllowInputPSC() == state.Disallow {
		s.logger("handlePortSettingsChange").WithField("sub_state", s.sub.String()).Warn("Port settings change not allowed")
		return
	}
	set := state.SubDrc | state.SubInputPause
	if s.state == state.StateOpen || s.state == state.StateInputStreaming {
		set = state.SubInputPause
	}
	if err := s.changeSubState(0, set); err == nil {
		s.notify(EventSourceChange)
	}
}

func (s *Session) handlePSCLastFlag(pkt *hfi.Packet) {
	if len(pkt.Payload) > 0 {
		s.handleBufferDone(pkt.Payload)
	}
	if !s.snap().AllowPSCLastFlag() {
		s.logger("handlePSCLastFlag").WithField("sub_state", s.sub.String()).Warn("Unexpected resolution change last flag")
		return
	}
	if err := s.changeSubState(0, state.SubDrcLastBuffer|state.SubOutputPause); err == nil {
		s.notify(EventEOS)
	}
}

func responseFrom(bp *hfi.BufferPayload) buffers.Response {
	return buffers.Response{
		Type:       interfaces.BufferType(bp.Type),
		Index:      bp.Index,
		DeviceAddr: bp.DeviceAddr,
		DataSize:   bp.DataSize,
		Offset:     bp.Offset,
		Timestamp:  bp.Timestamp,
		Flags:      buffers.Flag(bp.Flags),
	}
}

func (s *Session) handleBufferDone(payload []byte) {
	bp, err := hfi.ParseBufferPayload(payload)
	if err != nil {
		s.logger("handleBufferDone").WithField("error", err.Error()).Warn("Malformed buffer done")
		return
	}
	resp := responseFrom(bp)
	if !resp.Type.Valid() {
		s.logger("handleBufferDone").WithField("type", bp.Type).Warn("Buffer done with invalid type")
		return
	}
	if resp.Type == interfaces.BufferInput && resp.Flags.Has(buffers.FlagError) {
		s.bufs.RemoveTimestamp(resp.Timestamp)
	}
	b, err := s.bufs.Complete(resp)
	if err != nil {
		return
	}
	s.logger("handleBufferDone").WithField("buffer", b.String()).Trace("Buffer done")
}

func (s *Session) handleReleaseDone(payload []byte) {
	bp, err := hfi.ParseBufferPayload(payload)
	if err != nil {
		s.logger("handleReleaseDone").WithField("error", err.Error()).Warn("Malformed release done")
		return
	}
	if err := s.bufs.ReleaseDone(responseFrom(bp)); err != nil {
		s.logger("handleReleaseDone").WithFields(logrus.Fields{
			"type":  interfaces.BufferType(bp.Type).String(),
			"error": err.Error(),
		}).Warn("Release done not applied")
	}
}
