package testing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/vidcore/buffers"
	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/limits"
	"github.com/sirupsen/logrus"
)

// CommandRecord is one command the firmware consumed, for test verification.
type CommandRecord struct {
	SessionID uint32
	Type      hfi.PacketType
	Port      hfi.Port
	Dropped   bool
	Timestamp int64
}

type fwSession struct {
	domain   interfaces.Domain
	outputs  []hfi.BufferPayload
	frames   []hfi.BufferPayload
	internal map[uint64]hfi.BufferPayload
	props    map[uint32]uint32
}

func (s *fwSession) inputPort() hfi.Port {
	if s.domain == interfaces.DomainEncoder {
		return hfi.PortRaw
	}
	return hfi.PortBitstream
}

func (s *fwSession) outputPort() hfi.Port {
	if s.domain == interfaces.DomainEncoder {
		return hfi.PortBitstream
	}
	return hfi.PortRaw
}

// Firmware is a scripted stand-in for the video firmware. It consumes the
// command ring, answers on the message ring and raises the host interrupt.
//
// Input buffers are returned as soon as they are queued. Each consumed input
// fills the oldest held output buffer; inputs that find no output buffer wait
// for one. Tests steer it with the Drop, Inject and Set methods.
type Firmware struct {
	q   *hfi.Queues
	irq func()

	mu        sync.Mutex
	sessions  map[uint32]*fwSession
	dropped   map[hfi.PacketType]bool
	readOnly  bool
	inited    bool
	suspended bool
	log       []CommandRecord
	backlog   [][]byte
	scratch   []byte
}

func newFirmware(region *interfaces.Region, irq func()) *Firmware {
	q, err := hfi.Attach(region.Mem, region.DeviceAddr)
	if err != nil {
		// The transport sizes the region itself, so this cannot fail.
		panic(fmt.Sprintf("attach simulated firmware: %v", err))
	}
	return &Firmware{
		q:        q,
		irq:      irq,
		sessions: make(map[uint32]*fwSession),
		dropped:  make(map[hfi.PacketType]bool),
		scratch:  make([]byte, limits.MaxPacketSize),
	}
}

// DropCommands makes the firmware swallow commands of the given types
// without answering.
func (f *Firmware) DropCommands(types ...hfi.PacketType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range types {
		f.dropped[t] = true
	}
}

// ClearDrops answers every command again.
func (f *Firmware) ClearDrops() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = make(map[hfi.PacketType]bool)
}

// SetReadOnlyOutputs flags every returned output buffer as still referenced.
func (f *Firmware) SetReadOnlyOutputs(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readOnly = on
}

// Commands returns a copy of the command log.
func (f *Firmware) Commands() []CommandRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CommandRecord, len(f.log))
	copy(out, f.log)
	return out
}

// CountCommands returns how many commands of type t were consumed.
func (f *Firmware) CountCommands(t hfi.PacketType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.log {
		if r.Type == t {
			n++
		}
	}
	return n
}

// ClearCommands empties the command log.
func (f *Firmware) ClearCommands() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = f.log[:0]
}

// Inited reports whether SysInit was answered.
func (f *Firmware) Inited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inited
}

// Suspended reports whether the host requested power collapse.
func (f *Firmware) Suspended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended
}

// HeldBuffers returns the output and internal buffers the firmware holds
// for a session.
func (f *Firmware) HeldBuffers(sessionID uint32) (outputs, internal int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return 0, 0
	}
	return len(s.outputs), len(s.internal)
}

// InjectPortSettingsChange reports an input resolution change.
func (f *Firmware) InjectPortSettingsChange(sessionID uint32) {
	f.inject(func() {
		port := hfi.PortBitstream
		if s, ok := f.sessions[sessionID]; ok {
			port = s.inputPort()
		}
		f.send(&hfi.Packet{SessionID: sessionID, Type: hfi.MsgPortSettingsChange, Port: port})
	})
}

// InjectPSCLastFlag returns every held output buffer empty and then sends
// the resolution-change last flag.
func (f *Firmware) InjectPSCLastFlag(sessionID uint32) {
	f.inject(func() {
		s, ok := f.sessions[sessionID]
		if !ok {
			return
		}
		f.returnOutputs(sessionID, s)
		f.send(&hfi.Packet{SessionID: sessionID, Type: hfi.MsgPSCLastFlag, Port: s.outputPort()})
	})
}

// InjectSessionError reports a fatal session error.
func (f *Firmware) InjectSessionError(sessionID uint32) {
	f.inject(func() {
		f.send(&hfi.Packet{SessionID: sessionID, Type: hfi.MsgSessionError, Flags: 1})
	})
}

// InjectSysError writes reason to the SFR region and reports a system error.
func (f *Firmware) InjectSysError(reason string) {
	f.inject(func() {
		f.q.WriteSFR(reason)
		f.send(&hfi.Packet{Type: hfi.MsgSysError, Flags: 1})
	})
}

// WriteDebug logs text on the debug ring.
func (f *Firmware) WriteDebug(text string) error {
	b, err := (&hfi.Packet{Type: hfi.MsgDebugLog, Payload: []byte(text)}).Marshal()
	if err != nil {
		return err
	}
	if _, err := f.q.Debug().Write(b); err != nil {
		return err
	}
	f.irq()
	return nil
}

func (f *Firmware) inject(fn func()) {
	f.mu.Lock()
	fn()
	f.mu.Unlock()
	f.irq()
}

// service drains the command ring and answers every command.
func (f *Firmware) service() {
	f.mu.Lock()
	f.flushLocked()
	for {
		n, _, err := f.q.Command().Read(f.scratch)
		if errors.Is(err, hfi.ErrQueueEmpty) {
			break
		}
		if errors.Is(err, hfi.ErrQueueCorrupt) {
			continue
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Firmware.service",
				"error":    err.Error(),
			}).Error("Simulated firmware failed to read command")
			break
		}
		pkt, err := hfi.ParsePacket(f.scratch[:n])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Firmware.service",
				"error":    err.Error(),
			}).Error("Simulated firmware received malformed command")
			continue
		}
		f.handle(pkt)
	}
	f.mu.Unlock()
	f.irq()
}

func (f *Firmware) flushBacklog() {
	f.mu.Lock()
	wrote := len(f.backlog) > 0
	f.flushLocked()
	f.mu.Unlock()
	if wrote {
		f.irq()
	}
}

func (f *Firmware) flushLocked() {
	for len(f.backlog) > 0 {
		if _, err := f.q.Message().Write(f.backlog[0]); err != nil {
			return
		}
		f.backlog = f.backlog[1:]
	}
}

func (f *Firmware) send(pkt *hfi.Packet) {
	b, err := pkt.Marshal()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Firmware.send",
			"type":     pkt.Type.String(),
			"error":    err.Error(),
		}).Error("Simulated firmware failed to encode message")
		return
	}
	if len(f.backlog) == 0 {
		if _, err := f.q.Message().Write(b); err == nil {
			return
		}
	}
	f.backlog = append(f.backlog, b)
}

func (f *Firmware) sendBuffer(sessionID uint32, typ hfi.PacketType, port hfi.Port, bp *hfi.BufferPayload) {
	f.send(&hfi.Packet{SessionID: sessionID, Type: typ, Port: port, Payload: bp.Marshal()})
}

func (f *Firmware) handle(pkt *hfi.Packet) {
	rec := CommandRecord{
		SessionID: pkt.SessionID,
		Type:      pkt.Type,
		Port:      pkt.Port,
		Dropped:   f.dropped[pkt.Type],
		Timestamp: time.Now().UnixNano(),
	}
	f.log = append(f.log, rec)
	if rec.Dropped {
		logrus.WithFields(logrus.Fields{
			"function":   "Firmware.handle",
			"session_id": pkt.SessionID,
			"type":       pkt.Type.String(),
		}).Debug("Simulated firmware dropping command")
		return
	}

	switch pkt.Type {
	case hfi.CmdSysInit:
		f.inited = true
		f.send(&hfi.Packet{Type: hfi.MsgSysInitDone})
	case hfi.CmdSysPowerCollapse:
		f.suspended = true
	case hfi.CmdSysDebugSSR:
		ssr := "SSR triggered"
		if len(pkt.Payload) >= 4 {
			ssr = fmt.Sprintf("SSR triggered, type %d", pkt.Payload[0])
		}
		f.q.WriteSFR(ssr)
		f.inited = false
		f.send(&hfi.Packet{Type: hfi.MsgSysError, Flags: 1})
	case hfi.CmdSessionOpen:
		f.sessions[pkt.SessionID] = &fwSession{
			domain:   interfaces.Domain(pkt.Flags),
			internal: make(map[uint64]hfi.BufferPayload),
			props:    make(map[uint32]uint32),
		}
		f.send(&hfi.Packet{SessionID: pkt.SessionID, Type: hfi.MsgSessionOpenDone})
	default:
		f.handleSession(pkt)
	}
}

func (f *Firmware) handleSession(pkt *hfi.Packet) {
	s, ok := f.sessions[pkt.SessionID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "Firmware.handleSession",
			"session_id": pkt.SessionID,
			"type":       pkt.Type.String(),
		}).Warn("Simulated firmware command for unknown session")
		f.send(&hfi.Packet{SessionID: pkt.SessionID, Type: hfi.MsgSessionError, Flags: 1})
		return
	}

	switch pkt.Type {
	case hfi.CmdSessionClose:
		delete(f.sessions, pkt.SessionID)
		f.send(&hfi.Packet{SessionID: pkt.SessionID, Type: hfi.MsgSessionCloseDone})
	case hfi.CmdSessionStart:
		f.send(&hfi.Packet{SessionID: pkt.SessionID, Type: hfi.MsgStartDone, Port: pkt.Port})
	case hfi.CmdSessionStop:
		if pkt.Port == s.outputPort() {
			f.returnOutputs(pkt.SessionID, s)
		} else {
			s.frames = s.frames[:0]
		}
		f.send(&hfi.Packet{SessionID: pkt.SessionID, Type: hfi.MsgStopDone, Port: pkt.Port})
	case hfi.CmdSessionDrain:
		f.send(&hfi.Packet{SessionID: pkt.SessionID, Type: hfi.MsgDrainDone, Port: s.inputPort()})
		last := &hfi.Packet{SessionID: pkt.SessionID, Type: hfi.MsgLastFlag, Port: s.outputPort()}
		if len(s.outputs) > 0 {
			out := s.outputs[0]
			s.outputs = s.outputs[1:]
			out.DataSize = 0
			out.Flags |= uint32(buffers.FlagLast)
			last.Payload = out.Marshal()
		}
		f.send(last)
	case hfi.CmdSessionResume, hfi.CmdSessionPause:
	case hfi.CmdPropertySet, hfi.CmdPropertyGet:
		prop, err := hfi.ParsePropertyPayload(pkt.Payload)
		if err != nil {
			f.send(&hfi.Packet{SessionID: pkt.SessionID, Type: hfi.MsgPropertyDone, Flags: 1})
			return
		}
		if pkt.Type == hfi.CmdPropertySet {
			s.props[prop.ID] = prop.Value
		} else {
			prop.Value = s.props[prop.ID]
		}
		f.send(&hfi.Packet{SessionID: pkt.SessionID, Type: hfi.MsgPropertyDone, Payload: prop.Marshal()})
	case hfi.CmdBufferQueue:
		f.queueBuffer(pkt, s)
	case hfi.CmdBufferRelease:
		bp, err := hfi.ParseBufferPayload(pkt.Payload)
		if err != nil {
			return
		}
		delete(s.internal, bp.DeviceAddr)
		f.sendBuffer(pkt.SessionID, hfi.MsgReleaseDone, pkt.Port, bp)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Firmware.handleSession",
			"type":     pkt.Type.String(),
		}).Warn("Simulated firmware ignoring command")
	}
}

func (f *Firmware) queueBuffer(pkt *hfi.Packet, s *fwSession) {
	bp, err := hfi.ParseBufferPayload(pkt.Payload)
	if err != nil {
		f.send(&hfi.Packet{SessionID: pkt.SessionID, Type: hfi.MsgSessionError, Flags: 1})
		return
	}
	t := interfaces.BufferType(bp.Type)
	switch {
	case t.IsInternal():
		s.internal[bp.DeviceAddr] = *bp
	case t == interfaces.BufferInput:
		f.sendBuffer(pkt.SessionID, hfi.MsgBufferDone, s.inputPort(), bp)
		s.frames = append(s.frames, *bp)
		f.produce(pkt.SessionID, s)
	case t == interfaces.BufferOutput:
		s.outputs = append(s.outputs, *bp)
		f.produce(pkt.SessionID, s)
	default:
		// Metadata buffers travel with their main buffer.
	}
}

// produce pairs pending input frames with held output buffers.
func (f *Firmware) produce(sessionID uint32, s *fwSession) {
	for len(s.frames) > 0 && len(s.outputs) > 0 {
		in, out := s.frames[0], s.outputs[0]
		s.frames, s.outputs = s.frames[1:], s.outputs[1:]

		out.DataSize = min(max(in.DataSize, 1), out.Size)
		out.Timestamp = in.Timestamp
		out.Flags = in.Flags & uint32(buffers.FlagEOS|buffers.FlagCodecConfig)
		if f.readOnly {
			out.Flags |= uint32(buffers.FlagReadOnly)
		}
		f.sendBuffer(sessionID, hfi.MsgBufferDone, s.outputPort(), &out)
	}
}

func (f *Firmware) returnOutputs(sessionID uint32, s *fwSession) {
	for _, out := range s.outputs {
		out.DataSize = 0
		f.sendBuffer(sessionID, hfi.MsgBufferDone, s.outputPort(), &out)
	}
	s.outputs = s.outputs[:0]
}
