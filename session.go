package vidcore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/vidcore/admission"
	"github.com/opd-ai/vidcore/buffers"
	"github.com/opd-ai/vidcore/caps"
	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/state"
	"github.com/sirupsen/logrus"
)

// Event is a session notification delivered to the client.
type Event uint8

const (
	// EventEOS reports the last buffer of a drain or resolution change.
	EventEOS Event = iota + 1
	// EventSourceChange reports a new input resolution.
	EventSourceChange
	// EventError reports that the session entered the error state.
	EventError
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventEOS:
		return "EOS"
	case EventSourceChange:
		return "SOURCE_CHANGE"
	case EventError:
		return "ERROR"
	default:
		return fmt.Sprintf("EVENT(%d)", uint8(e))
	}
}

// Params describes a session to open.
type Params struct {
	Domain interfaces.Domain
	Width  uint32
	Height uint32
	// FrameRate and OperatingRate are in frames per second. Zero keeps the
	// capability default.
	FrameRate     uint32
	OperatingRate uint32
	// LowPriority marks the session non-realtime.
	LowPriority bool
	Critical    bool
	LowLatency  bool
	Thumbnail   bool
	Image       bool
	Secure      bool

	// OnBuffer receives a copy of every buffer handed back to the client.
	OnBuffer func(b buffers.Buffer)
	// OnEvent receives session notifications.
	OnEvent func(e Event)
}

type signal uint8

const (
	sigOpen signal = iota
	sigClose
	sigStopInput
	sigStopOutput
	numSignals
)

var signalNames = [numSignals]string{"open", "close", "stop input", "stop output"}

// Session is one decode or encode instance. Client callbacks run on the
// goroutine that caused them, after the session lock is released.
type Session struct {
	core     *Core
	id       uint32
	tag      string
	domain   interfaces.Domain
	width    uint32
	height   uint32
	onBuffer func(b buffers.Buffer)
	onEvent  func(e Event)

	mu         sync.Mutex
	state      state.State
	sub        state.SubState
	streaming  state.PortSet
	caps       *caps.Table
	bufs       *buffers.Manager
	opened     bool
	killed     bool
	batching   bool
	dcvs       bool
	batchFlush bool
	batchTimer *time.Timer
	doneQ      []buffers.Buffer
	eventQ     []Event

	done [numSignals]chan struct{}

	load         atomic.Pointer[admission.Load]
	refs         atomic.Int32
	closeOnce    sync.Once
	teardownOnce sync.Once
}

func newSession(c *Core, p Params) (*Session, error) {
	if p.Domain != interfaces.DomainDecoder && p.Domain != interfaces.DomainEncoder {
		return nil, fmt.Errorf("invalid domain %s", p.Domain)
	}
	if p.Width == 0 || p.Height == 0 {
		return nil, fmt.Errorf("invalid resolution %dx%d", p.Width, p.Height)
	}
	if p.Thumbnail && p.Domain != interfaces.DomainDecoder {
		return nil, errors.New("thumbnail mode requires a decoder")
	}

	table, err := caps.New(p.Domain, c.cfg.CapsPlatform())
	if err != nil {
		return nil, err
	}
	s := &Session{
		core:     c,
		tag:      uuid.NewString(),
		domain:   p.Domain,
		width:    p.Width,
		height:   p.Height,
		onBuffer: p.OnBuffer,
		onEvent:  p.OnEvent,
		state:    state.StateOpen,
		caps:     table,
	}
	for i := range s.done {
		s.done[i] = make(chan struct{}, 1)
	}
	if err := s.applyParams(p); err != nil {
		return nil, err
	}

	s.bufs, err = buffers.NewManager(buffers.Config{
		Domain:           p.Domain,
		Tag:              s.tag,
		MetaInput:        c.cfg.MetaInput,
		MetaOutput:       c.cfg.MetaOutput,
		TimestampReorder: c.cfg.TimestampReorder && p.Domain == interfaces.DomainDecoder,
		Secure:           p.Secure,
	}, c.provider, s, s.collectDone)
	if err != nil {
		return nil, err
	}
	s.refs.Store(1)
	s.refreshLoad()
	return s, nil
}

func (s *Session) applyParams(p Params) error {
	set := func(id caps.ID, v int32) error {
		if err := s.caps.Set(id, v, false); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		return nil
	}
	flags := []struct {
		id caps.ID
		on bool
	}{
		{caps.Priority, p.LowPriority},
		{caps.CriticalPriority, p.Critical},
		{caps.LowLatency, p.LowLatency},
		{caps.Thumbnail, p.Thumbnail},
		{caps.Image, p.Image},
		{caps.Secure, p.Secure},
		{caps.MetaInput, s.core.cfg.MetaInput},
		{caps.MetaOutput, s.core.cfg.MetaOutput},
	}
	for _, f := range flags {
		if !f.on {
			continue
		}
		if err := set(f.id, 1); err != nil {
			return err
		}
	}
	if p.FrameRate > 0 {
		if err := set(caps.FrameRate, int32(p.FrameRate)); err != nil {
			return err
		}
	}
	if p.OperatingRate > 0 {
		if err := set(caps.OperatingRate, int32(p.OperatingRate)); err != nil {
			return err
		}
	}
	return nil
}

// Open admits and opens a new session, booting the firmware first if
// needed. Admission may lower the priority of running sessions.
func (c *Core) Open(ctx context.Context, p Params) (*Session, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"domain":   p.Domain.String(),
		"width":    p.Width,
		"height":   p.Height,
	}).Info("Opening session")

	s, err := newSession(c, p)
	if err != nil {
		return nil, err
	}

	var d admission.Decision
	for attempt := 0; ; attempt++ {
		if err = c.Init(ctx); err != nil {
			break
		}
		d, err = c.admit(s)
		// The unload timer may have taken the core down between init and
		// admission.
		if !errors.Is(err, ErrCoreInvalid) || attempt > 0 {
			break
		}
	}
	if err != nil {
		s.logger("Open").WithField("error", err.Error()).Warn("Session rejected")
		s.bufs.DestroyAll()
		return nil, err
	}

	if slices.Contains(d.Demote, s.id) {
		s.demote()
	}
	c.demote(d.Demote, s.id)

	s.mu.Lock()
	err = s.openFirmware(ctx)
	s.unlock()
	if err != nil {
		s.logger("Open").WithField("error", err.Error()).Error("Firmware session open failed")
		_ = s.Close(context.Background())
		return nil, err
	}

	s.logger("Open").WithField("load", s.load.Load().String()).Info("Session opened")
	return s, nil
}

func (s *Session) openFirmware(ctx context.Context) error {
	s.reset(sigOpen)
	if err := s.command(hfi.CmdSessionOpen, hfi.PortNone, uint32(s.domain), nil); err != nil {
		return err
	}
	if err := s.wait(ctx, sigOpen); err != nil {
		return err
	}
	s.opened = true
	for _, id := range []caps.ID{caps.FrameRate, caps.OperatingRate, caps.Priority, caps.LowLatency} {
		if err := s.setProperty(id); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the firmware session and returns every buffer the session
// still holds. The session stays reachable by id until the last reference
// is released. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.close(ctx)
		s.core.retire(s)
		s.Release()
	})
	return err
}

func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()

	s.stopBatchTimer()
	var err error
	if s.opened && s.state != state.StateError && !s.killed {
		s.reset(sigClose)
		if err = s.command(hfi.CmdSessionClose, hfi.PortNone, 0, nil); err == nil {
			err = s.wait(ctx, sigClose)
		}
	}
	s.flushAll()
	s.streaming = 0
	_ = s.changeState(state.StateClose)

	fields := logrus.Fields{"stats": fmt.Sprintf("%+v", s.bufs.Stats())}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger("Close").WithFields(fields).Info("Session closed")
	return err
}

// ID returns the firmware session id.
func (s *Session) ID() uint32 { return s.id }

// Tag returns the session's log tag.
func (s *Session) Tag() string { return s.tag }

// Domain returns whether the session decodes or encodes.
func (s *Session) Domain() interfaces.Domain { return s.domain }

// Snapshot returns the session state, sub-state and streaming ports.
func (s *Session) Snapshot() state.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap()
}

func (s *Session) snap() state.Snapshot {
	return state.Snapshot{State: s.state, Sub: s.sub, Streaming: s.streaming}
}

// Owners counts the session's client buffers by owner.
func (s *Session) Owners() map[buffers.Owner]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufs.Owners()
}

// Policy reports whether decode batching and DCVS are active.
func (s *Session) Policy() (batching, dcvs bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batching, s.dcvs
}

// Acquire takes a strong reference. It fails once the session has been
// torn down.
func (s *Session) Acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. The last one tears the session down.
func (s *Session) Release() {
	n := s.refs.Add(-1)
	if n < 0 {
		s.logger("Release").Error("Session reference count underflow")
		return
	}
	if n == 0 {
		s.teardownOnce.Do(s.teardown)
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.stopBatchTimer()
	s.flushAll()
	leaked := s.bufs.DestroyAll()
	s.unlock()
	s.core.forget(s)

	s.logger("teardown").WithField("leaked", leaked).Debug("Session destroyed")
}

func (s *Session) logger(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function":    function,
		"session_id":  s.id,
		"session_tag": s.tag,
		"domain":      s.domain.String(),
	})
}

func (s *Session) decoder() bool { return s.domain == interfaces.DomainDecoder }

// unlock releases the session lock and then delivers the callbacks queued
// while it was held.
func (s *Session) unlock() {
	done, events := s.doneQ, s.eventQ
	s.doneQ, s.eventQ = nil, nil
	s.mu.Unlock()

	if s.onBuffer != nil {
		for _, b := range done {
			s.onBuffer(b)
		}
	}
	if s.onEvent != nil {
		for _, e := range events {
			s.onEvent(e)
		}
	}
}

func (s *Session) collectDone(b *buffers.Buffer) {
	s.doneQ = append(s.doneQ, *b)
}

func (s *Session) notify(e Event) {
	s.eventQ = append(s.eventQ, e)
}

// changeState applies a primary state change. Error is sticky: only Close
// leaves it, everything else is logged and ignored.
func (s *Session) changeState(to state.State) error {
	if s.state == to {
		return nil
	}
	if s.state == state.StateError && to != state.StateClose {
		s.logger("changeState").WithField("to", to.String()).Debug("Ignoring state change in error state")
		return nil
	}
	if !state.StateChangeAllowed(s.state, to) {
		s.logger("changeState").WithFields(logrus.Fields{
			"from": s.state.String(),
			"to":   to.String(),
		}).Error("Invalid session state change")
		return fmt.Errorf("%w: %s -> %s", state.ErrInvalidTransition, s.state, to)
	}
	s.logger("changeState").WithFields(logrus.Fields{
		"from": s.state.String(),
		"to":   to.String(),
	}).Debug("Session state changed")
	s.state = to
	if to == state.StateError {
		s.stopBatchTimer()
		s.refreshLoad()
		s.notify(EventError)
	}
	return nil
}

func (s *Session) changeSubState(clear, set state.SubState) error {
	if s.state == state.StateError {
		s.logger("changeSubState").Debug("Ignoring sub-state change in error state")
		return nil
	}
	next, err := state.ApplySubState(s.sub, clear, set)
	if err != nil {
		s.logger("changeSubState").WithField("error", err.Error()).Error("Sub-state change rejected")
		return err
	}
	if next != s.sub {
		s.logger("changeSubState").WithFields(logrus.Fields{
			"from": s.sub.String(),
			"to":   next.String(),
		}).Debug("Session sub-state changed")
	}
	s.sub = next
	return nil
}

// fail moves the session to the error state. The caller must not hold the
// session lock.
func (s *Session) fail(reason string) {
	s.mu.Lock()
	defer s.unlock()
	if s.state == state.StateError || s.state == state.StateClose {
		return
	}
	s.logger("fail").WithField("reason", reason).Error("Session failed")
	_ = s.changeState(state.StateError)
}

// demote drops the session to non-realtime priority after admission found
// the core overloaded.
func (s *Session) demote() {
	s.mu.Lock()
	defer s.unlock()
	if err := s.caps.Update(caps.Priority, 1); err != nil {
		s.logger("demote").WithField("error", err.Error()).Warn("Priority update failed")
		return
	}
	s.refreshLoad()
	s.logger("demote").Info("Session demoted to non-realtime")
	if s.opened {
		_ = s.setProperty(caps.Priority)
	}
}

// refreshLoad publishes the admission view of the session.
func (s *Session) refreshLoad() {
	l := admission.Load{
		ID:            s.id,
		Domain:        s.domain,
		Width:         s.width,
		Height:        s.height,
		FrameRate:     uint32(s.caps.Value(caps.FrameRate)),
		OperatingRate: uint32(s.caps.Value(caps.OperatingRate)),
		Critical:      s.caps.Bool(caps.CriticalPriority),
		Realtime:      s.caps.Bool(caps.Realtime),
		Thumbnail:     s.caps.Bool(caps.Thumbnail),
		Image:         s.caps.Bool(caps.Image),
		LowLatency:    s.caps.Bool(caps.LowLatency),
		Secure:        s.caps.Bool(caps.Secure),
		Error:         s.state == state.StateError,
	}
	s.load.Store(&l)
}

func (s *Session) reset(sig signal) {
	select {
	case <-s.done[sig]:
	default:
	}
}

func (s *Session) signal(sig signal) {
	select {
	case s.done[sig] <- struct{}{}:
	default:
		s.logger("signal").WithField("signal", signalNames[sig]).Warn("Completion already pending")
	}
}

// wait blocks until sig completes with the session lock released. A
// firmware timeout runs the core kill path.
func (s *Session) wait(ctx context.Context, sig signal) error {
	s.mu.Unlock()
	timer := time.NewTimer(s.core.cfg.HWResponseTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-s.done[sig]:
	case <-timer.C:
		s.logger("wait").WithField("signal", signalNames[sig]).Error("Firmware response timed out")
		s.core.sessionTimeout(s)
		err = fmt.Errorf("%w: %s", ErrTimeout, signalNames[sig])
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.mu.Lock()
	return err
}

func (s *Session) hfiPort(p state.Port) hfi.Port {
	input := p.IsInputSide()
	if s.decoder() == input {
		return hfi.PortBitstream
	}
	return hfi.PortRaw
}

func (s *Session) portOf(p hfi.Port) state.Port {
	bitstream := p == hfi.PortBitstream
	if s.decoder() == bitstream {
		return state.PortInput
	}
	return state.PortOutput
}

func portForType(t interfaces.BufferType) (state.Port, bool) {
	switch t {
	case interfaces.BufferInput:
		return state.PortInput, true
	case interfaces.BufferOutput:
		return state.PortOutput, true
	case interfaces.BufferInputMeta:
		return state.PortInputMeta, true
	case interfaces.BufferOutputMeta:
		return state.PortOutputMeta, true
	}
	return 0, false
}

func typeForPort(p state.Port) interfaces.BufferType {
	if p.IsInputSide() {
		return interfaces.BufferInput
	}
	return interfaces.BufferOutput
}

func (s *Session) command(t hfi.PacketType, port hfi.Port, flags uint32, payload []byte, opts ...hfi.SubmitOption) error {
	return s.core.submit(&hfi.Packet{
		SessionID: s.id,
		Type:      t,
		Port:      port,
		Flags:     flags,
		Payload:   payload,
	}, opts...)
}

func (s *Session) setProperty(id caps.ID) error {
	p := hfi.PropertyPayload{ID: uint32(id), Value: uint32(s.caps.Value(id))}
	return s.command(hfi.CmdPropertySet, hfi.PortNone, 0, p.Marshal())
}

func payloadFor(b *buffers.Buffer) *hfi.BufferPayload {
	return &hfi.BufferPayload{
		Type:       uint32(b.Type),
		Index:      b.Index,
		DeviceAddr: b.DeviceAddr,
		Size:       b.Size,
		DataSize:   b.DataSize,
		Offset:     b.Offset,
		Timestamp:  b.Timestamp,
		Flags:      uint32(b.Flags),
	}
}

// SubmitBuffer queues b, preceded by its metadata companion. During a batch
// flush the doorbell is left to the caller.
func (s *Session) SubmitBuffer(b *buffers.Buffer, meta *buffers.Buffer) error {
	var opts []hfi.SubmitOption
	if s.batchFlush {
		opts = append(opts, hfi.WithoutDoorbell())
	}
	port := s.hfiPort(state.PortInput)
	if b.Type.IsOutput() || b.Type.IsInternal() {
		port = s.hfiPort(state.PortOutput)
	}
	if meta != nil {
		if err := s.command(hfi.CmdBufferQueue, port, 0, payloadFor(meta).Marshal(), opts...); err != nil {
			return err
		}
	}
	return s.command(hfi.CmdBufferQueue, port, 0, payloadFor(b).Marshal(), opts...)
}

// ReleaseBuffer asks the firmware to give up an internal buffer.
func (s *Session) ReleaseBuffer(b *buffers.Buffer) error {
	return s.command(hfi.CmdBufferRelease, s.hfiPort(state.PortOutput), 0, payloadFor(b).Marshal())
}

func (s *Session) flushAll() {
	for _, t := range []interfaces.BufferType{interfaces.BufferInput, interfaces.BufferOutput} {
		if err := s.bufs.Flush(t); err != nil {
			s.logger("flushAll").WithField("error", err.Error()).Warn("Flush failed")
		}
	}
	s.bufs.FlushReadOnly()
}

func (s *Session) stopBatchTimer() {
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
}

// dump returns the diagnostic view of the session.
func (s *Session) dump() SessionDump {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionDump{
		ID:        s.id,
		Tag:       s.tag,
		Domain:    s.domain.String(),
		State:     s.state.String(),
		SubState:  s.sub.String(),
		Load:      s.load.Load().String(),
		Batching:  s.batching,
		DCVS:      s.dcvs,
		Buffers:   s.bufs.Snapshot(),
		Pools:     s.bufs.Usage(),
		Stats:     s.bufs.Stats(),
		Caps:      s.caps.Snapshot(),
		InputRate: s.bufs.InputRate(),
	}
}
