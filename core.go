package vidcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/vidcore/config"
	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/limits"
	"github.com/opd-ai/vidcore/state"
	"github.com/sirupsen/logrus"
)

// initPollInterval is the granularity of the firmware init wait. The core
// lock is released between polls.
const initPollInterval = 10 * time.Millisecond

// Core is the per-device coordinator. It owns the firmware queues, the core
// state machine and the session registry. Every entry point takes the Core
// explicitly; there is no package-level instance.
//
// Lock order is session before core: a session holding its own lock may
// take the core lock, never the reverse.
type Core struct {
	cfg       *config.Config
	transport interfaces.Transport
	provider  interfaces.ResourceProvider

	lock   hfi.CoreLock
	queues *hfi.Queues

	// Guarded by lock.
	state       state.CoreState
	sub         state.CoreSubState
	sessions    map[uint32]*Session
	dangling    map[uint32]*Session
	nextID      uint32
	unloadTimer *time.Timer
	lastDump    []byte

	irq     chan struct{}
	msgBuf  []byte
	dbgBuf  []byte
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewCore maps the transport's shared region, lays out the queues and starts
// the dispatcher and stats workers. The core starts in Deinit; firmware is
// booted by Init or by the first session.
func NewCore(cfg *config.Config, transport interfaces.Transport, provider interfaces.ResourceProvider) (*Core, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewCore",
	}).Info("Creating video core")

	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if provider == nil {
		return nil, errors.New("resource provider cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region, err := transport.Region()
	if err != nil {
		return nil, fmt.Errorf("transport region: %w", err)
	}

	c := &Core{
		cfg:       cfg,
		transport: transport,
		provider:  provider,
		state:     state.CoreUninit,
		sessions:  make(map[uint32]*Session),
		dangling:  make(map[uint32]*Session),
		nextID:    1,
		irq:       make(chan struct{}, 1),
		msgBuf:    make([]byte, limits.MaxPacketSize),
		dbgBuf:    make([]byte, limits.MaxPacketSize),
	}
	q, err := hfi.NewQueues(region.Mem, region.DeviceAddr, transport, &c.lock)
	if err != nil {
		return nil, err
	}
	c.queues = q
	q.Release()

	tok := c.lock.Lock()
	c.setState(tok, state.CoreDeinit)
	tok.Unlock()

	c.ctx, c.cancel = context.WithCancel(context.Background())
	transport.OnInterrupt(c.interrupt)
	c.wg.Add(1)
	go c.dispatch(c.ctx)
	if cfg.StatsInterval > 0 {
		c.wg.Add(1)
		go c.statsWorker(c.ctx, cfg.StatsInterval)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewCore",
		"simulation":  transport.IsSimulation(),
		"device_addr": fmt.Sprintf("%#x", region.DeviceAddr),
	}).Info("Video core created")
	return c, nil
}

// Config returns the configuration the core was created with.
func (c *Core) Config() *config.Config { return c.cfg }

// State returns the core state and sub-state.
func (c *Core) State() (state.CoreState, state.CoreSubState) {
	tok := c.lock.Lock()
	defer tok.Unlock()
	return c.state, c.sub
}

func (c *Core) setState(tok *hfi.Token, to state.CoreState) {
	if !tok.Held() {
		logrus.WithFields(logrus.Fields{
			"function": "setState",
		}).Error("Core state change without core lock")
		return
	}
	if !state.CoreTransitionAllowed(c.state, to) {
		logrus.WithFields(logrus.Fields{
			"function": "setState",
			"from":     c.state.String(),
			"to":       to.String(),
		}).Warn("Unexpected core state transition")
	}
	if c.state != to {
		logrus.WithFields(logrus.Fields{
			"function": "setState",
			"from":     c.state.String(),
			"to":       to.String(),
		}).Debug("Core state changed")
	}
	c.state = to
}

func (c *Core) changeSubState(tok *hfi.Token, clear, set state.CoreSubState) error {
	if !tok.Held() {
		return hfi.ErrLockNotHeld
	}
	next, err := state.ApplyCoreSubState(c.sub, clear, set)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "changeSubState",
			"error":    err.Error(),
		}).Error("Core sub-state change rejected")
		return err
	}
	if next != c.sub {
		logrus.WithFields(logrus.Fields{
			"function": "changeSubState",
			"from":     c.sub.String(),
			"to":       next.String(),
		}).Debug("Core sub-state changed")
	}
	c.sub = next
	return nil
}

// Init boots the firmware if needed and waits until it reports ready.
// Calling it while the core is already up only waits.
func (c *Core) Init(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrShutdown
	}
	tok := c.lock.Lock()
	c.stopUnloadTimer()
	if c.state == state.CoreInit || c.state == state.CoreInitWait {
		tok.Unlock()
		return c.waitInit(ctx)
	}

	c.setState(tok, state.CoreInitWait)
	_ = c.changeSubState(tok, state.CorePmSuspend|state.CorePageFault, state.CorePowerEnable)
	c.queues.ResetHeaders()
	err := c.submitLocked(tok, &hfi.Packet{Type: hfi.CmdSysInit})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Init",
			"error":    err.Error(),
		}).Error("Core init failed")
		moved := c.deinitLocked(tok, true)
		tok.Unlock()
		c.failSessions(moved)
		return err
	}
	tok.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Init",
	}).Info("System init submitted")
	return c.waitInit(ctx)
}

func (c *Core) waitInit(ctx context.Context) error {
	maxTries := int(c.cfg.HWResponseTimeout / initPollInterval)
	tok := c.lock.Lock()
	for i := 0; i < maxTries && c.state == state.CoreInitWait; i++ {
		tok.Unlock()
		select {
		case <-ctx.Done():
			// The firmware may still answer; a later caller picks up
			// from InitWait.
			logrus.WithFields(logrus.Fields{
				"function": "waitInit",
				"error":    ctx.Err().Error(),
			}).Warn("System init wait cancelled")
			return ctx.Err()
		case <-time.After(initPollInterval):
		}
		tok = c.lock.Lock()
	}

	switch c.state {
	case state.CoreInit:
		tok.Unlock()
		return nil
	case state.CoreDeinit:
		tok.Unlock()
		return ErrCoreInvalid
	}
	err := fmt.Errorf("%w: system init", ErrTimeout)
	logrus.WithFields(logrus.Fields{
		"function": "waitInit",
		"state":    c.state.String(),
		"error":    err.Error(),
	}).Error("Firmware did not come up")
	_ = c.changeSubState(tok, 0, state.CoreVideoUnresponsive)
	moved := c.deinitLocked(tok, true)
	tok.Unlock()
	c.failSessions(moved)
	return err
}

// Deinit tears down firmware communication. Without force it only does so
// when no active sessions remain. With force every active session is moved
// to the dangling bucket in the error state.
func (c *Core) Deinit(force bool) {
	tok := c.lock.Lock()
	moved := c.deinitLocked(tok, force)
	tok.Unlock()
	c.failSessions(moved)
}

// deinitLocked returns the sessions it moved to the dangling bucket. The
// caller marks them failed after dropping the core lock.
func (c *Core) deinitLocked(tok *hfi.Token, force bool) []*Session {
	if c.state == state.CoreDeinit {
		return nil
	}
	if !force && len(c.sessions) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "deinitLocked",
			"sessions": len(c.sessions),
		}).Debug("Skipping core deinit, sessions active")
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "deinitLocked",
		"force":    force,
		"sessions": len(c.sessions),
	}).Info("Deinitializing core")

	c.stopUnloadTimer()
	c.queues.Release()
	_ = c.changeSubState(tok, state.CorePowerEnable, 0)

	var moved []*Session
	for id, s := range c.sessions {
		delete(c.sessions, id)
		c.dangling[id] = s
		moved = append(moved, s)
	}
	c.setState(tok, state.CoreDeinit)
	return moved
}

func (c *Core) failSessions(moved []*Session) {
	for _, s := range moved {
		s.fail("core deinit")
	}
}

// sessionTimeout is the kill path for a session whose firmware response
// never arrived: the core is marked unresponsive and force deinitialized.
// Only a session still in the active registry can trigger it, so repeated
// calls are harmless.
func (c *Core) sessionTimeout(s *Session) {
	tok := c.lock.Lock()
	if c.sessions[s.id] != s {
		tok.Unlock()
		s.logger("sessionTimeout").Warn("Session not in active registry")
		s.fail("timeout")
		return
	}
	_ = c.changeSubState(tok, 0, state.CoreVideoUnresponsive)
	moved := c.deinitLocked(tok, true)
	tok.Unlock()
	c.failSessions(moved)
}

// submit writes a command under the core lock.
func (c *Core) submit(pkt *hfi.Packet, opts ...hfi.SubmitOption) error {
	tok := c.lock.Lock()
	defer tok.Unlock()
	return c.submitLocked(tok, pkt, opts...)
}

func (c *Core) submitLocked(tok *hfi.Token, pkt *hfi.Packet, opts ...hfi.SubmitOption) error {
	if !c.state.Valid() {
		return fmt.Errorf("%w: %s", ErrCoreInvalid, c.state)
	}
	if c.sub.Has(state.CorePmSuspend) {
		logrus.WithFields(logrus.Fields{
			"function": "submitLocked",
		}).Info("Resuming core for command")
		_ = c.changeSubState(tok, state.CorePmSuspend, state.CorePowerEnable)
	}
	b, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if err := c.queues.SubmitCommand(tok, b, opts...); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "submitLocked",
			"session_id": pkt.SessionID,
			"type":       pkt.Type.String(),
			"error":      err.Error(),
		}).Warn("Command submission failed")
		return err
	}
	return nil
}

// Shutdown stops the workers and force deinitializes the core. Sessions
// still open are left in the dangling bucket for their owners to close.
func (c *Core) Shutdown() {
	c.stopped.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "Shutdown",
		}).Info("Shutting down video core")
		c.cancel()
		c.Deinit(true)
		c.wg.Wait()
	})
}
