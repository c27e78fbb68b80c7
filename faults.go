package vidcore

import (
	"fmt"

	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/state"
	"github.com/sirupsen/logrus"
)

// HandlePageFault reports an SMMU fault at iova. The first fault captures a
// dump. Unless page faults are configured non-fatal, the core is force
// deinitialized.
func (c *Core) HandlePageFault(iova uint64) {
	tok := c.lock.Lock()
	if c.sub.Has(state.CorePageFault) && c.cfg.NonFatalPageFaults {
		tok.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "HandlePageFault",
			"iova":     fmt.Sprintf("%#x", iova),
		}).Debug("Repeated page fault suppressed")
		return
	}
	_ = c.changeSubState(tok, 0, state.CorePageFault)
	tok.Unlock()

	dump, err := c.Dump()
	fields := logrus.Fields{
		"function":  "HandlePageFault",
		"iova":      fmt.Sprintf("%#x", iova),
		"dump_size": len(dump),
		"fatal":     !c.cfg.NonFatalPageFaults,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Error("Page fault")

	tok = c.lock.Lock()
	if err == nil {
		c.lastDump = dump
	}
	var moved []*Session
	if !c.cfg.NonFatalPageFaults {
		moved = c.deinitLocked(tok, true)
	}
	tok.Unlock()
	c.failSessions(moved)
}

// TriggerSSR asks the firmware to restart itself. The packed value carries
// the SSR type in bits 0-3, the sub-client id in bits 4-7 and a test
// address in bits 32-63. The firmware answers with a system error.
func (c *Core) TriggerSSR(value uint64) error {
	ssr := hfi.ParseSSRTrigger(value)
	logrus.WithFields(logrus.Fields{
		"function":   "TriggerSSR",
		"type":       ssr.Type,
		"sub_client": ssr.SubClientID,
		"test_addr":  fmt.Sprintf("%#x", ssr.TestAddr),
	}).Warn("Triggering subsystem restart")
	return c.submit(&hfi.Packet{Type: hfi.CmdSysDebugSSR, Payload: ssr.Marshal()})
}

// Suspend power collapses the firmware. The next command resumes it.
func (c *Core) Suspend() error {
	tok := c.lock.Lock()
	defer tok.Unlock()
	if c.sub.Has(state.CorePmSuspend) {
		return nil
	}
	if !state.AllowPMSuspend(c.state, c.sub) {
		return fmt.Errorf("%w: suspend in %s %s", ErrDisallowed, c.state, c.sub)
	}
	if err := c.submitLocked(tok, &hfi.Packet{Type: hfi.CmdSysPowerCollapse}); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "Suspend",
	}).Info("Core power collapsed")
	return c.changeSubState(tok, state.CorePowerEnable, state.CorePmSuspend)
}

// Resume powers the firmware back up after Suspend.
func (c *Core) Resume() error {
	tok := c.lock.Lock()
	defer tok.Unlock()
	if !c.sub.Has(state.CorePmSuspend) {
		return nil
	}
	if !c.state.Valid() {
		return fmt.Errorf("%w: %s", ErrCoreInvalid, c.state)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Resume",
	}).Info("Core resumed")
	return c.changeSubState(tok, state.CorePmSuspend, state.CorePowerEnable)
}
