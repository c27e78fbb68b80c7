package vidcore

import (
	"bytes"
	"context"
	"errors"

	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/state"
	"github.com/sirupsen/logrus"
)

// interrupt is the transport callback. It must not block.
func (c *Core) interrupt() {
	select {
	case c.irq <- struct{}{}:
	default:
	}
}

// dispatch drains the message and debug rings on every interrupt.
func (c *Core) dispatch(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.irq:
			c.drainMessages()
			c.drainDebug()
		}
	}
}

func (c *Core) drainMessages() {
	for {
		n, err := c.queues.PollMessage(c.msgBuf)
		switch {
		case errors.Is(err, hfi.ErrQueueEmpty), errors.Is(err, hfi.ErrQueuesClosed):
			return
		case errors.Is(err, hfi.ErrQueueCorrupt):
			continue
		case errors.Is(err, hfi.ErrQueueOverflowed):
			// The packet is valid; the firmware dropped later ones.
		case err != nil:
			logrus.WithFields(logrus.Fields{
				"function": "drainMessages",
				"error":    err.Error(),
			}).Error("Message queue read failed")
			return
		}
		pkt, perr := hfi.ParsePacket(c.msgBuf[:n])
		if perr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "drainMessages",
				"error":    perr.Error(),
			}).Warn("Dropping malformed message")
			continue
		}
		c.route(pkt)
	}
}

func (c *Core) drainDebug() {
	for {
		n, err := c.queues.PollDebug(c.dbgBuf)
		if errors.Is(err, hfi.ErrQueueCorrupt) {
			continue
		}
		if err != nil && !errors.Is(err, hfi.ErrQueueOverflowed) {
			return
		}
		pkt, perr := hfi.ParsePacket(c.dbgBuf[:n])
		if perr != nil {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "drainDebug",
		}).Debug("Firmware: " + string(bytes.TrimRight(pkt.Payload, "\x00")))
	}
}

// route hands a message to the core or to the session it names. The
// session is looked up under the core lock and handled without it.
func (c *Core) route(pkt *hfi.Packet) {
	if pkt.Type.IsSystem() {
		c.handleSystem(pkt)
		return
	}
	s := c.lookup(pkt.SessionID)
	if s == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "route",
			"session_id": pkt.SessionID,
			"type":       pkt.Type.String(),
		}).Warn("Message for unknown session")
		return
	}
	s.handle(pkt)
	s.Release()
}

func (c *Core) handleSystem(pkt *hfi.Packet) {
	switch pkt.Type {
	case hfi.MsgSysInitDone:
		tok := c.lock.Lock()
		defer tok.Unlock()
		if c.state != state.CoreInitWait {
			logrus.WithFields(logrus.Fields{
				"function": "handleSystem",
				"state":    c.state.String(),
			}).Warn("Unexpected system init done")
			return
		}
		c.setState(tok, state.CoreInit)
		logrus.WithFields(logrus.Fields{
			"function": "handleSystem",
		}).Info("Firmware initialized")
	case hfi.MsgSysError:
		c.handleSysError(pkt.Flags)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleSystem",
			"type":     pkt.Type.String(),
		}).Warn("Unexpected system message")
	}
}

// handleSysError treats a firmware crash: the watchdog bit is set, the
// fatal reason is logged and the core is force deinitialized.
func (c *Core) handleSysError(status uint32) {
	tok := c.lock.Lock()
	_ = c.changeSubState(tok, 0, state.CoreCPUWatchdog)
	logrus.WithFields(logrus.Fields{
		"function": "handleSysError",
		"status":   status,
		"sfr":      c.queues.ReadSFR(),
	}).Error("Firmware system error")
	moved := c.deinitLocked(tok, true)
	tok.Unlock()
	c.failSessions(moved)
}
