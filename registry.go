package vidcore

import (
	"fmt"
	"slices"
	"time"

	"github.com/opd-ai/vidcore/admission"
	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/state"
	"github.com/sirupsen/logrus"
)

// Session returns a strong reference to the session with id, active or
// dangling. The caller must Release it.
func (c *Core) Session(id uint32) (*Session, error) {
	if s := c.lookup(id); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %#x", ErrUnknownSession, id)
}

func (c *Core) lookup(id uint32) *Session {
	tok := c.lock.Lock()
	defer tok.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		s, ok = c.dangling[id]
	}
	if !ok || !s.Acquire() {
		return nil
	}
	return s
}

// acquireActive returns referenced handles on every active session.
func (c *Core) acquireActive() []*Session {
	tok := c.lock.Lock()
	defer tok.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, id := range c.sortedIDs(c.sessions) {
		if s := c.sessions[id]; s.Acquire() {
			out = append(out, s)
		}
	}
	return out
}

func (c *Core) sortedIDs(m map[uint32]*Session) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Registry returns the ids of active and dangling sessions.
func (c *Core) Registry() (active, dangling []uint32) {
	tok := c.lock.Lock()
	defer tok.Unlock()
	return c.sortedIDs(c.sessions), c.sortedIDs(c.dangling)
}

// activeCount returns the number of active sessions.
func (c *Core) activeCount() int {
	tok := c.lock.Lock()
	defer tok.Unlock()
	return len(c.sessions)
}

// loadsLocked snapshots the admission view of every active session except
// skip.
func (c *Core) loadsLocked(skip uint32) []admission.Load {
	loads := make([]admission.Load, 0, len(c.sessions))
	for _, id := range c.sortedIDs(c.sessions) {
		if id == skip {
			continue
		}
		if l := c.sessions[id].load.Load(); l != nil {
			loads = append(loads, *l)
		}
	}
	return loads
}

// admit runs admission for s and, when it passes, registers s as active.
func (c *Core) admit(s *Session) (admission.Decision, error) {
	tok := c.lock.Lock()
	defer tok.Unlock()
	if c.state != state.CoreInit {
		return admission.Decision{}, fmt.Errorf("%w: %s", ErrCoreInvalid, c.state)
	}

	candidate := *s.load.Load()
	candidate.ID = c.allocIDLocked()
	d, err := admission.Check(candidate, c.loadsLocked(0), c.cfg.Limits)
	if err != nil {
		return d, err
	}
	s.id = candidate.ID
	s.load.Store(&candidate)
	c.sessions[s.id] = s
	c.stopUnloadTimer()

	logrus.WithFields(logrus.Fields{
		"function":   "admit",
		"session_id": s.id,
		"session":    candidate.String(),
		"total_mbps": d.TotalMBPS,
		"active":     len(c.sessions),
	}).Info("Session admitted")
	return d, nil
}

func (c *Core) allocIDLocked() uint32 {
	for {
		id := c.nextID
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if _, used := c.sessions[id]; used {
			continue
		}
		if _, used := c.dangling[id]; used {
			continue
		}
		return id
	}
}

// checkLoad re-runs admission for a registered session against the others.
func (c *Core) checkLoad(s *Session) (admission.Decision, error) {
	tok := c.lock.Lock()
	defer tok.Unlock()
	l := s.load.Load()
	if l == nil {
		return admission.Decision{}, nil
	}
	return admission.Check(*l, c.loadsLocked(s.id), c.cfg.Limits)
}

// demote lowers the priority of every session in ids. The candidate itself
// is handled by the caller.
func (c *Core) demote(ids []uint32, self uint32) {
	for _, id := range ids {
		if id == self {
			continue
		}
		s := c.lookup(id)
		if s == nil {
			continue
		}
		s.demote()
		s.Release()
	}
}

// retire moves s from the active registry to the dangling bucket. It is
// idempotent. When the last active session leaves, the firmware unload
// timer is armed.
func (c *Core) retire(s *Session) {
	tok := c.lock.Lock()
	defer tok.Unlock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
		c.dangling[s.id] = s
		logrus.WithFields(logrus.Fields{
			"function":   "retire",
			"session_id": s.id,
			"remaining":  len(c.sessions),
		}).Debug("Session moved to dangling")
	}
	if len(c.sessions) == 0 {
		c.scheduleUnloadLocked(tok)
	}
}

// forget drops s from both buckets after its teardown.
func (c *Core) forget(s *Session) {
	tok := c.lock.Lock()
	defer tok.Unlock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
		if len(c.sessions) == 0 {
			c.scheduleUnloadLocked(tok)
		}
	}
	if c.dangling[s.id] == s {
		delete(c.dangling, s.id)
	}
}

func (c *Core) scheduleUnloadLocked(tok *hfi.Token) {
	if !tok.Held() || c.unloadTimer != nil || !c.state.Valid() || c.ctx.Err() != nil {
		return
	}
	delay := c.cfg.FWUnloadDelay
	logrus.WithFields(logrus.Fields{
		"function": "scheduleUnloadLocked",
		"delay":    delay.String(),
	}).Debug("Scheduling firmware unload")
	c.unloadTimer = time.AfterFunc(delay, c.unloadFirmware)
}

func (c *Core) stopUnloadTimer() {
	if c.unloadTimer != nil {
		c.unloadTimer.Stop()
		c.unloadTimer = nil
	}
}
