package vidcore

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// statsWorker logs per-session buffer statistics on a fixed interval.
func (c *Core) statsWorker(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range c.acquireActive() {
				s.logStats()
				s.Release()
			}
		}
	}
}

func (s *Session) logStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := s.bufs.Stats()
	s.logger("logStats").WithFields(logrus.Fields{
		"state":       s.state.String(),
		"frames":      sum.Frames,
		"pending":     sum.Pending,
		"avg_latency": sum.AvgLatency.String(),
		"input_rate":  s.bufs.InputRate(),
		"ts_rate":     s.bufs.TimestampRate(),
		"batching":    s.batching,
		"dcvs":        s.dcvs,
	}).Info("Session statistics")
}

// unloadFirmware runs when the unload delay expires after the last session
// closed. It does nothing if a session was opened meanwhile.
func (c *Core) unloadFirmware() {
	tok := c.lock.Lock()
	c.unloadTimer = nil
	moved := c.deinitLocked(tok, false)
	tok.Unlock()
	c.failSessions(moved)
	logrus.WithFields(logrus.Fields{
		"function": "unloadFirmware",
	}).Debug("Firmware unload timer fired")
}
