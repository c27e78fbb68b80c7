package buffers

import (
	"time"

	"github.com/opd-ai/vidcore/pool"
	"github.com/sirupsen/logrus"
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the time elapsed since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

type statsEntry struct {
	frame     uint64
	timestamp int64
	dataSize  uint32
	etb       time.Duration
	ebd       time.Duration
	ftb       time.Duration
	fbd       time.Duration
}

// StatsSummary is the diagnostic view of the buffer statistics.
type StatsSummary struct {
	Pending     int           `cbor:"pending"`
	Frames      uint64        `cbor:"frames"`
	LastLatency time.Duration `cbor:"last_latency_ns"`
	AvgLatency  time.Duration `cbor:"avg_latency_ns"`
}

// Stats tracks per-frame ETB/EBD/FTB/FBD times, relative to the last flush.
// An entry is created when an input buffer is queued, stamped when the
// input returns, and completed when an output with the same timestamp
// returns after that.
type Stats struct {
	pool    *pool.Pool[statsEntry]
	tp      TimeProvider
	initial time.Time
	entries []*statsEntry
	etbs    uint64
	frames  uint64
	last    time.Duration
	total   time.Duration
}

func newStats(p *pool.Pool[statsEntry], tp TimeProvider) *Stats {
	return &Stats{pool: p, tp: tp, initial: tp.Now()}
}

func (s *Stats) elapsed() time.Duration {
	return s.tp.Since(s.initial).Truncate(time.Millisecond)
}

// onETB opens an entry for an input buffer.
func (s *Stats) onETB(b *Buffer, decoder bool) {
	e := s.pool.Get()
	e.frame = s.etbs
	e.timestamp = b.Timestamp
	e.etb = s.elapsed()
	if decoder {
		e.dataSize = b.DataSize
	}
	s.etbs++
	s.entries = append(s.entries, e)
}

// onEBD stamps the first entry for the timestamp that has no EBD yet.
func (s *Stats) onEBD(b *Buffer) {
	for _, e := range s.entries {
		if e.timestamp == b.Timestamp && e.ebd == 0 {
			e.ebd = s.elapsed()
			if e.ebd == 0 {
				e.ebd = time.Nanosecond
			}
			return
		}
	}
}

// onFBD completes every entry for the timestamp whose input has returned.
func (s *Stats) onFBD(b *Buffer, ftb time.Duration, encoder bool) {
	now := s.elapsed()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.timestamp != b.Timestamp || e.ebd == 0 {
			kept = append(kept, e)
			continue
		}
		e.ftb = ftb
		e.fbd = now
		if encoder {
			e.dataSize = b.DataSize
		}
		s.last = e.fbd - e.etb
		s.total += s.last
		s.frames++
		logrus.WithFields(logrus.Fields{
			"function":  "onFBD",
			"frame":     e.frame,
			"timestamp": e.timestamp,
			"etb_ms":    e.etb.Milliseconds(),
			"ebd_ms":    e.ebd.Milliseconds(),
			"ftb_ms":    e.ftb.Milliseconds(),
			"fbd_ms":    e.fbd.Milliseconds(),
			"size":      e.dataSize,
		}).Debug("Frame stats")
		_ = s.pool.Put(e)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
}

// Flush drops open entries and restarts the time base.
func (s *Stats) Flush() {
	for _, e := range s.entries {
		_ = s.pool.Put(e)
	}
	s.entries = nil
	s.initial = s.tp.Now()
}

// Summary reports pending entries and completed-frame latency.
func (s *Stats) Summary() StatsSummary {
	sum := StatsSummary{
		Pending:     len(s.entries),
		Frames:      s.frames,
		LastLatency: s.last,
	}
	if s.frames > 0 {
		sum.AvgLatency = s.total / time.Duration(s.frames)
	}
	return sum
}
