package buffers

import (
	"sort"

	"github.com/opd-ai/vidcore/pool"
	"github.com/sirupsen/logrus"
)

const (
	// EncoderFPSWindow is the timestamp window of an encode session.
	EncoderFPSWindow = 3
	// DecoderFPSWindow is the timestamp window of a decode session.
	DecoderFPSWindow = 10
	// InputTimerListSize is the number of input arrival times kept.
	InputTimerListSize = 30
)

type timestampEntry struct {
	val  int64
	rank uint64
}

// insertSorted places e after any entries with an equal value.
func insertSorted(list []*timestampEntry, e *timestampEntry) []*timestampEntry {
	i := sort.Search(len(list), func(i int) bool { return list[i].val > e.val })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

// TimestampWindow keeps the most recent input timestamps, sorted by value,
// and derives the content frame rate from them. When the window overflows
// the oldest inserted entry is evicted, which is not necessarily the
// smallest value.
type TimestampWindow struct {
	pool    *pool.Pool[timestampEntry]
	entries []*timestampEntry
	rank    uint64
	size    int
	rate    uint32
}

func newTimestampWindow(p *pool.Pool[timestampEntry], size int) *TimestampWindow {
	return &TimestampWindow{pool: p, size: size}
}

// Insert records a timestamp in nanoseconds and returns the updated rate in
// frames per second.
func (w *TimestampWindow) Insert(val int64) uint32 {
	e := w.pool.Get()
	e.val = val
	e.rank = w.rank
	w.rank++
	w.entries = insertSorted(w.entries, e)

	if len(w.entries) > w.size {
		least := 0
		for i, cur := range w.entries {
			if cur.rank < w.entries[least].rank {
				least = i
			}
		}
		evicted := w.entries[least]
		w.entries = append(w.entries[:least], w.entries[least+1:]...)
		_ = w.pool.Put(evicted)
	}

	var spanMs, counter uint64
	var prev *timestampEntry
	for _, cur := range w.entries {
		if prev != nil {
			if cur.val == prev.val {
				continue
			}
			spanMs += uint64(cur.val-prev.val) / 1000000
			counter++
		}
		prev = cur
	}
	w.rate = 0
	if spanMs != 0 {
		w.rate = uint32(counter * 1000 / spanMs)
	}
	return w.rate
}

// Rate returns the last computed rate.
func (w *TimestampWindow) Rate() uint32 { return w.rate }

// Len returns the number of timestamps held.
func (w *TimestampWindow) Len() int { return len(w.entries) }

// Flush drops every timestamp and restarts ranking.
func (w *TimestampWindow) Flush() {
	for _, e := range w.entries {
		_ = w.pool.Put(e)
	}
	w.entries = nil
	w.rank = 0
}

// ReorderList restores presentation order on decoder output by handing out
// the smallest pending input timestamp.
type ReorderList struct {
	pool    *pool.Pool[timestampEntry]
	entries []*timestampEntry
}

func newReorderList(p *pool.Pool[timestampEntry]) *ReorderList {
	return &ReorderList{pool: p}
}

// Insert adds a timestamp.
func (r *ReorderList) Insert(val int64) {
	e := r.pool.Get()
	e.val = val
	r.entries = insertSorted(r.entries, e)
}

// Remove deletes the first entry equal to val and reports whether one existed.
func (r *ReorderList) Remove(val int64) bool {
	for i, e := range r.entries {
		if e.val == val {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			_ = r.pool.Put(e)
			return true
		}
	}
	return false
}

// PopFirst removes and returns the smallest timestamp.
func (r *ReorderList) PopFirst() (int64, error) {
	if len(r.entries) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PopFirst",
		}).Error("Timestamp reorder list empty")
		return 0, ErrReorderEmpty
	}
	e := r.entries[0]
	r.entries = r.entries[1:]
	val := e.val
	_ = r.pool.Put(e)
	return val, nil
}

// Len returns the number of pending timestamps.
func (r *ReorderList) Len() int { return len(r.entries) }

// Flush drops every pending timestamp.
func (r *ReorderList) Flush() {
	for _, e := range r.entries {
		_ = r.pool.Put(e)
	}
	r.entries = nil
}

type inputTimer struct {
	timeUs uint64
}

// InputRate measures the client's input arrival rate over the last
// InputTimerListSize arrivals. The rate is kept in Q16 fixed point.
type InputRate struct {
	pool    *pool.Pool[inputTimer]
	entries []*inputTimer
	q16     uint32
}

func newInputRate(p *pool.Pool[inputTimer]) *InputRate {
	return &InputRate{pool: p}
}

// Update records an arrival time in microseconds.
func (r *InputRate) Update(timeUs uint64) {
	t := r.pool.Get()
	t.timeUs = timeUs
	r.entries = append(r.entries, t)

	var sumUs, counter uint64
	for i := 1; i < len(r.entries); i++ {
		sumUs += r.entries[i].timeUs - r.entries[i-1].timeUs
		counter++
	}
	if sumUs != 0 && counter >= InputTimerListSize {
		r.q16 = uint32((counter*1000000 + sumUs/2) / sumUs << 16)
	}
	if counter >= InputTimerListSize {
		first := r.entries[0]
		r.entries = r.entries[1:]
		_ = r.pool.Put(first)
	}
}

// Rate returns the input rate in frames per second.
func (r *InputRate) Rate() uint32 { return r.q16 >> 16 }

// Flush drops every recorded arrival.
func (r *InputRate) Flush() {
	for _, t := range r.entries {
		_ = r.pool.Put(t)
	}
	r.entries = nil
}
