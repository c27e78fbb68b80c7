// Package caps holds the per-session capability table: every tunable value
// with its range, flags and dependencies. Setting a value re-derives every
// dependent capability in dependency order.
package caps

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknown indicates a capability the table does not define
	ErrUnknown = errors.New("unknown capability")
	// ErrOutOfRange indicates a value outside [min, max] or off the step grid
	ErrOutOfRange = errors.New("capability value out of range")
	// ErrNotDynamic indicates a change while streaming to a static capability
	ErrNotDynamic = errors.New("capability cannot change while streaming")
	// ErrDerived indicates a direct set of a capability computed from its parents
	ErrDerived = errors.New("capability is derived")
	// ErrCycle indicates a dependency loop in a table definition
	ErrCycle = errors.New("capability dependency cycle")
)

// ID names a capability.
type ID uint16

const (
	FrameRate ID = iota + 1
	OperatingRate
	Priority
	CriticalPriority
	Realtime
	LowLatency
	Thumbnail
	Image
	Secure
	CodecConfig
	DecodeBatch
	BatchFPS
	BatchMBPF
	InputRate
	TimestampRate
	MetaInput
	MetaOutput
)

var idNames = map[ID]string{
	FrameRate:        "FRAME_RATE",
	OperatingRate:    "OPERATING_RATE",
	Priority:         "PRIORITY",
	CriticalPriority: "CRITICAL_PRIORITY",
	Realtime:         "REALTIME",
	LowLatency:       "LOWLATENCY_MODE",
	Thumbnail:        "THUMBNAIL_MODE",
	Image:            "IMAGE_MODE",
	Secure:           "SECURE_MODE",
	CodecConfig:      "CODEC_CONFIG",
	DecodeBatch:      "DECODE_BATCH",
	BatchFPS:         "BATCH_FPS",
	BatchMBPF:        "BATCH_MBPF",
	InputRate:        "INPUT_RATE",
	TimestampRate:    "TIMESTAMP_RATE",
	MetaInput:        "META_INPUT",
	MetaOutput:       "META_OUTPUT",
}

// String returns the capability name.
func (id ID) String() string {
	if name, ok := idNames[id]; ok {
		return name
	}
	return fmt.Sprintf("CAP(%d)", uint16(id))
}

// Flag describes how a capability may be changed.
type Flag uint8

const (
	// FlagDynamic allows changes while the session streams.
	FlagDynamic Flag = 1 << iota
	// FlagInternal marks values the driver maintains; clients cannot set them.
	FlagInternal
)

// AdjustFunc derives a capability's value from the table.
type AdjustFunc func(t *Table) int32

// Entry is one capability.
type Entry struct {
	ID      ID
	Min     int32
	Max     int32
	Step    int32
	Value   int32
	Flags   Flag
	Parents []ID
	// Adjust, when set, makes the entry derived: its value is recomputed
	// whenever a parent changes.
	Adjust AdjustFunc

	children []ID
}

// Table is a session's capability set. It is not safe for concurrent use.
type Table struct {
	entries map[ID]*Entry
	order   map[ID]int
}

// NewTable builds a table from definitions, linking children to parents and
// deriving initial values. Definitions are copied.
func NewTable(defs []Entry) (*Table, error) {
	t := &Table{entries: make(map[ID]*Entry, len(defs))}
	for _, d := range defs {
		e := d
		e.Parents = append([]ID(nil), d.Parents...)
		e.children = nil
		t.entries[e.ID] = &e
	}
	for _, e := range t.entries {
		for _, p := range e.Parents {
			parent, ok := t.entries[p]
			if !ok {
				return nil, fmt.Errorf("%w: %s parent of %s", ErrUnknown, p, e.ID)
			}
			parent.children = append(parent.children, e.ID)
		}
	}
	order, err := topoOrder(t.entries)
	if err != nil {
		return nil, err
	}
	t.order = order
	for _, id := range t.sorted(t.ids()) {
		if e := t.entries[id]; e.Adjust != nil {
			e.Value = clamp(e, e.Adjust(t))
		}
	}
	return t, nil
}

func (t *Table) ids() []ID {
	out := make([]ID, 0, len(t.entries))
	for id := range t.entries {
		out = append(out, id)
	}
	return out
}

// sorted orders ids so every parent precedes its children.
func (t *Table) sorted(ids []ID) []ID {
	sort.Slice(ids, func(i, j int) bool {
		if t.order[ids[i]] != t.order[ids[j]] {
			return t.order[ids[i]] < t.order[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// topoOrder assigns each entry its depth in the dependency graph.
func topoOrder(entries map[ID]*Entry) (map[ID]int, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[ID]int, len(entries))
	depth := make(map[ID]int, len(entries))
	var visit func(id ID) error
	visit = func(id ID) error {
		switch mark[id] {
		case visiting:
			return fmt.Errorf("%w: at %s", ErrCycle, id)
		case done:
			return nil
		}
		mark[id] = visiting
		d := 0
		for _, p := range entries[id].Parents {
			if err := visit(p); err != nil {
				return err
			}
			d = max(d, depth[p]+1)
		}
		depth[id] = d
		mark[id] = done
		return nil
	}
	for id := range entries {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return depth, nil
}

func clamp(e *Entry, v int32) int32 {
	return min(max(v, e.Min), e.Max)
}

// Has reports whether id is defined.
func (t *Table) Has(id ID) bool {
	_, ok := t.entries[id]
	return ok
}

// Value returns the current value, or zero for an undefined capability.
func (t *Table) Value(id ID) int32 {
	if e, ok := t.entries[id]; ok {
		return e.Value
	}
	return 0
}

// Bool reports whether the capability is non-zero.
func (t *Table) Bool(id ID) bool { return t.Value(id) != 0 }

// Entry returns a copy of the entry.
func (t *Table) Entry(id ID) (Entry, bool) {
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Set changes a client-visible capability and re-derives its dependents.
// streaming selects whether only dynamic capabilities may change.
func (t *Table) Set(id ID, v int32, streaming bool) error {
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	if e.Adjust != nil || e.Flags&FlagInternal != 0 {
		return fmt.Errorf("%w: %s", ErrDerived, id)
	}
	if streaming && e.Flags&FlagDynamic == 0 {
		return fmt.Errorf("%w: %s", ErrNotDynamic, id)
	}
	if v < e.Min || v > e.Max || (e.Step > 1 && (v-e.Min)%e.Step != 0) {
		return fmt.Errorf("%w: %s=%d, range [%d, %d] step %d", ErrOutOfRange, id, v, e.Min, e.Max, e.Step)
	}
	t.update(e, v)
	return nil
}

// Update stores a driver-maintained value, clamped to range, and
// re-derives dependents.
func (t *Table) Update(id ID, v int32) error {
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	t.update(e, clamp(e, v))
	return nil
}

func (t *Table) update(e *Entry, v int32) {
	if e.Value == v {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "update",
		"cap":      e.ID.String(),
		"old":      e.Value,
		"new":      v,
	}).Debug("Capability changed")
	e.Value = v
	t.propagate(e.ID)
}

// propagate re-derives every transitive child of id in dependency order.
func (t *Table) propagate(id ID) {
	seen := map[ID]bool{}
	queue := append([]ID(nil), t.entries[id].children...)
	var pending []ID
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if seen[c] {
			continue
		}
		seen[c] = true
		pending = append(pending, c)
		queue = append(queue, t.entries[c].children...)
	}
	for _, c := range t.sorted(pending) {
		e := t.entries[c]
		if e.Adjust == nil {
			continue
		}
		if v := clamp(e, e.Adjust(t)); v != e.Value {
			logrus.WithFields(logrus.Fields{
				"function": "propagate",
				"cap":      e.ID.String(),
				"parent":   id.String(),
				"old":      e.Value,
				"new":      v,
			}).Debug("Derived capability adjusted")
			e.Value = v
		}
	}
}

// Snapshot returns every value keyed by name.
func (t *Table) Snapshot() map[string]int32 {
	out := make(map[string]int32, len(t.entries))
	for id, e := range t.entries {
		out[id.String()] = e.Value
	}
	return out
}
