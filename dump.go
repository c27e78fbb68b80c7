package vidcore

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/vidcore/buffers"
	"github.com/opd-ai/vidcore/hfi"
	"github.com/opd-ai/vidcore/pool"
	"github.com/sirupsen/logrus"
)

// dumpEncMode encodes diagnostic dumps deterministically.
var dumpEncMode cbor.EncMode

var dumpDecMode cbor.DecMode

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	dumpEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create dump CBOR encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	dumpDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create dump CBOR decoder mode: %v", err))
	}
}

// CoreDump is the diagnostic state of the core and every session it knows.
type CoreDump struct {
	Time     time.Time      `cbor:"time"`
	State    string         `cbor:"state"`
	SubState string         `cbor:"sub_state"`
	SFR      string         `cbor:"sfr,omitempty"`
	Queues   hfi.TableState `cbor:"queues"`
	Active   []uint32       `cbor:"active"`
	Dangling []uint32       `cbor:"dangling"`
	Sessions []SessionDump  `cbor:"sessions"`
}

// SessionDump is the diagnostic state of one session.
type SessionDump struct {
	ID        uint32                    `cbor:"id"`
	Tag       string                    `cbor:"tag"`
	Domain    string                    `cbor:"domain"`
	State     string                    `cbor:"state"`
	SubState  string                    `cbor:"sub_state"`
	Load      string                    `cbor:"load"`
	Batching  bool                      `cbor:"batching"`
	DCVS      bool                      `cbor:"dcvs"`
	InputRate uint32                    `cbor:"input_rate"`
	Buffers   []buffers.CollectionState `cbor:"buffers"`
	Pools     []pool.Usage              `cbor:"pools"`
	Stats     buffers.StatsSummary      `cbor:"stats"`
	Caps      map[string]int32          `cbor:"caps"`
}

// Dump captures the core and session state as CBOR.
func (c *Core) Dump() ([]byte, error) {
	d := c.collectDump()
	b, err := dumpEncMode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode dump: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Dump",
		"sessions": len(d.Sessions),
		"bytes":    len(b),
	}).Debug("Captured core dump")
	return b, nil
}

func (c *Core) collectDump() *CoreDump {
	tok := c.lock.Lock()
	d := &CoreDump{
		Time:     time.Now(),
		State:    c.state.String(),
		SubState: c.sub.String(),
		SFR:      c.queues.ReadSFR(),
		Queues:   c.queues.Snapshot(),
		Active:   c.sortedIDs(c.sessions),
		Dangling: c.sortedIDs(c.dangling),
	}
	var held []*Session
	for _, m := range []map[uint32]*Session{c.sessions, c.dangling} {
		for _, id := range c.sortedIDs(m) {
			if s := m[id]; s.Acquire() {
				held = append(held, s)
			}
		}
	}
	tok.Unlock()

	for _, s := range held {
		d.Sessions = append(d.Sessions, s.dump())
		s.Release()
	}
	return d
}

// LastDump returns the dump captured by the most recent page fault.
func (c *Core) LastDump() []byte {
	tok := c.lock.Lock()
	defer tok.Unlock()
	return c.lastDump
}

// DecodeDump parses a dump produced by Dump.
func DecodeDump(b []byte) (*CoreDump, error) {
	var d CoreDump
	if err := dumpDecMode.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode dump: %w", err)
	}
	return &d, nil
}
