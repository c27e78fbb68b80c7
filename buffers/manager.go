package buffers

import (
	"errors"
	"fmt"

	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/pool"
	"github.com/sirupsen/logrus"
)

// Submitter hands buffers to the firmware. The session implements it on top
// of the command queue.
type Submitter interface {
	// SubmitBuffer queues b, and its metadata companion when meta is non-nil
	SubmitBuffer(b *Buffer, meta *Buffer) error

	// ReleaseBuffer asks the firmware to give up an internal buffer
	ReleaseBuffer(b *Buffer) error
}

// DoneFunc receives every buffer handed back to the client.
type DoneFunc func(b *Buffer)

// Config selects the per-session buffer behavior.
type Config struct {
	Domain interfaces.Domain
	// Tag identifies the owning session in logs.
	Tag string
	// MetaInput and MetaOutput require a metadata companion for every
	// queued main buffer on that side.
	MetaInput  bool
	MetaOutput bool
	// TimestampReorder restamps decoder output in ascending input order.
	TimestampReorder bool
	// Secure places allocations in the secure memory regions.
	Secure bool
}

// Manager tracks every buffer of one session as it moves between the client,
// the driver and the firmware. It is not safe for concurrent use; the owning
// session serializes access under its own lock.
type Manager struct {
	cfg       Config
	provider  interfaces.ResourceProvider
	submitter Submitter
	onDone    DoneFunc
	tp        TimeProvider

	collections map[interfaces.BufferType]*Collection
	readOnly    *Collection

	buffers     *pool.Pool[Buffer]
	allocs      *pool.Pool[allocation]
	maps        *pool.Pool[mapping]
	timestamps  *pool.Pool[timestampEntry]
	timers      *pool.Pool[inputTimer]
	statEntries *pool.Pool[statsEntry]
	pools       pool.Set

	window    *TimestampWindow
	reorder   *ReorderList
	inputRate *InputRate
	stats     *Stats

	inputCounter uint64
}

var clientTypes = []interfaces.BufferType{
	interfaces.BufferInput,
	interfaces.BufferOutput,
	interfaces.BufferInputMeta,
	interfaces.BufferOutputMeta,
}

// NewManager creates a buffer manager for one session.
func NewManager(cfg Config, provider interfaces.ResourceProvider, submitter Submitter, onDone DoneFunc) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("resource provider cannot be nil")
	}
	if submitter == nil {
		return nil, errors.New("submitter cannot be nil")
	}
	if cfg.Domain != interfaces.DomainDecoder && cfg.Domain != interfaces.DomainEncoder {
		return nil, fmt.Errorf("invalid domain %s", cfg.Domain)
	}

	m := &Manager{
		cfg:         cfg,
		provider:    provider,
		submitter:   submitter,
		onDone:      onDone,
		tp:          DefaultTimeProvider{},
		collections: make(map[interfaces.BufferType]*Collection),
		buffers:     pool.New[Buffer](pool.KindBuffer),
		allocs:      pool.New[allocation](pool.KindAllocation),
		maps:        pool.New[mapping](pool.KindMapping),
		timestamps:  pool.New[timestampEntry](pool.KindTimestamp),
		timers:      pool.New[inputTimer](pool.KindInputTimer),
		statEntries: pool.New[statsEntry](pool.KindBufferStats),
	}
	m.pools.Register(m.buffers, m.allocs, m.maps, m.timestamps, m.timers, m.statEntries)

	for _, t := range clientTypes {
		m.collections[t] = newCollection(t)
	}
	for _, t := range interfaces.InternalTypes {
		m.collections[t] = newCollection(t)
	}
	m.readOnly = newCollection(interfaces.BufferReadOnly)
	m.collections[interfaces.BufferReadOnly] = m.readOnly

	window := DecoderFPSWindow
	if cfg.Domain == interfaces.DomainEncoder {
		window = EncoderFPSWindow
	}
	m.window = newTimestampWindow(m.timestamps, window)
	m.reorder = newReorderList(m.timestamps)
	m.inputRate = newInputRate(m.timers)
	m.stats = newStats(m.statEntries, m.tp)
	return m, nil
}

// SetTimeProvider replaces the clock. Intended for tests.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.tp = tp
	m.stats = newStats(m.statEntries, tp)
}

// Collection returns the collection of type t, or nil for an unknown type.
func (m *Manager) Collection(t interfaces.BufferType) *Collection {
	return m.collections[t]
}

func (m *Manager) decoder() bool { return m.cfg.Domain == interfaces.DomainDecoder }

func (m *Manager) isDecodeOutput(t interfaces.BufferType) bool {
	return m.decoder() && t == interfaces.BufferOutput
}

func (m *Manager) metaEnabled(t interfaces.BufferType) bool {
	switch t {
	case interfaces.BufferInput:
		return m.cfg.MetaInput
	case interfaces.BufferOutput:
		return m.cfg.MetaOutput
	}
	return false
}

// regionFor picks the memory region of a buffer type.
func (m *Manager) regionFor(t interfaces.BufferType) interfaces.MemRegion {
	if !m.cfg.Secure {
		return interfaces.RegionNonSecure
	}
	switch {
	case t.IsMeta():
		return interfaces.RegionNonSecure
	case t == interfaces.BufferInput && m.decoder(), t == interfaces.BufferOutput && !m.decoder():
		return interfaces.RegionSecureBitstream
	case t == interfaces.BufferInput, t == interfaces.BufferOutput, t == interfaces.BufferDpb:
		return interfaces.RegionSecurePixel
	default:
		return interfaces.RegionSecureNonPixel
	}
}

func (m *Manager) logger(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function":    function,
		"session_tag": m.cfg.Tag,
		"domain":      m.cfg.Domain.String(),
	})
}

// Allocate creates count driver-held entries of a client type with indices
// 0..count-1. They are queued only after the client prepares them.
func (m *Manager) Allocate(t interfaces.BufferType, count uint32) error {
	c := m.collections[t]
	if c == nil || t.IsInternal() || t == interfaces.BufferReadOnly {
		return fmt.Errorf("%w: allocate %s", ErrInvalidType, t)
	}
	for idx := uint32(0); idx < count; idx++ {
		b := m.buffers.Get()
		b.Type = t
		b.Index = idx
		b.Attr = AttrDeferred
		b.Region = m.regionFor(t)
		c.insert(b)
	}
	c.ActualCount = uint32(c.Len())
	m.logger("Allocate").WithFields(logrus.Fields{
		"type":  t.String(),
		"count": count,
	}).Debug("Allocated buffers")
	return nil
}

// Free releases every buffer of a client type. Buffers the firmware still
// owns are reported and freed anyway; the caller must have flushed first.
func (m *Manager) Free(t interfaces.BufferType) int {
	c := m.collections[t]
	if c == nil {
		return 0
	}
	n := 0
	for _, b := range c.All() {
		if b.Attr.Has(AttrQueued) {
			m.logger("Free").WithField("buffer", b.String()).Warn("Freeing buffer owned by firmware")
		}
		m.dropSurface(b)
		m.release(c, b)
		n++
	}
	c.ActualCount = 0
	return n
}

// Prepare takes a client buffer into the driver. The buffer is found by
// index, created when absent, and left Deferred until Queue.
func (m *Manager) Prepare(desc Descriptor) (*Buffer, error) {
	c := m.collections[desc.Type]
	if c == nil || desc.Type.IsInternal() || desc.Type == interfaces.BufferReadOnly {
		return nil, fmt.Errorf("%w: prepare %s", ErrInvalidType, desc.Type)
	}
	b := c.ByIndex(desc.Index)
	if b == nil {
		b = m.buffers.Get()
		b.Type = desc.Type
		b.Index = desc.Index
		b.Region = m.regionFor(desc.Type)
		c.insert(b)
		c.ActualCount = uint32(c.Len())
	}
	if b.Attr.Has(AttrQueued) {
		return nil, fmt.Errorf("%w: %s", ErrBufferBusy, b)
	}

	if b.surfaceRef && b.FD != desc.FD {
		m.dropSurface(b)
	}
	b.FD = desc.FD
	b.DeviceAddr = desc.DeviceAddr
	b.Size = desc.Size
	b.DataSize = desc.DataSize
	b.Offset = desc.Offset
	b.Timestamp = desc.Timestamp
	b.Flags = desc.Flags
	b.Attr = AttrDeferred
	b.prepared = true

	if m.isDecodeOutput(b.Type) && !b.surfaceRef {
		h, err := m.provider.Get(b.FD)
		if err != nil {
			b.Attr = 0
			b.prepared = false
			return nil, fmt.Errorf("surface reference for fd %d: %w", b.FD, err)
		}
		b.Handle = h
		b.surfaceRef = true
	}
	return b, nil
}

// metaFor returns the deferred metadata companion of b, or nil.
func (m *Manager) metaFor(b *Buffer) *Buffer {
	var t interfaces.BufferType
	switch b.Type {
	case interfaces.BufferInput:
		t = interfaces.BufferInputMeta
	case interfaces.BufferOutput:
		t = interfaces.BufferOutputMeta
	default:
		return nil
	}
	meta := m.collections[t].ByIndex(b.Index)
	if meta == nil || !meta.prepared || !meta.Attr.Has(AttrDeferred) {
		return nil
	}
	return meta
}

// Queue submits a prepared buffer to the firmware.
func (m *Manager) Queue(b *Buffer) error {
	if !b.Attr.Has(AttrDeferred) || !b.prepared {
		return fmt.Errorf("%w: %s", ErrNotDeferred, b)
	}
	if b.Type.IsMeta() {
		return fmt.Errorf("%w: metadata is queued with its main buffer", ErrInvalidType)
	}

	if m.isDecodeOutput(b.Type) {
		m.processReadOnly(b)
	}

	meta := m.metaFor(b)
	if meta == nil && m.metaEnabled(b.Type) {
		m.logger("Queue").WithField("buffer", b.String()).Error("Missing metadata buffer")
		return fmt.Errorf("%w: %s index %d", ErrMetaMissing, b.Type, b.Index)
	}

	if err := m.submitter.SubmitBuffer(b, meta); err != nil {
		return err
	}

	b.Attr = b.Attr&^AttrDeferred | AttrQueued
	if meta != nil {
		meta.Attr = meta.Attr&^AttrDeferred | AttrQueued
	}
	b.start = m.stats.elapsed()

	if b.Type == interfaces.BufferInput {
		if m.cfg.TimestampReorder && m.decoder() {
			m.reorder.Insert(b.Timestamp)
		}
		m.inputCounter++
		m.window.Insert(b.Timestamp)
		m.inputRate.Update(uint64(m.tp.Now().UnixMicro()))
		m.stats.onETB(b, m.decoder())
	}

	m.logger("Queue").WithField("buffer", b.String()).Trace("Queued buffer")
	return nil
}

// QueueDeferred submits every prepared Deferred buffer of type t.
func (m *Manager) QueueDeferred(t interfaces.BufferType) error {
	c := m.collections[t]
	if c == nil {
		return fmt.Errorf("%w: %s", ErrInvalidType, t)
	}
	for _, b := range c.All() {
		if !b.Attr.Has(AttrDeferred) || !b.prepared {
			continue
		}
		if err := m.Queue(b); err != nil {
			return err
		}
	}
	return nil
}

// processReadOnly carries the firmware's read-only hint forward onto a
// decoder output buffer going back to the firmware, then drops read-only
// records the firmware no longer references.
func (m *Manager) processReadOnly(b *Buffer) {
	for _, ro := range m.readOnly.All() {
		if ro.DeviceAddr != b.DeviceAddr {
			continue
		}
		if ro.Attr.Has(AttrReadOnly) && !ro.Attr.Has(AttrPendingRelease) {
			b.Attr |= AttrReadOnly
			ro.Attr &^= AttrReadOnly
			break
		}
	}
	m.dropStaleReadOnly()
}

func (m *Manager) dropStaleReadOnly() {
	for _, ro := range m.readOnly.All() {
		if ro.Attr.Has(AttrReadOnly) {
			continue
		}
		m.logger("dropStaleReadOnly").WithField("buffer", ro.String()).Debug("Removing read-only record")
		m.dropSurface(ro)
		m.release(m.readOnly, ro)
	}
}

// Complete applies a firmware buffer-done response and hands the buffer
// back to the client.
func (m *Manager) Complete(resp Response) (*Buffer, error) {
	c := m.collections[resp.Type]
	if c == nil || resp.Type.IsMeta() || resp.Type == interfaces.BufferReadOnly {
		return nil, fmt.Errorf("%w: done for %s", ErrInvalidType, resp.Type)
	}
	b := c.ByIndex(resp.Index)
	if resp.Type.IsInternal() {
		b = c.ByDeviceAddr(resp.DeviceAddr)
	}
	if b == nil || !b.Attr.Has(AttrQueued) {
		m.logger("Complete").WithFields(logrus.Fields{
			"type":  resp.Type.String(),
			"index": resp.Index,
			"addr":  fmt.Sprintf("%#x", resp.DeviceAddr),
		}).Warn("Buffer done for a buffer not owned by firmware")
		return nil, fmt.Errorf("%w: %s index %d", ErrUnknownBuffer, resp.Type, resp.Index)
	}

	b.Attr &^= AttrQueued
	if resp.Type.IsInternal() {
		return b, nil
	}

	b.DataSize = resp.DataSize
	b.Offset = resp.Offset
	b.Timestamp = resp.Timestamp
	b.Flags = resp.Flags
	b.Attr |= AttrBufferDone

	switch b.Type {
	case interfaces.BufferInput:
		m.stats.onEBD(b)
	case interfaces.BufferOutput:
		m.stats.onFBD(b, b.start, !m.decoder())
	}

	if m.isDecodeOutput(b.Type) {
		m.completeDecodeOutput(b)
	}

	meta := m.metaForDone(b)
	if meta != nil {
		meta.Attr = meta.Attr&^AttrQueued | AttrBufferDone
	}

	m.handBack(b)
	if meta != nil {
		m.handBack(meta)
	}
	return b, nil
}

func (m *Manager) metaForDone(b *Buffer) *Buffer {
	var t interfaces.BufferType
	switch b.Type {
	case interfaces.BufferInput:
		t = interfaces.BufferInputMeta
	case interfaces.BufferOutput:
		t = interfaces.BufferOutputMeta
	default:
		return nil
	}
	meta := m.collections[t].ByIndex(b.Index)
	if meta == nil || !meta.Attr.Has(AttrQueued) {
		return nil
	}
	return meta
}

func (m *Manager) completeDecodeOutput(b *Buffer) {
	if b.Flags.Has(FlagReadOnly) {
		b.Attr |= AttrReadOnly
		ro := m.buffers.Get()
		*ro = Buffer{
			Type:       interfaces.BufferReadOnly,
			Index:      b.Index,
			FD:         b.FD,
			Handle:     b.Handle,
			DeviceAddr: b.DeviceAddr,
			Size:       b.Size,
			Timestamp:  b.Timestamp,
			Attr:       AttrReadOnly,
			Region:     b.Region,
			surfaceRef: b.surfaceRef,
		}
		b.surfaceRef = false
		m.readOnly.insert(ro)
	} else {
		b.Attr &^= AttrReadOnly
		for _, ro := range m.readOnly.All() {
			if ro.DeviceAddr == b.DeviceAddr {
				ro.Attr &^= AttrReadOnly
			}
		}
		m.dropSurface(b)
	}

	if m.cfg.TimestampReorder && b.DataSize > 0 {
		ts, err := m.reorder.PopFirst()
		if err == nil {
			b.Timestamp = ts
		}
	}
}

func (m *Manager) handBack(b *Buffer) {
	if m.onDone != nil {
		m.onDone(b)
	}
}

// dropSurface releases the client surface reference held by b, if any.
func (m *Manager) dropSurface(b *Buffer) {
	if !b.surfaceRef {
		return
	}
	if err := m.provider.Put(b.Handle); err != nil {
		m.logger("dropSurface").WithFields(logrus.Fields{
			"buffer": b.String(),
			"error":  err.Error(),
		}).Warn("Failed to drop surface reference")
	}
	b.surfaceRef = false
	b.Handle = 0
}

// release removes b from c and returns it to the pool.
func (m *Manager) release(c *Collection, b *Buffer) {
	if !c.remove(b) {
		return
	}
	if err := m.buffers.Put(b); err != nil {
		m.logger("release").WithField("error", err.Error()).Error("Buffer pool corrupted")
	}
}

// Flush returns every driver- or firmware-held buffer of the input or
// output side, metadata included, to the client with zero payload and
// removes it. It never waits on the firmware.
func (m *Manager) Flush(t interfaces.BufferType) error {
	var types [2]interfaces.BufferType
	switch t {
	case interfaces.BufferInput:
		types = [2]interfaces.BufferType{interfaces.BufferInputMeta, interfaces.BufferInput}
	case interfaces.BufferOutput:
		types = [2]interfaces.BufferType{interfaces.BufferOutputMeta, interfaces.BufferOutput}
	default:
		return fmt.Errorf("%w: flush %s", ErrInvalidType, t)
	}

	flushed := 0
	for _, bt := range types {
		c := m.collections[bt]
		for _, b := range c.All() {
			if b.Attr&(AttrQueued|AttrDeferred) == 0 {
				continue
			}
			wasPrepared := b.prepared && !b.Attr.Has(AttrBufferDone)
			if m.isDecodeOutput(b.Type) {
				m.dropSurface(b)
			}
			b.DataSize = 0
			b.Attr = b.Attr&^(AttrQueued|AttrDeferred) | AttrBufferDone
			if wasPrepared {
				m.handBack(b)
			}
			m.release(c, b)
			flushed++
		}
		c.ActualCount = uint32(c.Len())
	}
	if t == interfaces.BufferInput {
		m.stats.Flush()
	}

	m.logger("Flush").WithFields(logrus.Fields{
		"type":    t.String(),
		"flushed": flushed,
	}).Debug("Flushed buffers")
	return nil
}

// FlushReadOnly removes read-only records the firmware has released.
func (m *Manager) FlushReadOnly() {
	if !m.decoder() {
		return
	}
	m.dropStaleReadOnly()
}

// FlushTimestamps drops the timestamp window, the reorder list and the
// input-rate history.
func (m *Manager) FlushTimestamps() {
	m.window.Flush()
	m.reorder.Flush()
	m.inputRate.Flush()
}

// RemoveTimestamp drops a pending reorder timestamp, used when the firmware
// discards an input without producing output.
func (m *Manager) RemoveTimestamp(ts int64) bool {
	return m.reorder.Remove(ts)
}

// TimestampRate returns the content frame rate seen on input timestamps.
func (m *Manager) TimestampRate() uint32 { return m.window.Rate() }

// InputRate returns the client's input arrival rate.
func (m *Manager) InputRate() uint32 { return m.inputRate.Rate() }

// InputCounter returns the number of input buffers queued so far.
func (m *Manager) InputCounter() uint64 { return m.inputCounter }

// Stats returns the buffer statistics summary.
func (m *Manager) Stats() StatsSummary { return m.stats.Summary() }

// CollectionState is the diagnostic view of one collection.
type CollectionState struct {
	Type     string `cbor:"type"`
	Count    int    `cbor:"count"`
	Deferred int    `cbor:"deferred"`
	Queued   int    `cbor:"queued"`
	ReadOnly int    `cbor:"read_only"`
	Pending  int    `cbor:"pending_release"`
	Size     uint32 `cbor:"size"`
	MinCount uint32 `cbor:"min_count"`
}

// Snapshot reports every non-empty collection.
func (m *Manager) Snapshot() []CollectionState {
	var out []CollectionState
	for _, c := range m.ordered() {
		if c.Len() == 0 {
			continue
		}
		out = append(out, CollectionState{
			Type:     c.Type.String(),
			Count:    c.Len(),
			Deferred: c.Count(AttrDeferred),
			Queued:   c.Count(AttrQueued),
			ReadOnly: c.Count(AttrReadOnly),
			Pending:  c.Count(AttrPendingRelease),
			Size:     c.Size,
			MinCount: c.MinCount,
		})
	}
	return out
}

func (m *Manager) ordered() []*Collection {
	out := make([]*Collection, 0, len(m.collections))
	for _, t := range clientTypes {
		out = append(out, m.collections[t])
	}
	for _, t := range interfaces.InternalTypes {
		out = append(out, m.collections[t])
	}
	return append(out, m.readOnly)
}

// Usage reports the bookkeeping pools.
func (m *Manager) Usage() []pool.Usage { return m.pools.Usage() }

// Owners counts client buffers by owner.
func (m *Manager) Owners() map[Owner]int {
	out := make(map[Owner]int)
	for _, t := range clientTypes {
		for _, b := range m.collections[t].All() {
			out[b.Owner()]++
		}
	}
	return out
}

// DestroyAll releases every buffer, record and allocation, then drains the
// pools. It returns the number of leaked pool objects.
func (m *Manager) DestroyAll() int {
	for _, t := range interfaces.InternalTypes {
		for _, b := range m.collections[t].All() {
			if err := m.DestroyInternal(b); err != nil {
				m.logger("DestroyAll").WithField("error", err.Error()).Warn("Internal buffer teardown failed")
			}
		}
	}
	for _, ro := range m.readOnly.All() {
		m.dropSurface(ro)
		m.release(m.readOnly, ro)
	}
	for _, t := range clientTypes {
		m.Free(t)
	}
	m.FlushTimestamps()
	m.stats.Flush()

	leaked := m.pools.Drain()
	if leaked > 0 {
		m.logger("DestroyAll").WithField("leaked", leaked).Error("Session leaked bookkeeping objects")
	}
	return leaked
}
