package buffers

import (
	"fmt"

	"github.com/opd-ai/vidcore/interfaces"
	"github.com/sirupsen/logrus"
)

// DecoderInputInternal lists the internal buffers a decoder needs on its
// input port. They are reallocated on every resolution change.
var DecoderInputInternal = []interfaces.BufferType{
	interfaces.BufferBin,
	interfaces.BufferComv,
	interfaces.BufferNonComv,
	interfaces.BufferLine,
}

func (m *Manager) internal(t interfaces.BufferType) (*Collection, error) {
	if !t.IsInternal() {
		return nil, fmt.Errorf("%w: %s is not internal", ErrInvalidType, t)
	}
	return m.collections[t], nil
}

// GetInternal refreshes the size and count requirements of t from the
// provider. When existing buffers are already large and numerous enough the
// collection is marked for reuse and left untouched.
func (m *Manager) GetInternal(t interfaces.BufferType) error {
	c, err := m.internal(t)
	if err != nil {
		return err
	}
	size := m.provider.BufferSize(m.cfg.Domain, t)
	count := m.provider.MinCount(m.cfg.Domain, t)
	if size <= c.Size && count <= c.MinCount {
		c.Reuse = true
	} else {
		c.Reuse = false
		c.Size = size
		c.MinCount = count
	}
	c.ExtraCount = m.provider.ExtraCount(m.cfg.Domain, t)
	return nil
}

// CreateInternal allocates and maps MinCount buffers of t unless the
// collection is being reused.
func (m *Manager) CreateInternal(t interfaces.BufferType) error {
	c, err := m.internal(t)
	if err != nil {
		return err
	}
	if c.Reuse {
		m.logger("CreateInternal").WithField("type", t.String()).Debug("Reusing internal buffers")
		return nil
	}
	for i := uint32(0); i < c.MinCount; i++ {
		if err := m.createInternal(c, i); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) createInternal(c *Collection, index uint32) error {
	if c.Size == 0 {
		return nil
	}
	region := m.regionFor(c.Type)
	h, err := m.provider.Alloc(region, c.Size)
	if err != nil {
		m.logger("createInternal").WithFields(logrus.Fields{
			"type":  c.Type.String(),
			"size":  c.Size,
			"error": err.Error(),
		}).Error("Internal buffer allocation failed")
		return fmt.Errorf("alloc %s: %w", c.Type, err)
	}
	addr, err := m.provider.Map(h)
	if err != nil {
		if ferr := m.provider.Free(h); ferr != nil {
			m.logger("createInternal").WithField("error", ferr.Error()).Warn("Free after failed map")
		}
		return fmt.Errorf("map %s: %w", c.Type, err)
	}

	alloc := m.allocs.Get()
	alloc.handle = h
	alloc.region = region
	alloc.size = c.Size
	mp := m.maps.Get()
	mp.handle = h
	mp.deviceAddr = addr

	b := m.buffers.Get()
	b.Type = c.Type
	b.Index = index
	b.Handle = h
	b.DeviceAddr = addr
	b.Size = c.Size
	b.Region = region
	b.alloc = alloc
	b.mapping = mp
	c.insert(b)

	m.logger("createInternal").WithFields(logrus.Fields{
		"type":        c.Type.String(),
		"size":        c.Size,
		"device_addr": fmt.Sprintf("%#x", addr),
	}).Debug("Created internal buffer")
	return nil
}

// QueueInternal submits every buffer of t that is neither queued nor
// pending release.
func (m *Manager) QueueInternal(t interfaces.BufferType) error {
	c, err := m.internal(t)
	if err != nil {
		return err
	}
	if c.Reuse {
		return nil
	}
	for _, b := range c.All() {
		if b.Attr&(AttrPendingRelease|AttrQueued) != 0 {
			continue
		}
		if err := m.submitter.SubmitBuffer(b, nil); err != nil {
			return err
		}
		b.Attr |= AttrQueued
	}
	return nil
}

// ReleaseInternal asks the firmware to give up every queued buffer of t.
// Buffers already pending release are skipped, so a repeated call is a
// no-op.
func (m *Manager) ReleaseInternal(t interfaces.BufferType) error {
	c, err := m.internal(t)
	if err != nil {
		return err
	}
	if c.Reuse {
		return nil
	}
	for _, b := range c.All() {
		if b.Attr.Has(AttrPendingRelease) || !b.Attr.Has(AttrQueued) {
			continue
		}
		if err := m.submitter.ReleaseBuffer(b); err != nil {
			return err
		}
		b.Attr |= AttrPendingRelease
	}
	return nil
}

// ReleaseDone completes a release: the buffer is unmapped, freed and
// removed.
func (m *Manager) ReleaseDone(resp Response) error {
	c, err := m.internal(resp.Type)
	if err != nil {
		return err
	}
	b := c.ByDeviceAddr(resp.DeviceAddr)
	if b == nil || !b.Attr.Has(AttrPendingRelease) {
		m.logger("ReleaseDone").WithFields(logrus.Fields{
			"type": resp.Type.String(),
			"addr": fmt.Sprintf("%#x", resp.DeviceAddr),
		}).Warn("Release done for a buffer not pending release")
		return fmt.Errorf("%w: %s at %#x", ErrUnknownBuffer, resp.Type, resp.DeviceAddr)
	}
	return m.DestroyInternal(b)
}

// DestroyInternal unmaps, frees and removes an internal buffer.
func (m *Manager) DestroyInternal(b *Buffer) error {
	c, err := m.internal(b.Type)
	if err != nil {
		return err
	}
	var firstErr error
	if b.mapping != nil {
		if err := m.provider.Unmap(b.mapping.handle); err != nil {
			firstErr = fmt.Errorf("unmap %s: %w", b.Type, err)
		}
		_ = m.maps.Put(b.mapping)
		b.mapping = nil
	}
	if b.alloc != nil {
		if err := m.provider.Free(b.alloc.handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("free %s: %w", b.Type, err)
		}
		_ = m.allocs.Put(b.alloc)
		b.alloc = nil
	}
	m.logger("DestroyInternal").WithFields(logrus.Fields{
		"type":        b.Type.String(),
		"device_addr": fmt.Sprintf("%#x", b.DeviceAddr),
	}).Debug("Destroyed internal buffer")
	m.release(c, b)
	return firstErr
}

// AllocAndQueueInternal refreshes, releases, recreates and queues each of
// the given internal types in turn.
func (m *Manager) AllocAndQueueInternal(types ...interfaces.BufferType) error {
	for _, t := range types {
		if err := m.GetInternal(t); err != nil {
			return err
		}
		if err := m.ReleaseInternal(t); err != nil {
			return err
		}
		if err := m.CreateInternal(t); err != nil {
			return err
		}
		if err := m.QueueInternal(t); err != nil {
			return err
		}
	}
	return nil
}
