//go:build linux

package real

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T) *SharedMemoryTransport {
	t.Helper()
	tr, err := NewSharedMemoryTransport(&interfaces.TransportConfig{
		RegionSize:       limits.SharedRegionSize,
		DevicePath:       filepath.Join(t.TempDir(), "vidc.shm"),
		InterruptTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// TestRegionIsMapped tests that the region is writable and sized
func TestRegionIsMapped(t *testing.T) {
	tr := newTestTransport(t)
	assert.False(t, tr.IsSimulation())
	region, err := tr.Region()
	require.NoError(t, err)
	require.Len(t, region.Mem, limits.SharedRegionSize)
	assert.Equal(t, uint64(DefaultDeviceAddr), region.DeviceAddr)
	region.Mem[0] = 0xAB
	assert.Equal(t, byte(0xAB), region.Mem[0])
}

// TestDoorbell tests that a doorbell increments the eventfd counter
func TestDoorbell(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.RaiseDoorbell())
	require.NoError(t, tr.RaiseDoorbell())
	n, err := drain(tr.DoorbellFD())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

// TestInterruptCallback tests delivery of a firmware interrupt
func TestInterruptCallback(t *testing.T) {
	tr := newTestTransport(t)
	fired := make(chan struct{}, 1)
	tr.OnInterrupt(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, signal(tr.InterruptFD()))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("interrupt callback not run")
	}
}

// TestClose tests shutdown and use after close
func TestClose(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.RaiseDoorbell(), ErrTransportClosed)
	_, err := tr.Region()
	assert.ErrorIs(t, err, ErrTransportClosed)
}

// TestMissingPath tests configuration validation
func TestMissingPath(t *testing.T) {
	_, err := NewSharedMemoryTransport(&interfaces.TransportConfig{RegionSize: 4096})
	assert.ErrorIs(t, err, interfaces.ErrMissingDevicePath)
}
