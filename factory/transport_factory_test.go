package factory

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewTransportFactory verifies default factory creation
func TestNewTransportFactory(t *testing.T) {
	t.Setenv("VIDC_USE_SIMULATION", "")
	t.Setenv("VIDC_REGION_SIZE", "")
	t.Setenv("VIDC_INTERRUPT_TIMEOUT", "")
	f := NewTransportFactory()
	config := f.GetCurrentConfig()
	assert.True(t, config.UseSimulation)
	assert.Equal(t, limits.SharedRegionSize, config.RegionSize)
	assert.Equal(t, 100*time.Millisecond, config.InterruptTimeout)
}

// TestEnvironmentVariableParsing verifies environment variable handling
func TestEnvironmentVariableParsing(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(*testing.T, *interfaces.TransportConfig)
	}{
		{
			name: "real with device path",
			env:  map[string]string{"VIDC_USE_SIMULATION": "false", "VIDC_DEVICE_PATH": "/dev/shm/vidc"},
			check: func(t *testing.T, c *interfaces.TransportConfig) {
				assert.False(t, c.UseSimulation)
				assert.Equal(t, "/dev/shm/vidc", c.DevicePath)
			},
		},
		{
			name: "invalid bool keeps default",
			env:  map[string]string{"VIDC_USE_SIMULATION": "maybe"},
			check: func(t *testing.T, c *interfaces.TransportConfig) {
				assert.True(t, c.UseSimulation)
			},
		},
		{
			name: "interrupt timeout in bounds",
			env:  map[string]string{"VIDC_INTERRUPT_TIMEOUT": "25"},
			check: func(t *testing.T, c *interfaces.TransportConfig) {
				assert.Equal(t, 25*time.Millisecond, c.InterruptTimeout)
			},
		},
		{
			name: "region size below layout keeps default",
			env:  map[string]string{"VIDC_REGION_SIZE": "4096"},
			check: func(t *testing.T, c *interfaces.TransportConfig) {
				assert.Equal(t, limits.SharedRegionSize, c.RegionSize)
			},
		},
		{
			name: "non-numeric timeout keeps default",
			env:  map[string]string{"VIDC_INTERRUPT_TIMEOUT": "soon"},
			check: func(t *testing.T, c *interfaces.TransportConfig) {
				assert.Equal(t, 100*time.Millisecond, c.InterruptTimeout)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			config := createDefaultConfig()
			ApplyEnvironmentOverrides(config)
			tt.check(t, config)
		})
	}
}

// TestCreateSimulatedTransport verifies simulation creation through the factory
func TestCreateSimulatedTransport(t *testing.T) {
	f := NewTransportFactoryWithConfig(*createDefaultConfig())
	tr, err := f.CreateTransport()
	require.NoError(t, err)
	defer tr.Close()
	assert.True(t, tr.IsSimulation())

	region, err := tr.Region()
	require.NoError(t, err)
	assert.Len(t, region.Mem, limits.SharedRegionSize)
}

// TestCreateRealTransport verifies the shared memory path
func TestCreateRealTransport(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("shared memory transport requires linux")
	}
	f := NewTransportFactoryWithConfig(*createDefaultConfig())
	f.SwitchToReal()
	assert.False(t, f.IsUsingSimulation())

	_, err := f.CreateTransport()
	assert.ErrorIs(t, err, interfaces.ErrMissingDevicePath)

	config := f.GetCurrentConfig()
	config.DevicePath = filepath.Join(t.TempDir(), "vidc.shm")
	tr, err := f.CreateTransportWithConfig(config)
	require.NoError(t, err)
	defer tr.Close()
	assert.False(t, tr.IsSimulation())
}

// TestCreateSimulationForTesting verifies test options
func TestCreateSimulationForTesting(t *testing.T) {
	f := NewTransportFactoryWithConfig(*createDefaultConfig())
	tr, err := f.CreateSimulationForTesting(WithInterruptTimeout(time.Millisecond), WithRegionSize(limits.SharedRegionSize*2))
	require.NoError(t, err)
	defer tr.Close()
	region, err := tr.Region()
	require.NoError(t, err)
	assert.Len(t, region.Mem, limits.SharedRegionSize*2)

	_, err = f.CreateSimulationForTesting(WithInterruptTimeout(0))
	assert.ErrorIs(t, err, interfaces.ErrInvalidTimeout)
}

// TestUpdateConfig verifies configuration replacement and copying
func TestUpdateConfig(t *testing.T) {
	f := NewTransportFactoryWithConfig(*createDefaultConfig())
	assert.Error(t, f.UpdateConfig(nil))

	config := f.GetCurrentConfig()
	config.RegionSize = limits.SharedRegionSize * 4
	assert.Equal(t, limits.SharedRegionSize, f.GetCurrentConfig().RegionSize, "GetCurrentConfig must return a copy")

	require.NoError(t, f.UpdateConfig(config))
	assert.Equal(t, limits.SharedRegionSize*4, f.GetCurrentConfig().RegionSize)

	f.SwitchToReal()
	f.SwitchToSimulation()
	assert.True(t, f.IsUsingSimulation())
}
