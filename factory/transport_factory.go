package factory

import (
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/limits"
	"github.com/opd-ai/vidcore/real"
	"github.com/opd-ai/vidcore/testing"
	"github.com/sirupsen/logrus"
)

// Validation constants for configuration bounds checking.
const (
	// MinInterruptTimeout is the minimum interrupt wait slice in milliseconds.
	MinInterruptTimeout = 1
	// MaxInterruptTimeout is the maximum interrupt wait slice in milliseconds.
	MaxInterruptTimeout = 10000
	// MaxRegionSize is the largest shared region accepted, in bytes.
	MaxRegionSize = 1 << 30
)

// TransportFactory creates firmware transports based on configuration.
// It is safe for concurrent use; all methods are protected by an internal mutex.
type TransportFactory struct {
	mu            sync.RWMutex
	defaultConfig *interfaces.TransportConfig
}

// TestConfigOption is a functional option for customizing test simulation configuration.
type TestConfigOption func(*interfaces.TransportConfig)

// NewTransportFactory creates a new factory with default configuration and
// VIDC_* environment overrides applied.
func NewTransportFactory() *TransportFactory {
	defaultConfig := createDefaultConfig()
	ApplyEnvironmentOverrides(defaultConfig)
	logConfigurationInfo(defaultConfig)

	return &TransportFactory{
		defaultConfig: defaultConfig,
	}
}

// NewTransportFactoryWithConfig creates a factory around an already
// resolved configuration. Environment overrides are not applied again.
func NewTransportFactoryWithConfig(config interfaces.TransportConfig) *TransportFactory {
	logConfigurationInfo(&config)
	return &TransportFactory{defaultConfig: &config}
}

// createDefaultConfig initializes the default transport configuration.
//
// Default Value Rationale:
//   - UseSimulation: true - a real link needs a device path that has no sensible default
//   - RegionSize: exactly the queue table, rings and SFR area
//   - InterruptTimeout: 100ms - bounds how long Close waits for the watcher
func createDefaultConfig() *interfaces.TransportConfig {
	return &interfaces.TransportConfig{
		UseSimulation:    true,
		RegionSize:       limits.SharedRegionSize,
		InterruptTimeout: 100 * time.Millisecond,
	}
}

// ApplyEnvironmentOverrides updates config from VIDC_USE_SIMULATION,
// VIDC_DEVICE_PATH, VIDC_REGION_SIZE and VIDC_INTERRUPT_TIMEOUT. Invalid
// values are logged and ignored.
func ApplyEnvironmentOverrides(config *interfaces.TransportConfig) {
	parseSimulationSetting(config)
	if path := os.Getenv("VIDC_DEVICE_PATH"); path != "" {
		config.DevicePath = path
	}
	if v, ok := parseBoundedInt("VIDC_REGION_SIZE", limits.SharedRegionSize, MaxRegionSize, config.RegionSize); ok {
		config.RegionSize = v
	}
	if v, ok := parseBoundedInt("VIDC_INTERRUPT_TIMEOUT", MinInterruptTimeout, MaxInterruptTimeout, int(config.InterruptTimeout.Milliseconds())); ok {
		config.InterruptTimeout = time.Duration(v) * time.Millisecond
	}
}

// parseSimulationSetting updates UseSimulation from VIDC_USE_SIMULATION.
func parseSimulationSetting(config *interfaces.TransportConfig) {
	if useSimStr := os.Getenv("VIDC_USE_SIMULATION"); useSimStr != "" {
		useSim, err := strconv.ParseBool(useSimStr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseSimulationSetting",
				"env_var":     "VIDC_USE_SIMULATION",
				"value":       useSimStr,
				"error":       err.Error(),
				"using_value": config.UseSimulation,
			}).Warn("Failed to parse VIDC_USE_SIMULATION environment variable, using default")
			return
		}
		config.UseSimulation = useSim
	}
}

// parseBoundedInt reads an integer environment variable and checks it lies
// within [lo, hi]. ok is false when the variable is unset or invalid.
func parseBoundedInt(name string, lo, hi, current int) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoundedInt",
			"env_var":     name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": current,
		}).Warn("Failed to parse environment variable, using default")
		return 0, false
	}
	if v < lo || v > hi {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoundedInt",
			"env_var":     name,
			"value":       v,
			"min":         lo,
			"max":         hi,
			"using_value": current,
		}).Warn("Environment variable out of bounds, using default")
		return 0, false
	}
	return v, true
}

// logConfigurationInfo logs the final configuration settings.
func logConfigurationInfo(config *interfaces.TransportConfig) {
	logrus.WithFields(logrus.Fields{
		"function":          "NewTransportFactory",
		"use_simulation":    config.UseSimulation,
		"region_size":       config.RegionSize,
		"device_path":       config.DevicePath,
		"interrupt_timeout": config.InterruptTimeout.String(),
	}).Info("Created transport factory with configuration")
}

// CreateTransport creates a transport from the default configuration.
func (f *TransportFactory) CreateTransport() (interfaces.Transport, error) {
	f.mu.RLock()
	config := *f.defaultConfig
	f.mu.RUnlock()
	return f.CreateTransportWithConfig(&config)
}

// CreateTransportWithConfig creates a transport from config, or from the
// default configuration when config is nil.
func (f *TransportFactory) CreateTransportWithConfig(config *interfaces.TransportConfig) (interfaces.Transport, error) {
	if config == nil {
		f.mu.RLock()
		c := *f.defaultConfig
		f.mu.RUnlock()
		config = &c
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.UseSimulation {
		logrus.WithFields(logrus.Fields{
			"function": "CreateTransportWithConfig",
			"type":     "simulation",
		}).Info("Creating simulated firmware transport")
		sim, err := testing.NewSimulatedTransport(config)
		if err != nil {
			return nil, err
		}
		return sim, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateTransportWithConfig",
		"type":     "real",
		"path":     config.DevicePath,
	}).Info("Creating shared memory transport")
	shm, err := real.NewSharedMemoryTransport(config)
	if err != nil {
		return nil, err
	}
	return shm, nil
}

// WithRegionSize sets the region size for the test configuration.
func WithRegionSize(size int) TestConfigOption {
	return func(c *interfaces.TransportConfig) {
		c.RegionSize = size
	}
}

// WithInterruptTimeout sets the interrupt wait slice for the test configuration.
func WithInterruptTimeout(d time.Duration) TestConfigOption {
	return func(c *interfaces.TransportConfig) {
		c.InterruptTimeout = d
	}
}

// CreateSimulationForTesting creates a simulated transport with short
// timeouts. Options override the test defaults.
func (f *TransportFactory) CreateSimulationForTesting(opts ...TestConfigOption) (*testing.SimulatedTransport, error) {
	testConfig := &interfaces.TransportConfig{
		UseSimulation:    true,
		RegionSize:       limits.SharedRegionSize,
		InterruptTimeout: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(testConfig)
	}
	if err := testConfig.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "CreateSimulationForTesting",
		"region_size": testConfig.RegionSize,
	}).Info("Creating simulation transport for testing")
	return testing.NewSimulatedTransport(testConfig)
}

// SwitchToSimulation switches the default configuration to the simulator.
func (f *TransportFactory) SwitchToSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToSimulation",
		"previous": f.defaultConfig.UseSimulation,
	}).Info("Switching factory to simulation mode")
	f.defaultConfig.UseSimulation = true
}

// SwitchToReal switches the default configuration to the shared memory
// transport.
func (f *TransportFactory) SwitchToReal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToReal",
		"previous": f.defaultConfig.UseSimulation,
	}).Info("Switching factory to real mode")
	f.defaultConfig.UseSimulation = false
}

// GetCurrentConfig returns a copy of the current default configuration.
func (f *TransportFactory) GetCurrentConfig() *interfaces.TransportConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c := *f.defaultConfig
	return &c
}

// IsUsingSimulation returns true if the factory is configured for simulation.
func (f *TransportFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultConfig.UseSimulation
}

// UpdateConfig replaces the default configuration.
func (f *TransportFactory) UpdateConfig(config *interfaces.TransportConfig) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "UpdateConfig",
		"old_simulation": f.defaultConfig.UseSimulation,
		"new_simulation": config.UseSimulation,
	}).Info("Updating factory configuration")

	c := *config
	f.defaultConfig = &c
	return nil
}
