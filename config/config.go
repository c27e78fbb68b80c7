package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/vidcore/admission"
	"github.com/opd-ai/vidcore/caps"
	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/limits"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidTimeout indicates a non-positive firmware response timeout
	ErrInvalidTimeout = errors.New("hw response timeout must be positive")
	// ErrInvalidInterval indicates a negative worker interval or delay
	ErrInvalidInterval = errors.New("interval must not be negative")
	// ErrInvalidFrameRate indicates a zero platform frame rate ceiling
	ErrInvalidFrameRate = errors.New("max frame rate must be positive")
)

// Config is the complete coordinator configuration.
type Config struct {
	HWResponseTimeout  time.Duration `yaml:"hw_response_timeout"`
	FWUnloadDelay      time.Duration `yaml:"fw_unload_delay"`
	NonFatalPageFaults bool          `yaml:"non_fatal_page_faults"`
	StatsInterval      time.Duration `yaml:"stats_interval"`
	DCVS               bool          `yaml:"dcvs"`
	TimestampReorder   bool          `yaml:"timestamp_reorder"`
	MetaInput          bool          `yaml:"meta_input"`
	MetaOutput         bool          `yaml:"meta_output"`

	Batch     BatchConfig      `yaml:"decode_batch"`
	Platform  PlatformConfig   `yaml:"platform"`
	Limits    admission.Limits `yaml:"limits"`
	Transport TransportConfig  `yaml:"transport"`
}

// BatchConfig controls decode batching.
type BatchConfig struct {
	Enable  bool          `yaml:"enable"`
	Timeout time.Duration `yaml:"timeout"`
	MaxFPS  uint32        `yaml:"max_fps"`
	MaxMBPF uint32        `yaml:"max_mbpf"`
}

// PlatformConfig carries the per-SoC capability data.
type PlatformConfig struct {
	MaxFrameRate    uint32 `yaml:"max_frame_rate"`
	CoreDCVS        bool   `yaml:"core_dcvs"`
	CoreDecodeBatch bool   `yaml:"core_decode_batch"`
}

// TransportConfig selects and sizes the firmware link.
type TransportConfig struct {
	Simulation       bool          `yaml:"simulation"`
	RegionSize       int           `yaml:"region_size"`
	DevicePath       string        `yaml:"device_path"`
	InterruptTimeout time.Duration `yaml:"interrupt_timeout"`
}

// Default returns a configuration with every field set.
func Default() *Config {
	return &Config{
		HWResponseTimeout: 1000 * time.Millisecond,
		FWUnloadDelay:     1000 * time.Millisecond,
		StatsInterval:     2 * time.Second,
		DCVS:              true,
		Batch: BatchConfig{
			Enable:  true,
			Timeout: 200 * time.Millisecond,
			MaxFPS:  120,
			MaxMBPF: 8160,
		},
		Platform: PlatformConfig{
			MaxFrameRate:    240,
			CoreDCVS:        true,
			CoreDecodeBatch: true,
		},
		Limits: admission.Limits{
			MaxMBPS:        7833600,
			MaxMBPF:        139264,
			MaxImageMBPF:   1048576,
			MaxRTMBPF:      139264,
			MaxSessionMBPF: 139264,
			MaxSessions:    16,
			Max8K:          2,
			Max4K:          4,
			Max1080p:       16,
		},
		Transport: TransportConfig{
			Simulation:       true,
			RegionSize:       limits.SharedRegionSize,
			InterruptTimeout: 100 * time.Millisecond,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	ApplyEnvironment(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.HWResponseTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, c.HWResponseTimeout)
	}
	for name, d := range map[string]time.Duration{
		"fw_unload_delay":      c.FWUnloadDelay,
		"stats_interval":       c.StatsInterval,
		"decode_batch.timeout": c.Batch.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s=%s", ErrInvalidInterval, name, d)
		}
	}
	if c.Platform.MaxFrameRate == 0 {
		return ErrInvalidFrameRate
	}
	tc := c.TransportConfig()
	return tc.Validate()
}

// TransportConfig converts the transport section for the factory.
func (c *Config) TransportConfig() interfaces.TransportConfig {
	return interfaces.TransportConfig{
		UseSimulation:    c.Transport.Simulation,
		RegionSize:       c.Transport.RegionSize,
		DevicePath:       c.Transport.DevicePath,
		InterruptTimeout: c.Transport.InterruptTimeout,
	}
}

// CapsPlatform returns the ceilings session capability tables are built
// from.
func (c *Config) CapsPlatform() caps.Platform {
	return caps.Platform{
		MaxFrameRate: int32(c.Platform.MaxFrameRate),
		BatchFPS:     int32(c.Batch.MaxFPS),
		BatchMBPF:    int32(c.Batch.MaxMBPF),
	}
}
