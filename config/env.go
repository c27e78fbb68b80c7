package config

import (
	"os"
	"strconv"
	"time"

	"github.com/opd-ai/vidcore/factory"
	"github.com/sirupsen/logrus"
)

// Bounds for environment overrides, in milliseconds.
const (
	// MinHWResponseTimeout is the shortest accepted firmware response timeout.
	MinHWResponseTimeout = 100
	// MaxHWResponseTimeout is the longest accepted firmware response timeout.
	MaxHWResponseTimeout = 60000
	// MaxFWUnloadDelay is the longest accepted firmware unload delay.
	MaxFWUnloadDelay = 60000
)

// ApplyEnvironment updates cfg from VIDC_* environment variables, including
// the transport variables the factory reads. Values that fail to parse or
// fall out of bounds are logged and ignored.
func ApplyEnvironment(cfg *Config) {
	envMillis("VIDC_HW_RESPONSE_TIMEOUT", &cfg.HWResponseTimeout, MinHWResponseTimeout, MaxHWResponseTimeout)
	envMillis("VIDC_FW_UNLOAD_DELAY", &cfg.FWUnloadDelay, 0, MaxFWUnloadDelay)
	envBool("VIDC_NON_FATAL_PAGEFAULTS", &cfg.NonFatalPageFaults)
	envBool("VIDC_DECODE_BATCH", &cfg.Batch.Enable)
	envBool("VIDC_DCVS", &cfg.DCVS)

	tc := cfg.TransportConfig()
	factory.ApplyEnvironmentOverrides(&tc)
	cfg.Transport = TransportConfig{
		Simulation:       tc.UseSimulation,
		RegionSize:       tc.RegionSize,
		DevicePath:       tc.DevicePath,
		InterruptTimeout: tc.InterruptTimeout,
	}
}

func envBool(name string, dst *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "envBool",
			"env_var":     name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*dst = v
}

func envMillis(name string, dst *time.Duration, lo, hi int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "envMillis",
			"env_var":     name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": dst.String(),
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if ms < lo || ms > hi {
		logrus.WithFields(logrus.Fields{
			"function":    "envMillis",
			"env_var":     name,
			"value":       ms,
			"min":         lo,
			"max":         hi,
			"using_value": dst.String(),
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}
