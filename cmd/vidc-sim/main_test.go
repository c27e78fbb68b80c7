package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/vidcore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCLI() *CLIConfig {
	return &CLIConfig{
		logLevel: "info",
		domain:   "decoder",
		width:    1280,
		height:   720,
		frames:   8,
		buffers:  4,
		timeout:  10 * time.Second,
	}
}

func TestValidateCLIConfig(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(c *CLIConfig)
		wantErr     bool
		errContains string
	}{
		{name: "valid config", modify: func(*CLIConfig) {}},
		{name: "encoder alias", modify: func(c *CLIConfig) { c.domain = "ENC" }},
		{name: "unknown domain", modify: func(c *CLIConfig) { c.domain = "scaler" }, wantErr: true, errContains: "unknown domain"},
		{name: "bad log level", modify: func(c *CLIConfig) { c.logLevel = "loud" }, wantErr: true, errContains: "invalid log level"},
		{name: "zero width", modify: func(c *CLIConfig) { c.width = 0 }, wantErr: true, errContains: "frame size"},
		{name: "zero frames", modify: func(c *CLIConfig) { c.frames = 0 }, wantErr: true, errContains: "frame count"},
		{name: "too many buffers", modify: func(c *CLIConfig) { c.buffers = 64 }, wantErr: true, errContains: "buffer count"},
		{name: "zero timeout", modify: func(c *CLIConfig) { c.timeout = 0 }, wantErr: true, errContains: "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCLI()
			tt.modify(c)
			err := validateCLIConfig(c)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestParseDomain(t *testing.T) {
	d, err := parseDomain("decoder")
	require.NoError(t, err)
	assert.Equal(t, interfaces.DomainDecoder, d)

	d, err = parseDomain("Encoder")
	require.NoError(t, err)
	assert.Equal(t, interfaces.DomainEncoder, d)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.True(t, cfg.Transport.Simulation)

	path := filepath.Join(t.TempDir(), "vidc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hw_response_timeout: 250ms\ntransport:\n  simulation: false\n"), 0o600))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.HWResponseTimeout)
	assert.True(t, cfg.Transport.Simulation)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	for _, domain := range []string{"decoder", "encoder"} {
		t.Run(domain, func(t *testing.T) {
			cli := validCLI()
			cli.domain = domain
			cli.dump = true
			cfg, err := loadConfig("")
			require.NoError(t, err)
			cfg.StatsInterval = 0
			cfg.Batch.Enable = false

			ctx, cancel := context.WithTimeout(context.Background(), cli.timeout)
			defer cancel()
			res, err := run(ctx, cli, cfg)
			require.NoError(t, err)
			assert.Equal(t, cli.frames, res.Inputs)
			assert.Equal(t, cli.frames, res.Outputs)
			assert.True(t, res.Elapsed > 0)
		})
	}
}
