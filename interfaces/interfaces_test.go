package interfaces

import (
	"errors"
	"testing"
	"time"
)

// TestTransportConfigValidate tests the Validate method of TransportConfig.
func TestTransportConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  TransportConfig
		wantErr error
	}{
		{
			name:    "valid simulation",
			config:  TransportConfig{UseSimulation: true, RegionSize: 4096, InterruptTimeout: time.Second},
			wantErr: nil,
		},
		{
			name:    "valid real",
			config:  TransportConfig{RegionSize: 4096, DevicePath: "/dev/shm/vidc", InterruptTimeout: time.Second},
			wantErr: nil,
		},
		{
			name:    "zero region",
			config:  TransportConfig{UseSimulation: true, InterruptTimeout: time.Second},
			wantErr: ErrInvalidRegionSize,
		},
		{
			name:    "zero timeout",
			config:  TransportConfig{UseSimulation: true, RegionSize: 4096},
			wantErr: ErrInvalidTimeout,
		},
		{
			name:    "real without path",
			config:  TransportConfig{RegionSize: 4096, InterruptTimeout: time.Second},
			wantErr: ErrMissingDevicePath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestBufferTypeClassification checks the buffer type helpers.
func TestBufferTypeClassification(t *testing.T) {
	for _, bt := range InternalTypes {
		if !bt.IsInternal() {
			t.Errorf("%s should be internal", bt)
		}
		if bt.IsInput() || bt.IsOutput() || bt.IsMeta() {
			t.Errorf("%s should not be a client type", bt)
		}
	}
	if BufferInput.IsInternal() || BufferReadOnly.IsInternal() {
		t.Error("client and read-only types must not be internal")
	}
	if !BufferInputMeta.IsMeta() || !BufferInputMeta.IsInput() {
		t.Error("input meta classification wrong")
	}
	if BufferType(99).Valid() {
		t.Error("undefined type reported valid")
	}
	if got := BufferNonComv.String(); got != "NON_COMV" {
		t.Errorf("String() = %q", got)
	}
}
