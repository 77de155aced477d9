package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  TrainingConfig
		wantErr string
	}{
		{
			name:    "empty",
			config:  TrainingConfig{},
			wantErr: "base model is required",
		},
		{
			name:    "missing dataset",
			config:  TrainingConfig{BaseModel: "meta-llama/Llama-3-8B"},
			wantErr: "dataset path is required",
		},
		{
			name:   "minimal",
			config: TrainingConfig{BaseModel: "meta-llama/Llama-3-8B", DatasetPath: "s3://data/train.jsonl"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, IsConfigError(err))
		})
	}
}

func TestTrainingConfig_CloneIsIndependent(t *testing.T) {
	orig := TrainingConfig{TargetModules: []string{"q_proj", "v_proj"}}
	cp := orig.Clone()
	cp.TargetModules[0] = "k_proj"
	assert.Equal(t, "q_proj", orig.TargetModules[0])
}

func TestTrainingConfig_Env(t *testing.T) {
	env := TrainingConfig{
		BaseModel:     "m",
		Rank:          16,
		Alpha:         32,
		Dropout:       0.05,
		TargetModules: []string{"q_proj", "v_proj"},
		LearningRate:  2e-4,
	}.Env()

	assert.Equal(t, "16", env["LORA_RANK"])
	assert.Equal(t, "32", env["LORA_ALPHA"])
	assert.Equal(t, "0.05", env["LORA_DROPOUT"])
	assert.Equal(t, "q_proj,v_proj", env["TARGET_MODULES"])
	assert.Equal(t, "0.0002", env["LEARNING_RATE"])
}

func TestCredentials_Require(t *testing.T) {
	creds := Credentials{"api_key": "k", "blank": "  "}

	assert.NoError(t, creds.Require("api_key"))

	err := creds.Require("api_key", "blank")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.Contains(t, err.Error(), "blank")

	var nilCreds Credentials
	assert.Equal(t, "", nilCreds.Get("api_key"))
}

func TestOffer_Matches(t *testing.T) {
	spec := HardwareSpec{GPUClass: "A100", GPUCount: 1}

	assert.True(t, Offer{GPUClass: "a100", GPUCount: 1, Capacity: 1}.Matches(spec))
	assert.True(t, Offer{GPUClass: "A100", GPUCount: 4, Capacity: 2}.Matches(spec))
	assert.False(t, Offer{GPUClass: "H100", GPUCount: 1, Capacity: 1}.Matches(spec))
	assert.False(t, Offer{GPUClass: "A100", GPUCount: 1, Capacity: 0}.Matches(spec))
	assert.False(t, Offer{GPUClass: "A100", GPUCount: 1, Capacity: 1}.Matches(HardwareSpec{GPUClass: "A100", GPUCount: 2}))
}

func TestHostDescriptor_Addr(t *testing.T) {
	assert.Equal(t, "10.0.0.1:22", HostDescriptor{Address: "10.0.0.1"}.Addr())
	assert.Equal(t, "10.0.0.1:2222", HostDescriptor{Address: "10.0.0.1", Port: 2222}.Addr())
	assert.True(t, HostDescriptor{}.IsZero())
}

func TestCapabilities(t *testing.T) {
	caps := NewCapabilities(CapCompute)
	assert.True(t, caps.Has(CapCompute))
	assert.False(t, caps.Has(CapCompute, CapTracking))
	assert.True(t, caps.Any(CapTracking, CapCompute))

	more := caps.With(CapRegistry)
	assert.Equal(t, "compute|registry", more.String())
	assert.False(t, caps.Has(CapRegistry), "With must not mutate the receiver")
}

func TestProviderError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ProviderError
		expected string
	}{
		{
			name:     "with job",
			err:      &ProviderError{Op: "Tail", Provider: ProviderSSH, JobID: "job-1", Err: ErrNoConnection},
			expected: "ssh Tail: job job-1: no connection",
		},
		{
			name:     "without job",
			err:      &ProviderError{Op: "Connect", Provider: ProviderTracking, Err: ErrInvalidCredentials},
			expected: "tracking Connect: invalid credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestErrorHelpers(t *testing.T) {
	wrapped := &ProviderError{Op: "Get", Provider: ProviderMarketplace, Err: fmt.Errorf("lookup: %w", ErrNotFound)}

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsTransient(wrapped))

	assert.True(t, IsTransient(ErrProviderUnavailable))
	assert.True(t, IsTransient(fmt.Errorf("x: %w", ErrThrottled)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(timeoutNetErr{}))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("boom")))

	assert.True(t, IsUnsupported(fmt.Errorf("op: %w", ErrUnsupported)))
	assert.True(t, IsConfigError(ErrInvalidCredentials))
}
