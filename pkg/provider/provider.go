// Package provider defines the value types and error taxonomy shared by every
// connector: training configs, credentials, hardware requests, offers and
// host descriptors.
//
// These types are consumed as fixed external contracts. Business validation
// of hyperparameters is out of scope; only required-field presence is checked.
package provider

import (
	"fmt"
	"strconv"
	"strings"
)

// ProviderType identifies a connector kind.
type ProviderType string

const (
	// ProviderMarketplace is an on-demand GPU marketplace driven over a REST control API.
	ProviderMarketplace ProviderType = "marketplace"

	// ProviderSSH is a bare, already running host reachable over SSH.
	ProviderSSH ProviderType = "ssh"

	// ProviderTracking is a third-party experiment-tracking service.
	ProviderTracking ProviderType = "tracking"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// TrainingConfig describes one fine-tuning run.
//
// A TrainingConfig is treated as immutable once submitted; connectors keep
// their own copy.
type TrainingConfig struct {
	BaseModel     string   `json:"base_model" yaml:"base_model"`
	DatasetPath   string   `json:"dataset_path" yaml:"dataset_path"`
	Rank          int      `json:"rank" yaml:"rank"`
	Alpha         int      `json:"alpha" yaml:"alpha"`
	Dropout       float64  `json:"dropout" yaml:"dropout"`
	TargetModules []string `json:"target_modules,omitempty" yaml:"target_modules"`
	BatchSize     int      `json:"batch_size" yaml:"batch_size"`
	NumEpochs     int      `json:"num_epochs" yaml:"num_epochs"`
	LearningRate  float64  `json:"learning_rate" yaml:"learning_rate"`
	OutputDir     string   `json:"output_dir" yaml:"output_dir"`

	// ResourceID selects the hardware class (e.g. "A100") or a provider
	// specific resource handle.
	ResourceID string `json:"resource_id" yaml:"resource_id"`
}

// Validate checks that required fields are present.
func (c TrainingConfig) Validate() error {
	if strings.TrimSpace(c.BaseModel) == "" {
		return &ConfigError{Field: "base_model", Message: "base model is required"}
	}
	if strings.TrimSpace(c.DatasetPath) == "" {
		return &ConfigError{Field: "dataset_path", Message: "dataset path is required"}
	}
	return nil
}

// Clone returns a deep copy.
func (c TrainingConfig) Clone() TrainingConfig {
	out := c
	if c.TargetModules != nil {
		out.TargetModules = append([]string(nil), c.TargetModules...)
	}
	return out
}

// Env renders the config as environment variables for a remote training script.
func (c TrainingConfig) Env() map[string]string {
	return map[string]string{
		"BASE_MODEL":     c.BaseModel,
		"DATASET_PATH":   c.DatasetPath,
		"LORA_RANK":      strconv.Itoa(c.Rank),
		"LORA_ALPHA":     strconv.Itoa(c.Alpha),
		"LORA_DROPOUT":   strconv.FormatFloat(c.Dropout, 'g', -1, 64),
		"TARGET_MODULES": strings.Join(c.TargetModules, ","),
		"BATCH_SIZE":     strconv.Itoa(c.BatchSize),
		"NUM_EPOCHS":     strconv.Itoa(c.NumEpochs),
		"LEARNING_RATE":  strconv.FormatFloat(c.LearningRate, 'g', -1, 64),
		"OUTPUT_DIR":     c.OutputDir,
	}
}

// Credentials maps credential names to secret values.
type Credentials map[string]string

// Get returns the trimmed value for key.
func (c Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c[key])
}

// Require returns an error naming the first missing key.
func (c Credentials) Require(keys ...string) error {
	for _, k := range keys {
		if c.Get(k) == "" {
			return fmt.Errorf("%w: %s", ErrMissingCredential, k)
		}
	}
	return nil
}

// HardwareSpec is a hardware request used to select an offer.
type HardwareSpec struct {
	GPUClass string `json:"gpu" yaml:"gpu"`
	GPUCount int    `json:"count" yaml:"count"`
	DiskGB   int    `json:"disk_gb,omitempty" yaml:"disk_gb"`
	Image    string `json:"image,omitempty" yaml:"image"`
}

// Validate checks that the request names a GPU class.
func (h HardwareSpec) Validate() error {
	if strings.TrimSpace(h.GPUClass) == "" {
		return &ConfigError{Field: "gpu", Message: "gpu class is required"}
	}
	if h.GPUCount < 0 {
		return &ConfigError{Field: "count", Message: "gpu count must be >= 0"}
	}
	return nil
}

// HostDescriptor addresses a provisioned machine.
type HostDescriptor struct {
	Address string `json:"address"`
	Port    int    `json:"port,omitempty"`
	User    string `json:"user,omitempty"`
}

// DefaultSSHPort is used when a host descriptor carries no port.
const DefaultSSHPort = 22

// IsZero reports whether the descriptor has no address.
func (h HostDescriptor) IsZero() bool {
	return strings.TrimSpace(h.Address) == ""
}

// Addr returns host:port.
func (h HostDescriptor) Addr() string {
	port := h.Port
	if port <= 0 {
		port = DefaultSSHPort
	}
	return h.Address + ":" + strconv.Itoa(port)
}

// Offer is a read-only snapshot of one purchasable unit of compute.
type Offer struct {
	ID           string         `json:"id"`
	Host         HostDescriptor `json:"host"`
	GPUClass     string         `json:"gpu"`
	GPUCount     int            `json:"count"`
	PricePerHour float64        `json:"price_per_hour"`
	Capacity     int            `json:"capacity"`
}

// Matches reports whether the offer satisfies the hardware request.
func (o Offer) Matches(spec HardwareSpec) bool {
	if !strings.EqualFold(strings.TrimSpace(o.GPUClass), strings.TrimSpace(spec.GPUClass)) {
		return false
	}
	want := spec.GPUCount
	if want <= 0 {
		want = 1
	}
	return o.GPUCount >= want && o.Capacity > 0
}
