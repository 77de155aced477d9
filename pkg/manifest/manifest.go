// Package manifest provides loading and validation of tunedispatch job manifests.
//
// A job manifest is a YAML or JSON file that describes one fine-tuning job:
// which connector to dispatch it through, the training config, the hardware
// request, how to launch it, and what to do with the result.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	connector:
//	  kind: marketplace
//	  credentials:
//	    api_key: ${GPU_MARKET_API_KEY}
//	    base_url: https://api.gpu-market.example/v1
//	    ssh_key_path: ~/.ssh/id_ed25519
//	    known_hosts: ~/.ssh/known_hosts
//	job:
//	  base_model: meta-llama/Llama-3.1-8B
//	  dataset_path: s3://datasets/support-chats.jsonl
//	  rank: 16
//	  alpha: 32
//	  output_dir: out
//	hardware:
//	  gpu: A100
//	  count: 1
//	launch:
//	  script: ./train.sh
//	artifact:
//	  extract_dir: ./results
//	  include:
//	    - "**/*.safetensors"
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/tunedispatch/pkg/provider"
)

// Manifest represents a validated job manifest.
//
// Required fields are Version, Connector and Job. Everything else is
// optional with defaults applied during loading.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name labels the job in output records. Optional.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Connector ConnectorConfig         `json:"connector" yaml:"connector"`
	Job       provider.TrainingConfig `json:"job" yaml:"job"`
	Hardware  provider.HardwareSpec   `json:"hardware" yaml:"hardware,omitempty"`
	Launch    LaunchConfig            `json:"launch" yaml:"launch,omitempty"`
	Artifact  ArtifactConfig          `json:"artifact" yaml:"artifact,omitempty"`
	Output    OutputConfig            `json:"output" yaml:"output,omitempty"`

	// baseDir resolves relative paths (script, extract_dir). Set by Load.
	baseDir string
}

// ConnectorConfig selects and authenticates the connector.
type ConnectorConfig struct {
	// Kind is one of "marketplace", "ssh" or "tracking".
	Kind string `json:"kind" yaml:"kind"`

	// Credentials are passed to Connect. Values may reference environment
	// variables as ${NAME}; see ExpandedCredentials.
	Credentials map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`

	// StatusMap overrides the vendor status vocabulary, e.g.
	// {"provisioning": "PENDING"}.
	StatusMap map[string]string `json:"status_map,omitempty" yaml:"status_map,omitempty"`
}

// LaunchConfig describes what runs on the remote host.
type LaunchConfig struct {
	// Script is a local file pushed as the job's training script. Relative
	// paths resolve against the manifest's directory.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// ScriptInline is used when Script is empty.
	ScriptInline string `json:"script_inline,omitempty" yaml:"script_inline,omitempty"`

	// Command overrides the launch command. Default: run the script with sh.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// ReadyTimeout bounds waiting for the instance, e.g. "15m".
	ReadyTimeout string `json:"ready_timeout,omitempty" yaml:"ready_timeout,omitempty"`
}

// ArtifactConfig controls result retrieval.
type ArtifactConfig struct {
	// Fetch pulls the artifact after a successful run. Default: true.
	Fetch *bool `json:"fetch,omitempty" yaml:"fetch,omitempty"`

	// ExtractDir unpacks the artifact locally. Empty keeps it in memory only
	// (useful with Publish).
	ExtractDir string `json:"extract_dir,omitempty" yaml:"extract_dir,omitempty"`

	Include       []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude       []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	IncludeHidden bool     `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`
	Overwrite     bool     `json:"overwrite,omitempty" yaml:"overwrite,omitempty"`
	MaxBytes      int64    `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`

	// Publish uploads the artifact to the model registry under this name.
	Publish string `json:"publish,omitempty" yaml:"publish,omitempty"`
}

// OutputConfig configures output destination.
type OutputConfig struct {
	// Destination is "stdout" or "file:/path/to/output.jsonl".
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// Logs emits remote log lines as records. Default: true.
	Logs *bool `json:"logs,omitempty" yaml:"logs,omitempty"`

	// KeepJob leaves the job registered (and its instance alive) after the
	// run. Default: false.
	KeepJob bool `json:"keep_job,omitempty" yaml:"keep_job,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"

	// DefaultLogs is the default value for log emission.
	DefaultLogs = true

	// DefaultFetch is the default value for artifact retrieval.
	DefaultFetch = true
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	// resource_id doubles as the GPU class when hardware is omitted.
	if m.Hardware.GPUClass == "" {
		m.Hardware.GPUClass = m.Job.ResourceID
	}
	if m.Hardware.GPUCount == 0 {
		m.Hardware.GPUCount = 1
	}

	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
	if m.Output.Logs == nil {
		v := DefaultLogs
		m.Output.Logs = &v
	}
	if m.Artifact.Fetch == nil {
		v := DefaultFetch
		m.Artifact.Fetch = &v
	}
}

// Kind returns the connector kind.
func (m *Manifest) Kind() provider.ProviderType {
	return provider.ProviderType(m.Connector.Kind)
}

// ExpandedCredentials returns the connector credentials with ${NAME} and
// $NAME references replaced by environment values.
func (m *Manifest) ExpandedCredentials() provider.Credentials {
	out := make(provider.Credentials, len(m.Connector.Credentials))
	for k, v := range m.Connector.Credentials {
		out[k] = expandHome(os.ExpandEnv(v))
	}
	return out
}

// ScriptBytes returns the training script: the file named by Launch.Script,
// or Launch.ScriptInline. Neither set returns nil.
func (m *Manifest) ScriptBytes() ([]byte, error) {
	if m.Launch.Script == "" {
		if m.Launch.ScriptInline == "" {
			return nil, nil
		}
		return []byte(m.Launch.ScriptInline), nil
	}
	p := m.Resolve(m.Launch.Script)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read launch script: %w", err)
	}
	return data, nil
}

// ReadyTimeout parses Launch.ReadyTimeout. Empty returns zero, meaning the
// connector default.
func (m *Manifest) ReadyTimeout() (time.Duration, error) {
	if m.Launch.ReadyTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(m.Launch.ReadyTimeout)
	if err != nil {
		return 0, &provider.ConfigError{Field: "launch.ready_timeout", Message: err.Error()}
	}
	return d, nil
}

// LogsEnabled returns whether log lines should be emitted.
func (o *OutputConfig) LogsEnabled() bool {
	if o.Logs == nil {
		return DefaultLogs
	}
	return *o.Logs
}

// FetchEnabled returns whether the artifact should be retrieved.
func (a *ArtifactConfig) FetchEnabled() bool {
	if a.Fetch == nil {
		return DefaultFetch
	}
	return *a.Fetch
}

// Resolve makes a relative path relative to the manifest's directory.
func (m *Manifest) Resolve(p string) string {
	p = expandHome(p)
	if p == "" || filepath.IsAbs(p) || m.baseDir == "" {
		return p
	}
	return filepath.Join(m.baseDir, p)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
