// Package config loads the tunedispatch application configuration.
//
// Values are layered, lowest to highest precedence:
//
//  1. Built-in defaults
//  2. User config file ($XDG_CONFIG_HOME/tunedispatch/tunedispatch.yaml)
//  3. Project config file (tunedispatch.yaml at the project root)
//  4. Explicit config file (SetConfigFile, the --config flag)
//  5. Environment variables (TUNEDISPATCH_*)
//  6. Runtime overrides passed to Load
package config

import "time"

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Workers   int             `mapstructure:"workers"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Shell     ShellConfig     `mapstructure:"shell"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Registry  RegistryConfig  `mapstructure:"registry"`

	// Connectors are the named connectors the server connects at startup.
	Connectors map[string]ConnectorProfile `mapstructure:"connectors"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Profile is STRUCTURED (JSON) or CONSOLE.
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// LifecycleConfig tunes instance provisioning and readiness polling.
type LifecycleConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// RateLimit caps control API calls per second. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// ShellConfig tunes the remote shell channel.
type ShellConfig struct {
	RemoteRoot   string        `mapstructure:"remote_root"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	MaxReadBytes int           `mapstructure:"max_read_bytes"`
}

// TelemetryConfig tunes the per-job telemetry batcher.
type TelemetryConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`

	// Archive copies every batch into the registry store under ArchivePrefix.
	Archive       bool   `mapstructure:"archive"`
	ArchivePrefix string `mapstructure:"archive_prefix"`
}

// RegistryConfig selects the object store used for published artifacts.
type RegistryConfig struct {
	// Backend is "", "file" or "s3". Empty disables the registry.
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`

	// Path is the file backend's base directory. Default: the app data dir.
	Path string `mapstructure:"path"`

	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Profile  string `mapstructure:"profile"`
}

// ConnectorProfile configures one named connector.
type ConnectorProfile struct {
	Kind          string            `mapstructure:"kind"`
	Credentials   map[string]string `mapstructure:"credentials"`
	StatusMap     map[string]string `mapstructure:"status_map"`
	LaunchCommand string            `mapstructure:"launch_command"`
}

// Enabled reports whether a registry backend is configured.
func (r RegistryConfig) Enabled() bool {
	return r.Backend != ""
}

// defaults returns the built-in configuration values keyed by viper path.
func defaults() map[string]any {
	return map[string]any{
		"server.host":             "localhost",
		"server.port":             8080,
		"server.read_timeout":     "30s",
		"server.write_timeout":    "30s",
		"server.idle_timeout":     "120s",
		"server.shutdown_timeout": "10s",

		"logging.level":   "info",
		"logging.profile": "STRUCTURED",

		"metrics.enabled": true,
		"metrics.port":    9090,

		"health.enabled": true,

		"debug.enabled":       false,
		"debug.pprof_enabled": false,

		"workers": 4,

		"lifecycle.poll_interval": "5s",
		"lifecycle.ready_timeout": "10m",
		"lifecycle.rate_limit":    2.0,

		"shell.remote_root":    ".tunedispatch/jobs",
		"shell.poll_interval":  "1s",
		"shell.read_timeout":   "10s",
		"shell.max_read_bytes": 1 << 20,

		"telemetry.batch_size":     50,
		"telemetry.flush_interval": "5s",
		"telemetry.upload_timeout": "30s",
		"telemetry.archive":        false,
		"telemetry.archive_prefix": "telemetry",

		"registry.backend":  "",
		"registry.prefix":   "models",
		"registry.path":     "",
		"registry.bucket":   "",
		"registry.region":   "",
		"registry.endpoint": "",
		"registry.profile":  "",
	}
}
