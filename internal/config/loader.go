package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env bindings.
type Identity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity returns the tunedispatch identity.
func DefaultIdentity() *Identity {
	return &Identity{
		BinaryName: "tunedispatch",
		ConfigName: "tunedispatch",
		EnvPrefix:  "TUNEDISPATCH",
	}
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetIdentity replaces the identity used by the next Load.
func SetIdentity(id *Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// SetConfigFile names an explicit config file for the next Load. The file
// must exist.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// envSpec binds one environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

// shortEnvNames are the unprefixed suffixes bound in addition to the
// automatic PREFIX_SECTION_KEY form.
var shortEnvNames = map[string]string{
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"LOG_LEVEL":        "logging.level",
	"LOG_PROFILE":      "logging.profile",
	"METRICS_ENABLED":  "metrics.enabled",
	"METRICS_PORT":     "metrics.port",
	"HEALTH_ENABLED":   "health.enabled",
	"DEBUG":            "debug.enabled",
	"PPROF_ENABLED":    "debug.pprof_enabled",
	"WORKERS":          "workers",
	"REGISTRY_BACKEND": "registry.backend",
	"REGISTRY_BUCKET":  "registry.bucket",
	"REGISTRY_PATH":    "registry.path",
}

// getEnvSpecs returns the explicit environment bindings for the current
// identity, sorted by name. Nil identity returns none.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil || id.EnvPrefix == "" {
		return nil
	}

	specs := make([]envSpec, 0, len(shortEnvNames))
	for suffix, path := range shortEnvNames {
		specs = append(specs, envSpec{Name: id.EnvPrefix + "_" + suffix, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// getUserConfigPaths returns candidate user-level config files.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil || id.ConfigName == "" {
		return nil
	}

	file := id.ConfigName + ".yaml"
	var paths []string
	seen := make(map[string]bool)
	add := func(dir string) {
		if dir == "" {
			return
		}
		p := filepath.Join(dir, id.ConfigName, file)
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		add(dir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		add(filepath.Join(home, ".config"))
	}
	return paths
}

// Load builds the configuration and makes it the current one. Later
// overrides win over earlier ones.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	id := *appIdentity
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	files := getUserConfigPaths()
	if root, err := findProjectRoot(); err == nil {
		files = append(files, filepath.Join(root, id.ConfigName+".yaml"))
	}
	for _, p := range files {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := mergeFile(v, p); err != nil {
			return nil, err
		}
	}
	if explicit != "" {
		if err := mergeFile(v, explicit); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(id.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	switch c.Logging.Profile {
	case "STRUCTURED", "CONSOLE":
	default:
		return fmt.Errorf("logging.profile must be STRUCTURED or CONSOLE, got %q", c.Logging.Profile)
	}
	switch c.Registry.Backend {
	case "", "file":
	case "s3":
		if c.Registry.Bucket == "" {
			return fmt.Errorf("registry.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("registry.backend must be file or s3, got %q", c.Registry.Backend)
	}
	if c.Telemetry.Archive && !c.Registry.Enabled() {
		return fmt.Errorf("telemetry.archive requires a registry backend")
	}
	for name, p := range c.Connectors {
		if p.Kind == "" {
			return fmt.Errorf("connectors.%s.kind is required", name)
		}
	}
	return nil
}

func mergeFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// ciBoundaryVars hold the checkout directory on common CI systems.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding go.mod or .git. On CI the walk stops at the workspace
// boundary when one is set, absolute, exists and contains the working
// directory. Without a marker the working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}

	boundary := ""
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		boundary = ciBoundary(cwd)
	}

	dir := cwd
	for {
		if hasMarker(dir) {
			return dir, nil
		}
		if boundary != "" && dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if boundary != "" {
		return boundary, nil
	}
	return cwd, nil
}

func ciBoundary(cwd string) string {
	for _, name := range ciBoundaryVars {
		b := os.Getenv(name)
		if b == "" || !filepath.IsAbs(b) {
			continue
		}
		b = filepath.Clean(b)
		if info, err := os.Stat(b); err != nil || !info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(b, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return b
	}
	return ""
}

func hasMarker(dir string) bool {
	for _, m := range []string{"go.mod", ".git"} {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			return true
		}
	}
	return false
}
