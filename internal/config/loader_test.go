package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRepoRootForTest(t *testing.T) string {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	t.Fatalf("could not locate repo root containing go.mod from %s", cwd)
	return ""
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// In CI containers the checkout may be outside $HOME; the workspace
	// boundary hint must still let the project root be found.
	t.Run("CIBoundaryHint", func(t *testing.T) {
		repoRoot := findRepoRootForTest(t)
		t.Setenv("HOME", t.TempDir())
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", repoRoot)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)
	})

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		// Verify metrics defaults
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)

		// Verify health defaults
		assert.True(t, cfg.Health.Enabled)

		// Verify debug defaults
		assert.False(t, cfg.Debug.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)

		assert.Equal(t, 4, cfg.Workers)

		// Job dispatch defaults
		assert.Equal(t, 5*time.Second, cfg.Lifecycle.PollInterval)
		assert.Equal(t, 10*time.Minute, cfg.Lifecycle.ReadyTimeout)
		assert.Equal(t, ".tunedispatch/jobs", cfg.Shell.RemoteRoot)
		assert.Equal(t, 1<<20, cfg.Shell.MaxReadBytes)
		assert.Equal(t, 50, cfg.Telemetry.BatchSize)
		assert.False(t, cfg.Telemetry.Archive)
		assert.False(t, cfg.Registry.Enabled())
		assert.Empty(t, cfg.Connectors)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify overrides were applied
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Verify non-overridden values remain default
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("TUNEDISPATCH_PORT", "3000")
		t.Setenv("TUNEDISPATCH_LOG_LEVEL", "warn")
		t.Setenv("TUNEDISPATCH_METRICS_ENABLED", "false")
		t.Setenv("TUNEDISPATCH_REGISTRY_BACKEND", "file")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "file", cfg.Registry.Backend)
	})

	// Test config precedence: runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("TUNEDISPATCH_PORT", "4000")

		// Runtime override should win
		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Runtime override should take precedence over env var
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	// Load config first
	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Test GetConfig returns the same instance
	t.Run("GetConfigReturnsLoadedConfig", func(t *testing.T) {
		retrieved := GetConfig()
		assert.NotNil(t, retrieved)
		assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
		assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
	})
}

func TestEnvSpecs(t *testing.T) {
	// Need to set app identity for env specs
	ctx := context.Background()
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	// Verify critical env var mappings exist
	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	// Short forms of the most common settings
	assert.True(t, envVarNames["TUNEDISPATCH_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["TUNEDISPATCH_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["TUNEDISPATCH_HOST"], "HOST env var must be mapped")
	assert.True(t, envVarNames["TUNEDISPATCH_METRICS_PORT"], "METRICS_PORT env var must be mapped")
	assert.True(t, envVarNames["TUNEDISPATCH_REGISTRY_BUCKET"], "REGISTRY_BUCKET env var must be mapped")
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		env  string
		val  string
		want time.Duration
		got  func(*Config) time.Duration
	}{
		{"TUNEDISPATCH_READ_TIMEOUT", "45s", 45 * time.Second, func(c *Config) time.Duration { return c.Server.ReadTimeout }},
		{"TUNEDISPATCH_SHUTDOWN_TIMEOUT", "5m", 5 * time.Minute, func(c *Config) time.Duration { return c.Server.ShutdownTimeout }},
		{"TUNEDISPATCH_LIFECYCLE_READY_TIMEOUT", "20m", 20 * time.Minute, func(c *Config) time.Duration { return c.Lifecycle.ReadyTimeout }},
		{"TUNEDISPATCH_TELEMETRY_FLUSH_INTERVAL", "250ms", 250 * time.Millisecond, func(c *Config) time.Duration { return c.Telemetry.FlushInterval }},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			cfg, err := Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tt.got(cfg))
		})
	}
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	// Load initial config
	cfg1, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg1)
	initialPort := cfg1.Server.Port

	// Reload with different runtime overrides
	overrides := map[string]any{
		"server": map[string]any{
			"port": initialPort + 1000,
		},
	}

	cfg2, err := Load(ctx, overrides)
	require.NoError(t, err)
	require.NotNil(t, cfg2)

	// Verify reload updated the config
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	// Verify GetConfig returns the updated config
	current := GetConfig()
	assert.Equal(t, cfg2.Server.Port, current.Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
// Must only be used in tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	// Save and restore state
	resetAppIdentity()
	defer func() {
		ctx := context.Background()
		_, _ = Load(ctx) // Restore state for other tests
	}()

	// When appIdentity is nil, getUserConfigPaths should return empty slice
	paths := getUserConfigPaths()
	assert.Empty(t, paths)
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	// Save and restore state
	resetAppIdentity()
	defer func() {
		ctx := context.Background()
		_, _ = Load(ctx) // Restore state for other tests
	}()

	// When appIdentity is nil, getEnvSpecs should return empty slice
	specs := getEnvSpecs()
	assert.Empty(t, specs)
}

func TestFindProjectRootCIBoundaryEdgeCases(t *testing.T) {
	repoRoot := findRepoRootForTest(t)

	t.Run("CITrueButEmptyBoundaryVars", func(t *testing.T) {
		// Set CI=true but leave all boundary vars empty
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", "")
		t.Setenv("GITHUB_WORKSPACE", "")
		t.Setenv("CI_PROJECT_DIR", "")
		t.Setenv("WORKSPACE", "")

		// Should still find root via fallback
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("CITrueWithRelativeBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", "./relative/path") // Not absolute

		// Should fall back to default discovery
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("CITrueWithNonexistentBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", "/nonexistent/path/that/does/not/exist")

		// Should fall back to default discovery
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("CITrueWithBoundaryNotContainingCwd", func(t *testing.T) {
		t.Setenv("CI", "true")
		// Use a valid directory that doesn't contain our cwd
		t.Setenv("FULMEN_WORKSPACE_ROOT", os.TempDir())

		// Should fall back to default discovery
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("GitHubActionsEnvVar", func(t *testing.T) {
		t.Setenv("GITHUB_ACTIONS", "true")
		t.Setenv("GITHUB_WORKSPACE", repoRoot)

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	ctx := context.Background()

	// Ensure appIdentity is loaded
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	// Verify all specs have the TUNEDISPATCH_ prefix
	for _, spec := range specs {
		assert.True(t, len(spec.Name) > 0, "env var name should not be empty")
		assert.Contains(t, spec.Name, "TUNEDISPATCH_", "all specs should have TUNEDISPATCH_ prefix")
	}

	// Verify path structure
	for _, spec := range specs {
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
}
