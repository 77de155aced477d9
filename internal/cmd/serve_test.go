package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tunedispatch/internal/config"
	"github.com/3leaps/tunedispatch/internal/observability"
	"github.com/3leaps/tunedispatch/internal/server/handlers"
	"github.com/3leaps/tunedispatch/pkg/connector"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestTelemetryHealthChecker(t *testing.T) {
	checker := telemetryHealthChecker{}

	t.Run("returns error when telemetry not initialized", func(t *testing.T) {
		// Save and restore
		origTelemetry := observability.TelemetrySystem
		origExporter := observability.PrometheusExporter
		defer func() {
			observability.TelemetrySystem = origTelemetry
			observability.PrometheusExporter = origExporter
		}()

		observability.TelemetrySystem = nil
		observability.PrometheusExporter = nil

		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "telemetry system not initialized")
	})

}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "myapp",
			envPrefix:  "",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConnectorHealthChecker_NotConnected(t *testing.T) {
	c, err := connector.New(connector.Config{Kind: provider.ProviderSSH})
	require.NoError(t, err)

	err = connectorHealthChecker{conn: c}.CheckHealth(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrNotConnected)
}

func TestRegisterHealthCheckers(t *testing.T) {
	lab, err := connector.New(connector.Config{Kind: provider.ProviderSSH})
	require.NoError(t, err)

	m := handlers.NewHealthManager("test")
	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: false}}
	registerHealthCheckers(m, cfg, map[string]*connector.Connector{"lab": lab})

	names := m.Checkers()
	assert.Contains(t, names, "signals")
	assert.Contains(t, names, "connector:lab")
	assert.NotContains(t, names, "telemetry")
}
