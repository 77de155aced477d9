package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "", want: zapcore.InfoLevel},
		{in: "debug", want: zapcore.DebugLevel},
		{in: " INFO ", want: zapcore.InfoLevel},
		{in: "warning", want: zapcore.WarnLevel},
		{in: "error", want: zapcore.ErrorLevel},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	InitCLILogger("test", false)
	require.NotNil(t, CLILogger)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	InitCLILogger("test", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}

func TestInitServerLogger(t *testing.T) {
	orig := ServerLogger
	defer func() { ServerLogger = orig }()

	require.NoError(t, InitServerLogger("server", "warn", "structured"))
	assert.False(t, ServerLogger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, ServerLogger.Core().Enabled(zapcore.WarnLevel))

	require.NoError(t, InitServerLogger("server", "debug", ProfileConsole))
	assert.True(t, ServerLogger.Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, InitServerLogger("server", "info", "fancy"))
	assert.Error(t, InitServerLogger("server", "verbose", ProfileStructured))
}

func TestInitTelemetry(t *testing.T) {
	c := InitTelemetry()
	require.NotNil(t, c)
	assert.Same(t, c, InitTelemetry())
	assert.NotNil(t, PrometheusExporter)
}
