package observability

import (
	"net/http"
	"sync"

	"github.com/3leaps/tunedispatch/internal/metrics"
)

var (
	// TelemetrySystem is the process metrics collector. Nil until InitTelemetry.
	TelemetrySystem *metrics.Collector

	// PrometheusExporter serves TelemetrySystem. Nil until InitTelemetry.
	PrometheusExporter http.Handler

	telemetryOnce sync.Once
)

// InitTelemetry creates the process collector once and returns it.
func InitTelemetry() *metrics.Collector {
	telemetryOnce.Do(func() {
		TelemetrySystem = metrics.NewCollector()
		PrometheusExporter = TelemetrySystem.Handler()
	})
	return TelemetrySystem
}
