package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/internal/config"
	"github.com/3leaps/tunedispatch/internal/observability"
	"github.com/3leaps/tunedispatch/internal/server"
	"github.com/3leaps/tunedispatch/internal/server/handlers"
	"github.com/3leaps/tunedispatch/pkg/connector"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job API",
	Long: `Start the HTTP server exposing the job API for every connector profile in
the configuration, plus health, version and metrics endpoints.

Examples:
  tunedispatch serve
  tunedispatch serve --port 9000 --config ./tunedispatch.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host")
	serveCmd.Flags().Int("port", 0, "Listen port")
	serveCmd.Flags().String("log-level", "", "Log level (debug|info|warn|error)")
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("logging.level", serveCmd.Flags().Lookup("log-level"))
}

var serveFlagKeys = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"log-level": "logging.level",
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := loadConfig(ctx, cmd, serveFlagKeys)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.InitServerLogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	log := observability.ServerLogger
	defer observability.Sync()

	collector := observability.InitTelemetry()
	registry, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open model registry", err)
	}
	if registry != nil {
		defer func() { _ = registry.Close() }()
	}

	deps := buildDeps{Registry: registry, Collector: collector, Logger: log}
	conns := make(map[string]*connector.Connector)
	for _, spec := range profileSpecs(cfg) {
		c, err := newConnector(cfg, spec, deps)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Invalid connector %q", spec.Name), err)
		}
		if err := c.Connect(ctx, spec.Credentials); err != nil {
			// Stays registered; its health check reports the failure.
			log.Warn("connector failed to connect", zap.String("connector", spec.Name), zap.Error(err))
		}
		conns[spec.Name] = c
	}
	if len(conns) == 0 {
		log.Warn("no connector profiles configured; the job API will reject submissions")
	}
	defer disconnectAll(conns, cfg.Server.ShutdownTimeout, log)

	health := handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		registerHealthCheckers(health, cfg, conns)
	}

	jobs := handlers.NewJobHandler(ctx, conns, log.Named("api"))
	opts := []server.Option{
		server.WithJobs(jobs),
		server.WithLogger(log.Named("http")),
		server.WithProfiler(cfg.Debug.PprofEnabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithSignalHandler(func(sctx context.Context, signal string) error {
			switch signal {
			case server.SignalFlush:
				return jobs.FlushAll(sctx)
			case server.SignalShutdown:
				cancel()
			}
			return nil
		}),
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port == 0 || cfg.Metrics.Port == cfg.Server.Port {
			opts = append(opts, server.WithMetrics(observability.PrometheusExporter))
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.PrometheusExporter)
			metricsSrv = &http.Server{
				Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
		}
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)
	log.Info("Starting server",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.Int("connectors", len(conns)),
		zap.Bool("metrics", cfg.Metrics.Enabled))

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- srv.Start()
	}()
	if metricsSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown requested")
	case runErr = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	wg.Wait()

	if runErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", runErr)
	}
	log.Info("Server stopped")
	return nil
}

// disconnectAll flushes telemetry and closes every connector.
func disconnectAll(conns map[string]*connector.Connector, timeout time.Duration, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for name, c := range conns {
		if err := c.Disconnect(ctx); err != nil {
			log.Warn("connector disconnect failed", zap.String("connector", name), zap.Error(err))
		}
	}
}

func registerHealthCheckers(m *handlers.HealthManager, cfg *config.Config, conns map[string]*connector.Connector) {
	m.RegisterChecker("signals", signalHealthChecker{})
	if cfg.Metrics.Enabled {
		m.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	if id := GetAppIdentity(); id != nil {
		m.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	for name, c := range conns {
		m.RegisterChecker("connector:"+name, connectorHealthChecker{conn: c})
	}
}

// signalHealthChecker reports the signal handling path; it is installed
// before the server starts and cannot fail afterwards.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// connectorHealthChecker makes one authenticated call to the provider.
type connectorHealthChecker struct {
	conn *connector.Connector
}

func (c connectorHealthChecker) CheckHealth(ctx context.Context) error {
	return c.conn.VerifyConnection(ctx)
}
