package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/internal/config"
	"github.com/3leaps/tunedispatch/internal/metrics"
	"github.com/3leaps/tunedispatch/pkg/connector"
	"github.com/3leaps/tunedispatch/pkg/lifecycle"
	"github.com/3leaps/tunedispatch/pkg/objectstore"
	"github.com/3leaps/tunedispatch/pkg/objectstore/file"
	"github.com/3leaps/tunedispatch/pkg/objectstore/s3"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/shell"
	"github.com/3leaps/tunedispatch/pkg/telemetry"
)

// connectorSpec is one connector to build, from a config profile or a
// manifest.
type connectorSpec struct {
	Name          string
	Kind          provider.ProviderType
	Credentials   provider.Credentials
	StatusMap     map[string]string
	LaunchCommand string
}

// buildDeps are shared by every connector of one process.
type buildDeps struct {
	Registry  objectstore.Store
	Collector *metrics.Collector
	Mirror    telemetry.Sink
	Logger    *zap.Logger
}

// profileSpecs turns the configured connector profiles into specs, sorted
// by name. Credential values may reference environment variables.
func profileSpecs(cfg *config.Config) []connectorSpec {
	specs := make([]connectorSpec, 0, len(cfg.Connectors))
	for name, p := range cfg.Connectors {
		creds := make(provider.Credentials, len(p.Credentials))
		for k, v := range p.Credentials {
			creds[k] = os.ExpandEnv(v)
		}
		specs = append(specs, connectorSpec{
			Name:          name,
			Kind:          provider.ProviderType(p.Kind),
			Credentials:   creds,
			StatusMap:     p.StatusMap,
			LaunchCommand: p.LaunchCommand,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// openRegistry opens the configured model registry store, or returns nil
// when no backend is configured.
func openRegistry(ctx context.Context, cfg *config.Config, log *zap.Logger) (objectstore.Store, error) {
	rc := cfg.Registry
	switch rc.Backend {
	case "":
		return nil, nil
	case "file":
		dir := rc.Path
		if dir == "" {
			dir = filepath.Join(gfconfig.GetAppDataDir(appName()), "registry")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
		store, err := file.New(file.Config{BaseDir: dir})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		store, err := s3.New(ctx, s3.Config{
			Bucket:   rc.Bucket,
			Region:   rc.Region,
			Endpoint: rc.Endpoint,
			Profile:  rc.Profile,
		}, log.Named("registry"))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", rc.Backend)
	}
}

// newConnector builds an unconnected connector for spec from the process
// configuration.
func newConnector(cfg *config.Config, spec connectorSpec, deps buildDeps) (*connector.Connector, error) {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("connector", spec.Name))

	cc := connector.Config{
		Kind: spec.Kind,
		Lifecycle: lifecycle.Config{
			PollInterval: cfg.Lifecycle.PollInterval,
			ReadyTimeout: cfg.Lifecycle.ReadyTimeout,
			RateLimit:    cfg.Lifecycle.RateLimit,
		},
		Shell: shell.Config{
			RemoteRoot:   cfg.Shell.RemoteRoot,
			PollInterval: cfg.Shell.PollInterval,
			ReadTimeout:  cfg.Shell.ReadTimeout,
			MaxReadBytes: cfg.Shell.MaxReadBytes,
		},
		Telemetry: telemetry.Config{
			BatchSize:     cfg.Telemetry.BatchSize,
			FlushInterval: cfg.Telemetry.FlushInterval,
			UploadTimeout: cfg.Telemetry.UploadTimeout,
		},
		StatusOverrides: spec.StatusMap,
		ReadyTimeout:    cfg.Lifecycle.ReadyTimeout,
		LaunchCommand:   spec.LaunchCommand,
		TelemetryMirror: deps.Mirror,
		Logger:          log,
	}
	if deps.Registry != nil {
		cc.Registry = deps.Registry
		cc.RegistryPrefix = cfg.Registry.Prefix
		if cfg.Telemetry.Archive {
			cc.TelemetryArchive = deps.Registry
			cc.TelemetryPrefix = cfg.Telemetry.ArchivePrefix
		}
	}
	if m := deps.Collector; m != nil {
		kind := spec.Kind
		cc.OnSubmit = func(string) { m.RecordSubmitted(kind) }
		cc.OnTransition = m.OnTransition
		cc.Telemetry.Observer = m
	}
	return connector.New(cc)
}

func appName() string {
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		return id.BinaryName
	}
	return config.DefaultIdentity().BinaryName
}
