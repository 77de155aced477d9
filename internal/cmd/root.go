// Package cmd implements the tunedispatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/internal/config"
	"github.com/3leaps/tunedispatch/internal/observability"
	"github.com/3leaps/tunedispatch/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// appIdentity is set once the root command initialises.
var appIdentity *config.Identity

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tunedispatch",
	Short: "Dispatch fine-tuning jobs to GPU marketplaces, SSH hosts and tracking services",
	Long: `tunedispatch submits LoRA fine-tuning jobs through one connector surface:
rented marketplace GPUs, bare SSH hosts, or an experiment-tracking service.

Run a single job from a manifest with 'tunedispatch run --job job.yaml', or
start the HTTP job API with 'tunedispatch serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initIdentity()
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		return nil
	},
}

func init() {
	setDefaults()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: user and project tunedispatch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	_ = viper.BindPFlag("debug.enabled", rootCmd.PersistentFlags().Lookup("verbose"))
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the application identity, or nil before the root
// command has run.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initIdentity() {
	if appIdentity == nil {
		appIdentity = config.DefaultIdentity()
	}
	config.SetIdentity(appIdentity)
	config.SetConfigFile(cfgFile)
}

// setDefaults seeds the process-wide viper instance used by flag bindings.
// The typed configuration is built by config.Load.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("workers", 4)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
}

// loadConfig loads the configuration with the given flag keys applied on
// top when their flags were set.
func loadConfig(ctx context.Context, cmd *cobra.Command, flagKeys map[string]string) (*config.Config, error) {
	overrides := map[string]any{}
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			overrides[key] = viper.Get(key)
		}
	}
	if viper.GetBool("debug.enabled") {
		overrides["logging.level"] = "debug"
	}
	return config.Load(ctx, overrides)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	observability.CLILogger.Error(err.Error())
	observability.Sync()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return foundry.ExitSignalInt
	}
	return exitCodeOf(err)
}

// ExitWithCode logs msg and err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(msg, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// Process exit codes not covered by the foundry catalog.
const (
	exitOK      = 0
	exitFailure = 1
)

var exitCodeRe = regexp.MustCompile(`\(exit code (\d+)\)$`)

// exitCodeOf recovers the code embedded by exitError. Other errors map to
// a generic failure.
func exitCodeOf(err error) int {
	if m := exitCodeRe.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code
		}
	}
	return exitFailure
}
