package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/tunedispatch/internal/errors"
	"github.com/3leaps/tunedispatch/internal/observability"
	"github.com/3leaps/tunedispatch/pkg/connector"
	"github.com/3leaps/tunedispatch/pkg/manifest"
)

var (
	doctorProvider string
	doctorJob      string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  tunedispatch doctor                  # Full environment check
  tunedispatch doctor --job job.yaml   # Also validate a job manifest
  tunedispatch doctor --provider s3    # S3 registry checks`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
	doctorCmd.Flags().StringVar(&doctorJob, "job", "", "Validate a job manifest")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6
	if doctorJob != "" {
		totalChecks++
	}
	if doctorProvider == "s3" {
		totalChecks += 2
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			apperrors.NewExternalServiceError("Crucible service unavailable"))
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory",
			apperrors.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 5: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Check 6: Connector profiles
	if !checkProfiles(cmd, checkNum, totalChecks) {
		allChecks = false
	}
	checkNum++

	if doctorJob != "" {
		if !checkJobManifest(doctorJob, checkNum, totalChecks) {
			allChecks = false
		}
		checkNum++
	}

	if doctorProvider == "s3" {
		allChecks = runS3Checks(cmd.Context(), checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkProfiles loads the configuration and reports profiles that are
// missing required credentials.
func checkProfiles(cmd *cobra.Command, checkNum, totalChecks int) bool {
	cfg, err := loadConfig(cmd.Context(), cmd, nil)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Invalid configuration", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	specs := profileSpecs(cfg)
	if len(specs) == 0 {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking connector profiles... ✅ none configured", checkNum, totalChecks))
		return true
	}
	ok := true
	for _, spec := range specs {
		missing, err := missingCredentials(spec)
		if err != nil {
			observability.CLILogger.Error(fmt.Sprintf("  profile %s: ❌ %v", spec.Name, err))
			ok = false
			continue
		}
		if len(missing) > 0 {
			observability.CLILogger.Warn(fmt.Sprintf("  profile %s: ⚠️  missing credentials: %s", spec.Name, strings.Join(missing, ", ")))
			ok = false
		}
	}
	if ok {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking connector profiles... ✅ %d profiles", checkNum, totalChecks, len(specs)))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking connector profiles... ⚠️  problems found", checkNum, totalChecks))
	}
	return ok
}

// missingCredentials lists required credential keys that spec leaves empty.
func missingCredentials(spec connectorSpec) ([]string, error) {
	c, err := connector.New(connector.Config{Kind: spec.Kind})
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, key := range c.RequiredCredentials() {
		if spec.Credentials.Get(key) == "" {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// checkJobManifest validates a manifest and its script without contacting
// any provider.
func checkJobManifest(path string, checkNum, totalChecks int) bool {
	m, err := manifest.Load(path)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job manifest... ❌ %s", checkNum, totalChecks, path),
			zap.Error(err))
		return false
	}
	if _, err := m.ScriptBytes(); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job manifest... ❌ script unreadable", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	missing, err := missingCredentials(connectorSpec{Kind: m.Kind(), Credentials: m.ExpandedCredentials()})
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job manifest... ❌ %v", checkNum, totalChecks, err))
		return false
	}
	if len(missing) > 0 {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking job manifest... ⚠️  missing credentials: %s", checkNum, totalChecks, strings.Join(missing, ", ")))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking job manifest... ✅ %s (%s)", checkNum, totalChecks, path, m.Kind()),
		zap.String("model", m.Job.BaseModel))
	return true
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Registry Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials for the S3 model registry:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile and set registry.profile")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - registry.endpoint in the configuration file")
	observability.CLILogger.Info("")
}
