package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/internal/config"
	"github.com/3leaps/tunedispatch/internal/observability"
	"github.com/3leaps/tunedispatch/pkg/artifact"
	"github.com/3leaps/tunedispatch/pkg/connector"
	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/manifest"
	"github.com/3leaps/tunedispatch/pkg/output"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a fine-tuning job from a manifest",
	Long: `Run a fine-tuning job as defined in a YAML or JSON manifest file.

The job is submitted, its logs are streamed as JSONL records, and once it
finishes the artifact is fetched, optionally extracted and published to the
model registry. The job is released at the end unless output.keep_job is set.

Example:
  tunedispatch run --job job.yaml
  tunedispatch run --job job.yaml --output file:run.jsonl
  tunedispatch run --job job.yaml --dry-run`,
	RunE: runRun,
}

var (
	runJobPath string
	runOutput  string
	runQuiet   bool
	runDryRun  bool
	runKeepJob bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to job manifest (required)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Override output destination")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress log records")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate manifest and show plan without executing")
	runCmd.Flags().BoolVar(&runKeepJob, "keep-job", false, "Leave the job registered after the run")

	_ = runCmd.MarkFlagRequired("job")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(runJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", runJobPath),
		zap.String("kind", m.Connector.Kind),
		zap.String("base_model", m.Job.BaseModel))

	if runOutput != "" {
		m.Output.Destination = runOutput
	}
	if runQuiet {
		disabled := false
		m.Output.Logs = &disabled
	}
	if runKeepJob {
		m.Output.KeepJob = true
	}

	if runDryRun {
		return showRunPlan(m)
	}

	cfg, err := loadConfig(ctx, cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return executeRun(ctx, cfg, m)
}

// showRunPlan displays what would be submitted without executing.
func showRunPlan(m *manifest.Manifest) error {
	fmt.Println("=== Run Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Connector:   %s\n", m.Connector.Kind)
	if len(m.Connector.Credentials) > 0 {
		keys := make([]string, 0, len(m.Connector.Credentials))
		for k := range m.Connector.Credentials {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Printf("Credentials: %s\n", strings.Join(keys, ", "))
	}
	fmt.Printf("Base model:  %s\n", m.Job.BaseModel)
	fmt.Printf("Dataset:     %s\n", m.Job.DatasetPath)
	fmt.Printf("LoRA:        rank=%d alpha=%d dropout=%g\n", m.Job.Rank, m.Job.Alpha, m.Job.Dropout)
	fmt.Printf("Training:    batch_size=%d epochs=%d lr=%g\n", m.Job.BatchSize, m.Job.NumEpochs, m.Job.LearningRate)
	if m.Kind() != provider.ProviderTracking {
		fmt.Printf("Hardware:    %d x %s\n", m.Hardware.GPUCount, m.Hardware.GPUClass)
	}
	switch {
	case m.Launch.Script != "":
		fmt.Printf("Script:      %s\n", m.Resolve(m.Launch.Script))
	case m.Launch.ScriptInline != "":
		fmt.Printf("Script:      inline (%d bytes)\n", len(m.Launch.ScriptInline))
	}
	if m.Launch.Command != "" {
		fmt.Printf("Command:     %s\n", m.Launch.Command)
	}
	fmt.Println()
	fmt.Printf("Output:      %s\n", m.Output.Destination)
	fmt.Printf("Logs:        %t\n", m.Output.LogsEnabled())
	fmt.Printf("Fetch:       %t\n", m.Artifact.FetchEnabled())
	if m.Artifact.ExtractDir != "" {
		fmt.Printf("Extract to:  %s\n", m.Resolve(m.Artifact.ExtractDir))
	}
	if m.Artifact.Publish != "" {
		fmt.Printf("Publish as:  %s\n", m.Artifact.Publish)
	}
	fmt.Printf("Keep job:    %t\n", m.Output.KeepJob)
	fmt.Println()
	fmt.Println("Run without --dry-run to execute.")
	return nil
}

// runStats accumulates the final summary.
type runStats struct {
	logLines      int64
	artifactBytes int64
	errors        int64
}

func executeRun(ctx context.Context, cfg *config.Config, m *manifest.Manifest) error {
	log := observability.CLILogger
	start := time.Now()

	script, err := m.ScriptBytes()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read launch script", err)
	}
	readyTimeout, err := m.ReadyTimeout()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid ready timeout", err)
	}

	writer, cleanup, err := createWriter(m, "")
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output writer", err)
	}
	defer cleanup()

	store, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open model registry", err)
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	spec := connectorSpec{
		Name:        m.Connector.Kind,
		Kind:        m.Kind(),
		Credentials: m.ExpandedCredentials(),
		StatusMap:   m.Connector.StatusMap,
	}
	conn, err := newConnector(cfg, spec, buildDeps{
		Registry: store,
		Mirror:   telemetry.WriterSink{W: writer},
		Logger:   log,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid connector", err)
	}
	if err := conn.Connect(ctx, spec.Credentials); err != nil {
		writeRunError(ctx, writer, "connect", err)
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = conn.Disconnect(dctx)
	}()

	jobID, err := conn.Submit(ctx, connector.JobRequest{
		Config:        m.Job,
		Hardware:      m.Hardware,
		Script:        script,
		LaunchCommand: m.Launch.Command,
		ReadyTimeout:  readyTimeout,
	})
	if jobID != "" {
		writer.SetJobID(jobID)
	}
	if err != nil {
		writeRunError(ctx, writer, "submit", err)
		if jobID != "" {
			writeStatus(ctx, writer, conn, jobID)
			if !m.Output.KeepJob {
				_ = conn.DeleteJob(context.Background(), jobID)
			}
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Job submission failed", err)
	}
	log.Info("Job submitted", zap.String("job_id", jobID), zap.String("kind", spec.Kind.String()))
	writeStatus(ctx, writer, conn, jobID)

	stats := &runStats{}
	state, err := followJob(ctx, conn, writer, jobID, m.Output.LogsEnabled(), stats)
	if err != nil {
		stats.errors++
		writeRunError(ctx, writer, "follow", err)
		if errors.Is(err, context.Canceled) {
			cancelOnInterrupt(conn, jobID, log)
			state, _ = currentState(conn, jobID)
		}
	}
	writeStatus(ctx, writer, conn, jobID)

	if state == jobregistry.JobStateCompleted && m.Artifact.FetchEnabled() {
		if err := collectArtifact(ctx, conn, writer, m, jobID, stats); err != nil {
			stats.errors++
			writeRunError(ctx, writer, "artifact", err)
		}
	}

	if !m.Output.KeepJob {
		if err := conn.DeleteJob(context.Background(), jobID); err != nil {
			stats.errors++
			log.Warn("Failed to release job", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	elapsed := time.Since(start)
	_ = writer.WriteSummary(context.Background(), &output.SummaryRecord{
		State:         state.String(),
		LogLines:      stats.logLines,
		ArtifactBytes: stats.artifactBytes,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
		Errors:        stats.errors,
	})
	log.Info("Run complete",
		zap.String("job_id", jobID),
		zap.String("state", state.String()),
		zap.Int64("log_lines", stats.logLines),
		zap.Duration("duration", elapsed))

	if state != jobregistry.JobStateCompleted {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job did not complete",
			fmt.Errorf("job %s ended %s", jobID, state))
	}
	if stats.errors > 0 {
		return exitError(foundry.ExitFileWriteError, "Job completed with errors",
			fmt.Errorf("%d post-run step(s) failed", stats.errors))
	}
	return nil
}

// followJob streams logs, or polls when logs are disabled, until the job
// reaches a terminal state.
func followJob(ctx context.Context, conn *connector.Connector, w output.Writer, jobID string, logs bool, st *runStats) (jobregistry.JobState, error) {
	if logs {
		stream, err := conn.StreamLogs(ctx, jobID)
		if err != nil {
			return jobregistry.JobStateFailed, err
		}
		defer func() { _ = stream.Close() }()
		for {
			line, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return currentStateOr(conn, jobID, err)
			}
			st.logLines++
			if werr := w.WriteLog(ctx, &output.LogRecord{Line: line, Seq: st.logLines}); werr != nil {
				return currentStateOr(conn, jobID, werr)
			}
		}
		return currentState(conn, jobID)
	}

	ticker := time.NewTicker(pollEvery(conn))
	defer ticker.Stop()
	for {
		state, err := conn.GetJobStatus(ctx, jobID)
		if err != nil && !provider.IsTransient(err) {
			return state, err
		}
		if state.IsTerminal() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

// collectArtifact fetches, extracts and publishes the job's artifact as
// configured.
func collectArtifact(ctx context.Context, conn *connector.Connector, w output.Writer, m *manifest.Manifest, jobID string, st *runStats) error {
	data, err := conn.FetchArtifact(ctx, jobID)
	if err != nil {
		return err
	}
	st.artifactBytes = int64(len(data))
	rec := &output.ArtifactRecord{Size: st.artifactBytes}

	if dir := m.Artifact.ExtractDir; dir != "" {
		dest := m.Resolve(dir)
		res, err := artifact.Extract(ctx, data, dest, artifact.Options{
			Include:       m.Artifact.Include,
			Exclude:       m.Artifact.Exclude,
			IncludeHidden: m.Artifact.IncludeHidden,
			Overwrite:     m.Artifact.Overwrite,
			MaxBytes:      m.Artifact.MaxBytes,
			Logger:        observability.CLILogger,
		})
		if err != nil {
			return fmt.Errorf("extract artifact: %w", err)
		}
		rec.Path = dest
		rec.Files = len(res.Files)
	}

	if name := m.Artifact.Publish; name != "" {
		pub, err := conn.PublishArtifact(ctx, jobID, name)
		if err != nil {
			return fmt.Errorf("publish artifact: %w", err)
		}
		rec.URI = pub.URI
	}
	return w.WriteArtifact(ctx, rec)
}

func writeStatus(ctx context.Context, w output.Writer, conn *connector.Connector, jobID string) {
	rec, err := conn.Job(jobID)
	if err != nil {
		return
	}
	sr := &output.StatusRecord{
		State:      rec.State.String(),
		InstanceID: rec.InstanceID,
		LastError:  rec.LastError,
	}
	if rec.Host != nil {
		sr.Host = rec.Host.Addr()
	}
	_ = w.WriteStatus(ctx, sr)
}

func writeRunError(ctx context.Context, w output.Writer, step string, err error) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	_ = w.WriteError(ctx, &output.ErrorRecord{
		Code:    errorCode(err),
		Message: err.Error(),
		Step:    step,
	})
}

// errorCode maps an error onto the output record vocabulary.
func errorCode(err error) string {
	switch {
	case provider.IsNotFound(err):
		return output.ErrCodeNotFound
	case errors.Is(err, provider.ErrUnsupported):
		return output.ErrCodeUnsupported
	case provider.IsConfigError(err):
		return output.ErrCodeInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return output.ErrCodeTimeout
	case provider.IsTransient(err):
		return output.ErrCodeUnavailable
	default:
		return output.ErrCodeInternal
	}
}

// cancelOnInterrupt stops a job whose run was interrupted so the instance
// does not keep billing.
func cancelOnInterrupt(conn *connector.Connector, jobID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := conn.CancelJob(ctx, jobID); err != nil {
		log.Warn("Failed to cancel interrupted job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func currentState(conn *connector.Connector, jobID string) (jobregistry.JobState, error) {
	rec, err := conn.Job(jobID)
	if err != nil {
		return jobregistry.JobStateFailed, err
	}
	return rec.State, nil
}

func currentStateOr(conn *connector.Connector, jobID string, err error) (jobregistry.JobState, error) {
	state, _ := currentState(conn, jobID)
	return state, err
}

func pollEvery(conn *connector.Connector) time.Duration {
	if conn.Kind() == provider.ProviderTracking {
		return 2 * time.Second
	}
	return 5 * time.Second
}

// createWriter opens the manifest's output destination.
func createWriter(m *manifest.Manifest, jobID string) (*output.JSONLWriter, func(), error) {
	dest := m.Output.Destination
	kind := m.Connector.Kind

	if dest == "" || dest == "stdout" {
		w := output.NewJSONLWriter(os.Stdout, jobID, kind)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, jobID, kind)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
