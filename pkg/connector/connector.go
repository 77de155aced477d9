// Package connector is the uniform operation surface over every provider
// kind: connect, submit, poll, stream logs, fetch the result, cancel and
// disconnect.
//
// A Connector wires only the components its kind needs. Compute kinds
// (marketplace, ssh) drive an instance lifecycle manager and a remote shell
// channel; the tracking kind drives an experiment-tracking API and feeds the
// telemetry batcher. Every kind shares the job state machine, so callers poll
// and cancel the same way regardless of where the job runs.
//
// Operations outside a connector's capability set fail with
// *UnsupportedError rather than returning an empty success.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/pkg/follow"
	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/lifecycle"
	"github.com/3leaps/tunedispatch/pkg/objectstore"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/shell"
	"github.com/3leaps/tunedispatch/pkg/telemetry"
	"github.com/3leaps/tunedispatch/pkg/tracking"
)

// DefaultLaunchCommand starts the trainer installed on the host image. It
// reads the job's settings from the exported environment.
const DefaultLaunchCommand = "python3 -u train.py"

// Kinds lists the built-in connector kinds.
var Kinds = []provider.ProviderType{
	provider.ProviderMarketplace,
	provider.ProviderSSH,
	provider.ProviderTracking,
}

// Config configures a Connector.
type Config struct {
	Kind provider.ProviderType

	// Lifecycle, Shell and Telemetry tune the underlying components. Their
	// Logger fields are replaced by Logger.
	Lifecycle lifecycle.Config
	Shell     shell.Config
	Telemetry telemetry.Config

	// StatusOverrides extend or replace entries of the vendor status
	// vocabulary, e.g. {"provisioning": "PENDING"}.
	StatusOverrides map[string]string

	// ReadyTimeout is the default AwaitReady deadline for compute kinds.
	ReadyTimeout time.Duration

	// LaunchCommand is run for jobs submitted without a script or command.
	// Default: DefaultLaunchCommand.
	LaunchCommand string

	// Registry enables PublishArtifact.
	Registry       objectstore.Store
	RegistryPrefix string

	// TelemetryArchive receives a copy of every telemetry batch. On compute
	// kinds it enables the telemetry operations.
	TelemetryArchive objectstore.Store
	TelemetryPrefix  string

	// TelemetryMirror also receives every uploaded batch, e.g. to echo
	// telemetry into a run's output. It does not add a capability.
	TelemetryMirror telemetry.Sink

	// OnSubmit is called with the id of every registered job.
	OnSubmit func(jobID string)

	// OnTransition is notified after every job state change.
	OnTransition jobregistry.TransitionFunc

	// ControlAPI, Dialer and HTTPClient replace the components normally
	// built from credentials at Connect.
	ControlAPI lifecycle.ControlAPI
	Dialer     shell.Dialer
	HTTPClient *http.Client

	Logger *zap.Logger
}

// JobRequest is a full submission. SubmitJob is the config-only form.
type JobRequest struct {
	Config   provider.TrainingConfig
	Hardware provider.HardwareSpec

	// Script is pushed as the remote training script. When empty,
	// LaunchCommand becomes the script body.
	Script []byte

	// LaunchCommand overrides how the pushed script is started.
	LaunchCommand string

	// ReadyTimeout overrides Config.ReadyTimeout for this job.
	ReadyTimeout time.Duration
}

// backend is the provider-specific half of a connector.
type backend interface {
	capabilities() provider.Capabilities
	requiredCredentials() []string
	connect(ctx context.Context, creds provider.Credentials) error
	verify(ctx context.Context) error
	submit(ctx context.Context, jobID string, req JobRequest) error
	probe(ctx context.Context, rec jobregistry.JobRecord) (jobregistry.JobState, string, error)
	kill(ctx context.Context, rec jobregistry.JobRecord) error
	logs(ctx context.Context, rec jobregistry.JobRecord, done follow.DoneFunc) (follow.LineStream, error)
	artifact(ctx context.Context, rec jobregistry.JobRecord) ([]byte, error)
	release(ctx context.Context, rec jobregistry.JobRecord) error
	close() error
}

// telemetryBackend is implemented by backends with a native telemetry sink.
type telemetryBackend interface {
	sink() telemetry.Sink
}

// Connector is the facade for one provider account.
//
// Connector is safe for concurrent use. JobRecords are owned by the
// Connector and destroyed by DeleteJob or Disconnect.
type Connector struct {
	kind provider.ProviderType
	cfg  Config
	log  *zap.Logger
	jobs *jobregistry.Registry

	mu        sync.RWMutex
	be        backend
	batcher   *telemetry.Batcher
	connected bool
}

// New creates an unconnected Connector.
func New(cfg Config) (*Connector, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Logger = log

	statuses := lifecycle.DefaultStatusMap()
	if cfg.Kind == provider.ProviderTracking {
		statuses = tracking.DefaultStatusMap()
	}
	if cfg.Lifecycle.Statuses != nil {
		statuses = cfg.Lifecycle.Statuses
	}
	statuses = statuses.Merge(cfg.StatusOverrides)

	jobs := jobregistry.NewRegistry(jobregistry.WithTransitionHook(func(jobID string, from, to jobregistry.JobState) {
		log.Info("job state changed",
			zap.String("provider", cfg.Kind.String()),
			zap.String("job_id", jobID),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if cfg.OnTransition != nil {
			cfg.OnTransition(jobID, from, to)
		}
	}))

	c := &Connector{kind: cfg.Kind, cfg: cfg, log: log, jobs: jobs}

	switch cfg.Kind {
	case provider.ProviderMarketplace, provider.ProviderSSH:
		c.be = newComputeBackend(c, statuses)
	case provider.ProviderTracking:
		c.be = newTrackingBackend(c, statuses)
	default:
		return nil, &provider.ConfigError{Field: "kind", Message: fmt.Sprintf("unknown connector kind %q", cfg.Kind)}
	}
	return c, nil
}

// Kind returns the connector kind.
func (c *Connector) Kind() provider.ProviderType {
	return c.kind
}

// RequiredCredentials lists the credential keys Connect needs.
func (c *Connector) RequiredCredentials() []string {
	return append([]string(nil), c.be.requiredCredentials()...)
}

// Capabilities returns the declared capability set.
func (c *Connector) Capabilities() provider.Capabilities {
	caps := c.be.capabilities()
	if c.cfg.Registry != nil {
		caps = caps.With(provider.CapRegistry)
	}
	if c.cfg.TelemetryArchive != nil {
		caps = caps.With(provider.CapTracking)
	}
	return caps
}

// Connected reports whether Connect has succeeded.
func (c *Connector) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect authenticates and builds the provider clients. Connecting an
// already connected Connector is a no-op.
func (c *Connector) Connect(ctx context.Context, creds provider.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if err := c.be.connect(ctx, creds); err != nil {
		return c.wrap("Connect", "", err)
	}

	if sink := c.telemetrySink(); sink != nil {
		tcfg := c.cfg.Telemetry
		tcfg.Logger = c.log.Named("telemetry")
		c.batcher = telemetry.NewBatcher(sink, tcfg)
	}
	c.connected = true
	c.log.Info("connector connected",
		zap.String("provider", c.kind.String()),
		zap.String("capabilities", c.Capabilities().String()))
	return nil
}

func (c *Connector) telemetrySink() telemetry.Sink {
	var sinks []telemetry.Sink
	if tb, ok := c.be.(telemetryBackend); ok {
		if s := tb.sink(); s != nil {
			sinks = append(sinks, s)
		}
	}
	if c.cfg.TelemetryArchive != nil {
		sinks = append(sinks, telemetry.ArchiveSink{Store: c.cfg.TelemetryArchive, Prefix: c.cfg.TelemetryPrefix})
	}
	if len(sinks) > 0 && c.cfg.TelemetryMirror != nil {
		sinks = append(sinks, c.cfg.TelemetryMirror)
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return telemetry.NewMultiSink(sinks...)
	}
}

// VerifyConnection makes one cheap authenticated call to the provider.
func (c *Connector) VerifyConnection(ctx context.Context) error {
	be, _, err := c.active("VerifyConnection")
	if err != nil {
		return err
	}
	if err := be.verify(ctx); err != nil {
		return c.wrap("VerifyConnection", "", err)
	}
	return nil
}

// Disconnect drains telemetry, closes every session and forgets every job.
//
// Telemetry whose final flush fails is dropped with a warning. Instances of
// jobs still running are left alone; use DeleteJob to release them first.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	be, batcher := c.be, c.batcher
	c.connected = false
	c.batcher = nil
	c.mu.Unlock()

	if batcher != nil {
		if err := batcher.Close(ctx); err != nil {
			for _, id := range batcher.Jobs() {
				n := batcher.Drop(id)
				c.log.Warn("telemetry lost on disconnect",
					zap.String("job_id", id), zap.Int("records", n), zap.Error(err))
			}
		}
	}

	err := be.close()
	c.jobs.Reset()
	c.log.Info("connector disconnected", zap.String("provider", c.kind.String()))
	if err != nil {
		return c.wrap("Disconnect", "", err)
	}
	return nil
}

// SubmitJob dispatches cfg with the connector's default hardware and launch
// settings. See Submit.
func (c *Connector) SubmitJob(ctx context.Context, cfg provider.TrainingConfig) (string, error) {
	return c.Submit(ctx, JobRequest{Config: cfg})
}

// Submit registers a job and dispatches it. It returns once the remote
// process has been started (compute) or the run created (tracking).
//
// If dispatch fails after the job was registered, the job is left FAILED
// with last_error set and its id is returned together with the error.
func (c *Connector) Submit(ctx context.Context, req JobRequest) (string, error) {
	be, jobID, err := c.register(req)
	if err != nil {
		return "", err
	}
	return jobID, c.dispatch(ctx, be, jobID, req)
}

// Start registers a job and dispatches it in the background. The job id is
// returned immediately; the channel receives the dispatch result (nil on
// success) and is then closed. Dispatch is bound to ctx, not to the caller.
func (c *Connector) Start(ctx context.Context, req JobRequest) (string, <-chan error, error) {
	be, jobID, err := c.register(req)
	if err != nil {
		return "", nil, err
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- c.dispatch(ctx, be, jobID, req)
	}()
	return jobID, done, nil
}

func (c *Connector) register(req JobRequest) (backend, string, error) {
	be, _, err := c.active("SubmitJob")
	if err != nil {
		return nil, "", err
	}
	if err := req.Config.Validate(); err != nil {
		return nil, "", c.wrap("SubmitJob", "", err)
	}

	rec := c.jobs.Create(c.kind, req.Config)
	c.log.Info("job submitted",
		zap.String("provider", c.kind.String()),
		zap.String("job_id", rec.JobID),
		zap.String("base_model", req.Config.BaseModel))
	if c.cfg.OnSubmit != nil {
		c.cfg.OnSubmit(rec.JobID)
	}
	return be, rec.JobID, nil
}

func (c *Connector) dispatch(ctx context.Context, be backend, jobID string, req JobRequest) error {
	if err := be.submit(ctx, jobID, req); err != nil {
		_, _ = c.jobs.Fail(jobID, err)
		c.log.Warn("job dispatch failed",
			zap.String("provider", c.kind.String()),
			zap.String("job_id", jobID),
			zap.Error(err))
		return c.wrap("SubmitJob", jobID, err)
	}
	return nil
}

// GetJobStatus runs a fresh remote status check. When the provider cannot
// be reached the last known state is returned without an error.
func (c *Connector) GetJobStatus(ctx context.Context, jobID string) (jobregistry.JobState, error) {
	be, _, err := c.active("GetJobStatus")
	if err != nil {
		return "", err
	}
	state, err := c.jobs.Observe(ctx, jobID, be.probe)
	if err != nil {
		return state, c.wrap("GetJobStatus", jobID, err)
	}
	return state, nil
}

// CancelJob stops a PENDING or RUNNING job. It returns false without error
// for a job that already finished, and false with the error when the
// remote side could not be stopped; the state is unchanged in both cases.
//
// A cancelled job's telemetry queue is closed with one final flush. If that
// flush fails the records stay queued for DeleteJob or DropTelemetry.
func (c *Connector) CancelJob(ctx context.Context, jobID string) (bool, error) {
	be, batcher, err := c.active("CancelJob")
	if err != nil {
		return false, err
	}
	ok, err := c.jobs.Cancel(ctx, jobID, be.kill)
	if err != nil {
		return false, c.wrap("CancelJob", jobID, err)
	}
	if ok && batcher != nil {
		if err := batcher.CloseJob(ctx, jobID); err != nil {
			c.log.Warn("final telemetry flush after cancel failed",
				zap.String("job_id", jobID),
				zap.Int("records", batcher.Pending(jobID)),
				zap.Error(err))
		}
	}
	return ok, nil
}

// StreamLogs follows the job's output. The stream ends only after the job
// is observed in a terminal state and the remaining output is drained.
func (c *Connector) StreamLogs(ctx context.Context, jobID string) (follow.LineStream, error) {
	be, _, err := c.active("StreamLogs")
	if err != nil {
		return nil, err
	}
	rec, err := c.jobs.Get(jobID)
	if err != nil {
		return nil, c.wrap("StreamLogs", jobID, err)
	}
	done := func(ctx context.Context) (bool, error) {
		state, err := c.GetJobStatus(ctx, jobID)
		if err != nil {
			return false, err
		}
		return state.IsTerminal(), nil
	}
	stream, err := be.logs(ctx, rec, done)
	if err != nil {
		return nil, c.wrap("StreamLogs", jobID, err)
	}
	return stream, nil
}

// FetchArtifact retrieves the job's result: a gzip-compressed tar for a
// directory output, raw bytes otherwise.
func (c *Connector) FetchArtifact(ctx context.Context, jobID string) ([]byte, error) {
	be, _, err := c.active("FetchArtifact")
	if err != nil {
		return nil, err
	}
	rec, err := c.jobs.Get(jobID)
	if err != nil {
		return nil, c.wrap("FetchArtifact", jobID, err)
	}
	data, err := be.artifact(ctx, rec)
	if err != nil {
		return nil, c.wrap("FetchArtifact", jobID, err)
	}
	c.log.Debug("artifact fetched", zap.String("job_id", jobID), zap.Int("bytes", len(data)))
	return data, nil
}

// Job returns a copy of the job's record.
func (c *Connector) Job(jobID string) (jobregistry.JobRecord, error) {
	rec, err := c.jobs.Get(jobID)
	if err != nil {
		return rec, c.wrap("Job", jobID, err)
	}
	return rec, nil
}

// Jobs returns copies of every record, newest first.
func (c *Connector) Jobs() []jobregistry.JobRecord {
	return c.jobs.List()
}

// Stats counts jobs per state.
func (c *Connector) Stats() map[jobregistry.JobState]int {
	return c.jobs.Stats()
}

// DeleteJob releases everything the job holds: its telemetry queue is
// drained, its session closed, its instance terminated, and its record
// removed.
//
// If the final telemetry flush fails the job is kept and the error
// returned; retry, or call DropTelemetry first.
func (c *Connector) DeleteJob(ctx context.Context, jobID string) error {
	be, batcher, err := c.active("DeleteJob")
	if err != nil {
		return err
	}
	rec, err := c.jobs.Get(jobID)
	if err != nil {
		return c.wrap("DeleteJob", jobID, err)
	}
	if batcher != nil {
		if err := batcher.CloseJob(ctx, jobID); err != nil {
			return c.wrap("DeleteJob", jobID, err)
		}
	}
	if err := be.release(ctx, rec); err != nil {
		return c.wrap("DeleteJob", jobID, err)
	}
	if err := c.jobs.Delete(jobID); err != nil && !provider.IsNotFound(err) {
		return c.wrap("DeleteJob", jobID, err)
	}
	c.log.Info("job released", zap.String("provider", c.kind.String()), zap.String("job_id", jobID))
	return nil
}

// LogMetric queues a metric for the job.
func (c *Connector) LogMetric(jobID, name string, value float64, step int64) error {
	return c.enqueue("LogMetric", jobID, telemetry.Metric(name, value, step))
}

// LogSpan queues a span for the job.
func (c *Connector) LogSpan(jobID, name, spanID, parentID string, payload map[string]any) error {
	return c.enqueue("LogSpan", jobID, telemetry.Span(name, spanID, parentID, payload))
}

// LogRecords queues prebuilt records for the job.
func (c *Connector) LogRecords(jobID string, recs ...telemetry.Record) error {
	return c.enqueue("LogRecords", jobID, recs...)
}

func (c *Connector) enqueue(op, jobID string, recs ...telemetry.Record) error {
	batcher, err := c.telemetry(op)
	if err != nil {
		return err
	}
	if _, err := c.jobs.Get(jobID); err != nil {
		return c.wrap(op, jobID, err)
	}
	batcher.Enqueue(jobID, recs...)
	return nil
}

// Flush uploads the job's queued telemetry now.
func (c *Connector) Flush(ctx context.Context, jobID string) error {
	batcher, err := c.telemetry("Flush")
	if err != nil {
		return err
	}
	if err := batcher.Flush(ctx, jobID); err != nil {
		return c.wrap("Flush", jobID, err)
	}
	return nil
}

// PendingTelemetry returns the number of records queued for the job.
func (c *Connector) PendingTelemetry(jobID string) int {
	c.mu.RLock()
	batcher := c.batcher
	c.mu.RUnlock()
	if batcher == nil {
		return 0
	}
	return batcher.Pending(jobID)
}

// DropTelemetry discards the job's queued telemetry and reports how many
// records were lost.
func (c *Connector) DropTelemetry(jobID string) (int, error) {
	batcher, err := c.telemetry("DropTelemetry")
	if err != nil {
		return 0, err
	}
	return batcher.Drop(jobID), nil
}

func (c *Connector) telemetry(op string) (*telemetry.Batcher, error) {
	if !c.Capabilities().Has(provider.CapTracking) {
		return nil, &UnsupportedError{Op: op, Kind: c.kind, Capability: provider.CapTracking}
	}
	_, batcher, err := c.active(op)
	if err != nil {
		return nil, err
	}
	if batcher == nil {
		return nil, &UnsupportedError{Op: op, Kind: c.kind, Capability: provider.CapTracking}
	}
	return batcher, nil
}

// active returns the connected backend and batcher.
func (c *Connector) active(op string) (backend, *telemetry.Batcher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil, nil, c.wrap(op, "", provider.ErrNotConnected)
	}
	return c.be, c.batcher, nil
}

func (c *Connector) wrap(op, jobID string, err error) error {
	var unsupported *UnsupportedError
	if errors.As(err, &unsupported) {
		return err
	}
	var perr *provider.ProviderError
	if errors.As(err, &perr) && perr.Op == op && perr.JobID == jobID {
		return err
	}
	return &provider.ProviderError{Op: op, Provider: c.kind, JobID: jobID, Err: err}
}
