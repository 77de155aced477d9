package connector

import (
	"context"
	"fmt"

	"github.com/3leaps/tunedispatch/pkg/follow"
	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/lifecycle"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/telemetry"
	"github.com/3leaps/tunedispatch/pkg/tracking"
)

// trackingBackend runs jobs as experiment-tracking runs. The run id is
// kept in JobRecord.InstanceID.
type trackingBackend struct {
	c        *Connector
	statuses lifecycle.StatusMap
	client   *tracking.Client
}

func newTrackingBackend(c *Connector, statuses lifecycle.StatusMap) *trackingBackend {
	return &trackingBackend{c: c, statuses: statuses}
}

func (b *trackingBackend) capabilities() provider.Capabilities {
	return provider.NewCapabilities(provider.CapTracking)
}

func (b *trackingBackend) requiredCredentials() []string {
	return append([]string(nil), tracking.RequiredCredentials...)
}

func (b *trackingBackend) connect(ctx context.Context, creds provider.Credentials) error {
	cfg, err := tracking.ConfigFromCredentials(creds)
	if err != nil {
		return err
	}
	cfg.HTTPClient = b.c.cfg.HTTPClient
	cfg.Logger = b.c.log.Named("tracking")
	client, err := tracking.New(cfg)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		return err
	}
	b.client = client
	return nil
}

func (b *trackingBackend) verify(ctx context.Context) error {
	return b.client.Ping(ctx)
}

func (b *trackingBackend) submit(ctx context.Context, jobID string, req JobRequest) error {
	run, err := b.client.CreateRun(ctx, jobID, req.Config)
	if err != nil {
		return err
	}
	if _, err := b.c.jobs.Update(jobID, func(r *jobregistry.JobRecord) { r.InstanceID = run.ID }); err != nil {
		return err
	}
	if state := b.statuses.Map(run.Status); state != jobregistry.JobStatePending {
		_, err = b.c.jobs.Transition(jobID, state, run.Message)
	}
	return err
}

func (b *trackingBackend) probe(ctx context.Context, rec jobregistry.JobRecord) (jobregistry.JobState, string, error) {
	if rec.InstanceID == "" || rec.State.IsTerminal() {
		return rec.State, "", nil
	}
	run, err := b.client.GetRun(ctx, rec.InstanceID)
	if err != nil {
		if provider.IsNotFound(err) {
			return jobregistry.JobStateFailed, "tracking run " + rec.InstanceID + " no longer exists", nil
		}
		return "", "", err
	}
	return b.statuses.Map(run.Status), run.Message, nil
}

func (b *trackingBackend) kill(ctx context.Context, rec jobregistry.JobRecord) error {
	if rec.InstanceID == "" {
		return nil
	}
	return b.client.CancelRun(ctx, rec.InstanceID)
}

func (b *trackingBackend) logs(ctx context.Context, rec jobregistry.JobRecord, done follow.DoneFunc) (follow.LineStream, error) {
	if rec.InstanceID == "" {
		return nil, fmt.Errorf("job %s: no tracking run: %w", rec.JobID, provider.ErrNotFound)
	}
	opts := follow.Options{
		PollInterval: b.c.cfg.Shell.PollInterval,
		ReadTimeout:  b.c.cfg.Shell.ReadTimeout,
	}
	return b.client.Logs(rec.InstanceID, done, opts), nil
}

func (b *trackingBackend) artifact(ctx context.Context, rec jobregistry.JobRecord) ([]byte, error) {
	if rec.InstanceID == "" {
		return nil, fmt.Errorf("job %s: no tracking run: %w", rec.JobID, provider.ErrNotFound)
	}
	return b.client.Artifact(ctx, rec.InstanceID)
}

// release is a no-op; the run stays in the tracking service as history.
func (b *trackingBackend) release(ctx context.Context, rec jobregistry.JobRecord) error {
	return nil
}

func (b *trackingBackend) close() error {
	return nil
}

func (b *trackingBackend) sink() telemetry.Sink {
	return tracking.Sink{Client: b.client, Resolve: b.runID}
}

func (b *trackingBackend) runID(jobID string) (string, error) {
	rec, err := b.c.jobs.Get(jobID)
	if err != nil {
		return "", err
	}
	return rec.InstanceID, nil
}
