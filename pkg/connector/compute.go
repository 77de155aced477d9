package connector

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/pkg/follow"
	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/lifecycle"
	"github.com/3leaps/tunedispatch/pkg/lifecycle/restapi"
	"github.com/3leaps/tunedispatch/pkg/lifecycle/static"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/shell"
)

// pinger is implemented by control APIs with a cheap authenticated call.
type pinger interface {
	Ping(ctx context.Context) error
}

// computeBackend provisions an instance and runs the job over SSH.
type computeBackend struct {
	c        *Connector
	statuses lifecycle.StatusMap

	// Set by connect.
	api     lifecycle.ControlAPI
	mgr     *lifecycle.Manager
	channel *shell.Channel
	dialer  shell.Dialer
	host    *provider.HostDescriptor
}

func newComputeBackend(c *Connector, statuses lifecycle.StatusMap) *computeBackend {
	return &computeBackend{c: c, statuses: statuses}
}

func (b *computeBackend) capabilities() provider.Capabilities {
	return provider.NewCapabilities(provider.CapCompute)
}

func (b *computeBackend) requiredCredentials() []string {
	if b.c.kind == provider.ProviderSSH {
		return []string{static.CredHost, static.CredUser}
	}
	return append([]string(nil), restapi.RequiredCredentials...)
}

func (b *computeBackend) connect(ctx context.Context, creds provider.Credentials) error {
	log := b.c.log
	api := b.c.cfg.ControlAPI
	if api == nil {
		built, err := b.buildAPI(creds)
		if err != nil {
			return err
		}
		api = built
	}
	if s, ok := api.(*static.API); ok {
		h := s.Host()
		b.host = &h
	}

	dialer := b.c.cfg.Dialer
	if dialer == nil {
		sshCfg, err := shell.SSHConfigFromCredentials(creds)
		if err != nil {
			return err
		}
		d, err := shell.NewSSHDialer(sshCfg)
		if err != nil {
			return err
		}
		dialer = d
	}

	lcfg := b.c.cfg.Lifecycle
	lcfg.Provider = b.c.kind
	lcfg.Statuses = b.statuses
	lcfg.Logger = log.Named("lifecycle")
	if lcfg.ReadyTimeout <= 0 {
		lcfg.ReadyTimeout = b.c.cfg.ReadyTimeout
	}

	scfg := b.c.cfg.Shell
	scfg.Logger = log.Named("shell")

	b.api = api
	b.dialer = dialer
	b.mgr = lifecycle.NewManager(api, lcfg)
	b.channel = shell.NewChannel(dialer, scfg)
	return nil
}

func (b *computeBackend) buildAPI(creds provider.Credentials) (lifecycle.ControlAPI, error) {
	switch b.c.kind {
	case provider.ProviderSSH:
		cfg, err := static.ConfigFromCredentials(creds)
		if err != nil {
			return nil, err
		}
		return static.New(cfg)
	default:
		cfg, err := restapi.ConfigFromCredentials(creds)
		if err != nil {
			return nil, err
		}
		cfg.HTTPClient = b.c.cfg.HTTPClient
		cfg.Logger = b.c.log.Named("restapi")
		return restapi.New(cfg)
	}
}

// verify pings the control API, or opens and closes one session to a
// static host.
func (b *computeBackend) verify(ctx context.Context) error {
	if p, ok := b.api.(pinger); ok {
		return p.Ping(ctx)
	}
	if b.host != nil {
		sess, err := b.dialer.Dial(ctx, *b.host)
		if err != nil {
			return err
		}
		return sess.Close()
	}
	_, err := b.api.ListOffers(ctx, provider.HardwareSpec{})
	return err
}

func (b *computeBackend) submit(ctx context.Context, jobID string, req JobRequest) error {
	hw := req.Hardware
	if strings.TrimSpace(hw.GPUClass) == "" {
		hw.GPUClass = req.Config.ResourceID
	}
	if err := hw.Validate(); err != nil {
		return err
	}
	script, launch := renderScript(jobID, req, b.c.cfg.LaunchCommand)

	instanceID, err := b.mgr.Provision(ctx, hw)
	if err != nil {
		return err
	}
	rec, err := b.c.jobs.Update(jobID, func(r *jobregistry.JobRecord) { r.InstanceID = instanceID })
	if err != nil {
		b.abandon(jobID, instanceID, nil)
		return err
	}
	if rec.State.IsTerminal() {
		// Cancelled while provisioning; the kill saw no instance.
		b.abandon(jobID, instanceID, nil)
		return fmt.Errorf("job %s: %w: %s during dispatch", jobID, jobregistry.ErrTerminal, rec.State)
	}

	host, err := b.mgr.AwaitReady(ctx, instanceID, req.ReadyTimeout)
	if err != nil {
		b.abandon(jobID, instanceID, nil)
		return err
	}
	rec, err = b.c.jobs.Update(jobID, func(r *jobregistry.JobRecord) { r.Host = &host })
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		// Cancelled while waiting for the instance: nothing was launched.
		b.abandon(jobID, instanceID, nil)
		return fmt.Errorf("job %s: %w: %s during dispatch", jobID, jobregistry.ErrTerminal, rec.State)
	}

	if err := b.channel.PushAndLaunch(ctx, jobID, &host, script, launch); err != nil {
		b.abandon(jobID, instanceID, &host)
		return err
	}
	if _, err := b.c.jobs.Transition(jobID, jobregistry.JobStateRunning, ""); err != nil {
		// Most likely cancelled during the launch.
		b.abandon(jobID, instanceID, &host)
		return err
	}
	return nil
}

// abandon releases an instance whose job never reached RUNNING. When host
// is set the process may have been launched and is killed first. Failures
// are logged; the dispatch error is what the caller sees.
func (b *computeBackend) abandon(jobID, instanceID string, host *provider.HostDescriptor) {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycle.DefaultPollInterval*6)
	defer cancel()
	if host != nil {
		if err := b.channel.Kill(ctx, jobID, host); err != nil {
			b.c.log.Warn("failed to stop launched process after dispatch failure",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}
	_ = b.channel.Close(jobID)
	if _, err := b.mgr.Terminate(ctx, instanceID); err != nil {
		b.c.log.Warn("failed to release instance after dispatch failure",
			zap.String("job_id", jobID),
			zap.String("instance_id", instanceID),
			zap.Error(err))
	}
}

// probe maps the instance status and, while the instance is active,
// refines it with the remote exit code.
func (b *computeBackend) probe(ctx context.Context, rec jobregistry.JobRecord) (jobregistry.JobState, string, error) {
	if rec.InstanceID == "" || rec.State.IsTerminal() {
		return rec.State, "", nil
	}
	inst, err := b.mgr.Describe(ctx, rec.InstanceID)
	if err != nil {
		if provider.IsNotFound(err) {
			return jobregistry.JobStateFailed, "instance " + rec.InstanceID + " no longer exists", nil
		}
		return "", "", err
	}

	state := b.mgr.Status(inst)
	if state != jobregistry.JobStateRunning {
		return state, inst.Message, nil
	}
	if rec.Host == nil || rec.State == jobregistry.JobStatePending {
		// Still being dispatched; the launch moves it to RUNNING.
		return jobregistry.JobStatePending, "", nil
	}

	code, done, err := b.channel.ExitStatus(ctx, rec.JobID, rec.Host)
	if err != nil {
		b.c.log.Debug("exit status unavailable", zap.String("job_id", rec.JobID), zap.Error(err))
		return state, "", nil
	}
	if !done {
		return jobregistry.JobStateRunning, "", nil
	}
	if code != 0 {
		return jobregistry.JobStateFailed, fmt.Sprintf("training process exited with code %d", code), nil
	}
	return jobregistry.JobStateCompleted, "", nil
}

// kill stops the remote process and terminates the instance. On a
// marketplace the instance termination is authoritative; on a static host
// killing the process is the only way to stop the job.
func (b *computeBackend) kill(ctx context.Context, rec jobregistry.JobRecord) error {
	if rec.Host != nil {
		if err := b.channel.Kill(ctx, rec.JobID, rec.Host); err != nil {
			if b.c.kind == provider.ProviderSSH {
				return err
			}
			b.c.log.Debug("process kill failed, terminating instance", zap.String("job_id", rec.JobID), zap.Error(err))
		}
	}
	if _, err := b.mgr.Terminate(ctx, rec.InstanceID); err != nil {
		return err
	}
	_ = b.channel.Close(rec.JobID)
	return nil
}

func (b *computeBackend) logs(ctx context.Context, rec jobregistry.JobRecord, done follow.DoneFunc) (follow.LineStream, error) {
	return b.channel.Tail(ctx, rec.JobID, rec.Host, "", done)
}

// artifact pulls config.OutputDir. Relative paths are inside the job's
// remote directory, which is the working directory of the launch.
func (b *computeBackend) artifact(ctx context.Context, rec jobregistry.JobRecord) ([]byte, error) {
	out := strings.TrimSpace(rec.Config.OutputDir)
	if out == "" {
		return nil, &provider.ConfigError{Field: "output_dir", Message: "job has no output_dir to fetch"}
	}
	if !path.IsAbs(out) && !strings.HasPrefix(out, "~") {
		out = path.Join(b.channel.Paths(rec.JobID).Dir, out)
	}
	return b.channel.Pull(ctx, rec.JobID, rec.Host, out)
}

// release terminates the instance (idempotent) and closes the session.
func (b *computeBackend) release(ctx context.Context, rec jobregistry.JobRecord) error {
	if !rec.State.IsTerminal() && rec.Host != nil {
		_ = b.channel.Kill(ctx, rec.JobID, rec.Host)
	}
	if _, err := b.mgr.Terminate(ctx, rec.InstanceID); err != nil {
		return err
	}
	return b.channel.Close(rec.JobID)
}

func (b *computeBackend) close() error {
	if b.channel == nil {
		return nil
	}
	return b.channel.CloseAll()
}

// renderScript builds the pushed script: the training config exported as
// environment variables followed by the user script. With no user script
// the launch command becomes the body and the script is run with sh.
func renderScript(jobID string, req JobRequest, defaultLaunch string) ([]byte, string) {
	body := string(req.Script)
	launch := req.LaunchCommand
	if strings.TrimSpace(body) == "" {
		if strings.TrimSpace(launch) == "" {
			launch = defaultLaunch
		}
		if strings.TrimSpace(launch) == "" {
			launch = DefaultLaunchCommand
		}
		body, launch = launch, ""
	}

	env := req.Config.Env()
	env["TUNEDISPATCH_JOB_ID"] = jobID
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	for _, k := range keys {
		sb.WriteString("export " + k + "=" + shell.Quote(env[k]) + "\n")
	}
	body = strings.TrimPrefix(body, "#!/bin/sh\n")
	sb.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		sb.WriteString("\n")
	}
	return []byte(sb.String()), launch
}
