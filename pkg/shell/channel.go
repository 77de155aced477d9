package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/pkg/follow"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

// Defaults.
const (
	// DefaultRemoteRoot is relative to the login directory.
	DefaultRemoteRoot = ".tunedispatch/jobs"

	// DefaultMaxReadBytes caps one tail read.
	DefaultMaxReadBytes = 1 << 20
)

// Remote file names inside a job directory.
const (
	ScriptName   = "train.sh"
	LogName      = "train.log"
	ExitCodeName = "exit_code"
	PIDName      = "pid"
)

// Config configures a Channel.
type Config struct {
	RemoteRoot   string
	PollInterval time.Duration
	ReadTimeout  time.Duration
	MaxReadBytes int
	Logger       *zap.Logger
}

// Paths are the remote locations used for one job.
type Paths struct {
	Dir      string
	Script   string
	Log      string
	ExitCode string
	PID      string
}

// Channel runs the push, launch, tail and pull protocol over cached
// per-job sessions.
//
// Channel is safe for concurrent use. At most one session per job is kept.
type Channel struct {
	dialer Dialer
	cfg    Config
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]Session
}

// NewChannel creates a Channel.
func NewChannel(d Dialer, cfg Config) *Channel {
	if cfg.RemoteRoot == "" {
		cfg.RemoteRoot = DefaultRemoteRoot
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = follow.DefaultPollInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = follow.DefaultReadTimeout
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxReadBytes
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		dialer:   d,
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]Session),
	}
}

// Paths returns the remote layout for jobID.
func (c *Channel) Paths(jobID string) Paths {
	dir := path.Join(c.cfg.RemoteRoot, jobID)
	return Paths{
		Dir:      dir,
		Script:   path.Join(dir, ScriptName),
		Log:      path.Join(dir, LogName),
		ExitCode: path.Join(dir, ExitCodeName),
		PID:      path.Join(dir, PIDName),
	}
}

// Open dials host and caches the session for jobID, replacing any previous
// one. It does not retry.
func (c *Channel) Open(ctx context.Context, jobID string, host provider.HostDescriptor) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	sess, err := c.dialer.Dial(ctx, host)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.sessions[jobID]
	c.sessions[jobID] = sess
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	c.log.Debug("session opened", zap.String("job_id", jobID), zap.String("host", host.Addr()))
	return nil
}

// HasSession reports whether a session is cached for jobID.
func (c *Channel) HasSession(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[jobID] != nil
}

// session returns the cached session or makes exactly one dial attempt.
func (c *Channel) session(ctx context.Context, jobID string, host *provider.HostDescriptor) (Session, error) {
	c.mu.Lock()
	sess := c.sessions[jobID]
	c.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	if host == nil || host.IsZero() {
		return nil, fmt.Errorf("%w: job %s has no known host", provider.ErrNoConnection, jobID)
	}
	dialed, err := c.dialer.Dial(ctx, *host)
	if err != nil {
		if provider.IsConfigError(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reconnect job %s: %w", provider.ErrNoConnection, jobID, err)
	}

	c.mu.Lock()
	if existing := c.sessions[jobID]; existing != nil {
		// Lost a race with another reconnect; keep the first.
		c.mu.Unlock()
		_ = dialed.Close()
		return existing, nil
	}
	c.sessions[jobID] = dialed
	c.mu.Unlock()
	c.log.Debug("session reopened", zap.String("job_id", jobID), zap.String("host", host.Addr()))
	return dialed, nil
}

// run executes cmd on the job's session. A transport failure drops the
// cached session so the next operation redials.
func (c *Channel) run(ctx context.Context, jobID string, host *provider.HostDescriptor, cmd string, stdin []byte) ([]byte, int, error) {
	sess, err := c.session(ctx, jobID, host)
	if err != nil {
		return nil, 0, err
	}

	var in io.Reader
	if stdin != nil {
		in = bytes.NewReader(stdin)
	}
	out, code, err := sess.Run(ctx, cmd, in)
	if err != nil {
		if ctx.Err() == nil {
			c.drop(jobID, sess)
		}
		return nil, 0, err
	}
	return out, code, nil
}

func (c *Channel) drop(jobID string, sess Session) {
	c.mu.Lock()
	if c.sessions[jobID] == sess {
		delete(c.sessions, jobID)
	}
	c.mu.Unlock()
	_ = sess.Close()
	c.log.Debug("session dropped", zap.String("job_id", jobID))
}

// PushAndLaunch writes script to the job's script path and starts launch
// detached, with stdout and stderr redirected to the job log. The exit
// status is recorded in the job's exit_code file. It returns as soon as the
// process has been started.
//
// An empty launch runs the pushed script with sh.
func (c *Channel) PushAndLaunch(ctx context.Context, jobID string, host *provider.HostDescriptor, script []byte, launch string) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	p := c.Paths(jobID)

	push := fmt.Sprintf("mkdir -p %s && cat > %s && chmod +x %s",
		Quote(p.Dir), Quote(p.Script), Quote(p.Script))
	if script == nil {
		script = []byte{}
	}
	_, code, err := c.run(ctx, jobID, host, push, script)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("push script to %s: exit code %d", p.Script, code)
	}

	if strings.TrimSpace(launch) == "" {
		launch = "sh " + ScriptName
	}
	_, code, err = c.run(ctx, jobID, host, launchCommand(p, launch), nil)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("launch in %s: exit code %d", p.Dir, code)
	}
	c.log.Debug("launched", zap.String("job_id", jobID), zap.String("log", p.Log))
	return nil
}

// launchCommand starts launch under nohup inside the job directory.
func launchCommand(p Paths, launch string) string {
	inner := launch + "; echo $? > " + ExitCodeName
	return fmt.Sprintf("cd %s && rm -f %s %s && (nohup sh -c %s > %s 2>&1 < /dev/null & echo $! > %s)",
		Quote(p.Dir), ExitCodeName, PIDName, Quote(inner), LogName, PIDName)
}

// Tail follows remotePath. Lines are produced until done reports a terminal
// state; one final read drains what was written meanwhile.
//
// With no cached session Tail makes one dial using host before returning;
// with no host it fails with ErrNoConnection without touching the network.
func (c *Channel) Tail(ctx context.Context, jobID string, host *provider.HostDescriptor, remotePath string, done follow.DoneFunc) (follow.LineStream, error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	if remotePath == "" {
		remotePath = c.Paths(jobID).Log
	}
	if _, err := c.session(ctx, jobID, host); err != nil {
		return nil, err
	}

	var hostCopy *provider.HostDescriptor
	if host != nil {
		h := *host
		hostCopy = &h
	}
	src := follow.SourceFunc(func(ctx context.Context, offset int64) ([]byte, error) {
		return c.readFrom(ctx, jobID, hostCopy, remotePath, offset)
	})
	return follow.New(src, done, follow.Options{
		PollInterval: c.cfg.PollInterval,
		ReadTimeout:  c.cfg.ReadTimeout,
		Logger:       c.log.With(zap.String("job_id", jobID)),
	}), nil
}

// readFrom returns up to MaxReadBytes of remotePath past offset. A missing
// file reads as empty.
func (c *Channel) readFrom(ctx context.Context, jobID string, host *provider.HostDescriptor, remotePath string, offset int64) ([]byte, error) {
	cmd := fmt.Sprintf("tail -c +%d %s 2>/dev/null | head -c %d", offset+1, Quote(remotePath), c.cfg.MaxReadBytes)
	out, code, err := c.run(ctx, jobID, host, cmd, nil)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, nil
	}
	return out, nil
}

// Pull packages remotePath and returns it: a gzip-compressed tar of the
// directory contents, or the raw bytes of a regular file. A missing path or
// failed packaging returns ErrNotFound.
func (c *Channel) Pull(ctx context.Context, jobID string, host *provider.HostDescriptor, remotePath string) ([]byte, error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(remotePath) == "" {
		return nil, &provider.ConfigError{Field: "output_dir", Message: "remote path is required"}
	}
	q := Quote(remotePath)
	cmd := fmt.Sprintf("if [ -d %s ]; then tar -czf - -C %s .; elif [ -f %s ]; then cat %s; else exit 2; fi", q, q, q, q)
	out, code, err := c.run(ctx, jobID, host, cmd, nil)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("pull %s: exit code %d: %w", remotePath, code, provider.ErrNotFound)
	}
	return out, nil
}

// ExitStatus reads the job's exit_code file. done is false while the
// process has not finished.
func (c *Channel) ExitStatus(ctx context.Context, jobID string, host *provider.HostDescriptor) (code int, done bool, err error) {
	if err := validJobID(jobID); err != nil {
		return 0, false, err
	}
	p := c.Paths(jobID)
	out, rc, err := c.run(ctx, jobID, host, "cat "+Quote(p.ExitCode)+" 2>/dev/null", nil)
	if err != nil {
		return 0, false, err
	}
	text := strings.TrimSpace(string(out))
	if rc != 0 || text == "" {
		return 0, false, nil
	}
	n, perr := strconv.Atoi(text)
	if perr != nil {
		return 0, false, fmt.Errorf("parse %s: %q", p.ExitCode, text)
	}
	return n, true, nil
}

// Kill stops the job's process tree. A process that already exited is not
// an error.
func (c *Channel) Kill(ctx context.Context, jobID string, host *provider.HostDescriptor) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	pidFile := Quote(c.Paths(jobID).PID)
	cmd := fmt.Sprintf("if [ -f %s ]; then pid=$(cat %s); pkill -TERM -P \"$pid\" 2>/dev/null; kill -TERM \"$pid\" 2>/dev/null; fi; true", pidFile, pidFile)
	_, _, err := c.run(ctx, jobID, host, cmd, nil)
	return err
}

// Close closes the job's session, if any. It has no effect on job state.
func (c *Channel) Close(jobID string) error {
	c.mu.Lock()
	sess := c.sessions[jobID]
	delete(c.sessions, jobID)
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// CloseAll closes every cached session.
func (c *Channel) CloseAll() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]Session)
	c.mu.Unlock()

	var first error
	for _, s := range sessions {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func validJobID(jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, "/\\\x00") {
		return &provider.ConfigError{Field: "job_id", Message: fmt.Sprintf("unusable job id %q", jobID)}
	}
	return nil
}
