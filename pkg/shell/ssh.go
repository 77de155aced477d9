package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/3leaps/tunedispatch/pkg/provider"
)

// DefaultDialTimeout bounds the TCP connect and SSH handshake.
const DefaultDialTimeout = 30 * time.Second

// SSHConfig configures SSHDialer.
//
// Exactly one of PrivateKey, PrivateKeyPath or Password is typically set;
// all configured methods are offered to the server in that order.
type SSHConfig struct {
	User           string `mapstructure:"ssh_user"`
	Password       string `mapstructure:"ssh_password"`
	PrivateKey     string `mapstructure:"ssh_private_key"`
	PrivateKeyPath string `mapstructure:"ssh_key_path"`
	Passphrase     string `mapstructure:"ssh_passphrase"`

	// KnownHostsPath verifies host keys. Empty requires
	// InsecureIgnoreHostKey.
	KnownHostsPath        string        `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
}

// SSHConfigFromCredentials decodes ssh_* credential keys. String values
// such as "true" and "15s" are converted.
func SSHConfigFromCredentials(creds provider.Credentials) (SSHConfig, error) {
	var cfg SSHConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return SSHConfig{}, err
	}
	if err := dec.Decode(map[string]string(creds)); err != nil {
		return SSHConfig{}, fmt.Errorf("%w: %v", provider.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// SSHDialer opens sessions with golang.org/x/crypto/ssh.
type SSHDialer struct {
	user    string
	auth    []ssh.AuthMethod
	hostKey ssh.HostKeyCallback
	timeout time.Duration
}

// NewSSHDialer validates cfg and prepares auth methods.
func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	var auth []ssh.AuthMethod

	keyPEM := []byte(cfg.PrivateKey)
	if len(keyPEM) == 0 && cfg.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, &provider.ConfigError{Field: "ssh_key_path", Message: err.Error()}
		}
		keyPEM = data
	}
	if len(keyPEM) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyPEM, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyPEM)
		}
		if err != nil {
			return nil, &provider.ConfigError{Field: "ssh_private_key", Message: err.Error()}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: ssh_private_key, ssh_key_path or ssh_password", provider.ErrMissingCredential)
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsPath != "":
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, &provider.ConfigError{Field: "known_hosts", Message: err.Error()}
		}
		hostKey = cb
	case cfg.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, &provider.ConfigError{Field: "known_hosts", Message: "known_hosts path required unless insecure_ignore_host_key is set"}
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	return &SSHDialer{
		user:    strings.TrimSpace(cfg.User),
		auth:    auth,
		hostKey: hostKey,
		timeout: timeout,
	}, nil
}

// Dial connects to host. The host descriptor's user wins over the
// configured one.
func (d *SSHDialer) Dial(ctx context.Context, host provider.HostDescriptor) (Session, error) {
	if host.IsZero() {
		return nil, fmt.Errorf("%w: no host address", provider.ErrNoConnection)
	}
	user := host.User
	if user == "" {
		user = d.user
	}
	if user == "" {
		return nil, fmt.Errorf("%w: ssh_user", provider.ErrMissingCredential)
	}

	addr := host.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial %s: %v", provider.ErrNoConnection, addr, err)
	}

	// Bound the handshake by the same deadline.
	if dl, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            d.auth,
		HostKeyCallback: d.hostKey,
		Timeout:         d.timeout,
	})
	if err != nil {
		_ = conn.Close()
		if isAuthFailure(err) {
			return nil, fmt.Errorf("%w: ssh %s@%s: %v", provider.ErrInvalidCredentials, user, addr, err)
		}
		return nil, fmt.Errorf("%w: ssh handshake %s: %v", provider.ErrNoConnection, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{client: ssh.NewClient(cc, chans, reqs)}, nil
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: new session: %v", provider.ErrNoConnection, err)
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	if err := sess.Start(cmd); err != nil {
		return nil, 0, fmt.Errorf("%w: start: %v", provider.ErrNoConnection, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-waitErr
		return nil, 0, ctx.Err()
	case err := <-waitErr:
		if err == nil {
			return stdout.Bytes(), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), exitErr.ExitStatus(), nil
		}
		return nil, 0, fmt.Errorf("%w: %v", provider.ErrNoConnection, err)
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

var _ Dialer = (*SSHDialer)(nil)
