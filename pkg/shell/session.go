// Package shell is the remote shell channel to a provisioned host.
//
// It pushes a training script, starts it as a detached background process
// with output redirected to a known log, follows that log while the job
// runs, and packages the result directory back as bytes. Sessions are
// cached per job; a missing session is reopened once per operation from the
// job's last known host before the operation fails with ErrNoConnection.
package shell

import (
	"context"
	"io"

	"github.com/3leaps/tunedispatch/pkg/provider"
)

// Session runs commands on one remote host.
type Session interface {
	// Run executes cmd, feeding stdin if non-nil, and returns stdout and the
	// exit code. A non-zero exit is not an error. err is reserved for
	// transport failures and context cancellation.
	Run(ctx context.Context, cmd string, stdin io.Reader) (stdout []byte, exitCode int, err error)

	Close() error
}

// Dialer opens sessions. Dial never retries; callers decide.
type Dialer interface {
	Dial(ctx context.Context, host provider.HostDescriptor) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host provider.HostDescriptor) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, host provider.HostDescriptor) (Session, error) {
	return f(ctx, host)
}
