// Package follow turns a growing remote log into a lazy sequence of lines.
//
// A Follower repeatedly reads whatever was appended past its offset and
// splits it into lines. The remote file never reaches EOF while the producer
// is alive, so the sequence ends only when a paired status check reports a
// terminal state; one final read then drains lines written meanwhile.
package follow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/pkg/provider"
)

// Default timings.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultReadTimeout  = 10 * time.Second
)

// maxDrainAttempts bounds retries of the final read after a terminal status.
const maxDrainAttempts = 3

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("follow: stream closed")

// LineStream is a lazy, non-restartable sequence of lines.
//
// Next blocks until a line is available and returns io.EOF once the
// sequence has ended. Implementations are not safe for concurrent Next calls.
type LineStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Source returns the bytes appended to a log past offset.
type Source interface {
	ReadFrom(ctx context.Context, offset int64) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, offset int64) ([]byte, error)

// ReadFrom calls f.
func (f SourceFunc) ReadFrom(ctx context.Context, offset int64) ([]byte, error) {
	return f(ctx, offset)
}

// DoneFunc reports whether the producer has reached a terminal state.
type DoneFunc func(ctx context.Context) (bool, error)

// Options tune a Follower.
type Options struct {
	// PollInterval is the wait between reads that produced no new line.
	PollInterval time.Duration

	// ReadTimeout bounds each individual read.
	ReadTimeout time.Duration

	// Offset is the starting byte offset.
	Offset int64

	Logger *zap.Logger
}

// Follower implements LineStream over a Source and a DoneFunc.
type Follower struct {
	src  Source
	done DoneFunc
	opts Options
	log  *zap.Logger

	offset   int64
	partial  []byte
	pending  []string
	draining bool
	finished bool
	closed   bool

	drainFailures int
}

// New creates a Follower. done may be nil, in which case the stream never
// ends on its own.
func New(src Source, done DoneFunc, opts Options) *Follower {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Follower{
		src:    src,
		done:   done,
		opts:   opts,
		log:    log,
		offset: opts.Offset,
	}
}

// Offset returns the number of bytes consumed so far.
func (f *Follower) Offset() int64 {
	return f.offset
}

// Next returns the next line.
func (f *Follower) Next(ctx context.Context) (string, error) {
	for {
		if f.closed {
			return "", ErrClosed
		}
		if len(f.pending) > 0 {
			line := f.pending[0]
			f.pending = f.pending[1:]
			return line, nil
		}
		if f.finished {
			return "", io.EOF
		}

		got, ok, err := f.read(ctx)
		if err != nil {
			return "", err
		}
		if got {
			continue
		}

		if f.draining && (ok || f.drainFailures >= maxDrainAttempts) {
			f.finished = true
			if len(f.partial) > 0 {
				f.pending = append(f.pending, trimCR(string(f.partial)))
				f.partial = nil
			}
			continue
		}

		if f.draining {
			f.drainFailures++
		} else if f.done != nil {
			terminal, err := f.done(ctx)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return "", ctx.Err()
			case provider.IsTransient(err):
				f.log.Debug("status check failed, continuing", zap.Error(err))
			default:
				return "", err
			}
			if terminal {
				f.draining = true
				continue
			}
		}

		timer := time.NewTimer(f.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// read performs one bounded read. It reports whether complete lines were
// queued and whether the read itself succeeded.
func (f *Follower) read(ctx context.Context) (queued, ok bool, err error) {
	readCtx, cancel := context.WithTimeout(ctx, f.opts.ReadTimeout)
	data, err := f.src.ReadFrom(readCtx, f.offset)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, false, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || provider.IsTransient(err) {
			f.log.Debug("log read failed, retrying", zap.Int64("offset", f.offset), zap.Error(err))
			return false, false, nil
		}
		return false, false, err
	}
	if len(data) == 0 {
		return false, true, nil
	}

	f.offset += int64(len(data))
	f.partial = append(f.partial, data...)

	for {
		idx := bytes.IndexByte(f.partial, '\n')
		if idx < 0 {
			break
		}
		f.pending = append(f.pending, trimCR(string(f.partial[:idx])))
		f.partial = f.partial[idx+1:]
		queued = true
	}
	if len(f.partial) == 0 {
		f.partial = nil
	}
	return queued, true, nil
}

// Close ends the stream. Subsequent Next calls return ErrClosed.
func (f *Follower) Close() error {
	f.closed = true
	f.pending = nil
	f.partial = nil
	return nil
}

func trimCR(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\r' {
		return s[:n-1]
	}
	return s
}

// Collect drains a stream into a slice. Intended for short, terminating
// streams such as completed jobs.
func Collect(ctx context.Context, s LineStream) ([]string, error) {
	var out []string
	for {
		line, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, line)
	}
}

var _ LineStream = (*Follower)(nil)
