package shell_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tunedispatch/pkg/follow"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/shell"
	"github.com/3leaps/tunedispatch/pkg/shell/shelltest"
)

var testHost = &provider.HostDescriptor{Address: "10.0.0.9", User: "ml"}

func newChannel(h *shelltest.FakeHost) *shell.Channel {
	return shell.NewChannel(h, shell.Config{PollInterval: time.Millisecond, ReadTimeout: time.Second})
}

func TestChannel_Paths(t *testing.T) {
	c := shell.NewChannel(shelltest.New(), shell.Config{RemoteRoot: "/srv/jobs"})
	p := c.Paths("job-1")

	assert.Equal(t, "/srv/jobs/job-1", p.Dir)
	assert.Equal(t, "/srv/jobs/job-1/train.sh", p.Script)
	assert.Equal(t, "/srv/jobs/job-1/train.log", p.Log)
	assert.Equal(t, "/srv/jobs/job-1/exit_code", p.ExitCode)
}

func TestChannel_PushAndLaunch(t *testing.T) {
	h := shelltest.New()
	c := newChannel(h)
	ctx := context.Background()

	require.NoError(t, c.PushAndLaunch(ctx, "job-1", testHost, []byte("#!/bin/sh\necho hi\n"), "python train.py --it's"))

	p := c.Paths("job-1")
	script, ok := h.File(p.Script)
	require.True(t, ok)
	assert.Equal(t, "#!/bin/sh\necho hi\n", string(script))
	assert.Equal(t, []string{p.Dir}, h.Launched())
	assert.Equal(t, 1, h.Dials(), "one session serves both commands")

	cmds := h.Commands()
	require.Len(t, cmds, 2)
	assert.Contains(t, cmds[1], "nohup sh -c ")
	assert.Contains(t, cmds[1], "> train.log 2>&1")
	assert.Contains(t, cmds[1], `it'\''s`)
	assert.Contains(t, cmds[1], "echo $? > exit_code")
}

func TestChannel_TailReconnectsExactlyOnce(t *testing.T) {
	h := shelltest.New()
	c := newChannel(h)
	p := c.Paths("job-1")
	h.AppendFile(p.Log, "Loading model...\nTraining complete!\n")

	require.False(t, c.HasSession("job-1"))

	var terminal atomic.Bool
	stream, err := c.Tail(context.Background(), "job-1", testHost, "", func(ctx context.Context) (bool, error) {
		return terminal.Load(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.Dials(), "session opened before any line")

	ctx := context.Background()
	first, err := stream.Next(ctx)
	require.NoError(t, err)
	second, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Loading model...", "Training complete!"}, []string{first, second})

	terminal.Store(true)
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, h.Dials())
}

func TestChannel_TailWithoutHostFailsWithoutDialing(t *testing.T) {
	h := shelltest.New()
	c := newChannel(h)

	_, err := c.Tail(context.Background(), "job-1", nil, "", nil)
	assert.ErrorIs(t, err, provider.ErrNoConnection)

	_, err = c.Tail(context.Background(), "job-1", &provider.HostDescriptor{}, "", nil)
	assert.ErrorIs(t, err, provider.ErrNoConnection)
	assert.Zero(t, h.Dials())
}

func TestChannel_ReconnectFailureIsNoConnection(t *testing.T) {
	h := shelltest.New()
	h.DialErr = errors.New("connection refused")
	c := newChannel(h)

	_, err := c.Pull(context.Background(), "job-1", testHost, "out")
	assert.ErrorIs(t, err, provider.ErrNoConnection)
	assert.Equal(t, 1, h.Dials(), "exactly one attempt")
}

func TestChannel_TailKeepsIteratingWithoutTerminalStatus(t *testing.T) {
	h := shelltest.New()
	c := newChannel(h)
	p := c.Paths("job-1")

	stream, err := c.Tail(context.Background(), "job-1", testHost, p.Log, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.AppendFile(p.Log, "step\n")
		line, err := stream.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "step", line)
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = stream.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_TransportFailureDropsSession(t *testing.T) {
	h := shelltest.New()
	c := newChannel(h)
	ctx := context.Background()

	require.NoError(t, c.Open(ctx, "job-1", *testHost))
	require.True(t, c.HasSession("job-1"))

	h.SetRunErr(provider.ErrNoConnection)
	_, _, err := c.ExitStatus(ctx, "job-1", testHost)
	assert.ErrorIs(t, err, provider.ErrNoConnection)
	assert.False(t, c.HasSession("job-1"))

	h.SetRunErr(nil)
	_, done, err := c.ExitStatus(ctx, "job-1", testHost)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 2, h.Dials())
}

func TestChannel_PullDirectory(t *testing.T) {
	h := shelltest.New()
	c := newChannel(h)
	h.WriteFile("out/adapter_model.bin", []byte("weights"))
	h.WriteFile("out/adapter_config.json", []byte(`{"r":8}`))

	data, err := c.Pull(context.Background(), "job-1", testHost, "out")
	require.NoError(t, err)
	require.NotEmpty(t, data)

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, strings.TrimPrefix(hdr.Name, "./"))
	}
	assert.ElementsMatch(t, []string{"adapter_model.bin", "adapter_config.json"}, names)
}

func TestChannel_PullFileAndMissing(t *testing.T) {
	h := shelltest.New()
	c := newChannel(h)
	h.WriteFile("model.safetensors", []byte("raw"))

	data, err := c.Pull(context.Background(), "job-1", testHost, "model.safetensors")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), data)

	_, err = c.Pull(context.Background(), "job-1", testHost, "nope")
	assert.True(t, provider.IsNotFound(err))

	_, err = c.Pull(context.Background(), "job-1", testHost, "")
	assert.True(t, provider.IsConfigError(err))
}

func TestChannel_ExitStatusAndKill(t *testing.T) {
	h := shelltest.New()
	c := newChannel(h)
	ctx := context.Background()
	p := c.Paths("job-1")

	_, done, err := c.ExitStatus(ctx, "job-1", testHost)
	require.NoError(t, err)
	assert.False(t, done)

	h.WriteFile(p.ExitCode, []byte("3\n"))
	code, done, err := c.ExitStatus(ctx, "job-1", testHost)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 3, code)

	h.WriteFile(p.ExitCode, []byte("garbage"))
	_, _, err = c.ExitStatus(ctx, "job-1", testHost)
	assert.Error(t, err)

	require.NoError(t, c.Kill(ctx, "job-1", testHost))
	assert.Equal(t, []string{p.PID}, h.Killed())
}

func TestChannel_CloseIsNotAStateChange(t *testing.T) {
	h := shelltest.New()
	c := newChannel(h)
	ctx := context.Background()

	require.NoError(t, c.Open(ctx, "a", *testHost))
	require.NoError(t, c.Open(ctx, "b", *testHost))
	require.NoError(t, c.Open(ctx, "b", *testHost))
	assert.Equal(t, 2, h.OpenSessions(), "reopening replaces the old session")

	require.NoError(t, c.Close("a"))
	require.NoError(t, c.Close("a"))
	assert.False(t, c.HasSession("a"))

	require.NoError(t, c.CloseAll())
	assert.Zero(t, h.OpenSessions())
}

func TestChannel_RejectsUnsafeJobIDs(t *testing.T) {
	c := newChannel(shelltest.New())
	for _, id := range []string{"", "..", "a/b"} {
		err := c.PushAndLaunch(context.Background(), id, testHost, nil, "")
		assert.True(t, provider.IsConfigError(err), "id %q", id)
	}
}

func TestCollectAfterTerminal(t *testing.T) {
	h := shelltest.New()
	c := newChannel(h)
	p := c.Paths("job-1")
	h.AppendFile(p.Log, "a\nb\n")

	stream, err := c.Tail(context.Background(), "job-1", testHost, "", func(ctx context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)

	lines, err := follow.Collect(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
}
