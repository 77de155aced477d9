// Package shelltest provides an in-memory remote host for tests of code
// built on shell.Channel.
//
// FakeHost understands exactly the commands shell.Channel issues: script
// push, detached launch, tail reads, pull, exit-code reads and kill. Files
// live in a map keyed by remote path.
package shelltest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/shell"
)

var (
	quotedRe = regexp.MustCompile(`'((?:[^']|'\\'')*)'`)
	tailRe   = regexp.MustCompile(`^tail -c \+(\d+) `)
	headRe   = regexp.MustCompile(`\| head -c (\d+)$`)
)

// LaunchFunc is invoked when a job is launched. dir is the remote job
// directory and cmd the launch command.
type LaunchFunc func(h *FakeHost, dir, cmd string)

// FakeHost implements shell.Dialer over an in-memory filesystem.
type FakeHost struct {
	mu sync.Mutex

	files    map[string][]byte
	dials    int
	commands []string
	launched []string
	killed   []string
	open     int

	// DialErr is returned by Dial when set.
	DialErr error

	// RunErr, when set, fails every command with a transport error.
	RunErr error

	// OnLaunch runs after a launch command is accepted.
	OnLaunch LaunchFunc
}

// New creates an empty host.
func New() *FakeHost {
	return &FakeHost{files: make(map[string][]byte)}
}

// Dial opens a session.
func (h *FakeHost) Dial(ctx context.Context, host provider.HostDescriptor) (shell.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	if h.DialErr != nil {
		return nil, h.DialErr
	}
	h.open++
	return &session{host: h}, nil
}

// Dials returns the number of Dial calls.
func (h *FakeHost) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// OpenSessions returns the number of sessions not yet closed.
func (h *FakeHost) OpenSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

// Commands returns every command run so far.
func (h *FakeHost) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// Launched returns the job directories launched so far.
func (h *FakeHost) Launched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.launched...)
}

// Killed returns the pid files targeted by kill commands.
func (h *FakeHost) Killed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.killed...)
}

// WriteFile replaces a file.
func (h *FakeHost) WriteFile(path string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = append([]byte(nil), data...)
}

// AppendFile appends to a file, creating it if needed.
func (h *FakeHost) AppendFile(path, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = append(h.files[path], data...)
}

// File returns a file's content.
func (h *FakeHost) File(path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[path]
	return append([]byte(nil), data...), ok
}

// SetRunErr changes RunErr under the lock.
func (h *FakeHost) SetRunErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.RunErr = err
}

type session struct {
	host   *FakeHost
	closed bool
}

func (s *session) Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	var in []byte
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, 0, err
		}
		in = data
	}

	h := s.host
	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: session closed", provider.ErrNoConnection)
	}
	if h.RunErr != nil {
		err := h.RunErr
		h.mu.Unlock()
		return nil, 0, err
	}
	h.commands = append(h.commands, cmd)
	out, code, launch, err := h.execLocked(cmd, in)
	onLaunch := h.OnLaunch
	h.mu.Unlock()

	if launch != "" && onLaunch != nil {
		onLaunch(h, launch, cmd)
	}
	return out, code, err
}

func (s *session) Close() error {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.host.open--
	}
	return nil
}

func quotedArgs(cmd string) []string {
	matches := quotedRe.FindAllStringSubmatch(cmd, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.ReplaceAll(m[1], `'\''`, "'"))
	}
	return out
}

// execLocked interprets one command. launch is the job directory when the
// command was a launch.
func (h *FakeHost) execLocked(cmd string, stdin []byte) (out []byte, code int, launch string, err error) {
	args := quotedArgs(cmd)
	switch {
	case strings.HasPrefix(cmd, "mkdir -p ") && strings.Contains(cmd, "cat > "):
		if len(args) < 2 {
			return nil, 2, "", nil
		}
		h.files[args[1]] = append([]byte(nil), stdin...)
		return nil, 0, "", nil

	case strings.HasPrefix(cmd, "cd ") && strings.Contains(cmd, "nohup sh -c "):
		if len(args) < 1 {
			return nil, 2, "", nil
		}
		dir := args[0]
		delete(h.files, dir+"/"+shell.ExitCodeName)
		h.files[dir+"/"+shell.PIDName] = []byte("4242\n")
		if _, ok := h.files[dir+"/"+shell.LogName]; !ok {
			h.files[dir+"/"+shell.LogName] = nil
		}
		h.launched = append(h.launched, dir)
		return nil, 0, dir, nil

	case strings.HasPrefix(cmd, "tail -c +"):
		m := tailRe.FindStringSubmatch(cmd)
		if m == nil || len(args) < 1 {
			return nil, 2, "", nil
		}
		start, _ := strconv.Atoi(m[1])
		data, ok := h.files[args[0]]
		if !ok {
			return nil, 1, "", nil
		}
		from := start - 1
		if from > len(data) {
			from = len(data)
		}
		chunk := data[from:]
		if hm := headRe.FindStringSubmatch(cmd); hm != nil {
			limit, _ := strconv.Atoi(hm[1])
			if limit < len(chunk) {
				chunk = chunk[:limit]
			}
		}
		return append([]byte(nil), chunk...), 0, "", nil

	case strings.HasPrefix(cmd, "if [ -d "):
		if len(args) < 1 {
			return nil, 2, "", nil
		}
		p := args[0]
		if data, ok := h.files[p]; ok {
			return append([]byte(nil), data...), 0, "", nil
		}
		archive, n, err := h.tarDirLocked(p)
		if err != nil {
			return nil, 1, "", nil
		}
		if n == 0 {
			return nil, 2, "", nil
		}
		return archive, 0, "", nil

	case strings.HasPrefix(cmd, "cat "):
		if len(args) < 1 {
			return nil, 2, "", nil
		}
		data, ok := h.files[args[0]]
		if !ok {
			return nil, 1, "", nil
		}
		return append([]byte(nil), data...), 0, "", nil

	case strings.HasPrefix(cmd, "if [ -f ") && strings.Contains(cmd, "kill -TERM"):
		if len(args) >= 1 {
			h.killed = append(h.killed, args[0])
		}
		return nil, 0, "", nil
	}
	return nil, 127, "", errors.New("shelltest: unknown command: " + cmd)
}

func (h *FakeHost) tarDirLocked(dir string) ([]byte, int, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var names []string
	for name := range h.files {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		data := h.files[name]
		hdr := &tar.Header{Name: "./" + strings.TrimPrefix(name, prefix), Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, 0, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, 0, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := gz.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), len(names), nil
}

var _ shell.Dialer = (*FakeHost)(nil)
