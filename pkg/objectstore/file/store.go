// Package file implements objectstore.Store on a local directory.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/tunedispatch/pkg/objectstore"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

// Store keeps objects as files under BaseDir; keys are slash-separated
// relative paths.
type Store struct {
	baseDir string
}

var _ objectstore.Store = (*Store)(nil)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return &provider.ConfigError{Field: "BaseDir", Message: "base dir is required"}
	}
	return nil
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Clean(cfg.BaseDir))
	if err != nil {
		return nil, &provider.ConfigError{Field: "BaseDir", Message: err.Error()}
	}
	return &Store{baseDir: base}, nil
}

// BaseDir returns the absolute root directory.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) Close() error { return nil }

func (s *Store) URI(key string) string {
	full, err := s.fullPath(key)
	if err != nil {
		full = s.baseDir
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(full)}
	return u.String()
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_ = size
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tunedispatch-put-*")
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return nil, 0, s.wrapError("Get", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, s.wrapError("Get", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, s.wrapError("Get", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, s.wrapError("Get", key, os.ErrNotExist)
	}
	return f, st.Size(), nil
}

func (s *Store) Head(ctx context.Context, key string) (*objectstore.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return nil, s.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, s.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, s.wrapError("Head", key, os.ErrNotExist)
	}
	return &objectstore.ObjectInfo{
		Key:          strings.TrimPrefix(key, "/"),
		Size:         st.Size(),
		LastModified: st.ModTime(),
	}, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix = strings.TrimPrefix(prefix, "/")

	// Walk the deepest directory the prefix names, then filter by the
	// remaining partial segment.
	dir := prefix
	if !strings.HasSuffix(dir, "/") {
		if i := strings.LastIndex(dir, "/"); i >= 0 {
			dir = dir[:i]
		} else {
			dir = ""
		}
	}
	root, err := s.fullPath(dir)
	if err != nil {
		return nil, s.wrapError("List", prefix, err)
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []objectstore.ObjectInfo{}, nil
		}
		return nil, s.wrapError("List", prefix, err)
	}

	var out []objectstore.ObjectInfo
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tunedispatch-put-") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, objectstore.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return nil, s.wrapError("List", prefix, walkErr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s.wrapError("Delete", key, err)
	}
	return nil
}

func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: invalid key path %q", provider.ErrInvalidConfig, key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &objectstore.Error{Op: op, Backend: objectstore.BackendFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = provider.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
