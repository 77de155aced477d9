// Package artifact unpacks pulled training results onto local disk.
//
// A pulled artifact is either a gzip-compressed tar archive (the remote
// output was a directory) or the raw bytes of a single file.
package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrUnsafePath indicates an archive entry would land outside the destination.
	ErrUnsafePath = errors.New("archive entry escapes destination")

	// ErrTooLarge indicates the extracted size exceeded Options.MaxBytes.
	ErrTooLarge = errors.New("artifact exceeds size limit")
)

// DefaultFileName names the output of a non-archive artifact.
const DefaultFileName = "artifact"

// Options tune extraction.
type Options struct {
	Include       []string
	Exclude       []string
	IncludeHidden bool

	// Overwrite replaces existing files; otherwise an existing file fails
	// the extraction.
	Overwrite bool

	// MaxBytes caps the total extracted size. Zero means no limit.
	MaxBytes int64

	// FileName is used when the artifact is a single raw file.
	FileName string

	Logger *zap.Logger
}

// Result summarizes an extraction.
type Result struct {
	Files   []string `json:"files"`
	Bytes   int64    `json:"bytes"`
	Skipped int      `json:"skipped"`
}

// Entry describes one archive member.
type Entry struct {
	Name string      `json:"name"`
	Size int64       `json:"size"`
	Mode fs.FileMode `json:"mode"`
	Dir  bool        `json:"dir,omitempty"`
}

// IsArchive reports whether data starts with the gzip magic number.
func IsArchive(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Entries lists the members of a tar.gz artifact without extracting.
func Entries(data []byte) ([]Entry, error) {
	tr, closeFn, err := openTar(data)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var out []Entry
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		name := cleanName(hdr.Name)
		if name == "" {
			continue
		}
		out = append(out, Entry{
			Name: name,
			Size: hdr.Size,
			Mode: hdr.FileInfo().Mode(),
			Dir:  hdr.Typeflag == tar.TypeDir,
		})
	}
}

// Extract writes the artifact under dest.
func Extract(ctx context.Context, data []byte, dest string, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	filter, err := NewFilter(opts.Include, opts.Exclude, opts.IncludeHidden)
	if err != nil {
		return nil, err
	}
	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}

	res := &Result{}
	if !IsArchive(data) {
		name := opts.FileName
		if name == "" {
			name = DefaultFileName
		}
		if !filter.Match(name) {
			res.Skipped++
			return res, nil
		}
		if opts.MaxBytes > 0 && int64(len(data)) > opts.MaxBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return nil, err
		}
		if _, err := writeFile(target, bytes.NewReader(data), 0o644, opts.Overwrite, -1); err != nil {
			return nil, err
		}
		res.Files = append(res.Files, name)
		res.Bytes = int64(len(data))
		return res, nil
	}

	tr, closeFn, err := openTar(data)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read archive: %w", err)
		}

		name := cleanName(hdr.Name)
		if name == "" || hdr.Typeflag == tar.TypeDir {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			// Links and devices are never materialized.
			log.Debug("artifact entry skipped", zap.String("name", name), zap.Uint8("type", hdr.Typeflag))
			res.Skipped++
			continue
		}
		if !filter.Match(name) {
			res.Skipped++
			continue
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return res, err
		}

		limit := int64(-1)
		if opts.MaxBytes > 0 {
			limit = opts.MaxBytes - res.Bytes
		}
		n, err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()|0o600, opts.Overwrite, limit)
		if err != nil {
			return res, err
		}
		res.Files = append(res.Files, name)
		res.Bytes += n
	}

	log.Debug("artifact extracted", zap.String("dest", dest), zap.Int("files", len(res.Files)), zap.Int64("bytes", res.Bytes))
	return res, nil
}

func openTar(data []byte) (*tar.Reader, func(), error) {
	if !IsArchive(data) {
		return nil, nil, fmt.Errorf("artifact is not a gzip archive")
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	return tar.NewReader(gz), func() { _ = gz.Close() }, nil
}

// cleanName normalizes "./a/b" and "a//b" to "a/b"; the archive root
// itself becomes "".
func cleanName(name string) string {
	name = path.Clean(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimPrefix(name, "./")
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func safeJoin(dest, name string) (string, error) {
	if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !strings.HasPrefix(target, dest+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

// writeFile copies r to target. limit < 0 means unlimited.
func writeFile(target string, r io.Reader, perm fs.FileMode, overwrite bool, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(target, flags, perm)
	if err != nil {
		return 0, err
	}

	src := r
	if limit >= 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if limit >= 0 && n > limit {
		_ = os.Remove(target)
		return n, fmt.Errorf("%w: %s", ErrTooLarge, filepath.Base(target))
	}
	return n, nil
}
