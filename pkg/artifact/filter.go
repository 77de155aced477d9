package artifact

import (
	"errors"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is returned when a glob pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Filter selects archive entries by doublestar glob.
//
// An entry is kept when it matches at least one include (or there are no
// includes), matches no exclude, and is not hidden unless IncludeHidden is
// set. Hidden entries have a path segment starting with '.'.
type Filter struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

// NewFilter compiles include and exclude patterns.
func NewFilter(includes, excludes []string, includeHidden bool) (*Filter, error) {
	f := &Filter{includeHidden: includeHidden}
	for _, raw := range includes {
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		f.includes = append(f.includes, p)
	}
	for _, raw := range excludes {
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		f.excludes = append(f.excludes, p)
	}
	return f, nil
}

func compile(raw string) (string, error) {
	p := strings.TrimPrefix(strings.TrimSpace(raw), "./")
	if p == "" || !doublestar.ValidatePattern(p) {
		return "", &PatternError{Pattern: raw, Err: ErrInvalidPattern}
	}
	return p, nil
}

// Match reports whether name (a slash-separated relative path) is kept.
func (f *Filter) Match(name string) bool {
	if f == nil {
		return true
	}
	name = strings.TrimPrefix(path.Clean(name), "./")
	if !f.includeHidden && isHidden(name) {
		return false
	}
	if len(f.includes) > 0 && !anyMatch(f.includes, name) {
		return false
	}
	return !anyMatch(f.excludes, name)
}

func anyMatch(patterns []string, name string) bool {
	for _, p := range patterns {
		// Patterns were validated at construction time.
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func isHidden(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}
