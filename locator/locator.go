// ABOUTME: File locator: walks an instrument's storage root and returns the files whose
// ABOUTME: modification time falls inside a session window.
package locator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389-research/labrecord/activity"
	"github.com/2389-research/labrecord/session/core"
	"github.com/spf13/afero"
)

// Locator finds candidate data files for a session.
type Locator interface {
	Find(ctx context.Context, root string, window core.Window) ([]activity.File, error)
}

// Walker is a Locator over an afero filesystem.
type Walker struct {
	fs afero.Fs
	// Match selects files by path. Nil matches every file.
	match func(path string) bool
	// ignoreDirs are directory base names never descended into.
	ignoreDirs map[string]bool
}

// Option configures a Walker.
type Option func(*Walker)

// WithMatch restricts results to paths for which match returns true.
func WithMatch(match func(path string) bool) Option {
	return func(w *Walker) { w.match = match }
}

// WithExtensions restricts results to the given extensions (with or without
// the leading dot, case-insensitive).
func WithExtensions(exts ...string) Option {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[normalizeExt(e)] = true
	}
	return WithMatch(func(path string) bool {
		return set[normalizeExt(filepath.Ext(path))]
	})
}

// WithIgnoreDirs skips directories with the given base names.
func WithIgnoreDirs(names ...string) Option {
	return func(w *Walker) {
		for _, n := range names {
			w.ignoreDirs[n] = true
		}
	}
}

// New returns a Walker over fsys.
func New(fsys afero.Fs, opts ...Option) *Walker {
	w := &Walker{fs: fsys, ignoreDirs: make(map[string]bool)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Fs returns the filesystem the walker reads.
func (w *Walker) Fs() afero.Fs {
	return w.fs
}

// Find returns regular files under root with a modification time inside
// window (inclusive). Hidden files and directories are skipped. Results are
// in walk order, which is lexical by path.
func (w *Walker) Find(ctx context.Context, root string, window core.Window) ([]activity.File, error) {
	info, err := w.fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat storage root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root %s is not a directory", root)
	}

	var files []activity.File
	err = afero.Walk(w.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := info.Name()
		if info.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || w.ignoreDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || info.Mode()&fs.ModeType != 0 {
			return nil
		}
		if w.match != nil && !w.match(path) {
			return nil
		}
		if !window.Contains(info.ModTime()) {
			return nil
		}
		files = append(files, activity.File{
			Path:    path,
			ModTime: info.ModTime().UTC(),
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
