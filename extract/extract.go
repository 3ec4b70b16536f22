// ABOUTME: Extractor strategy registry selected by file extension, plus the per-file pipeline that
// ABOUTME: digests, extracts, and previews one file under a timeout.
package extract

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/2389-research/labrecord/activity"
	"github.com/spf13/afero"
)

// ErrTimeout is returned when processing one file exceeds the pipeline timeout.
var ErrTimeout = errors.New("file processing timed out")

// ErrNoExtractor is returned when no extractor is registered for a file.
var ErrNoExtractor = errors.New("no extractor for file type")

// Extractor reads format-specific metadata from one file.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, fsys afero.Fs, path string) (*activity.Metadata, error)
}

// Strategy selects which files the locator hands to extraction.
type Strategy string

const (
	// StrategyExclusive only considers files with a registered extractor.
	StrategyExclusive Strategy = "exclusive"
	// StrategyInclusive considers every file; unknown types get basic metadata.
	StrategyInclusive Strategy = "inclusive"
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case StrategyExclusive, "":
		return StrategyExclusive, nil
	case StrategyInclusive:
		return StrategyInclusive, nil
	}
	return "", fmt.Errorf("unknown file strategy %q", s)
}

// Registry maps lowercase extensions (without dot) to extractors.
type Registry struct {
	byExt    map[string]Extractor
	fallback Extractor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Extractor)}
}

// DefaultRegistry registers the built-in extractors. With the inclusive
// strategy, files without a dedicated extractor get basic file metadata.
func DefaultRegistry(strategy Strategy) *Registry {
	r := NewRegistry()
	img := ImageExtractor{}
	for _, ext := range []string{"tif", "tiff", "png", "jpg", "jpeg", "gif", "bmp", "webp"} {
		r.Register(ext, img)
	}
	kv := KeyValueExtractor{}
	for _, ext := range []string{"txt", "hdr", "ini"} {
		r.Register(ext, kv)
	}
	js := JSONExtractor{}
	for _, ext := range []string{"json", "jsonc"} {
		r.Register(ext, js)
	}
	if strategy == StrategyInclusive {
		r.SetFallback(BasicExtractor{})
	}
	return r
}

// Register binds ext to e, replacing any earlier binding.
func (r *Registry) Register(ext string, e Extractor) {
	r.byExt[normalizeExt(ext)] = e
}

// SetFallback sets the extractor used for unregistered extensions.
func (r *Registry) SetFallback(e Extractor) {
	r.fallback = e
}

// Lookup returns the extractor for path's extension.
func (r *Registry) Lookup(path string) (Extractor, bool) {
	if e, ok := r.byExt[normalizeExt(filepath.Ext(path))]; ok {
		return e, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Known reports whether Lookup would find an extractor for path.
func (r *Registry) Known(path string) bool {
	_, ok := r.Lookup(path)
	return ok
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Pipeline processes the files of a session: digest, metadata, preview.
type Pipeline struct {
	Fs       afero.Fs
	Registry *Registry
	Previews *PreviewCache
	// Timeout bounds the work on one file. Zero means no limit.
	Timeout time.Duration
	// Unreliable keys are flagged on every file's metadata.
	Unreliable []string
}

type fileResult struct {
	digest    string
	extractor string
	metadata  *activity.Metadata
	preview   string
}

// Process fills in f's Digest, Extractor, Metadata and Preview. A file that
// cannot be previewed is not an error; one that cannot be read or parsed is.
func (p *Pipeline) Process(ctx context.Context, f *activity.File) error {
	res, err := withTimeout(ctx, p.Timeout, func(ctx context.Context) (fileResult, error) {
		return p.process(ctx, f.Path)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", f.Path, err)
	}
	f.Digest = res.digest
	f.Extractor = res.extractor
	f.Metadata = res.metadata
	f.Preview = res.preview
	return nil
}

func (p *Pipeline) process(ctx context.Context, path string) (fileResult, error) {
	var res fileResult

	ext, ok := p.Registry.Lookup(path)
	if !ok {
		return res, ErrNoExtractor
	}

	digest, err := Digest(p.Fs, path)
	if err != nil {
		return res, err
	}
	res.digest = digest

	md, err := ext.Extract(ctx, p.Fs, path)
	if err != nil {
		return res, fmt.Errorf("extract with %s: %w", ext.Name(), err)
	}
	if md == nil {
		md = activity.NewMetadata()
	}
	for _, key := range p.Unreliable {
		md.MarkUnreliable(key)
	}
	res.extractor = ext.Name()
	res.metadata = md

	if p.Previews != nil {
		ref, err := p.Previews.Preview(ctx, p.Fs, path, digest)
		if err != nil && !errors.Is(err, ErrNoPreview) {
			return res, fmt.Errorf("preview: %w", err)
		}
		res.preview = ref
	}
	return res, ctx.Err()
}

// withTimeout runs fn and gives up after d. Extractors may block in file
// I/O that ignores ctx, so fn runs in its own goroutine and is abandoned on
// timeout; its result is discarded.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return zero, ctx.Err()
	}
}

// NormalizeFloat rounds f to 12 significant digits so values that differ
// only by binary representation noise compare equal during separation.
func NormalizeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	n, err := strconv.ParseFloat(strconv.FormatFloat(f, 'g', 12, 64), 64)
	if err != nil {
		return f
	}
	return n
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
