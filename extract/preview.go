// ABOUTME: Preview thumbnails for dataset files and a digest-keyed cache that writes each
// ABOUTME: thumbnail once as PNG and reuses it across rebuilds of the same session.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	xdraw "golang.org/x/image/draw"
)

// ErrNoPreview indicates the file type has no visual representation.
var ErrNoPreview = errors.New("no preview for file type")

// DefaultPreviewSize is the longest side of a generated thumbnail in pixels.
const DefaultPreviewSize = 500

// Previewer renders a thumbnail image for one file.
type Previewer interface {
	Preview(ctx context.Context, fsys afero.Fs, path string) (image.Image, error)
}

// ImagePreviewer decodes raster files and scales them down.
type ImagePreviewer struct {
	MaxDim   int
	Registry *Registry
}

// Preview decodes path and scales it so its longest side is at most MaxDim.
// Files not handled by the image extractor return ErrNoPreview.
func (p ImagePreviewer) Preview(_ context.Context, fsys afero.Fs, path string) (image.Image, error) {
	if p.Registry != nil {
		if ext, ok := p.Registry.Lookup(path); !ok || ext.Name() != (ImageExtractor{}).Name() {
			return nil, ErrNoPreview
		}
	}
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	maxDim := p.MaxDim
	if maxDim <= 0 {
		maxDim = DefaultPreviewSize
	}
	return Thumbnail(img, maxDim)
}

// Thumbnail scales img down so its longest side is maxDim, keeping aspect
// ratio. Smaller images are returned unchanged.
func Thumbnail(img image.Image, maxDim int) (image.Image, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid image bounds: %dx%d", w, h)
	}

	maxSide := max(w, h)
	if maxSide <= maxDim {
		return img, nil
	}
	scale := float64(maxDim) / float64(maxSide)
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst, nil
}

// PreviewCache writes previews as PNG files named by the source digest under
// a directory, so an unchanged file is never rendered twice. Errors are
// never cached.
type PreviewCache struct {
	previewer Previewer
	out       afero.Fs
	dir       string
	mu        sync.RWMutex
	entries   map[string]string
}

// NewPreviewCache creates a cache writing into dir on out.
func NewPreviewCache(previewer Previewer, out afero.Fs, dir string) *PreviewCache {
	return &PreviewCache{
		previewer: previewer,
		out:       out,
		dir:       dir,
		entries:   make(map[string]string),
	}
}

// Preview returns the path of the preview for the file with the given
// digest, rendering it on a miss.
func (c *PreviewCache) Preview(ctx context.Context, fsys afero.Fs, path, digest string) (string, error) {
	c.mu.RLock()
	if ref, ok := c.entries[digest]; ok {
		c.mu.RUnlock()
		return ref, nil
	}
	c.mu.RUnlock()

	ref := c.pathFor(digest)
	if _, err := c.out.Stat(ref); err == nil {
		c.remember(digest, ref)
		return ref, nil
	}

	img, err := c.previewer.Preview(ctx, fsys, path)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	if err := c.out.MkdirAll(filepath.Dir(ref), 0o755); err != nil {
		return "", fmt.Errorf("create preview dir: %w", err)
	}
	if err := c.writeAtomic(ref, digest, buf.Bytes()); err != nil {
		return "", err
	}

	c.remember(digest, ref)
	return ref, nil
}

// writeAtomic writes data to ref through a temp file unique to this call,
// so concurrent renders of the same digest never share a temp path. Losing
// a rename race to an identical preview is not an error.
func (c *PreviewCache) writeAtomic(ref, digest string, data []byte) error {
	f, err := afero.TempFile(c.out, filepath.Dir(ref), digest+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create preview temp: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = c.out.Remove(tmp)
		return fmt.Errorf("write preview: %w", err)
	}
	if err := c.out.Rename(tmp, ref); err != nil {
		_ = c.out.Remove(tmp)
		if ok, _ := afero.Exists(c.out, ref); ok {
			return nil
		}
		return fmt.Errorf("rename preview: %w", err)
	}
	return nil
}

// Len returns the number of previews remembered in memory.
func (c *PreviewCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *PreviewCache) remember(digest, ref string) {
	c.mu.Lock()
	c.entries[digest] = ref
	c.mu.Unlock()
}

// pathFor fans previews out over 256 subdirectories by digest prefix.
func (c *PreviewCache) pathFor(digest string) string {
	prefix := "00"
	if len(digest) >= 2 {
		prefix = digest[:2]
	}
	return filepath.Join(c.dir, prefix, digest+".png")
}
