// ABOUTME: Tests for the extractor registry, built-in extractors, digests, previews, and the
// ABOUTME: per-file pipeline including its timeout.
package extract_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/labrecord/activity"
	"github.com/2389-research/labrecord/extract"
	"github.com/spf13/afero"
)

func writePNG(t *testing.T, fsys afero.Fs, path string, w, h int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.SetGray(x, x%h, color.Gray{Y: 200})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if err := afero.WriteFile(fsys, path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRegistryLookupByExtension(t *testing.T) {
	r := extract.DefaultRegistry(extract.StrategyExclusive)

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/d/a.tif", "image", true},
		{"/d/a.TIFF", "image", true},
		{"/d/a.json", "json", true},
		{"/d/a.hdr", "keyvalue", true},
		{"/d/a.dm3", "", false},
	}
	for _, tt := range tests {
		e, ok := r.Lookup(tt.path)
		if ok != tt.ok {
			t.Errorf("Lookup(%s) ok = %v, want %v", tt.path, ok, tt.ok)
			continue
		}
		if ok && e.Name() != tt.want {
			t.Errorf("Lookup(%s) = %s, want %s", tt.path, e.Name(), tt.want)
		}
	}

	inclusive := extract.DefaultRegistry(extract.StrategyInclusive)
	if e, ok := inclusive.Lookup("/d/a.dm3"); !ok || e.Name() != "basic" {
		t.Errorf("inclusive fallback = %v, %v", e, ok)
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := extract.ParseStrategy(""); err != nil || s != extract.StrategyExclusive {
		t.Errorf("empty strategy = %q, %v", s, err)
	}
	if s, err := extract.ParseStrategy("Inclusive"); err != nil || s != extract.StrategyInclusive {
		t.Errorf("Inclusive = %q, %v", s, err)
	}
	if _, err := extract.ParseStrategy("greedy"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestKeyValueExtractor(t *testing.T) {
	fsys := afero.NewMemMapFs()
	content := `# exported by acquisition software
# warn: Stage.Z
HV = 200000
Mode: STEM

[Stage]
X = 0.10000000000000002
Z = -12.5
Locked = yes
`
	if err := afero.WriteFile(fsys, "/d/a.hdr", []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	md, err := extract.KeyValueExtractor{}.Extract(context.Background(), fsys, "/d/a.hdr")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := []string{"HV", "Mode", "Stage.X", "Stage.Z", "Stage.Locked"}
	if got := md.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if v, _ := md.Get("HV"); v != 200000.0 {
		t.Errorf("HV = %v (%T)", v, v)
	}
	if v, _ := md.Get("Stage.X"); v != 0.1 {
		t.Errorf("Stage.X = %v, want normalized 0.1", v)
	}
	if v, _ := md.Get("Stage.Locked"); v != true {
		t.Errorf("Stage.Locked = %v", v)
	}
	if !md.Unreliable("Stage.Z") {
		t.Error("Stage.Z should be flagged unreliable")
	}
}

func TestKeyValueExtractorRejectsGarbage(t *testing.T) {
	fsys := afero.NewMemMapFs()
	_ = afero.WriteFile(fsys, "/d/a.txt", []byte("no separator here\n"), 0o644)
	if _, err := (extract.KeyValueExtractor{}).Extract(context.Background(), fsys, "/d/a.txt"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseJSONFlattensInOrder(t *testing.T) {
	doc := []byte(`{
		// comments are allowed
		"Voltage": "200kV",
		"Optics": {"Spot": 3, "Aperture": {"Condenser": 50}},
		"Shape": [1024, 1024],
		"Drift": 0.30000000000000004,
		"_warnings": ["Drift"],
	}`)

	md, err := extract.ParseJSON(doc)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	want := []string{"Voltage", "Optics.Spot", "Optics.Aperture.Condenser", "Shape", "Drift"}
	if got := md.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if v, _ := md.Get("Shape"); !reflect.DeepEqual(v, []any{1024.0, 1024.0}) {
		t.Errorf("Shape = %#v", v)
	}
	if v, _ := md.Get("Drift"); v != 0.3 {
		t.Errorf("Drift = %v, want 0.3", v)
	}
	if !md.Unreliable("Drift") {
		t.Error("Drift should be unreliable")
	}
	if md.Has("_warnings") {
		t.Error("_warnings should not be stored as metadata")
	}
}

func TestParseJSONRejectsNonObject(t *testing.T) {
	if _, err := extract.ParseJSON([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for array document")
	}
}

func TestImageExtractor(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writePNG(t, fsys, "/d/a.png", 64, 32)

	md, err := extract.ImageExtractor{}.Extract(context.Background(), fsys, "/d/a.png")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v, _ := md.Get("Format"); v != "png" {
		t.Errorf("Format = %v", v)
	}
	if v, _ := md.Get("Width (px)"); v != 64 {
		t.Errorf("Width = %v", v)
	}
	if v, _ := md.Get("Color Model"); v != "gray8" {
		t.Errorf("Color Model = %v", v)
	}
}

func TestDigestIsContentAddressed(t *testing.T) {
	fsys := afero.NewMemMapFs()
	_ = afero.WriteFile(fsys, "/a", []byte("same"), 0o644)
	_ = afero.WriteFile(fsys, "/b", []byte("same"), 0o644)
	_ = afero.WriteFile(fsys, "/c", []byte("different"), 0o644)

	a, err := extract.Digest(fsys, "/a")
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	b, _ := extract.Digest(fsys, "/b")
	c, _ := extract.Digest(fsys, "/c")
	if a != b || a == c {
		t.Errorf("digests a=%s b=%s c=%s", a, b, c)
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
}

func TestPreviewCacheScalesAndReuses(t *testing.T) {
	src := afero.NewMemMapFs()
	out := afero.NewMemMapFs()
	writePNG(t, src, "/d/big.png", 1000, 400)

	reg := extract.DefaultRegistry(extract.StrategyExclusive)
	cache := extract.NewPreviewCache(extract.ImagePreviewer{Registry: reg}, out, "/previews")
	digest, _ := extract.Digest(src, "/d/big.png")

	ref, err := cache.Preview(context.Background(), src, "/d/big.png", digest)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	f, err := out.Open(ref)
	if err != nil {
		t.Fatalf("open preview: %v", err)
	}
	cfg, err := png.DecodeConfig(f)
	_ = f.Close()
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if cfg.Width != 500 || cfg.Height != 200 {
		t.Errorf("preview size = %dx%d, want 500x200", cfg.Width, cfg.Height)
	}

	// A fresh cache over the same directory finds the file without rendering.
	again := extract.NewPreviewCache(failingPreviewer{}, out, "/previews")
	ref2, err := again.Preview(context.Background(), src, "/d/big.png", digest)
	if err != nil || ref2 != ref {
		t.Fatalf("second preview = %q, %v; want %q", ref2, err, ref)
	}
}

func TestPreviewCacheConcurrentRenders(t *testing.T) {
	src := afero.NewMemMapFs()
	writePNG(t, src, "/d/frame.png", 640, 480)
	digest, err := extract.Digest(src, "/d/frame.png")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	out := afero.NewOsFs()
	reg := extract.DefaultRegistry(extract.StrategyExclusive)

	// Separate caches share nothing in memory, like two builder workers.
	const n = 8
	refs := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache := extract.NewPreviewCache(extract.ImagePreviewer{Registry: reg}, out, dir)
			refs[i], errs[i] = cache.Preview(context.Background(), src, "/d/frame.png", digest)
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("render %d: %v", i, errs[i])
		}
		if refs[i] != refs[0] {
			t.Errorf("render %d ref = %s, want %s", i, refs[i], refs[0])
		}
	}
	if _, err := png.DecodeConfig(mustOpen(t, refs[0])); err != nil {
		t.Errorf("preview unreadable: %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(refs[0]), "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestImagePreviewerSkipsNonImages(t *testing.T) {
	fsys := afero.NewMemMapFs()
	_ = afero.WriteFile(fsys, "/d/a.json", []byte(`{}`), 0o644)
	p := extract.ImagePreviewer{Registry: extract.DefaultRegistry(extract.StrategyExclusive)}
	if _, err := p.Preview(context.Background(), fsys, "/d/a.json"); !errors.Is(err, extract.ErrNoPreview) {
		t.Fatalf("expected ErrNoPreview, got %v", err)
	}
}

type failingPreviewer struct{}

func (failingPreviewer) Preview(context.Context, afero.Fs, string) (image.Image, error) {
	return nil, errors.New("should not render")
}

type blockingExtractor struct{ release chan struct{} }

func (blockingExtractor) Name() string { return "blocking" }

func (b blockingExtractor) Extract(context.Context, afero.Fs, string) (*activity.Metadata, error) {
	<-b.release
	return activity.NewMetadata(), nil
}

func TestPipelineProcess(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writePNG(t, fsys, "/d/a.png", 10, 10)
	reg := extract.DefaultRegistry(extract.StrategyExclusive)
	p := &extract.Pipeline{
		Fs:         fsys,
		Registry:   reg,
		Previews:   extract.NewPreviewCache(extract.ImagePreviewer{Registry: reg}, afero.NewMemMapFs(), "/previews"),
		Timeout:    time.Minute,
		Unreliable: []string{"Format"},
	}

	f := activity.File{Path: "/d/a.png"}
	if err := p.Process(context.Background(), &f); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if f.Extractor != "image" || f.Digest == "" || f.Preview == "" {
		t.Errorf("file = %+v", f)
	}
	if !f.Metadata.Unreliable("Format") {
		t.Error("configured unreliable key should be flagged")
	}
}

func TestPipelineTimeout(t *testing.T) {
	fsys := afero.NewMemMapFs()
	_ = afero.WriteFile(fsys, "/d/a.slow", []byte("x"), 0o644)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	reg := extract.NewRegistry()
	reg.Register("slow", blockingExtractor{release: release})
	p := &extract.Pipeline{Fs: fsys, Registry: reg, Timeout: 20 * time.Millisecond}

	f := activity.File{Path: "/d/a.slow"}
	err := p.Process(context.Background(), &f)
	if !errors.Is(err, extract.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if f.Metadata != nil {
		t.Error("timed-out file should not be modified")
	}
}

func TestPipelineNoExtractor(t *testing.T) {
	fsys := afero.NewMemMapFs()
	_ = afero.WriteFile(fsys, "/d/a.dm3", []byte("x"), 0o644)
	p := &extract.Pipeline{Fs: fsys, Registry: extract.DefaultRegistry(extract.StrategyExclusive)}
	f := activity.File{Path: "/d/a.dm3"}
	if err := p.Process(context.Background(), &f); !errors.Is(err, extract.ErrNoExtractor) {
		t.Fatalf("expected ErrNoExtractor, got %v", err)
	}
}

func TestNormalizeFloat(t *testing.T) {
	if extract.NormalizeFloat(0.1+0.2) != 0.3 {
		t.Error("0.1+0.2 should normalize to 0.3")
	}
	if extract.NormalizeFloat(200000) != 200000 {
		t.Error("integers should be unchanged")
	}
}
