// ABOUTME: Image extractor: reads dimensions and format from raster headers (TIFF, PNG, JPEG,
// ABOUTME: GIF, BMP, WebP) without decoding pixel data.
package extract

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/2389-research/labrecord/activity"
	"github.com/spf13/afero"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageExtractor reports basic raster properties of an image file.
type ImageExtractor struct{}

func (ImageExtractor) Name() string { return "image" }

func (ImageExtractor) Extract(_ context.Context, fsys afero.Fs, path string) (*activity.Metadata, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}

	md := activity.NewMetadata()
	md.Set("Format", format)
	md.Set("Width (px)", cfg.Width)
	md.Set("Height (px)", cfg.Height)
	md.Set("Color Model", colorModelName(cfg))
	return md, nil
}

func colorModelName(cfg image.Config) string {
	if _, ok := cfg.ColorModel.(color.Palette); ok {
		return "paletted"
	}
	switch cfg.ColorModel {
	case color.GrayModel:
		return "gray8"
	case color.Gray16Model:
		return "gray16"
	case color.RGBAModel:
		return "rgba8"
	case color.RGBA64Model:
		return "rgba16"
	case color.NRGBAModel:
		return "nrgba8"
	case color.NRGBA64Model:
		return "nrgba16"
	case color.YCbCrModel:
		return "ycbcr"
	case color.CMYKModel:
		return "cmyk"
	}
	return "unknown"
}
