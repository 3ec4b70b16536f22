// ABOUTME: Basic extractor used for files without a format-specific extractor in inclusive mode.
// ABOUTME: Reports only what the filesystem knows about the file.
package extract

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/2389-research/labrecord/activity"
	"github.com/spf13/afero"
)

// BasicExtractor records the file's extension and size.
type BasicExtractor struct{}

func (BasicExtractor) Name() string { return "basic" }

func (BasicExtractor) Extract(_ context.Context, fsys afero.Fs, path string) (*activity.Metadata, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return nil, err
	}
	md := activity.NewMetadata()
	md.Set("Extension", strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")))
	md.Set("Size (bytes)", info.Size())
	return md, nil
}
