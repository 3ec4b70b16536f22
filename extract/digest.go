// ABOUTME: BLAKE3 content digests for dataset files, recorded in the experiment record and used
// ABOUTME: as the preview cache key.
package extract

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// Digest returns the hex BLAKE3-256 digest of the file at path.
func Digest(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for digest: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
