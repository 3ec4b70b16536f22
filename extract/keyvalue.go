// ABOUTME: Key-value extractor for INI-style instrument sidecar files ("key = value", "key: value",
// ABOUTME: "[Section]" headers). Numeric values are normalized floats.
package extract

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/2389-research/labrecord/activity"
	"github.com/spf13/afero"
)

// warnDirective introduces a comment line listing keys whose values the
// instrument software is known to write unreliably.
const warnDirective = "warn:"

// KeyValueExtractor parses line-oriented key/value metadata. Keys inside a
// section are prefixed "Section.". A "# warn: A, B" comment flags keys A
// and B as unreliable.
type KeyValueExtractor struct{}

func (KeyValueExtractor) Name() string { return "keyvalue" }

func (KeyValueExtractor) Extract(ctx context.Context, fsys afero.Fs, path string) (*activity.Metadata, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	md := activity.NewMetadata()
	var (
		section string
		warned  []string
		lineNo  int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		if lineNo%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] == '#' || line[0] == ';' {
			body := strings.TrimSpace(line[1:])
			if rest, ok := strings.CutPrefix(body, warnDirective); ok {
				for _, k := range strings.Split(rest, ",") {
					if k = strings.TrimSpace(k); k != "" {
						warned = append(warned, k)
					}
				}
			}
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		key, value, ok := splitKeyValue(line)
		if !ok {
			return nil, fmt.Errorf("line %d: expected key = value", lineNo)
		}
		if section != "" {
			key = section + "." + key
		}
		md.Set(key, parseScalar(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}

	for _, k := range warned {
		md.MarkUnreliable(k)
	}
	return md, nil
}

func splitKeyValue(line string) (string, string, bool) {
	i := strings.IndexAny(line, "=:")
	if i <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

// parseScalar turns a raw value into float64, bool or string.
func parseScalar(s string) any {
	s = strings.Trim(s, `"`)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return NormalizeFloat(f)
	}
	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	return s
}
