// ABOUTME: JSON sidecar extractor: accepts JSON with comments and trailing commas, flattens nested
// ABOUTME: objects into dotted keys in document order, and honours a "_warnings" key list.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389-research/labrecord/activity"
	"github.com/spf13/afero"
	"github.com/tidwall/jsonc"
)

// warningsKey is the top-level key listing unreliable keys.
const warningsKey = "_warnings"

// JSONExtractor reads metadata from a JSON or JSONC document whose top level
// is an object.
type JSONExtractor struct{}

func (JSONExtractor) Name() string { return "json" }

func (JSONExtractor) Extract(_ context.Context, fsys afero.Fs, path string) (*activity.Metadata, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	return ParseJSON(data)
}

// ParseJSON flattens a JSONC object into Metadata.
func ParseJSON(data []byte) (*activity.Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("parse json: top level must be an object")
	}

	md := activity.NewMetadata()
	var warned []string
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		if key == warningsKey {
			if err := dec.Decode(&warned); err != nil {
				return nil, fmt.Errorf("parse %s: %w", warningsKey, err)
			}
			continue
		}
		if err := flatten(dec, key, md); err != nil {
			return nil, err
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	for _, k := range warned {
		md.MarkUnreliable(k)
	}
	return md, nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("parse json: expected object key, got %v", tok)
	}
	return key, nil
}

// flatten reads the next value from dec and stores it under key. Nested
// objects are expanded into "key.child" entries.
func flatten(dec *json.Decoder, key string, md *activity.Metadata) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("parse json at %s: %w", key, err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			for dec.More() {
				child, err := readKey(dec)
				if err != nil {
					return err
				}
				if err := flatten(dec, key+"."+child, md); err != nil {
					return err
				}
			}
			_, err := dec.Token()
			return err
		case '[':
			var items []any
			for dec.More() {
				var v any
				if err := dec.Decode(&v); err != nil {
					return fmt.Errorf("parse json at %s: %w", key, err)
				}
				items = append(items, normalizeJSON(v))
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			md.Set(key, items)
		}
	default:
		md.Set(key, normalizeJSON(t))
	}
	return nil
}

// normalizeJSON converts json.Number to normalized float64, recursively.
func normalizeJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return NormalizeFloat(f)
	case []any:
		for i := range x {
			x[i] = normalizeJSON(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeJSON(x[k])
		}
		return x
	}
	return v
}
