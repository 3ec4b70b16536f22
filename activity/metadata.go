// ABOUTME: Metadata is an insertion-ordered key/value map produced by extractors for one file.
// ABOUTME: Keys may carry an "unreliable" flag that is passed through separation to the record.
package activity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Metadata is a flat mapping of string keys to scalar values that remembers
// the order keys were first set. The zero value is not usable; call
// NewMetadata.
type Metadata struct {
	keys       []string
	values     map[string]any
	unreliable map[string]bool
}

// NewMetadata returns an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{
		values:     make(map[string]any),
		unreliable: make(map[string]bool),
	}
}

// Set stores v under key. A new key is appended to the key order; an
// existing key keeps its position.
func (m *Metadata) Set(key string, v any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Get returns the value for key.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Metadata) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes key and its unreliable flag.
func (m *Metadata) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	delete(m.unreliable, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in first-set order. The slice is a copy.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of keys.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// MarkUnreliable flags key as carrying a value the extractor does not trust.
// Flagging a key that is not present is a no-op.
func (m *Metadata) MarkUnreliable(key string) {
	if _, ok := m.values[key]; ok {
		m.unreliable[key] = true
	}
}

// Unreliable reports whether key has been flagged.
func (m *Metadata) Unreliable(key string) bool {
	if m == nil {
		return false
	}
	return m.unreliable[key]
}

// UnreliableKeys returns flagged keys in key order.
func (m *Metadata) UnreliableKeys() []string {
	if m == nil {
		return nil
	}
	var out []string
	for _, k := range m.keys {
		if m.unreliable[k] {
			out = append(out, k)
		}
	}
	return out
}

// Clone returns a deep copy of the key order and flags. Values are copied
// by assignment.
func (m *Metadata) Clone() *Metadata {
	c := NewMetadata()
	if m == nil {
		return c
	}
	for _, k := range m.keys {
		c.Set(k, m.values[k])
		if m.unreliable[k] {
			c.unreliable[k] = true
		}
	}
	return c
}

// Equal reports whether m and other hold the same keys in the same order
// with deeply equal values and the same flags.
func (m *Metadata) Equal(other *Metadata) bool {
	if m.Len() != other.Len() {
		return false
	}
	for i, k := range m.Keys() {
		if other.keys[i] != k {
			return false
		}
		if !reflect.DeepEqual(m.values[k], other.values[k]) {
			return false
		}
		if m.Unreliable(k) != other.Unreliable(k) {
			return false
		}
	}
	return true
}

// Range calls fn for every key in order until fn returns false.
func (m *Metadata) Range(fn func(key string, v any) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// MarshalJSON writes the metadata as a JSON object in key order.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal metadata key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FormatValue renders a metadata value for display and serialization.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return fmt.Sprintf("%g", x)
	case float32:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}
