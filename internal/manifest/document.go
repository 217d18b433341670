// Package manifest holds the parsed proxy-configuration document.
//
// A manifest is an untyped mapping whose key order is significant: the
// serialized output must lay keys out in the order the transformation
// routine constructed them, not alphabetically. Go maps cannot carry
// that, so Document keeps an explicit key order next to the values.
package manifest

import (
	"fmt"
	"sort"
)

// Document is an insertion-ordered string-keyed mapping.
//
// Values are plain Go values as produced by YAML decoding: nested
// mappings are *Document, sequences are []any, scalars are string,
// int, float64, bool, or nil. Unrecognized keys pass through verbatim.
type Document struct {
	keys   []string
	values map[string]any
}

// New returns an empty document.
func New() *Document {
	return &Document{values: make(map[string]any)}
}

// Get returns the value stored under key and whether it is present.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Set stores value under key. An existing key keeps its position; a
// new key is appended.
func (d *Document) Set(key string, value any) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Prepend stores value under key at the front of the key order. An
// existing key is moved to the front.
func (d *Document) Prepend(key string, value any) {
	if _, ok := d.values[key]; ok {
		d.Delete(key)
	}
	d.keys = append([]string{key}, d.keys...)
	d.values[key] = value
}

// Delete removes key, preserving the order of the remaining keys.
func (d *Document) Delete(key string) {
	if _, ok := d.values[key]; !ok {
		return
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The returned slice is a copy.
func (d *Document) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len returns the number of keys.
func (d *Document) Len() int {
	return len(d.keys)
}

// Clone returns a deep copy of the document. Nested documents, slices,
// and maps are copied recursively; scalars are copied by value.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := New()
	for _, k := range d.keys {
		out.Set(k, cloneValue(d.values[k]))
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case *Document:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// String renders a compact debug representation with keys in order.
func (d *Document) String() string {
	s := "{"
	for i, k := range d.keys {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s: %v", k, d.values[k])
	}
	return s + "}"
}

// sortedMapKeys returns the keys of a plain map in a stable order.
// Plain maps only appear when a routine builds one instead of a
// Document; alphabetical is the only deterministic choice left.
func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
