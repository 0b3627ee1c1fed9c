// Package ordered provides an insertion-ordered map.
package ordered

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Map keeps keys in insertion order. Setting an existing key replaces its
// value in place; the key keeps its original position.
type Map[K comparable, V any] struct {
	keys  []K
	index map[K]int
	vals  []V
}

// New returns an empty Map with room for n entries.
func New[K comparable, V any](n int) *Map[K, V] {
	if n < 0 {
		n = 0
	}
	return &Map[K, V]{
		keys:  make([]K, 0, n),
		index: make(map[K]int, n),
		vals:  make([]V, 0, n),
	}
}

// Set stores v under k. It reports whether k was already present.
func (m *Map[K, V]) Set(k K, v V) bool {
	if i, ok := m.index[k]; ok {
		m.vals[i] = v
		return true
	}
	m.index[k] = len(m.keys)
	m.keys = append(m.keys, k)
	m.vals = append(m.vals, v)
	return false
}

func (m *Map[K, V]) Get(k K) (V, bool) {
	if i, ok := m.index[k]; ok {
		return m.vals[i], true
	}
	var zero V
	return zero, false
}

func (m *Map[K, V]) Len() int {
	return len(m.keys)
}

// Keys returns a copy of the keys in order.
func (m *Map[K, V]) Keys() []K {
	out := make([]K, len(m.keys))
	copy(out, m.keys)
	return out
}

// Values returns a copy of the values in order.
func (m *Map[K, V]) Values() []V {
	out := make([]V, len(m.vals))
	copy(out, m.vals)
	return out
}

// Range calls fn for each entry in order until fn returns false.
func (m *Map[K, V]) Range(fn func(k K, v V) bool) {
	for i, k := range m.keys {
		if !fn(k, m.vals[i]) {
			return
		}
	}
}

// SortStableFunc reorders entries with a three-way comparison on values.
// Entries that compare equal keep their relative order.
func (m *Map[K, V]) SortStableFunc(cmp func(a, b V) int) {
	perm := make([]int, len(m.keys))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool {
		return cmp(m.vals[perm[i]], m.vals[perm[j]]) < 0
	})

	keys := make([]K, len(perm))
	vals := make([]V, len(perm))
	for i, p := range perm {
		keys[i] = m.keys[p]
		vals[i] = m.vals[p]
		m.index[keys[i]] = i
	}
	m.keys = keys
	m.vals = vals
}

// Slice returns a new Map with at most n entries starting at offset.
// Negative offset or n are treated as zero; an offset past the end yields
// an empty Map.
func (m *Map[K, V]) Slice(offset, n int) *Map[K, V] {
	lo, hi := Window(m.Len(), offset, n)
	out := New[K, V](hi - lo)
	for i := lo; i < hi; i++ {
		out.Set(m.keys[i], m.vals[i])
	}
	return out
}

// Window clamps [offset, offset+n) to a sequence of length size and returns
// the resulting bounds. Negative inputs are treated as zero.
func Window(size, offset, n int) (lo, hi int) {
	if offset < 0 {
		offset = 0
	}
	if n < 0 {
		n = 0
	}
	if offset >= size {
		return size, size
	}
	hi = size
	if n < size-offset {
		hi = offset + n
	}
	return offset, hi
}

// MarshalJSON encodes the map as a JSON object in key order. Non-string
// keys are formatted with fmt.Sprint.
func (m *Map[K, V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(keyString(k))
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.vals[i])
		if err != nil {
			return nil, fmt.Errorf("ordered: marshal value for %v: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func keyString[K comparable](k K) string {
	if s, ok := any(k).(string); ok {
		return s
	}
	return fmt.Sprint(k)
}
