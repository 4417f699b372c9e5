// Package identity implements the identity map: at most one in-memory
// instance per persisted row within a unit of work.
//
// The map has no reconciliation logic. Set replaces whatever is stored; the
// caller is expected to Get first and reuse an existing instance.
package identity

import (
	"fmt"
	"iter"
	"slices"

	"github.com/roach88/uow/internal/entity"
	"github.com/roach88/uow/internal/ir"
)

// Key identifies a row: the entity type plus its encoded primary key.
type Key struct {
	Type string
	ID   string
}

// String renders the key for logs.
func (k Key) String() string {
	return k.Type + ":" + k.ID
}

// NewKey encodes the primary-key components of a row. Components are
// compared jointly and by type, so (1) and ("1") are different keys.
func NewKey(entityType string, pk []ir.IRValue) (Key, error) {
	id, err := ir.EncodeKey(pk)
	if err != nil {
		return Key{}, fmt.Errorf("identity key for %s: %w", entityType, err)
	}
	return Key{Type: entityType, ID: id}, nil
}

type slot struct {
	entity entity.Entity
	seq    int64
}

// Map is the identity map. It is not safe for concurrent use; a unit of work
// and its map belong to one goroutine.
type Map struct {
	entries map[Key]slot
	seq     int64
}

// New creates an empty identity map.
func New() *Map {
	return &Map{entries: make(map[Key]slot)}
}

// Get returns the entity registered under key.
func (m *Map) Get(key Key) (entity.Entity, bool) {
	s, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return s.entity, true
}

// Set registers e under key, replacing any previous entry. A replaced key
// keeps its original position in iteration order.
func (m *Map) Set(key Key, e entity.Entity) {
	if s, ok := m.entries[key]; ok {
		s.entity = e
		m.entries[key] = s
		return
	}
	m.seq++
	m.entries[key] = slot{entity: e, seq: m.seq}
}

// Delete removes key. Deleting a missing key is a no-op.
func (m *Map) Delete(key Key) {
	delete(m.entries, key)
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.entries)
}

// Clear removes every entry.
func (m *Map) Clear() {
	clear(m.entries)
}

// Keys returns the keys in registration order. The sequence may be ranged
// over any number of times; each pass reflects the map at that moment.
func (m *Map) Keys() iter.Seq[Key] {
	return func(yield func(Key) bool) {
		for _, k := range m.ordered() {
			if !yield(k) {
				return
			}
		}
	}
}

// Values returns the entities in registration order.
func (m *Map) Values() iter.Seq[entity.Entity] {
	return func(yield func(entity.Entity) bool) {
		for _, k := range m.ordered() {
			s, ok := m.entries[k]
			if !ok {
				continue
			}
			if !yield(s.entity) {
				return
			}
		}
	}
}

// All returns key and entity pairs in registration order.
func (m *Map) All() iter.Seq2[Key, entity.Entity] {
	return func(yield func(Key, entity.Entity) bool) {
		for _, k := range m.ordered() {
			s, ok := m.entries[k]
			if !ok {
				continue
			}
			if !yield(k, s.entity) {
				return
			}
		}
	}
}

func (m *Map) ordered() []Key {
	keys := make([]Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		return int(m.entries[a].seq - m.entries[b].seq)
	})
	return keys
}
