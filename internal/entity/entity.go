// Package entity defines what the unit of work needs from an application
// object: typed field access, to-one references and to-many collections.
//
// The unit of work tracks entities by interface value, so implementations
// must be pointer types. Record is a map-backed implementation used by the
// harness and by tests; application code may implement Entity directly on its
// own structs.
package entity

import (
	"slices"

	"github.com/roach88/uow/internal/ir"
)

// Entity is the capability set the unit of work consumes.
//
// Get returns nil for a field that was never set and ir.Null for an explicit
// null. Only fields with a defined value take part in CREATE payloads.
type Entity interface {
	EntityType() string
	Get(field string) ir.IRValue
	Set(field string, v ir.IRValue)
	Ref(field string) Entity
	SetRef(field string, target Entity)
	Collection(field string) *Collection
}

// Record is a map-backed Entity.
type Record struct {
	typ    string
	values map[string]ir.IRValue
	refs   map[string]Entity
	colls  map[string]*Collection
}

// NewRecord creates a record of the given type with initial scalar values.
// The values are copied.
func NewRecord(entityType string, values ir.IRObject) *Record {
	r := &Record{
		typ:    entityType,
		values: make(map[string]ir.IRValue, len(values)),
		refs:   make(map[string]Entity),
		colls:  make(map[string]*Collection),
	}
	for k, v := range values {
		r.values[k] = ir.Clone(v)
	}
	return r
}

// EntityType implements Entity.
func (r *Record) EntityType() string { return r.typ }

// Get implements Entity.
func (r *Record) Get(field string) ir.IRValue {
	return r.values[field]
}

// Set implements Entity. Setting a Go nil unsets the field.
func (r *Record) Set(field string, v ir.IRValue) {
	if v == nil {
		delete(r.values, field)
		return
	}
	r.values[field] = v
}

// Ref implements Entity.
func (r *Record) Ref(field string) Entity {
	return r.refs[field]
}

// SetRef implements Entity. A nil target clears the reference.
func (r *Record) SetRef(field string, target Entity) {
	if target == nil {
		delete(r.refs, field)
		return
	}
	r.refs[field] = target
}

// Collection implements Entity. Collections are created on first access in
// the Loaded state: a record that was never persisted has nothing to load.
// Use AttachCollection to install an unloaded collection for hydrated rows.
func (r *Record) Collection(field string) *Collection {
	c, ok := r.colls[field]
	if !ok {
		c = NewLoadedCollection()
		r.colls[field] = c
	}
	return c
}

// AttachCollection replaces the collection stored under field.
func (r *Record) AttachCollection(field string, c *Collection) {
	r.colls[field] = c
}

// Values returns a deep copy of the scalar fields that are set.
func (r *Record) Values() ir.IRObject {
	out := make(ir.IRObject, len(r.values))
	for k, v := range r.values {
		out[k] = ir.Clone(v)
	}
	return out
}

// Fields returns the names of the scalar fields that are set, sorted.
func (r *Record) Fields() []string {
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
