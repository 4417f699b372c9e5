package schema

import (
	"errors"
	"fmt"
)

// Registry holds entity types and field types for one application.
//
// Entity types are kept in registration order; every listing the registry
// produces follows it so commit ordering stays reproducible.
type Registry struct {
	entities map[string]*EntityType
	order    []string
	types    map[string]Type
}

// NewRegistry returns a registry preloaded with the built-in field types.
func NewRegistry() *Registry {
	r := &Registry{
		entities: make(map[string]*EntityType),
		types:    make(map[string]Type),
	}
	for _, t := range BuiltinTypes() {
		r.types[t.Name()] = t
	}
	return r
}

// RegisterType adds a custom field type. Built-in names may be overridden,
// for example to change datetime precision.
func (r *Registry) RegisterType(t Type) error {
	if t == nil || t.Name() == "" {
		return errors.New("register type: type must have a name")
	}
	r.types[t.Name()] = t
	return nil
}

// LookupType returns the field type registered under name.
func (r *Registry) LookupType(name string) (Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Register adds an entity type. Names must be unique.
func (r *Registry) Register(et *EntityType) error {
	if et == nil || et.Name == "" {
		return errors.New("register entity: entity must have a name")
	}
	if _, exists := r.entities[et.Name]; exists {
		return fmt.Errorf("register entity: %q already registered", et.Name)
	}
	et.index()
	r.entities[et.Name] = et
	r.order = append(r.order, et.Name)
	return nil
}

// Lookup returns the entity type with the given name.
func (r *Registry) Lookup(name string) (*EntityType, bool) {
	et, ok := r.entities[name]
	return et, ok
}

// MustLookup is Lookup for names known to be registered. It panics otherwise.
func (r *Registry) MustLookup(name string) *EntityType {
	et, ok := r.entities[name]
	if !ok {
		panic(fmt.Sprintf("schema: entity %q not registered", name))
	}
	return et
}

// Entities returns the entity types in registration order.
func (r *Registry) Entities() []*EntityType {
	out := make([]*EntityType, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entities[name])
	}
	return out
}

// Resolve binds field types and relation targets and computes join columns.
// All problems are reported together.
func (r *Registry) Resolve() error {
	var errs []error
	for _, et := range r.Entities() {
		for _, f := range et.Fields {
			if f.Relation == nil {
				t, ok := r.types[f.TypeName]
				if !ok {
					errs = append(errs, fmt.Errorf("%s.%s: unknown type %q", et.Name, f.Name, f.TypeName))
					continue
				}
				f.Type = t
				continue
			}
			target, ok := r.entities[f.Relation.Target]
			if !ok {
				errs = append(errs, fmt.Errorf("%s.%s: unknown relation target %q", et.Name, f.Name, f.Relation.Target))
				continue
			}
			f.Relation.TargetType = target
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	// Join columns need every target's key, so they come after binding.
	for _, et := range r.Entities() {
		for _, f := range et.Fields {
			if !f.IsOwning() || len(f.Relation.JoinColumns) > 0 {
				continue
			}
			pk := f.Relation.TargetType.PrimaryKey()
			if len(pk) == 0 {
				errs = append(errs, fmt.Errorf("%s.%s: target %q has no primary key", et.Name, f.Name, f.Relation.Target))
				continue
			}
			if len(pk) == 1 && f.Column != "" {
				f.Relation.JoinColumns = []string{f.Column}
				continue
			}
			cols := make([]string, len(pk))
			for i, k := range pk {
				cols[i] = f.Name + "_" + k.Column
			}
			f.Relation.JoinColumns = cols
		}
	}
	return errors.Join(errs...)
}
