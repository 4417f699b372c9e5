package schema

// Check is a named boolean expression over an entity's fields, evaluated
// before any I/O. Expressions see the entity as `self`.
type Check struct {
	Name string
	Expr string
}

// EntityType describes one persisted entity type.
type EntityType struct {
	Name   string
	Table  string
	Fields []*Field // declaration order
	Checks []Check

	byName map[string]*Field
}

// Field returns the field with the given name.
func (et *EntityType) Field(name string) (*Field, bool) {
	if et.byName == nil {
		et.index()
	}
	f, ok := et.byName[name]
	return f, ok
}

func (et *EntityType) index() {
	et.byName = make(map[string]*Field, len(et.Fields))
	for _, f := range et.Fields {
		et.byName[f.Name] = f
	}
}

// PrimaryKey returns the primary-key fields in declaration order.
func (et *EntityType) PrimaryKey() []*Field {
	var pk []*Field
	for _, f := range et.Fields {
		if f.Primary {
			pk = append(pk, f)
		}
	}
	return pk
}

// VersionField returns the optimistic-lock field, or nil.
func (et *EntityType) VersionField() *Field {
	for _, f := range et.Fields {
		if f.Version {
			return f
		}
	}
	return nil
}

// PersistentFields returns the fields written to storage, in declaration
// order.
func (et *EntityType) PersistentFields() []*Field {
	var out []*Field
	for _, f := range et.Fields {
		if f.IsPersistent() {
			out = append(out, f)
		}
	}
	return out
}

// Relations returns every relation field, owning and inverse.
func (et *EntityType) Relations() []*Field {
	var out []*Field
	for _, f := range et.Fields {
		if f.Relation != nil {
			out = append(out, f)
		}
	}
	return out
}

// HasGeneratedIncrement reports whether any key field is assigned by the
// database on insert.
func (et *EntityType) HasGeneratedIncrement() bool {
	for _, f := range et.PrimaryKey() {
		if f.Generated == GenIncrement {
			return true
		}
	}
	return false
}
