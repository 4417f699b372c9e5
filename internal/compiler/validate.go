package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/uow/internal/changeset"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

// Validation error codes (E200-E299)
const (
	ErrMissingPrimaryKey  = "E201" // no primary key, or a key that is not a plain scalar
	ErrDuplicateName      = "E202" // duplicate field or column
	ErrUnknownType        = "E203" // field type not registered, or a default of the wrong type
	ErrUnknownTarget      = "E204" // relation target not registered
	ErrInvalidMappedBy    = "E205" // inverse side not mapped by an owning relation back
	ErrMultipleVersions   = "E206" // more than one version field
	ErrVersionNotInt      = "E207" // version field must be int
	ErrInvalidGenerated   = "E208" // generated value on a non-key or composite key
	ErrInvalidRelationOpt = "E209" // relation option not valid for the relation kind
	ErrInvalidCheckExpr   = "E210" // check expression does not compile
	ErrFloatTypeForbidden = "E211" // float types not allowed
	ErrInvalidHook        = "E212" // unknown on_create/on_update hook
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Entity  string `json:"entity"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.Entity, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Entity, e.Message)
}

// ValidationErrors is returned by the loaders when Validate finds problems.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// Validate checks every entity type in the registry against the mapping
// rules. Returns all errors found (does not fail-fast). It works on an
// unresolved registry and never mutates it.
func Validate(reg *schema.Registry) []ValidationError {
	var errs []ValidationError
	for _, et := range reg.Entities() {
		errs = append(errs, validateEntity(reg, et)...)
	}
	return errs
}

func validateEntity(reg *schema.Registry, et *schema.EntityType) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{
			Entity:  et.Name,
			Field:   field,
			Message: fmt.Sprintf(format, args...),
			Code:    code,
		})
	}

	// E201: primary key present and scalar
	pk := et.PrimaryKey()
	if len(pk) == 0 {
		add("", ErrMissingPrimaryKey, "entity has no primary key")
	}
	for _, f := range pk {
		switch {
		case f.Relation != nil:
			add(f.Name, ErrMissingPrimaryKey, "relation fields cannot be part of the primary key")
		case f.Nullable:
			add(f.Name, ErrMissingPrimaryKey, "primary key fields cannot be nullable")
		case f.Transient:
			add(f.Name, ErrMissingPrimaryKey, "primary key fields cannot be transient")
		}
	}

	// E202: duplicate names and columns
	names := make(map[string]bool)
	columns := make(map[string]string)
	for _, f := range et.Fields {
		if names[f.Name] {
			add(f.Name, ErrDuplicateName, "duplicate field name %q", f.Name)
		}
		names[f.Name] = true
		if !f.IsPersistent() {
			continue
		}
		for _, col := range fieldColumns(reg, f) {
			if other, dup := columns[col]; dup {
				add(f.Name, ErrDuplicateName, "column %q already used by field %q", col, other)
				continue
			}
			columns[col] = f.Name
		}
	}

	versions := 0
	for _, f := range et.Fields {
		if f.Relation == nil {
			errs = append(errs, validateScalar(reg, et, f)...)
		} else {
			errs = append(errs, validateRelation(reg, et, f)...)
		}

		if f.Version {
			versions++
			// E206: single version field
			if versions == 2 {
				add(f.Name, ErrMultipleVersions, "entity has more than one version field")
			}
			// E207: version must be an int scalar
			if f.Relation != nil || f.TypeName != schema.TypeInt {
				add(f.Name, ErrVersionNotInt, "version field must have type int, got %q", f.TypeName)
			}
		}

		// E208: generated values only on single-column keys
		if f.Generated != schema.GenNone {
			switch {
			case !f.Primary:
				add(f.Name, ErrInvalidGenerated, "generated %q is only allowed on primary key fields", f.Generated)
			case f.Generated == schema.GenIncrement && len(pk) > 1:
				add(f.Name, ErrInvalidGenerated, "increment keys cannot be part of a composite primary key")
			case f.Generated == schema.GenIncrement && f.TypeName != schema.TypeInt:
				add(f.Name, ErrInvalidGenerated, "increment keys must have type int")
			case f.Generated == schema.GenUUID && f.TypeName != schema.TypeUUID && f.TypeName != schema.TypeString:
				add(f.Name, ErrInvalidGenerated, "uuid keys must have type uuid or string")
			}
		}

		// E212: hooks
		for _, h := range []schema.Hook{f.OnCreate, f.OnUpdate} {
			if h != "" && h != schema.HookNow {
				add(f.Name, ErrInvalidHook, "unknown hook %q (want %q)", h, schema.HookNow)
			}
		}
	}

	// E210: checks compile to boolean CEL programs
	for _, c := range et.Checks {
		if _, err := changeset.CompileCheck(c.Expr); err != nil {
			add("checks."+c.Name, ErrInvalidCheckExpr, "%v", err)
		}
	}

	return errs
}

func validateScalar(reg *schema.Registry, et *schema.EntityType, f *schema.Field) []ValidationError {
	var errs []ValidationError

	// E211: float forbidden
	if isFloatType(f.TypeName) {
		return append(errs, ValidationError{
			Entity:  et.Name,
			Field:   f.Name,
			Message: fmt.Sprintf("float type forbidden for field %q, use int instead", f.Name),
			Code:    ErrFloatTypeForbidden,
		})
	}

	// E203: type registered
	t, ok := reg.LookupType(f.TypeName)
	if !ok {
		return append(errs, ValidationError{
			Entity:  et.Name,
			Field:   f.Name,
			Message: fmt.Sprintf("unknown type %q", f.TypeName),
			Code:    ErrUnknownType,
		})
	}

	if !ir.IsNull(f.Default) {
		if err := t.Check(f.Default); err != nil {
			errs = append(errs, ValidationError{
				Entity:  et.Name,
				Field:   f.Name,
				Message: fmt.Sprintf("default does not match type: %v", err),
				Code:    ErrUnknownType,
			})
		}
	}
	return errs
}

func validateRelation(reg *schema.Registry, et *schema.EntityType, f *schema.Field) []ValidationError {
	var errs []ValidationError
	add := func(code, format string, args ...any) {
		errs = append(errs, ValidationError{
			Entity:  et.Name,
			Field:   f.Name,
			Message: fmt.Sprintf(format, args...),
			Code:    code,
		})
	}
	rel := f.Relation

	// E204: target registered
	target, ok := reg.Lookup(rel.Target)
	if !ok {
		add(ErrUnknownTarget, "unknown relation target %q", rel.Target)
		return errs
	}

	// E209: options that do not fit the kind
	if rel.OrphanRemoval && rel.Kind == schema.ManyToOne {
		add(ErrInvalidRelationOpt, "orphan_removal is only valid on one_to_many and one_to_one relations")
	}
	if rel.Kind == schema.ManyToOne && rel.MappedBy != "" {
		add(ErrInvalidRelationOpt, "many_to_one relations own their foreign key and cannot be mapped_by")
	}
	if len(rel.JoinColumns) > 0 {
		if !f.IsOwning() {
			add(ErrInvalidRelationOpt, "join_columns are only valid on owning relations")
		} else if n := len(target.PrimaryKey()); n > 0 && len(rel.JoinColumns) != n {
			add(ErrInvalidRelationOpt, "%d join columns given, target %q has a %d-field key", len(rel.JoinColumns), target.Name, n)
		}
	}
	if f.Version || f.Generated != schema.GenNone || f.Default != nil {
		add(ErrInvalidRelationOpt, "relation fields cannot be versioned, generated or defaulted")
	}

	// E205: inverse sides are mapped by an owning relation pointing back
	if rel.Kind == schema.OneToMany && rel.MappedBy == "" {
		add(ErrInvalidMappedBy, "one_to_many relations require mapped_by")
	}
	if rel.MappedBy != "" {
		back, ok := target.Field(rel.MappedBy)
		switch {
		case !ok:
			add(ErrInvalidMappedBy, "mapped_by %q is not a field of %q", rel.MappedBy, target.Name)
		case !back.IsOwning():
			add(ErrInvalidMappedBy, "mapped_by %s.%s is not an owning relation", target.Name, back.Name)
		case back.Relation.Target != et.Name:
			add(ErrInvalidMappedBy, "mapped_by %s.%s points at %q, not %q", target.Name, back.Name, back.Relation.Target, et.Name)
		case rel.Kind == schema.OneToMany && back.Relation.Kind != schema.ManyToOne:
			add(ErrInvalidMappedBy, "one_to_many must be mapped by a many_to_one, %s.%s is %s", target.Name, back.Name, back.Relation.Kind)
		}
	}
	return errs
}

// fieldColumns predicts a field's storage columns without resolving the
// registry.
func fieldColumns(reg *schema.Registry, f *schema.Field) []string {
	if f.Relation == nil {
		return []string{f.Column}
	}
	if len(f.Relation.JoinColumns) > 0 {
		return f.Relation.JoinColumns
	}
	target, ok := reg.Lookup(f.Relation.Target)
	if !ok {
		return nil
	}
	pk := target.PrimaryKey()
	if len(pk) == 1 && f.Column != "" {
		return []string{f.Column}
	}
	cols := make([]string, len(pk))
	for i, k := range pk {
		cols[i] = f.Name + "_" + k.Column
	}
	return cols
}

func isFloatType(t string) bool {
	switch strings.ToLower(t) {
	case "float", "float32", "float64", "double", "number":
		return true
	}
	return false
}
