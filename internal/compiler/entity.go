package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

var entityKeys = map[string]bool{
	"table":  true,
	"fields": true,
	"checks": true,
}

var fieldKeys = map[string]bool{
	"type":           true,
	"primary":        true,
	"generated":      true,
	"nullable":       true,
	"transient":      true,
	"version":        true,
	"default":        true,
	"on_create":      true,
	"on_update":      true,
	"column":         true,
	"relation":       true,
	"target":         true,
	"mapped_by":      true,
	"cascade":        true,
	"orphan_removal": true,
	"join_columns":   true,
}

// CompileEntity parses a CUE value into an EntityType.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the entity struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`entity: Book: { fields: { id: { type: "int", primary: true } } }`)
//	et, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.Book")))
//
// Fields keep their CUE declaration order, which fixes column order in every
// statement generated for the type. Relation targets and field types are
// bound later by schema.Registry.Resolve.
func CompileEntity(v cue.Value) (*schema.EntityType, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	et := &schema.EntityType{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		et.Name = labels[len(labels)-1].String()
	}
	et.Table = et.Name

	if err := checkKeys(v, entityKeys, "entity "+et.Name); err != nil {
		return nil, err
	}

	table, err := optionalString(v, "table")
	if err != nil {
		return nil, err
	}
	if table != "" {
		et.Table = table
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{
			Field:   "fields",
			Message: "at least one field is required",
			Pos:     v.Pos(),
		}
	}
	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		f, err := compileField(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		et.Fields = append(et.Fields, f)
	}

	checksVal := v.LookupPath(cue.ParsePath("checks"))
	if checksVal.Exists() {
		checkIter, err := checksVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for checkIter.Next() {
			expr, err := checkIter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			et.Checks = append(et.Checks, schema.Check{Name: checkIter.Label(), Expr: expr})
		}
	}

	return et, nil
}

// compileField parses one entry of an entity's fields struct.
func compileField(name string, v cue.Value) (*schema.Field, error) {
	if err := checkKeys(v, fieldKeys, "field "+name); err != nil {
		return nil, err
	}

	f := &schema.Field{Name: name, Column: name}
	var err error

	strs := []struct {
		key string
		dst *string
	}{
		{"type", &f.TypeName},
		{"column", &f.Column},
	}
	for _, s := range strs {
		val, err := optionalString(v, s.key)
		if err != nil {
			return nil, err
		}
		if val != "" {
			*s.dst = val
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"primary", &f.Primary},
		{"nullable", &f.Nullable},
		{"transient", &f.Transient},
		{"version", &f.Version},
	}
	for _, b := range bools {
		if *b.dst, err = optionalBool(v, b.key); err != nil {
			return nil, err
		}
	}

	gen, err := optionalString(v, "generated")
	if err != nil {
		return nil, err
	}
	switch schema.Generated(gen) {
	case schema.GenNone, schema.GenIncrement, schema.GenUUID:
		f.Generated = schema.Generated(gen)
	default:
		return nil, &CompileError{
			Field:   name + ".generated",
			Message: fmt.Sprintf("unknown generator %q (want increment or uuid)", gen),
			Pos:     v.Pos(),
		}
	}

	for _, h := range []struct {
		key string
		dst *schema.Hook
	}{
		{"on_create", &f.OnCreate},
		{"on_update", &f.OnUpdate},
	} {
		s, err := optionalString(v, h.key)
		if err != nil {
			return nil, err
		}
		*h.dst = schema.Hook(s)
	}

	defVal := v.LookupPath(cue.ParsePath("default"))
	if defVal.Exists() {
		d, err := cueToIR(defVal)
		if err != nil {
			return nil, err
		}
		f.Default = d
	}

	kind, err := optionalString(v, "relation")
	if err != nil {
		return nil, err
	}
	if kind == "" {
		if f.TypeName == "" {
			return nil, &CompileError{
				Field:   name + ".type",
				Message: "type is required for scalar fields",
				Pos:     v.Pos(),
			}
		}
		return f, nil
	}

	f, err = compileRelation(f, schema.RelationKind(kind), v)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func compileRelation(f *schema.Field, kind schema.RelationKind, v cue.Value) (*schema.Field, error) {
	switch kind {
	case schema.ManyToOne, schema.OneToOne, schema.OneToMany:
	default:
		return nil, &CompileError{
			Field:   f.Name + ".relation",
			Message: fmt.Sprintf("unknown relation %q (want many_to_one, one_to_one or one_to_many)", kind),
			Pos:     v.Pos(),
		}
	}

	rel := &schema.Relation{Kind: kind}
	var err error
	if rel.Target, err = optionalString(v, "target"); err != nil {
		return nil, err
	}
	if rel.Target == "" {
		return nil, &CompileError{
			Field:   f.Name + ".target",
			Message: "target is required for relations",
			Pos:     v.Pos(),
		}
	}
	if rel.MappedBy, err = optionalString(v, "mapped_by"); err != nil {
		return nil, err
	}
	if rel.OrphanRemoval, err = optionalBool(v, "orphan_removal"); err != nil {
		return nil, err
	}

	cascades, err := optionalStrings(v, "cascade")
	if err != nil {
		return nil, err
	}
	if rel.Cascade, err = schema.ParseCascade(cascades...); err != nil {
		return nil, &CompileError{
			Field:   f.Name + ".cascade",
			Message: err.Error(),
			Pos:     v.Pos(),
		}
	}
	if rel.JoinColumns, err = optionalStrings(v, "join_columns"); err != nil {
		return nil, err
	}

	// A relation's column is only meaningful as a single join column, which
	// Resolve derives when it was set explicitly.
	if !v.LookupPath(cue.ParsePath("column")).Exists() {
		f.Column = ""
	}
	f.Relation = rel
	return f, nil
}

// checkKeys rejects labels outside the allowed set.
func checkKeys(v cue.Value, allowed map[string]bool, where string) error {
	iter, err := v.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		if !allowed[iter.Label()] {
			return &CompileError{
				Field:   iter.Label(),
				Message: fmt.Sprintf("unknown key in %s", where),
				Pos:     iter.Value().Pos(),
			}
		}
	}
	return nil
}

func optionalString(v cue.Value, key string) (string, error) {
	val := v.LookupPath(cue.ParsePath(key))
	if !val.Exists() {
		return "", nil
	}
	s, err := val.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, key string) (bool, error) {
	val := v.LookupPath(cue.ParsePath(key))
	if !val.Exists() {
		return false, nil
	}
	b, err := val.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func optionalStrings(v cue.Value, key string) ([]string, error) {
	val := v.LookupPath(cue.ParsePath(key))
	if !val.Exists() {
		return nil, nil
	}
	// A bare string is accepted for single-element lists.
	if s, err := val.String(); err == nil {
		return []string{s}, nil
	}
	iter, err := val.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// cueToIR converts a concrete CUE value to an ir value. Floats are rejected
// to keep defaults comparable across drivers.
func cueToIR(v cue.Value) (ir.IRValue, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return ir.Null, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRBool(b), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRInt(n), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRString(s), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.IRArray{}
		for iter.Next() {
			elem, err := cueToIR(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.IRObject{}
		for iter.Next() {
			elem, err := cueToIR(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = elem
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   "default",
			Message: "float values are not allowed; use int or string",
			Pos:     v.Pos(),
		}
	default:
		return nil, &CompileError{
			Field:   "default",
			Message: fmt.Sprintf("unsupported default value kind %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a CUE compilation error with position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
