package store

import (
	"fmt"

	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

// columnValues maps a field-keyed object to columns and driver values in
// schema order. Fields absent from values are skipped.
func columnValues(et *schema.EntityType, values ir.IRObject) ([]string, []any, error) {
	var cols []string
	var args []any
	for _, f := range et.PersistentFields() {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		fc, fv, err := fieldToDatabase(f, v)
		if err != nil {
			return nil, nil, fmt.Errorf("%s.%s: %w", et.Name, f.Name, err)
		}
		cols = append(cols, fc...)
		args = append(args, fv...)
	}
	return cols, args, nil
}

// fieldToDatabase converts one field value. Owning relations expand to
// their join columns: a single key is a scalar, a composite key an IRArray
// in the target's key order.
func fieldToDatabase(f *schema.Field, v ir.IRValue) ([]string, []any, error) {
	if f.Relation == nil {
		if ir.IsNull(v) {
			return []string{f.Column}, []any{nil}, nil
		}
		dv, err := f.Type.ToDatabase(v)
		if err != nil {
			return nil, nil, err
		}
		return []string{f.Column}, []any{dv}, nil
	}

	cols := f.Relation.JoinColumns
	args := make([]any, len(cols))
	if ir.IsNull(v) {
		return cols, args, nil
	}
	parts, err := keyParts(f, v)
	if err != nil {
		return nil, nil, err
	}
	for i, k := range f.Relation.TargetType.PrimaryKey() {
		if args[i], err = k.Type.ToDatabase(parts[i]); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", k.Name, err)
		}
	}
	return cols, args, nil
}

func keyParts(f *schema.Field, v ir.IRValue) ([]ir.IRValue, error) {
	pk := f.Relation.TargetType.PrimaryKey()
	if len(pk) == 1 {
		return []ir.IRValue{v}, nil
	}
	arr, ok := v.(ir.IRArray)
	if !ok || len(arr) != len(pk) {
		return nil, fmt.Errorf("reference to %s needs %d key values", f.Relation.Target, len(pk))
	}
	return arr, nil
}

// selectColumns lists every persistent column of et in schema order.
func selectColumns(et *schema.EntityType) []string {
	var cols []string
	for _, f := range et.PersistentFields() {
		cols = append(cols, f.Columns()...)
	}
	return cols
}

// keyColumns lists the primary-key columns of et.
func keyColumns(et *schema.EntityType) []string {
	var cols []string
	for _, f := range et.PrimaryKey() {
		cols = append(cols, f.Column)
	}
	return cols
}

// rowToObject converts scanned driver values, in selectColumns order, back
// to a field-keyed object.
func rowToObject(et *schema.EntityType, row []any) (ir.IRObject, error) {
	obj := make(ir.IRObject)
	i := 0
	for _, f := range et.PersistentFields() {
		n := len(f.Columns())
		v, err := fieldFromDatabase(f, row[i:i+n])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", et.Name, f.Name, err)
		}
		obj[f.Name] = v
		i += n
	}
	return obj, nil
}

func fieldFromDatabase(f *schema.Field, raw []any) (ir.IRValue, error) {
	if f.Relation == nil {
		if raw[0] == nil {
			return ir.Null, nil
		}
		return f.Type.FromDatabase(raw[0])
	}

	allNull := true
	for _, r := range raw {
		if r != nil {
			allNull = false
		}
	}
	if allNull {
		return ir.Null, nil
	}

	pk := f.Relation.TargetType.PrimaryKey()
	parts := make(ir.IRArray, len(pk))
	for i, k := range pk {
		if raw[i] == nil {
			return nil, fmt.Errorf("partial reference: %s is null", f.Relation.JoinColumns[i])
		}
		v, err := k.Type.FromDatabase(raw[i])
		if err != nil {
			return nil, err
		}
		parts[i] = v
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts, nil
}
