package queryir

import (
	"errors"
	"fmt"
	"regexp"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks a statement's structure before it is compiled.
// All problems are reported together.
//
// Rules:
//  1. Table and column names are plain identifiers
//  2. Inserts have rows matching the column count; without columns, one row
//  3. Updates assign at least one column
//  4. Updates and deletes are filtered
//  5. Selects list explicit columns
//
// Validate is a pure function with no side effects.
func Validate(stmt Statement) error {
	v := &validator{}
	v.validateStatement(stmt)
	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) addError(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) ident(kind, name string) {
	if !identPattern.MatchString(name) {
		v.addError("invalid %s name %q", kind, name)
	}
}

func (v *validator) validateStatement(stmt Statement) {
	switch s := stmt.(type) {
	case nil:
		v.addError("nil statement")
	case Insert:
		v.ident("table", s.Table)
		if len(s.Columns) == 0 && len(s.Rows) > 1 {
			v.addError("insert into %s: a default-values insert takes one row", s.Table)
		}
		for _, c := range s.Columns {
			v.ident("column", c)
		}
		if len(s.Rows) == 0 {
			v.addError("insert into %s: no rows", s.Table)
		}
		for i, row := range s.Rows {
			if len(row) != len(s.Columns) {
				v.addError("insert into %s: row %d has %d values for %d columns", s.Table, i, len(row), len(s.Columns))
			}
		}
		for _, c := range s.Returning {
			v.ident("column", c)
		}
	case Update:
		v.ident("table", s.Table)
		if len(s.Set) == 0 {
			v.addError("update %s: no assignments", s.Table)
		}
		for _, a := range s.Set {
			v.ident("column", a.Column)
		}
		if s.Filter == nil {
			v.addError("update %s: filter is required", s.Table)
		}
		v.validatePredicate(s.Filter)
	case Delete:
		v.ident("table", s.Table)
		if s.Filter == nil {
			v.addError("delete from %s: filter is required", s.Table)
		}
		v.validatePredicate(s.Filter)
	case Select:
		v.ident("table", s.Table)
		if len(s.Columns) == 0 {
			v.addError("select from %s: explicit columns are required", s.Table)
		}
		for _, c := range s.Columns {
			v.ident("column", c)
		}
		for _, c := range s.OrderBy {
			v.ident("column", c)
		}
		v.validatePredicate(s.Filter)
	default:
		v.addError("unsupported statement type: %T", stmt)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case nil:
	case Equals:
		v.ident("column", pred.Column)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case Or:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	default:
		v.addError("unsupported predicate type: %T", p)
	}
}
