// Package querysql compiles statement IR to parameterized SQL.
package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/uow/internal/queryir"
)

// Dialect names a SQL flavor.
type Dialect string

const (
	// SQLite uses ? placeholders and reads generated keys from LastInsertId.
	SQLite Dialect = "sqlite"
	// Postgres uses $n placeholders and RETURNING for generated keys.
	Postgres Dialect = "postgres"
)

// SupportsReturning reports whether inserts can return generated columns.
func (d Dialect) SupportsReturning() bool {
	return d == Postgres
}

// SQLCompiler compiles statement IR to parameterized SQL.
//
// CRITICAL: All values are parameterized (never interpolated).
// Identifiers are double-quoted, which both dialects accept.
type SQLCompiler struct {
	Dialect Dialect
}

// NewSQLCompiler creates a compiler for dialect.
func NewSQLCompiler(dialect Dialect) *SQLCompiler {
	return &SQLCompiler{Dialect: dialect}
}

// Compile converts a statement to SQL.
// Returns (sql, params, error) tuple.
func (c *SQLCompiler) Compile(stmt queryir.Statement) (string, []any, error) {
	if err := queryir.Validate(stmt); err != nil {
		return "", nil, fmt.Errorf("invalid statement: %w", err)
	}

	b := &builder{dialect: c.Dialect}
	switch s := stmt.(type) {
	case queryir.Insert:
		b.insert(s)
	case queryir.Update:
		b.update(s)
	case queryir.Delete:
		b.delete(s)
	case queryir.Select:
		b.selectRows(s)
	default:
		return "", nil, fmt.Errorf("unsupported statement type: %T", stmt)
	}
	return b.sql.String(), b.params, nil
}

// builder accumulates SQL text and parameters so placeholders can be
// numbered in order of appearance.
type builder struct {
	dialect Dialect
	sql     strings.Builder
	params  []any
}

func (b *builder) write(parts ...string) {
	for _, p := range parts {
		b.sql.WriteString(p)
	}
}

func (b *builder) param(v any) {
	b.params = append(b.params, v)
	if b.dialect == Postgres {
		b.write("$", strconv.Itoa(len(b.params)))
		return
	}
	b.write("?")
}

func (b *builder) columnList(cols []string) {
	for i, c := range cols {
		if i > 0 {
			b.write(", ")
		}
		b.write(quote(c))
	}
}

func (b *builder) insert(s queryir.Insert) {
	b.write("INSERT INTO ", quote(s.Table))
	if len(s.Columns) == 0 {
		b.write(" DEFAULT VALUES")
	} else {
		b.write(" (")
		b.columnList(s.Columns)
		b.write(") VALUES ")
		for i, row := range s.Rows {
			if i > 0 {
				b.write(", ")
			}
			b.write("(")
			for j, v := range row {
				if j > 0 {
					b.write(", ")
				}
				b.param(v)
			}
			b.write(")")
		}
	}
	if len(s.Returning) > 0 && b.dialect.SupportsReturning() {
		b.write(" RETURNING ")
		b.columnList(s.Returning)
	}
}

func (b *builder) update(s queryir.Update) {
	b.write("UPDATE ", quote(s.Table), " SET ")
	for i, a := range s.Set {
		if i > 0 {
			b.write(", ")
		}
		b.write(quote(a.Column), " = ")
		b.param(a.Value)
	}
	b.write(" WHERE ")
	b.predicate(s.Filter)
}

func (b *builder) delete(s queryir.Delete) {
	b.write("DELETE FROM ", quote(s.Table), " WHERE ")
	b.predicate(s.Filter)
}

func (b *builder) selectRows(s queryir.Select) {
	b.write("SELECT ")
	b.columnList(s.Columns)
	b.write(" FROM ", quote(s.Table))
	if s.Filter != nil {
		b.write(" WHERE ")
		b.predicate(s.Filter)
	}
	if len(s.OrderBy) > 0 {
		b.write(" ORDER BY ")
		b.columnList(s.OrderBy)
	}
}

// predicate writes a WHERE fragment. Nested conjunctions and disjunctions
// are parenthesized.
func (b *builder) predicate(p queryir.Predicate) {
	switch pred := p.(type) {
	case queryir.Equals:
		if pred.Value == nil {
			b.write(quote(pred.Column), " IS NULL")
			return
		}
		b.write(quote(pred.Column), " = ")
		b.param(pred.Value)
	case queryir.And:
		b.junction(pred.Predicates, " AND ", "1 = 1")
	case queryir.Or:
		b.junction(pred.Predicates, " OR ", "1 = 0")
	}
}

func (b *builder) junction(preds []queryir.Predicate, sep, empty string) {
	if len(preds) == 0 {
		b.write(empty)
		return
	}
	for i, p := range preds {
		if i > 0 {
			b.write(sep)
		}
		_, nested := p.(queryir.Equals)
		if !nested {
			b.write("(")
		}
		b.predicate(p)
		if !nested {
			b.write(")")
		}
	}
}

// quote double-quotes an identifier. Validate has already restricted
// identifiers to [A-Za-z0-9_].
func quote(ident string) string {
	return `"` + ident + `"`
}
