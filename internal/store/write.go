package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/queryir"
	"github.com/roach88/uow/internal/querysql"
	"github.com/roach88/uow/internal/schema"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// session runs statements against a pool or a transaction.
type session struct {
	ex       execer
	compiler *querysql.SQLCompiler
	dialect  querysql.Dialect
}

// Insert writes one row. Key fields the database generates are omitted
// from the statement when unset and returned afterwards.
func (s *session) Insert(ctx context.Context, et *schema.EntityType, payload ir.IRObject) (ir.IRObject, error) {
	values := payload.Clone()
	var generated []*schema.Field
	for _, f := range et.PrimaryKey() {
		if f.Generated == schema.GenIncrement && ir.IsNull(values[f.Name]) {
			delete(values, f.Name)
			generated = append(generated, f)
		}
	}

	cols, args, err := columnValues(et, values)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", et.Name, err)
	}
	stmt := queryir.Insert{Table: et.Table, Columns: cols, Rows: [][]any{args}}
	for _, f := range generated {
		stmt.Returning = append(stmt.Returning, f.Column)
	}
	query, params, err := s.compiler.Compile(stmt)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", et.Name, err)
	}

	out := make(ir.IRObject)
	if len(generated) > 0 && s.dialect.SupportsReturning() {
		dest := make([]any, len(generated))
		ptrs := make([]any, len(generated))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := s.ex.QueryRowContext(ctx, query, params...).Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("insert %s: %w", et.Name, classifyError(err, et.Name))
		}
		for i, f := range generated {
			v, err := f.Type.FromDatabase(dest[i])
			if err != nil {
				return nil, fmt.Errorf("insert %s: generated %s: %w", et.Name, f.Name, err)
			}
			out[f.Name] = v
		}
		return out, nil
	}

	res, err := s.ex.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", et.Name, classifyError(err, et.Name))
	}
	if len(generated) > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert %s: last insert id: %w", et.Name, err)
		}
		out[generated[0].Name] = ir.IRInt(id)
	}
	return out, nil
}

// Update writes payload to the rows matching where and returns the number
// of rows affected.
func (s *session) Update(ctx context.Context, et *schema.EntityType, where, payload ir.IRObject) (int64, error) {
	cols, args, err := columnValues(et, payload)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", et.Name, err)
	}
	filter, err := matchPredicate(et, where)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", et.Name, err)
	}

	stmt := queryir.Update{Table: et.Table, Filter: filter}
	for i, c := range cols {
		stmt.Set = append(stmt.Set, queryir.Assignment{Column: c, Value: args[i]})
	}
	return s.exec(ctx, "update", et, stmt)
}

// Delete removes the rows matching where.
func (s *session) Delete(ctx context.Context, et *schema.EntityType, where ir.IRObject) (int64, error) {
	filter, err := matchPredicate(et, where)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", et.Name, err)
	}
	return s.exec(ctx, "delete", et, queryir.Delete{Table: et.Table, Filter: filter})
}

// InsertMany writes rows that share the same fields in one statement.
func (s *session) InsertMany(ctx context.Context, et *schema.EntityType, payloads []ir.IRObject) error {
	if len(payloads) == 0 {
		return nil
	}
	stmt := queryir.Insert{Table: et.Table}
	for i, p := range payloads {
		cols, args, err := columnValues(et, p)
		if err != nil {
			return fmt.Errorf("insert %s: %w", et.Name, err)
		}
		if i == 0 {
			stmt.Columns = cols
		} else if !slices.Equal(cols, stmt.Columns) {
			return fmt.Errorf("insert %s: row %d has different fields", et.Name, i)
		}
		stmt.Rows = append(stmt.Rows, args)
	}
	_, err := s.exec(ctx, "insert", et, stmt)
	return err
}

// DeleteMany removes the rows with the given keys in one statement.
func (s *session) DeleteMany(ctx context.Context, et *schema.EntityType, keys []ir.IRObject) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var preds []queryir.Predicate
	for _, k := range keys {
		p, err := matchPredicate(et, k)
		if err != nil {
			return 0, fmt.Errorf("delete %s: %w", et.Name, err)
		}
		preds = append(preds, p)
	}
	var filter queryir.Predicate = queryir.Or{Predicates: preds}
	if len(preds) == 1 {
		filter = preds[0]
	}
	return s.exec(ctx, "delete", et, queryir.Delete{Table: et.Table, Filter: filter})
}

func (s *session) exec(ctx context.Context, op string, et *schema.EntityType, stmt queryir.Statement) (int64, error) {
	query, params, err := s.compiler.Compile(stmt)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", op, et.Name, err)
	}
	res, err := s.ex.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", op, et.Name, classifyError(err, et.Name))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s %s: rows affected: %w", op, et.Name, err)
	}
	return n, nil
}

// matchPredicate turns a field-keyed filter into column equalities.
func matchPredicate(et *schema.EntityType, where ir.IRObject) (queryir.Predicate, error) {
	cols, args, err := columnValues(et, where)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("empty filter")
	}
	return queryir.Match(cols, args), nil
}
