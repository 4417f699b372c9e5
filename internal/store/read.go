package store

import (
	"context"
	"fmt"

	"github.com/roach88/uow/internal/driver"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/queryir"
	"github.com/roach88/uow/internal/schema"
)

// FindOne returns the first row matching where in key order, or
// driver.ErrNotFound.
func (s *session) FindOne(ctx context.Context, et *schema.EntityType, where ir.IRObject) (ir.IRObject, error) {
	rows, err := s.find(ctx, et, where, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("find %s: %w", et.Name, driver.ErrNotFound)
	}
	return rows[0], nil
}

// FindAll returns every row matching where in key order. An empty where
// returns the whole table.
func (s *session) FindAll(ctx context.Context, et *schema.EntityType, where ir.IRObject) ([]ir.IRObject, error) {
	return s.find(ctx, et, where, 0)
}

func (s *session) find(ctx context.Context, et *schema.EntityType, where ir.IRObject, limit int) ([]ir.IRObject, error) {
	stmt := queryir.Select{
		Table:   et.Table,
		Columns: selectColumns(et),
		OrderBy: keyColumns(et),
	}
	if len(where) > 0 {
		filter, err := matchPredicate(et, where)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", et.Name, err)
		}
		stmt.Filter = filter
	}

	query, params, err := s.compiler.Compile(stmt)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", et.Name, err)
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.ex.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", et.Name, err)
	}
	defer rows.Close()

	var out []ir.IRObject
	for rows.Next() {
		raw := make([]any, len(stmt.Columns))
		ptrs := make([]any, len(raw))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("find %s: scan: %w", et.Name, err)
		}
		obj, err := rowToObject(et, raw)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", et.Name, err)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", et.Name, err)
	}
	return out, nil
}
