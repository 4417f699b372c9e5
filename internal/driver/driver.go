// Package driver defines the persistence collaborators the unit of work
// consumes. The store package implements them over database/sql; tests use
// the in-memory fake in testutil.
//
// Values cross this boundary as ir values keyed by field name. Implementations
// map fields to columns (expanding relation fields to their join columns) and
// convert values through each field's schema.Type.
package driver

import (
	"context"

	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

// Persister executes single-row statements.
type Persister interface {
	// Insert writes one row and returns the values the database generated
	// for key fields, keyed by field name (empty when none).
	Insert(ctx context.Context, et *schema.EntityType, payload ir.IRObject) (ir.IRObject, error)

	// Update writes payload to the rows matching where and returns the
	// affected row count. where holds key fields and, for versioned
	// entities, the expected version.
	Update(ctx context.Context, et *schema.EntityType, where, payload ir.IRObject) (int64, error)

	// Delete removes the rows matching where and returns the affected row
	// count.
	Delete(ctx context.Context, et *schema.EntityType, where ir.IRObject) (int64, error)
}

// Transaction is a Persister bound to one database transaction.
type Transaction interface {
	Persister
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Connection begins transactions. Its own Persister methods autocommit and
// are only used in implicit-transaction mode.
type Connection interface {
	Persister
	Begin(ctx context.Context) (Transaction, error)
}

// BatchPersister is implemented by persisters that can write several
// same-shape rows in one statement.
type BatchPersister interface {
	// InsertMany inserts rows that all carry the same fields. It is only
	// called for types without database-generated keys.
	InsertMany(ctx context.Context, et *schema.EntityType, payloads []ir.IRObject) error

	// DeleteMany deletes the rows with the given keys and returns the
	// affected row count.
	DeleteMany(ctx context.Context, et *schema.EntityType, keys []ir.IRObject) (int64, error)
}

// Finder loads rows by field values.
type Finder interface {
	// FindOne returns the row matching where, or ErrNotFound.
	FindOne(ctx context.Context, et *schema.EntityType, where ir.IRObject) (ir.IRObject, error)

	// FindAll returns every row matching where in key order.
	FindAll(ctx context.Context, et *schema.EntityType, where ir.IRObject) ([]ir.IRObject, error)
}
