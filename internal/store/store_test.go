package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/uow/internal/driver"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/querysql"
	"github.com/roach88/uow/internal/schema"
)

var testDDL = []string{
	`CREATE TABLE author (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE book (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		published INTEGER,
		author_id INTEGER REFERENCES author(id)
	)`,
	`CREATE TABLE orders (
		order_no TEXT NOT NULL,
		region TEXT NOT NULL,
		PRIMARY KEY (order_no, region)
	)`,
	`CREATE TABLE line (
		id INTEGER PRIMARY KEY,
		sku TEXT NOT NULL,
		ord_order_no TEXT,
		ord_region TEXT,
		FOREIGN KEY (ord_order_no, ord_region) REFERENCES orders(order_no, region)
	)`,
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	for _, b := range []*schema.Builder{
		schema.NewEntity("Author").Table("author").
			Field("id", schema.TypeInt, schema.PrimaryKey(), schema.AutoIncrement()).
			Field("name", schema.TypeString).
			Field("version", schema.TypeInt, schema.Version()),
		schema.NewEntity("Book").Table("book").
			Field("id", schema.TypeUUID, schema.PrimaryKey(), schema.GeneratedUUID()).
			Field("title", schema.TypeString).
			Field("published", schema.TypeBool, schema.Nullable()).
			ManyToOne("author", "Author", schema.Column("author_id"), schema.Nullable()),
		schema.NewEntity("Order").Table("orders").
			Field("order_no", schema.TypeString, schema.PrimaryKey()).
			Field("region", schema.TypeString, schema.PrimaryKey()),
		schema.NewEntity("Line").Table("line").
			Field("id", schema.TypeInt, schema.PrimaryKey()).
			Field("sku", schema.TypeString).
			ManyToOne("ord", "Order", schema.Nullable()),
	} {
		require.NoError(t, reg.Register(b.MustBuild()))
	}
	require.NoError(t, reg.Resolve())
	return reg
}

// createTestStore opens a SQLite store in a temp dir with the test tables.
func createTestStore(t *testing.T) (*Store, *schema.Registry) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Exec(context.Background(), testDDL...))
	return s, testRegistry(t)
}

const bookID = "0192f0c1-0000-7000-8000-000000000001"

func TestOpenAppliesPragmas(t *testing.T) {
	s, _ := createTestStore(t)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.Equal(t, querysql.SQLite, s.Dialect())
}

func TestOpenCustomPragmas(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "x.db"), WithPragmas("PRAGMA foreign_keys = OFF"))
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.verifyPragma("foreign_keys", "0"))
}

func TestOpenWithConnectRetries(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "x.db"), WithConnectRetries(2, time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	missing := filepath.Join(t.TempDir(), "no-such-dir", "x.db")
	_, err = OpenSQLite(missing, WithConnectRetries(2, time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to database")
}

func TestInsertReturnsGeneratedKey(t *testing.T) {
	s, reg := createTestStore(t)
	ctx := context.Background()
	author := reg.MustLookup("Author")

	gen, err := s.Insert(ctx, author, ir.IRObject{"name": ir.IRString("Le Guin"), "version": ir.IRInt(1)})
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"id": ir.IRInt(1)}, gen)

	gen, err = s.Insert(ctx, author, ir.IRObject{"id": ir.Null, "name": ir.IRString("Herbert"), "version": ir.IRInt(1)})
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"id": ir.IRInt(2)}, gen, "a null generated key is left to the database")

	gen, err = s.Insert(ctx, reg.MustLookup("Book"), ir.IRObject{
		"id":     ir.IRString(bookID),
		"title":  ir.IRString("Dune"),
		"author": ir.IRInt(2),
	})
	require.NoError(t, err)
	assert.Empty(t, gen, "application-assigned keys generate nothing")
}

func TestFindDecodesRelationsAndNulls(t *testing.T) {
	s, reg := createTestStore(t)
	ctx := context.Background()
	book := reg.MustLookup("Book")

	_, err := s.Insert(ctx, reg.MustLookup("Author"), ir.IRObject{"name": ir.IRString("Herbert"), "version": ir.IRInt(1)})
	require.NoError(t, err)
	_, err = s.Insert(ctx, book, ir.IRObject{
		"id":        ir.IRString(bookID),
		"title":     ir.IRString("Dune"),
		"published": ir.IRBool(true),
		"author":    ir.IRInt(1),
	})
	require.NoError(t, err)

	row, err := s.FindOne(ctx, book, ir.IRObject{"id": ir.IRString(bookID)})
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{
		"id":        ir.IRString(bookID),
		"title":     ir.IRString("Dune"),
		"published": ir.IRBool(true),
		"author":    ir.IRInt(1),
	}, row)

	require.NoError(t, s.Exec(ctx, `UPDATE book SET author_id = NULL, published = NULL`))
	row, err = s.FindOne(ctx, book, ir.IRObject{"id": ir.IRString(bookID)})
	require.NoError(t, err)
	assert.Equal(t, ir.Null, row["author"])
	assert.Equal(t, ir.Null, row["published"])

	_, err = s.FindOne(ctx, book, ir.IRObject{"id": ir.IRString("0192f0c1-0000-7000-8000-0000000000ff")})
	assert.ErrorIs(t, err, driver.ErrNotFound)
}

func TestUpdateWithVersionFilter(t *testing.T) {
	s, reg := createTestStore(t)
	ctx := context.Background()
	author := reg.MustLookup("Author")

	_, err := s.Insert(ctx, author, ir.IRObject{"name": ir.IRString("Herbert"), "version": ir.IRInt(1)})
	require.NoError(t, err)

	n, err := s.Update(ctx, author,
		ir.IRObject{"id": ir.IRInt(1), "version": ir.IRInt(1)},
		ir.IRObject{"name": ir.IRString("Frank Herbert"), "version": ir.IRInt(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Update(ctx, author,
		ir.IRObject{"id": ir.IRInt(1), "version": ir.IRInt(1)},
		ir.IRObject{"name": ir.IRString("Stale"), "version": ir.IRInt(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "a stale version matches no row")

	row, err := s.FindOne(ctx, author, ir.IRObject{"id": ir.IRInt(1)})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("Frank Herbert"), row["name"])
	assert.Equal(t, ir.IRInt(2), row["version"])
}

func TestConstraintViolationsAreClassified(t *testing.T) {
	s, reg := createTestStore(t)
	ctx := context.Background()
	author := reg.MustLookup("Author")

	_, err := s.Insert(ctx, reg.MustLookup("Book"), ir.IRObject{
		"id":     ir.IRString(bookID),
		"title":  ir.IRString("Orphan"),
		"author": ir.IRInt(99),
	})
	require.Error(t, err)
	assert.True(t, driver.IsForeignKeyViolation(err), "got %v", err)

	_, err = s.Insert(ctx, author, ir.IRObject{"name": ir.IRString("Herbert"), "version": ir.IRInt(1)})
	require.NoError(t, err)
	_, err = s.Insert(ctx, author, ir.IRObject{"name": ir.IRString("Herbert"), "version": ir.IRInt(1)})
	require.Error(t, err)
	assert.True(t, driver.IsUniqueViolation(err), "got %v", err)

	var ce *driver.ConstraintViolationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Author", ce.Entity)
}

func TestTransactionRollback(t *testing.T) {
	s, reg := createTestStore(t)
	ctx := context.Background()
	author := reg.MustLookup("Author")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, author, ir.IRObject{"name": ir.IRString("Ghost"), "version": ir.IRInt(1)})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	rows, err := s.FindAll(ctx, author, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, author, ir.IRObject{"name": ir.IRString("Kept"), "version": ir.IRInt(1)})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	rows, err = s.FindAll(ctx, author, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestBatchWithCompositeReferences(t *testing.T) {
	s, reg := createTestStore(t)
	ctx := context.Background()
	order := reg.MustLookup("Order")
	line := reg.MustLookup("Line")

	lineRef, _ := line.Field("ord")
	assert.Equal(t, []string{"ord_order_no", "ord_region"}, lineRef.Relation.JoinColumns)

	require.NoError(t, s.InsertMany(ctx, order, []ir.IRObject{
		{"order_no": ir.IRString("A-1"), "region": ir.IRString("eu")},
		{"order_no": ir.IRString("A-1"), "region": ir.IRString("us")},
	}))

	var lines []ir.IRObject
	for i := 1; i <= 3; i++ {
		lines = append(lines, ir.IRObject{
			"id":  ir.IRInt(int64(i)),
			"sku": ir.IRString(fmt.Sprintf("sku-%d", i)),
			"ord": ir.IRArray{ir.IRString("A-1"), ir.IRString("eu")},
		})
	}
	require.NoError(t, s.InsertMany(ctx, line, lines))

	got, err := s.FindAll(ctx, line, ir.IRObject{"ord": ir.IRArray{ir.IRString("A-1"), ir.IRString("eu")}})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ir.IRArray{ir.IRString("A-1"), ir.IRString("eu")}, got[0]["ord"])
	assert.Equal(t, ir.IRInt(1), got[0]["id"], "rows come back in key order")

	n, err := s.DeleteMany(ctx, line, []ir.IRObject{{"id": ir.IRInt(1)}, {"id": ir.IRInt(3)}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	err = s.InsertMany(ctx, order, []ir.IRObject{
		{"order_no": ir.IRString("B-1"), "region": ir.IRString("eu")},
		{"order_no": ir.IRString("B-2")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different fields")
}

func TestDeleteReportsAffectedRows(t *testing.T) {
	s, reg := createTestStore(t)
	ctx := context.Background()
	order := reg.MustLookup("Order")

	_, err := s.Insert(ctx, order, ir.IRObject{"order_no": ir.IRString("A-1"), "region": ir.IRString("eu")})
	require.NoError(t, err)

	n, err := s.Delete(ctx, order, ir.IRObject{"order_no": ir.IRString("A-1"), "region": ir.IRString("eu")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Delete(ctx, order, ir.IRObject{"order_no": ir.IRString("A-1"), "region": ir.IRString("eu")})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = s.Delete(ctx, order, ir.IRObject{})
	require.Error(t, err, "unfiltered deletes are refused")
}

func TestClassifyPostgresErrors(t *testing.T) {
	tests := []struct {
		code string
		want driver.ConstraintKind
	}{
		{"23505", driver.ConstraintUnique},
		{"23503", driver.ConstraintForeignKey},
		{"23502", driver.ConstraintNotNull},
		{"23514", driver.ConstraintCheck},
		{"23P01", driver.ConstraintOther},
	}
	for _, tt := range tests {
		pgErr := &pgconn.PgError{Code: tt.code, Message: "violation"}
		err := classifyError(fmt.Errorf("exec: %w", pgErr), "Book")

		var ce *driver.ConstraintViolationError
		require.ErrorAs(t, err, &ce, tt.code)
		assert.Equal(t, tt.want, ce.Kind, tt.code)

		var got *pgconn.PgError
		assert.True(t, errors.As(err, &got), "driver error stays reachable")
	}

	plain := &pgconn.PgError{Code: "40001"}
	assert.Same(t, error(plain), classifyError(plain, "Book"), "non-constraint errors pass through")
}
