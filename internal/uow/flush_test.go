package uow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/uow/internal/changeset"
	"github.com/roach88/uow/internal/ir"
)

func TestFlushInsertsReferencedRowsFirst(t *testing.T) {
	f := newFixture(t)
	f.conn.EnforceForeignKeys = true
	author, book := authorWithBook("Ann", "Go")
	require.NoError(t, f.u.Persist(author))

	require.NoError(t, f.u.Flush(context.Background()))

	assert.Equal(t, []stmtSummary{{"insert", "Author"}, {"insert", "Book"}}, summarize(f.conn.Statements()))
	assert.Equal(t, ir.IRInt(1), author.Get("id"), "generated key is set on the entity")
	assert.Equal(t, ir.IRInt(1), author.Get("version"))
	assert.Equal(t, ir.IRString("00000000-0000-7000-8000-000000000001"), book.Get("id"))

	rows := f.conn.Rows("Book")
	require.Len(t, rows, 1)
	assert.Equal(t, ir.IRInt(1), rows[0]["author"])
	assert.Equal(t, 1, f.conn.Commits())

	assert.False(t, f.u.IsDirty(author))
	assert.False(t, f.u.IsDirty(book))
	assert.Empty(t, author.Collection("books").Added(), "collection is clean after flush")

	sets := f.u.ChangeSets()
	require.Len(t, sets, 2)
	assert.Equal(t, changeset.Create, sets[0].Kind)
	assert.Same(t, author, sets[0].Entity)
}

func TestFlushTwiceWritesNothingNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author, _ := authorWithBook("Ann", "Go")
	require.NoError(t, f.u.Persist(author))
	require.NoError(t, f.u.Flush(ctx))
	written := len(f.conn.Statements())

	require.NoError(t, f.u.Flush(ctx))

	assert.Len(t, f.conn.Statements(), written)
	assert.Equal(t, 1, f.conn.Begins(), "an empty flush opens no transaction")
	assert.Empty(t, f.u.ChangeSets())
}

func TestFlushLoadedEntityWithoutChanges(t *testing.T) {
	f := newFixture(t)
	_, err := f.u.Manage(record("Author", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Ann"), "version": ir.IRInt(1)}))
	require.NoError(t, err)

	require.NoError(t, f.u.Flush(context.Background()))
	assert.Empty(t, f.conn.Statements())
}

func TestFlushUpdatesOnlyChangedFields(t *testing.T) {
	f := newFixture(t)
	f.conn.Seed("Author", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Ann"), "version": ir.IRInt(1)})
	author := record("Author", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Ann"), "version": ir.IRInt(1)})
	_, err := f.u.Manage(author)
	require.NoError(t, err)

	author.Set("name", ir.IRString("Bea"))
	assert.True(t, f.u.IsDirty(author))
	require.NoError(t, f.u.Flush(context.Background()))

	stmts := f.conn.Statements()
	require.Len(t, stmts, 1)
	assert.Equal(t, "update", stmts[0].Op)
	assert.Equal(t, ir.IRObject{"id": ir.IRInt(1), "version": ir.IRInt(1)}, stmts[0].Where)
	assert.Equal(t, ir.IRObject{"name": ir.IRString("Bea"), "version": ir.IRInt(2)}, stmts[0].Values)
	assert.Equal(t, ir.IRInt(2), author.Get("version"))
	assert.False(t, f.u.IsDirty(author))
}

func TestFlushVersionMismatchIsConcurrencyError(t *testing.T) {
	f := newFixture(t)
	f.conn.Seed("Author", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Ann"), "version": ir.IRInt(2)})
	author := record("Author", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Ann"), "version": ir.IRInt(1)})
	_, err := f.u.Manage(author)
	require.NoError(t, err)
	author.Set("name", ir.IRString("Bea"))

	err = f.u.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, IsConcurrencyError(err))

	var ce *ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Author", ce.Entity)
	assert.Equal(t, ir.IRInt(1), ce.ExpectedVersion)

	var fe *FlushError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "flush-1", fe.Token)
	require.NotNil(t, fe.ChangeSet)
	assert.Equal(t, changeset.Update, fe.ChangeSet.Kind)

	assert.Equal(t, ir.IRInt(1), author.Get("version"), "assigned version is reverted")
	assert.Equal(t, ir.IRString("Bea"), author.Get("name"))
	assert.True(t, f.u.IsDirty(author))
	assert.Equal(t, 1, f.conn.Rollbacks())
}

func TestFlushUnversionedUpdateOfMissingRow(t *testing.T) {
	f := newFixture(t)
	emp := record("Employee", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Kim")})
	_, err := f.u.Manage(emp)
	require.NoError(t, err)
	emp.Set("name", ir.IRString("Lee"))

	require.NoError(t, f.u.Flush(context.Background()))
	stmts := f.conn.Statements()
	require.Len(t, stmts, 1)
	assert.Zero(t, stmts[0].Rows)
}

func TestFlushFailureRollsBackAndRestores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author, book := authorWithBook("Ann", "Go")
	require.NoError(t, f.u.Persist(author))
	boom := errors.New("boom")
	f.conn.FailOn("insert", "Book", boom)

	err := f.u.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var fe *FlushError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrCodeFlushFailed, fe.Code)
	assert.Same(t, book, fe.ChangeSet.Entity)

	assert.Nil(t, author.Get("id"), "generated key is reverted")
	assert.Nil(t, author.Get("version"))
	assert.Nil(t, book.Get("id"))
	assert.Empty(t, f.conn.Rows("Author"))
	assert.Equal(t, 1, f.conn.Rollbacks())
	assert.Equal(t, StateManaged, f.u.State(author))
	assert.True(t, f.u.IsDirty(book))
	assert.Empty(t, f.u.ChangeSets())

	require.NoError(t, f.u.Flush(ctx), "a failed flush can be retried")
	assert.Len(t, f.conn.Rows("Author"), 1)
	assert.Len(t, f.conn.Rows("Book"), 1)
	assert.Equal(t, ir.IRInt(1), author.Get("id"))
}

func TestFlushCommitFailure(t *testing.T) {
	f := newFixture(t)
	emp := record("Employee", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Kim")})
	require.NoError(t, f.u.Persist(emp))
	f.conn.FailCommit(errors.New("disk full"))

	err := f.u.Flush(context.Background())
	var fe *FlushError
	require.ErrorAs(t, err, &fe)
	assert.Nil(t, fe.ChangeSet)
	assert.Contains(t, err.Error(), "commit: disk full")
	assert.True(t, f.u.IsDirty(emp))
	assert.Empty(t, f.conn.Rows("Employee"))
}

func TestFlushBeginFailure(t *testing.T) {
	f := newFixture(t)
	author, book := authorWithBook("Ann", "Go")
	require.NoError(t, f.u.Persist(author))
	f.conn.FailBegin(errors.New("pool closed"))

	err := f.u.Flush(context.Background())
	var fe *FlushError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "begin: pool closed")
	assert.Nil(t, book.Get("id"))
}

func TestFlushCancelledContext(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.u.Persist(record("Employee", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Kim")})))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.u.Flush(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.conn.Begins())
}

func TestFlushImplicitPartialFailure(t *testing.T) {
	f := newFixture(t, WithImplicitTransactions())
	ctx := context.Background()
	author, book := authorWithBook("Ann", "Go")
	require.NoError(t, f.u.Persist(author))
	f.conn.FailOn("insert", "Book", errors.New("boom"))

	err := f.u.Flush(ctx)
	require.Error(t, err)
	assert.True(t, IsPartialFlush(err))
	var pe *PartialFlushError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Committed)
	assert.Same(t, book, pe.ChangeSet.Entity)

	assert.Equal(t, ir.IRInt(1), author.Get("id"), "committed insert keeps its key")
	assert.False(t, f.u.IsDirty(author))
	assert.True(t, f.u.IsDirty(book))
	assert.Nil(t, book.Get("id"))
	assert.Zero(t, f.conn.Begins())

	require.NoError(t, f.u.Flush(ctx))
	assert.Equal(t, []stmtSummary{{"insert", "Author"}, {"insert", "Book"}}, summarize(f.conn.Statements()))
	assert.Equal(t, ir.IRInt(1), f.conn.Rows("Book")[0]["author"])
}

func TestFlushValidationFailsBeforeIO(t *testing.T) {
	f := newFixture(t)
	author := record("Author", nil)
	emp := record("Employee", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRInt(5)})
	require.NoError(t, f.u.Persist(author))
	require.NoError(t, f.u.Persist(emp))

	err := f.u.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, changeset.IsValidationError(err))
	assert.Contains(t, err.Error(), "Author")
	assert.Contains(t, err.Error(), "Employee", "every invalid entity is reported")
	assert.Zero(t, f.conn.Begins())
	assert.Equal(t, StateManaged, f.u.State(author))
}

func TestFlushUnmanagedReference(t *testing.T) {
	f := newFixture(t)
	author := record("Author", ir.IRObject{"name": ir.IRString("Ann")})
	book := record("Book", ir.IRObject{"title": ir.IRString("Go")})
	book.SetRef("author", author)
	require.NoError(t, f.u.Persist(book))

	err := f.u.Flush(context.Background())
	assert.ErrorIs(t, err, ErrUnmanagedReference)
	assert.Equal(t, StateNew, f.u.State(author))
	assert.Zero(t, f.conn.Begins())
}

func TestFlushCascadesNewCollectionMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author, _ := authorWithBook("Ann", "Go")
	require.NoError(t, f.u.Persist(author))
	require.NoError(t, f.u.Flush(ctx))

	// Added after persist: picked up by the flush-time cascade, and the
	// owning side is set from the collection.
	extra := record("Book", ir.IRObject{"title": ir.IRString("Rust")})
	author.Collection("books").Add(extra)
	require.NoError(t, f.u.Flush(ctx))

	assert.Equal(t, StateManaged, f.u.State(extra))
	assert.Same(t, author, extra.Ref("author"))
	assert.Len(t, f.conn.Rows("Book"), 2)
}

func TestFlushResolvesCycleWithDeferredUpdate(t *testing.T) {
	f := newFixture(t)
	f.conn.EnforceForeignKeys = true
	person := record("Person", ir.IRObject{"name": ir.IRString("Sam")})
	pet := record("Pet", ir.IRObject{"name": ir.IRString("Rex")})
	pet.SetRef("owner", person)
	person.SetRef("favorite", pet)
	require.NoError(t, f.u.Persist(pet))
	require.NoError(t, f.u.Persist(person))

	require.NoError(t, f.u.Flush(context.Background()))

	assert.Equal(t,
		[]stmtSummary{{"insert", "Person"}, {"insert", "Pet"}, {"update", "Person"}},
		summarize(f.conn.Statements()))
	assert.Equal(t, ir.IRInt(1), f.conn.Rows("Person")[0]["favorite"])
	assert.Equal(t, ir.IRInt(1), f.conn.Rows("Pet")[0]["owner"])
	assert.False(t, f.u.IsDirty(person))
}

func TestFlushOrdersSelfReferencingRows(t *testing.T) {
	f := newFixture(t)
	f.conn.EnforceForeignKeys = true
	ctx := context.Background()
	boss := record("Employee", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Boss")})
	worker := record("Employee", ir.IRObject{"id": ir.IRInt(2), "name": ir.IRString("Worker")})
	worker.SetRef("manager", boss)
	require.NoError(t, f.u.Persist(worker))
	require.NoError(t, f.u.Persist(boss))

	require.NoError(t, f.u.Flush(ctx))
	rows := f.conn.Rows("Employee")
	require.Len(t, rows, 2)
	assert.Equal(t, ir.IRInt(1), rows[0]["id"], "manager is inserted first")
	assert.Equal(t, ir.IRInt(1), rows[1]["manager"])

	require.NoError(t, f.u.Remove(boss))
	require.NoError(t, f.u.Remove(worker))
	require.NoError(t, f.u.Flush(ctx))

	stmts := f.conn.Statements()
	require.Len(t, stmts, 4)
	assert.Equal(t, ir.IRObject{"id": ir.IRInt(2)}, stmts[2].Where, "referencing row is deleted first")
	assert.Equal(t, ir.IRObject{"id": ir.IRInt(1)}, stmts[3].Where)
	assert.Empty(t, f.conn.Rows("Employee"))
}

func TestFlushCompositeKeys(t *testing.T) {
	f := newFixture(t)
	f.conn.EnforceForeignKeys = true
	order := record("Order", ir.IRObject{"order_no": ir.IRString("A1"), "region": ir.IRString("eu")})
	line := record("Line", ir.IRObject{"id": ir.IRInt(1), "sku": ir.IRString("X")})
	line.SetRef("ord", order)
	require.NoError(t, f.u.Persist(line))
	require.NoError(t, f.u.Persist(order))

	require.NoError(t, f.u.Flush(context.Background()))

	assert.Equal(t, []stmtSummary{{"insert", "Order"}, {"insert", "Line"}}, summarize(f.conn.Statements()))
	assert.Equal(t, ir.IRArray{ir.IRString("A1"), ir.IRString("eu")}, f.conn.Rows("Line")[0]["ord"])

	got, err := f.u.Find(context.Background(), "Order", ir.IRString("A1"), ir.IRString("eu"))
	require.NoError(t, err)
	assert.Same(t, order, got)
}

func TestFlushRemoveCascadesOverLoadedCollection(t *testing.T) {
	f := newFixture(t)
	f.conn.EnforceForeignKeys = true
	ctx := context.Background()
	author, book := authorWithBook("Ann", "Go")
	require.NoError(t, f.u.Persist(author))
	require.NoError(t, f.u.Flush(ctx))

	require.NoError(t, f.u.Remove(author))
	assert.Equal(t, StateRemoved, f.u.State(book))
	require.NoError(t, f.u.Flush(ctx))

	stmts := summarize(f.conn.Statements())
	assert.Equal(t, []stmtSummary{{"delete", "Book"}, {"delete", "Author"}}, stmts[2:])
	assert.Equal(t, StateDetached, f.u.State(author))
	assert.Equal(t, StateDetached, f.u.State(book))
	assert.Zero(t, f.u.Len())
}

func TestFlushRemovesOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author, book := authorWithBook("Ann", "Go")
	require.NoError(t, f.u.Persist(author))
	require.NoError(t, f.u.Flush(ctx))

	author.Collection("books").Remove(book)
	require.NoError(t, f.u.Flush(ctx))

	assert.Equal(t, StateDetached, f.u.State(book))
	assert.Nil(t, book.Ref("author"))
	assert.Empty(t, f.conn.Rows("Book"))
	assert.Len(t, f.conn.Rows("Author"), 1)
}

func TestFlushMovesMemberBetweenCollections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ann, book := authorWithBook("Ann", "Go")
	bea := record("Author", ir.IRObject{"name": ir.IRString("Bea")})
	require.NoError(t, f.u.Persist(ann))
	require.NoError(t, f.u.Persist(bea))
	require.NoError(t, f.u.Flush(ctx))

	ann.Collection("books").Remove(book)
	bea.Collection("books").Add(book)
	require.NoError(t, f.u.Flush(ctx))

	assert.Same(t, bea, book.Ref("author"))
	assert.Equal(t, StateManaged, f.u.State(book), "adopted member is not an orphan")
	stmts := f.conn.Statements()
	last := stmts[len(stmts)-1]
	assert.Equal(t, "update", last.Op)
	assert.Equal(t, ir.IRObject{"author": ir.IRInt(2)}, last.Values)
}

func TestFlushCascadeDoesNotReviveRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author, book := authorWithBook("Ann", "Go")
	require.NoError(t, f.u.Persist(author))
	require.NoError(t, f.u.Flush(ctx))

	require.NoError(t, f.u.Remove(book))
	require.NoError(t, f.u.Flush(ctx))
	assert.Equal(t, StateDetached, f.u.State(book))
	assert.Empty(t, f.conn.Rows("Book"))
}

func TestFlushBatchesInsertsAndDeletes(t *testing.T) {
	var events []FlushEvent
	f := newFixture(t, WithBatching(true), WithObserver(ObserverFuncs{
		After: func(_ context.Context, ev FlushEvent) { events = append(events, ev) },
	}))
	ctx := context.Background()
	for _, no := range []string{"A1", "A2", "A3"} {
		o := record("Order", ir.IRObject{"order_no": ir.IRString(no), "region": ir.IRString("eu")})
		require.NoError(t, f.u.Persist(o))
	}

	require.NoError(t, f.u.Flush(ctx))
	stmts := f.conn.Statements()
	require.Len(t, stmts, 1)
	assert.Equal(t, 3, stmts[0].Rows)
	require.Len(t, events, 1)
	assert.Equal(t, []Statement{{Entity: "Order", Op: "insert", Rows: 3}}, events[0].Statements)
	assert.Len(t, f.u.ChangeSets(), 3)

	for key, e := range f.u.Identity() {
		assert.Equal(t, "Order", key.Type)
		require.NoError(t, f.u.Remove(e))
	}
	require.NoError(t, f.u.Flush(ctx))
	stmts = f.conn.Statements()
	require.Len(t, stmts, 2)
	assert.Equal(t, "delete", stmts[1].Op)
	assert.Equal(t, 3, stmts[1].Rows)
	assert.Empty(t, f.conn.Rows("Order"))
}

func TestFlushObservers(t *testing.T) {
	var before, after []FlushEvent
	f := newFixture(t, WithObserver(ObserverFuncs{
		Before: func(_ context.Context, ev FlushEvent) { before = append(before, ev) },
		After:  func(_ context.Context, ev FlushEvent) { after = append(after, ev) },
	}))
	ctx := context.Background()
	author, _ := authorWithBook("Ann", "Go")
	require.NoError(t, f.u.Persist(author))

	require.NoError(t, f.u.Flush(ctx))
	require.NoError(t, f.u.Flush(ctx))

	require.Len(t, before, 1, "empty flushes are not reported")
	require.Len(t, after, 1)
	assert.Equal(t, "flush-1", before[0].Token)
	assert.Len(t, before[0].ChangeSets, 2)
	assert.Nil(t, before[0].Statements)
	assert.NoError(t, after[0].Err)
	assert.Equal(t, []Statement{
		{Entity: "Author", Op: "insert", Rows: 1},
		{Entity: "Book", Op: "insert", Rows: 1},
	}, after[0].Statements)

	emp := record("Employee", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Kim")})
	require.NoError(t, f.u.Persist(emp))
	f.conn.FailOn("insert", "Employee", errors.New("boom"))
	require.Error(t, f.u.Flush(ctx))
	require.Len(t, after, 2)
	assert.Equal(t, "flush-2", after[1].Token)
	assert.Error(t, after[1].Err)
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	author := record("Author", ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("Ann"), "version": ir.IRInt(1)})
	_, err := f.u.Manage(author)
	require.NoError(t, err)
	book := record("Book", ir.IRObject{"title": ir.IRString("Go")})
	author.Collection("books").Add(book)

	sets, err := f.u.Preview()
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, changeset.Create, sets[0].Kind)
	assert.Equal(t, "Book", sets[0].Type.Name)
	assert.Equal(t, ir.IRInt(1), sets[0].Payload["author"])

	assert.Equal(t, StateNew, f.u.State(book), "cascade sweep is undone")
	assert.Nil(t, book.Ref("author"), "inverse sync is undone")
	assert.Nil(t, book.Get("id"))
	assert.Empty(t, f.conn.Statements())

	require.NoError(t, f.u.Flush(context.Background()))
	assert.Len(t, f.conn.Rows("Book"), 1)
}

func TestCommitOrder(t *testing.T) {
	order := CommitOrder(testRegistry(t))

	pos := make(map[string]int, len(order.Types))
	for i, name := range order.Types {
		pos[name] = i
	}
	require.Len(t, pos, 7)
	assert.Less(t, pos["Author"], pos["Book"])
	assert.Less(t, pos["Order"], pos["Line"])
	assert.Less(t, pos["Person"], pos["Pet"], "the nullable side of the cycle is deferred")

	require.Len(t, order.Deferred, 1)
	assert.Equal(t, "Pet", order.Deferred[0].From)
	assert.Equal(t, "Person", order.Deferred[0].To)
	assert.Zero(t, order.Deferred[0].Weight)
	assert.Empty(t, order.Warnings)
}
