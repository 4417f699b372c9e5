package entity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/uow/internal/ir"
)

func book(title string) *Record {
	return NewRecord("Book", ir.IRObject{"title": ir.IRString(title)})
}

func TestRecordFieldAccess(t *testing.T) {
	r := NewRecord("Author", ir.IRObject{"name": ir.IRString("Ann")})

	assert.Equal(t, "Author", r.EntityType())
	assert.Equal(t, ir.IRString("Ann"), r.Get("name"))
	assert.Nil(t, r.Get("email"), "unset field must be Go nil")

	r.Set("email", ir.Null)
	assert.Equal(t, ir.Null, r.Get("email"), "explicit null is kept")

	r.Set("email", nil)
	assert.Nil(t, r.Get("email"))
	assert.Equal(t, []string{"name"}, r.Fields())
}

func TestRecordCopiesInitialValues(t *testing.T) {
	tags := ir.IRArray{ir.IRString("go")}
	r := NewRecord("Post", ir.IRObject{"tags": tags})
	tags[0] = ir.IRString("changed")

	assert.Equal(t, ir.IRArray{ir.IRString("go")}, r.Get("tags"))
}

func TestRecordRefs(t *testing.T) {
	author := NewRecord("Author", nil)
	b := book("Dune")

	assert.Nil(t, b.Ref("author"))
	b.SetRef("author", author)
	assert.Same(t, author, b.Ref("author"))

	b.SetRef("author", nil)
	assert.Nil(t, b.Ref("author"))
}

func TestRecordCollectionDefaultsToLoaded(t *testing.T) {
	r := NewRecord("Author", nil)
	c := r.Collection("books")
	assert.Equal(t, Loaded, c.State())
	assert.Same(t, c, r.Collection("books"))

	unloaded := NewCollection()
	r.AttachCollection("books", unloaded)
	assert.Same(t, unloaded, r.Collection("books"))
	assert.Equal(t, NotLoaded, unloaded.State())
}

func TestCollectionAddRemoveDirty(t *testing.T) {
	a, b, c := book("a"), book("b"), book("c")
	coll := NewLoadedCollection(a, b)
	assert.Equal(t, Loaded, coll.State())

	coll.Add(c, a)
	assert.Equal(t, Dirty, coll.State())
	assert.Equal(t, []Entity{a, b, c}, coll.Items())
	assert.Equal(t, []Entity{c}, coll.Added())

	coll.Remove(b)
	assert.Equal(t, []Entity{b}, coll.Removed())
	assert.False(t, coll.Contains(b))

	coll.MarkClean()
	assert.Equal(t, Loaded, coll.State())
	assert.Empty(t, coll.Added())
	assert.Empty(t, coll.Removed())
	assert.Equal(t, []Entity{a, c}, coll.Snapshot())
}

func TestCollectionAddThenRemoveCancels(t *testing.T) {
	a := book("a")
	coll := NewCollection()
	coll.Add(a)
	coll.Remove(a)

	assert.Empty(t, coll.Added())
	assert.Empty(t, coll.Removed())
	assert.Equal(t, NotLoaded, coll.State())
}

func TestCollectionLoadReappliesPending(t *testing.T) {
	a, b, c := book("a"), book("b"), book("c")
	coll := NewCollection()

	coll.Add(c)
	coll.Remove(a)
	assert.Equal(t, Dirty, coll.State())

	var sawLoading CollectionState
	err := coll.Load(context.Background(), func(ctx context.Context) ([]Entity, error) {
		sawLoading = coll.State()
		return []Entity{a, b}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, Loading, sawLoading)
	assert.True(t, coll.IsLoaded())
	assert.Equal(t, []Entity{b, c}, coll.Items())
	assert.Equal(t, []Entity{c}, coll.Added())
	assert.Equal(t, []Entity{a}, coll.Removed())
	assert.Equal(t, Dirty, coll.State())
}

func TestCollectionLoadErrorKeepsState(t *testing.T) {
	coll := NewCollection()
	boom := errors.New("boom")

	err := coll.Load(context.Background(), func(context.Context) ([]Entity, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, NotLoaded, coll.State())
}

func TestCollectionLoadReentrant(t *testing.T) {
	coll := NewCollection()
	var inner error
	err := coll.Load(context.Background(), func(ctx context.Context) ([]Entity, error) {
		inner = coll.Load(ctx, func(context.Context) ([]Entity, error) { return nil, nil })
		return nil, nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrLoadInProgress)
}

func TestCollectionLoadOnLoadedIsNoop(t *testing.T) {
	coll := NewLoadedCollection()
	called := false
	err := coll.Load(context.Background(), func(context.Context) ([]Entity, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestCollectionStateString(t *testing.T) {
	assert.Equal(t, "not_loaded", NotLoaded.String())
	assert.Equal(t, "dirty", Dirty.String())
}
