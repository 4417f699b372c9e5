package changeset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/uow/internal/entity"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.NewEntity("Author").
		Field("id", schema.TypeInt, schema.PrimaryKey(), schema.AutoIncrement()).
		Field("name", schema.TypeString).
		Field("email", schema.TypeString, schema.Nullable()).
		Field("status", schema.TypeString, schema.Default(ir.IRString("active"))).
		Field("created_at", schema.TypeDateTime, schema.OnCreate(schema.HookNow)).
		Field("updated_at", schema.TypeDateTime, schema.Nullable(), schema.OnUpdate(schema.HookNow)).
		Field("version", schema.TypeInt, schema.Version()).
		Field("nickname", schema.TypeString, schema.Transient()).
		MustBuild()))
	require.NoError(t, reg.Register(schema.NewEntity("Book").
		Field("id", schema.TypeUUID, schema.PrimaryKey(), schema.GeneratedUUID()).
		Field("title", schema.TypeString).
		Field("qty", schema.TypeInt, schema.Default(ir.IRInt(0))).
		Field("tags", schema.TypeArray, schema.Nullable()).
		ManyToOne("author", "Author").
		Check("non_negative_qty", "self.qty >= 0").
		MustBuild()))
	require.NoError(t, reg.Register(schema.NewEntity("Enrollment").
		Field("student", schema.TypeInt, schema.PrimaryKey()).
		Field("course", schema.TypeString, schema.PrimaryKey()).
		Field("grade", schema.TypeString, schema.Nullable()).
		MustBuild()))
	require.NoError(t, reg.Resolve())
	return reg
}

func newTestComputer() *Computer {
	return NewComputer(
		WithClock(func() time.Time { return fixedNow }),
		WithUUIDGenerator(func() string { return "0190a3c4-7b2e-7c3d-8e4f-5a6b7c8d9e0f" }),
	)
}

func TestComputeCreateResolvesDefaultsAndHooks(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()

	a := entity.NewRecord("Author", ir.IRObject{"name": ir.IRString("Ann"), "nickname": ir.IRString("A")})
	cs, err := c.Compute(reg.MustLookup("Author"), a, nil)
	require.NoError(t, err)
	require.NotNil(t, cs)

	assert.Equal(t, Create, cs.Kind)
	assert.Equal(t, ir.IRObject{
		"name":       ir.IRString("Ann"),
		"status":     ir.IRString("active"),
		"created_at": ir.IRString("2026-03-01T12:00:00Z"),
		"version":    ir.IRInt(1),
	}, cs.Payload)
	assert.Equal(t, []string{"name", "status", "created_at", "version"}, cs.Fields())
	assert.Nil(t, cs.PrimaryKey, "auto-increment key is not known before insert")

	assert.Equal(t, ir.IRObject{
		"status":     ir.IRString("active"),
		"created_at": ir.IRString("2026-03-01T12:00:00Z"),
		"version":    ir.IRInt(1),
	}, cs.Assigned)
	assert.Nil(t, a.Get("status"), "computation must not mutate the entity")
}

func TestComputeCreateGeneratesUUIDKey(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()

	author := entity.NewRecord("Author", ir.IRObject{"id": ir.IRInt(7), "name": ir.IRString("Ann")})
	b := entity.NewRecord("Book", ir.IRObject{"title": ir.IRString("Dune")})
	b.SetRef("author", author)

	cs, err := c.Compute(reg.MustLookup("Book"), b, nil)
	require.NoError(t, err)

	id := ir.IRString("0190a3c4-7b2e-7c3d-8e4f-5a6b7c8d9e0f")
	assert.Equal(t, id, cs.Payload["id"])
	assert.Equal(t, id, cs.Assigned["id"])
	assert.Equal(t, ir.IRObject{"id": id}, cs.PrimaryKey)
	assert.Equal(t, ir.IRInt(7), cs.Payload["author"])
	assert.Empty(t, cs.Deferred)
}

func TestComputeCreateDefersUnsavedTarget(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()

	author := entity.NewRecord("Author", ir.IRObject{"name": ir.IRString("Ann")})
	b := entity.NewRecord("Book", ir.IRObject{"title": ir.IRString("Dune")})
	b.SetRef("author", author)

	cs, err := c.Compute(reg.MustLookup("Book"), b, nil)
	require.NoError(t, err, "a deferred non-nullable relation is not a validation failure")

	assert.True(t, cs.IsDeferred("author"))
	assert.Same(t, author, cs.Deferred["author"])
	assert.Equal(t, ir.Null, cs.Payload["author"])
}

func TestComputeCreateValidation(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()

	t.Run("missing required scalar", func(t *testing.T) {
		_, err := c.Compute(reg.MustLookup("Author"), entity.NewRecord("Author", nil), nil)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
		assert.Contains(t, err.Error(), "Author.name")
		assert.Contains(t, err.Error(), "required")
	})

	t.Run("missing required relation", func(t *testing.T) {
		b := entity.NewRecord("Book", ir.IRObject{"title": ir.IRString("Dune")})
		_, err := c.Compute(reg.MustLookup("Book"), b, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Book.author")
	})

	t.Run("wrong type", func(t *testing.T) {
		a := entity.NewRecord("Author", ir.IRObject{"name": ir.IRInt(3)})
		_, err := c.Compute(reg.MustLookup("Author"), a, nil)
		require.Error(t, err)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, ReasonType, ve.Reason)
	})

	t.Run("check expression", func(t *testing.T) {
		author := entity.NewRecord("Author", ir.IRObject{"id": ir.IRInt(1)})
		b := entity.NewRecord("Book", ir.IRObject{"title": ir.IRString("Dune"), "qty": ir.IRInt(-1)})
		b.SetRef("author", author)
		_, err := c.Compute(reg.MustLookup("Book"), b, nil)
		require.Error(t, err)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, ReasonCheck, ve.Reason)
		assert.Contains(t, ve.Message, "non_negative_qty")
	})
}

func persistedAuthor(t *testing.T, c *Computer, et *schema.EntityType) (*entity.Record, ir.IRObject) {
	t.Helper()
	a := entity.NewRecord("Author", ir.IRObject{
		"id":         ir.IRInt(1),
		"name":       ir.IRString("Ann"),
		"status":     ir.IRString("active"),
		"created_at": ir.IRString("2026-01-01T00:00:00.000Z"),
		"version":    ir.IRInt(3),
	})
	return a, c.Snapshot(et, a)
}

func TestComputeNoChangeYieldsNil(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()
	et := reg.MustLookup("Author")
	a, snap := persistedAuthor(t, c, et)

	cs, err := c.Compute(et, a, snap)
	require.NoError(t, err)
	assert.Nil(t, cs)

	a.Set("nickname", ir.IRString("transient change"))
	cs, err = c.Compute(et, a, snap)
	require.NoError(t, err)
	assert.Nil(t, cs, "transient fields are not diffed")

	a.Set("created_at", ir.IRString("2026-01-01T00:00:00.000400Z"))
	cs, err = c.Compute(et, a, snap)
	require.NoError(t, err)
	assert.Nil(t, cs, "datetime compares after millisecond truncation")
}

func TestComputeUpdateOnlyChangedFields(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()
	et := reg.MustLookup("Author")
	a, snap := persistedAuthor(t, c, et)

	a.Set("email", ir.IRString("ann@example.com"))
	cs, err := c.Compute(et, a, snap)
	require.NoError(t, err)
	require.NotNil(t, cs)

	assert.Equal(t, Update, cs.Kind)
	assert.Equal(t, ir.IRObject{
		"email":      ir.IRString("ann@example.com"),
		"updated_at": ir.IRString("2026-03-01T12:00:00Z"),
		"version":    ir.IRInt(4),
	}, cs.Payload)
	assert.Equal(t, ir.IRObject{"id": ir.IRInt(1)}, cs.PrimaryKey)
	assert.Equal(t, ir.IRInt(3), cs.OriginalVersion)
	assert.Equal(t, snap, cs.Original)
}

func TestComputeUpdateNullingRequiredFails(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()
	et := reg.MustLookup("Author")
	a, snap := persistedAuthor(t, c, et)

	a.Set("name", ir.Null)
	_, err := c.Compute(et, a, snap)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ReasonRequired, ve.Reason)
	assert.Equal(t, "name", ve.Field)
}

func TestComputeUpdateImmutablePrimaryKey(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()
	et := reg.MustLookup("Author")
	a, snap := persistedAuthor(t, c, et)

	a.Set("id", ir.IRInt(2))
	_, err := c.Compute(et, a, snap)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ReasonImmutablePK, ve.Reason)
}

func TestSnapshotIsDeepClone(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()
	et := reg.MustLookup("Book")

	author := entity.NewRecord("Author", ir.IRObject{"id": ir.IRInt(1)})
	b := entity.NewRecord("Book", ir.IRObject{
		"id":    ir.IRString("0190a3c4-7b2e-7c3d-8e4f-5a6b7c8d9e0f"),
		"title": ir.IRString("Dune"),
		"qty":   ir.IRInt(1),
		"tags":  ir.IRArray{ir.IRString("sf")},
	})
	b.SetRef("author", author)
	snap := c.Snapshot(et, b)

	b.Get("tags").(ir.IRArray)[0] = ir.IRString("fantasy")
	assert.Equal(t, ir.IRArray{ir.IRString("sf")}, snap["tags"])

	diff := c.Diff(et, b, snap)
	assert.Equal(t, ir.IRObject{"tags": ir.IRArray{ir.IRString("fantasy")}}, diff)
}

func TestDiffRelationChange(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()
	et := reg.MustLookup("Book")

	first := entity.NewRecord("Author", ir.IRObject{"id": ir.IRInt(1)})
	second := entity.NewRecord("Author", ir.IRObject{"id": ir.IRInt(2)})
	b := entity.NewRecord("Book", ir.IRObject{
		"id":    ir.IRString("0190a3c4-7b2e-7c3d-8e4f-5a6b7c8d9e0f"),
		"title": ir.IRString("Dune"),
		"qty":   ir.IRInt(1),
	})
	b.SetRef("author", first)
	snap := c.Snapshot(et, b)

	b.SetRef("author", entity.NewRecord("Author", ir.IRObject{"id": ir.IRInt(1)}))
	assert.Empty(t, c.Diff(et, b, snap), "relations compare by target key, not instance")

	b.SetRef("author", second)
	assert.Equal(t, ir.IRObject{"author": ir.IRInt(2)}, c.Diff(et, b, snap))
}

func TestCompositeKeyDiffing(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()
	et := reg.MustLookup("Enrollment")

	e := entity.NewRecord("Enrollment", ir.IRObject{
		"student": ir.IRInt(1),
		"course":  ir.IRString("math"),
	})
	snap := c.Snapshot(et, e)

	key, ok := KeyValues(et, e)
	require.True(t, ok)
	assert.Equal(t, []ir.IRValue{ir.IRInt(1), ir.IRString("math")}, key)

	e.Set("grade", ir.IRString("A"))
	cs, err := c.Compute(et, e, snap)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"student": ir.IRInt(1), "course": ir.IRString("math")}, cs.PrimaryKey)
	assert.Equal(t, ir.IRObject{"grade": ir.IRString("A")}, cs.Payload)

	e.Set("course", ir.IRString("art"))
	_, err = c.Compute(et, e, snap)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "course", ve.Field, "each key component is compared on its own")
}

func TestComputeDelete(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()
	et := reg.MustLookup("Author")
	a, snap := persistedAuthor(t, c, et)
	a.Set("name", ir.IRString("changed before delete"))

	cs := c.ComputeDelete(et, a, snap)
	assert.Equal(t, Delete, cs.Kind)
	assert.Equal(t, ir.IRObject{"id": ir.IRInt(1)}, cs.Payload)
	assert.Equal(t, ir.IRInt(3), cs.OriginalVersion)
}

func TestChecksCache(t *testing.T) {
	checks := NewChecks()
	et := &schema.EntityType{
		Name:   "Item",
		Checks: []schema.Check{{Name: "positive", Expr: "self.n > 0"}},
	}

	require.NoError(t, checks.Evaluate(et, ir.IRObject{"n": ir.IRInt(1)}))
	require.Error(t, checks.Evaluate(et, ir.IRObject{"n": ir.IRInt(0)}))
	assert.Equal(t, 1, checks.CacheSize())

	_, err := CompileCheck("self.n +")
	assert.Error(t, err)

	_, err = CompileCheck(`"not a bool"`)
	assert.Error(t, err)
}

func TestChangeSetHashIgnoresEntityIdentity(t *testing.T) {
	reg := testRegistry(t)
	c := newTestComputer()
	et := reg.MustLookup("Author")

	cs1, err := c.Compute(et, entity.NewRecord("Author", ir.IRObject{"name": ir.IRString("Ann")}), nil)
	require.NoError(t, err)
	cs2, err := c.Compute(et, entity.NewRecord("Author", ir.IRObject{"name": ir.IRString("Ann")}), nil)
	require.NoError(t, err)

	h1, err := cs1.Hash()
	require.NoError(t, err)
	h2, err := cs2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
