package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/uow/internal/ir"
)

func authorBook(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewEntity("Author").
		Table("authors").
		Field("id", TypeInt, PrimaryKey(), AutoIncrement()).
		Field("name", TypeString).
		OneToMany("books", "Book", "author", WithCascade(CascadeAll), OrphanRemoval()).
		MustBuild()))
	require.NoError(t, reg.Register(NewEntity("Book").
		Table("books").
		Field("id", TypeInt, PrimaryKey(), AutoIncrement()).
		Field("title", TypeString).
		Field("version", TypeInt, Version()).
		ManyToOne("author", "Author").
		MustBuild()))
	require.NoError(t, reg.Resolve())
	return reg
}

func TestRegistryResolveBindsTargetsAndJoinColumns(t *testing.T) {
	reg := authorBook(t)

	book := reg.MustLookup("Book")
	author, ok := book.Field("author")
	require.True(t, ok)

	assert.True(t, author.IsOwning())
	assert.True(t, author.IsPersistent())
	assert.Same(t, reg.MustLookup("Author"), author.Relation.TargetType)
	assert.Equal(t, []string{"author_id"}, author.Columns())

	books, ok := reg.MustLookup("Author").Field("books")
	require.True(t, ok)
	assert.True(t, books.IsCollection())
	assert.False(t, books.IsPersistent())
	assert.Nil(t, books.Columns())

	title, _ := book.Field("title")
	assert.Equal(t, TypeString, title.Type.Name())
	assert.Equal(t, "version", book.VersionField().Name)
}

func TestRegistryOrderAndDuplicates(t *testing.T) {
	reg := authorBook(t)

	var names []string
	for _, et := range reg.Entities() {
		names = append(names, et.Name)
	}
	assert.Equal(t, []string{"Author", "Book"}, names)

	err := reg.Register(NewEntity("Book").Field("id", TypeInt, PrimaryKey()).MustBuild())
	assert.ErrorContains(t, err, "already registered")

	assert.Panics(t, func() { reg.MustLookup("Nope") })
}

func TestRegistryResolveReportsAllProblems(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewEntity("Tag").
		Field("id", "money", PrimaryKey()).
		ManyToOne("owner", "Ghost").
		MustBuild()))

	err := reg.Resolve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown type "money"`)
	assert.Contains(t, err.Error(), `unknown relation target "Ghost"`)
}

func TestCompositeJoinColumns(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewEntity("Enrollment").
		Field("student", TypeInt, PrimaryKey()).
		Field("course", TypeString, PrimaryKey()).
		MustBuild()))
	require.NoError(t, reg.Register(NewEntity("Grade").
		Field("id", TypeInt, PrimaryKey()).
		ManyToOne("enrollment", "Enrollment").
		MustBuild()))
	require.NoError(t, reg.Resolve())

	f, _ := reg.MustLookup("Grade").Field("enrollment")
	assert.Equal(t, []string{"enrollment_student", "enrollment_course"}, f.Columns())

	a := ir.IRArray{ir.IRInt(1), ir.IRString("math")}
	assert.True(t, f.Equal(a, ir.IRArray{ir.IRInt(1), ir.IRString("math")}))
	assert.False(t, f.Equal(a, ir.IRArray{ir.IRInt(1), ir.IRString("art")}))
	assert.False(t, f.Equal(a, ir.IRArray{ir.IRString("1"), ir.IRString("math")}))
}

func TestBuilderErrors(t *testing.T) {
	_, err := NewEntity("Loose").Field("name", TypeString).Build()
	assert.ErrorContains(t, err, "no primary key")

	_, err = NewEntity("Dup").
		Field("id", TypeInt, PrimaryKey()).
		Field("id", TypeString).
		Build()
	assert.ErrorContains(t, err, `duplicate field "id"`)
}

func TestParseCascade(t *testing.T) {
	c, err := ParseCascade("persist", "remove")
	require.NoError(t, err)
	assert.Equal(t, CascadeAll, c)
	assert.True(t, c.Has(CascadePersist))

	c, err = ParseCascade("none")
	require.NoError(t, err)
	assert.False(t, c.Has(CascadePersist))
	assert.Equal(t, "none", c.String())

	_, err = ParseCascade("detach")
	assert.Error(t, err)
}

func TestFieldEqualNulls(t *testing.T) {
	f := &Field{Name: "x", Type: StringType{}}
	assert.True(t, f.Equal(nil, ir.Null))
	assert.False(t, f.Equal(ir.Null, ir.IRString("")))
	assert.True(t, f.Equal(ir.IRString("a"), ir.IRString("a")))
}

func TestDateTimeTypePrecision(t *testing.T) {
	dt := NewDateTimeType(time.Millisecond)

	a := ir.IRString("2026-01-02T03:04:05.123456Z")
	b := ir.IRString("2026-01-02T03:04:05.123999Z")
	c := ir.IRString("2026-01-02T05:04:05.123+02:00")
	assert.True(t, dt.Compare(a, b), "sub-millisecond difference is not a change")
	assert.True(t, dt.Compare(a, c), "same instant in another zone")
	assert.False(t, dt.Compare(a, ir.IRString("2026-01-02T03:04:05.124Z")))

	v, err := dt.ToDatabase(a)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05.123Z", v)

	assert.Error(t, dt.Check(ir.IRString("yesterday")))
	assert.Error(t, dt.Check(ir.IRInt(5)))

	back, err := dt.FromDatabase(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("2026-01-02T03:04:05Z"), back)
}

func TestUUIDTypeCaseInsensitive(t *testing.T) {
	u := UUIDType{}
	lower := ir.IRString("0190a3c4-7b2e-7c3d-8e4f-5a6b7c8d9e0f")
	upper := ir.IRString("0190A3C4-7B2E-7C3D-8E4F-5A6B7C8D9E0F")

	assert.True(t, u.Compare(lower, upper))
	assert.NoError(t, u.Check(upper))
	assert.Error(t, u.Check(ir.IRString("not-a-uuid")))

	v, err := u.ToDatabase(upper)
	require.NoError(t, err)
	assert.Equal(t, string(lower), v)
}

func TestJSONAndArrayTypes(t *testing.T) {
	j := JSONType{}
	v, err := j.ToDatabase(ir.IRObject{"b": ir.IRInt(1), "a": ir.IRBool(true)})
	require.NoError(t, err)
	assert.Equal(t, `{"a":true,"b":1}`, v)

	back, err := j.FromDatabase([]byte(`{"a":true,"b":1}`))
	require.NoError(t, err)
	assert.True(t, j.Compare(back, ir.IRObject{"a": ir.IRBool(true), "b": ir.IRInt(1)}))

	arr := ArrayType{}
	assert.False(t, arr.Compare(
		ir.IRArray{ir.IRString("a"), ir.IRString("b")},
		ir.IRArray{ir.IRString("b"), ir.IRString("a")},
	), "array order matters")
	assert.Error(t, arr.Check(ir.IRString("a")))

	_, err = arr.FromDatabase(`{"not":"array"}`)
	assert.Error(t, err)
}

func TestScalarTypesFromDatabase(t *testing.T) {
	v, err := BoolType{}.FromDatabase(int64(1))
	require.NoError(t, err)
	assert.Equal(t, ir.IRBool(true), v)

	v, err = IntType{}.FromDatabase(int32(7))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(7), v)

	_, err = IntType{}.FromDatabase("7")
	assert.Error(t, err)

	v, err = StringType{}.FromDatabase([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("x"), v)
}

func TestRegisterTypeOverridesBuiltin(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterType(NewDateTimeType(time.Second)))

	dt, ok := reg.LookupType(TypeDateTime)
	require.True(t, ok)
	assert.True(t, dt.Compare(ir.IRString("2026-01-01T00:00:00.9Z"), ir.IRString("2026-01-01T00:00:00Z")))
}
