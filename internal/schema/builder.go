package schema

import (
	"errors"
	"fmt"

	"github.com/roach88/uow/internal/ir"
)

// FieldOption configures a field added through the builder.
type FieldOption func(*Field)

// PrimaryKey marks the field as part of the primary key.
func PrimaryKey() FieldOption {
	return func(f *Field) { f.Primary = true }
}

// AutoIncrement marks a key field as assigned by the database.
func AutoIncrement() FieldOption {
	return func(f *Field) { f.Generated = GenIncrement }
}

// GeneratedUUID marks a key field as a generated UUIDv7.
func GeneratedUUID() FieldOption {
	return func(f *Field) { f.Generated = GenUUID }
}

// Nullable allows null values.
func Nullable() FieldOption {
	return func(f *Field) { f.Nullable = true }
}

// Transient excludes the field from persistence and diffing.
func Transient() FieldOption {
	return func(f *Field) { f.Transient = true }
}

// Version marks the optimistic-lock field.
func Version() FieldOption {
	return func(f *Field) { f.Version = true }
}

// Default sets the value used on create when the field is unset.
func Default(v ir.IRValue) FieldOption {
	return func(f *Field) { f.Default = v }
}

// OnCreate sets the hook run when the entity is created.
func OnCreate(h Hook) FieldOption {
	return func(f *Field) { f.OnCreate = h }
}

// OnUpdate sets the hook run when the entity is updated.
func OnUpdate(h Hook) FieldOption {
	return func(f *Field) { f.OnUpdate = h }
}

// Column overrides the storage column name.
func Column(name string) FieldOption {
	return func(f *Field) { f.Column = name }
}

// WithCascade sets the cascade policy of a relation.
func WithCascade(c Cascade) FieldOption {
	return func(f *Field) {
		if f.Relation != nil {
			f.Relation.Cascade = c
		}
	}
}

// OrphanRemoval deletes targets detached from this relation.
func OrphanRemoval() FieldOption {
	return func(f *Field) {
		if f.Relation != nil {
			f.Relation.OrphanRemoval = true
		}
	}
}

// MappedBy makes a one_to_one the inverse side of the named owning field.
func MappedBy(field string) FieldOption {
	return func(f *Field) {
		if f.Relation != nil {
			f.Relation.MappedBy = field
		}
	}
}

// JoinColumns sets the foreign-key columns explicitly.
func JoinColumns(cols ...string) FieldOption {
	return func(f *Field) {
		if f.Relation != nil {
			f.Relation.JoinColumns = cols
		}
	}
}

// Builder assembles an EntityType.
//
//	book, err := schema.NewEntity("Book").
//		Field("id", schema.TypeInt, schema.PrimaryKey(), schema.AutoIncrement()).
//		Field("title", schema.TypeString).
//		ManyToOne("author", "Author").
//		Build()
type Builder struct {
	et   *EntityType
	errs []error
}

// NewEntity starts a builder. The table defaults to the entity name.
func NewEntity(name string) *Builder {
	return &Builder{et: &EntityType{Name: name, Table: name}}
}

// Table sets the table name.
func (b *Builder) Table(name string) *Builder {
	b.et.Table = name
	return b
}

// Field adds a scalar field. The column defaults to the field name.
func (b *Builder) Field(name, typeName string, opts ...FieldOption) *Builder {
	f := &Field{Name: name, Column: name, TypeName: typeName}
	for _, opt := range opts {
		opt(f)
	}
	return b.add(f)
}

// ManyToOne adds an owning reference to target.
func (b *Builder) ManyToOne(name, target string, opts ...FieldOption) *Builder {
	return b.relation(name, ManyToOne, target, "", opts)
}

// OneToOne adds a one_to_one reference. It owns the foreign key unless
// MappedBy is given.
func (b *Builder) OneToOne(name, target string, opts ...FieldOption) *Builder {
	return b.relation(name, OneToOne, target, "", opts)
}

// OneToMany adds an inverse collection of target entities whose mappedBy
// field points back here.
func (b *Builder) OneToMany(name, target, mappedBy string, opts ...FieldOption) *Builder {
	return b.relation(name, OneToMany, target, mappedBy, opts)
}

func (b *Builder) relation(name string, kind RelationKind, target, mappedBy string, opts []FieldOption) *Builder {
	f := &Field{
		Name:     name,
		Relation: &Relation{Kind: kind, Target: target, MappedBy: mappedBy},
	}
	for _, opt := range opts {
		opt(f)
	}
	return b.add(f)
}

// Check adds a named check expression.
func (b *Builder) Check(name, expr string) *Builder {
	b.et.Checks = append(b.et.Checks, Check{Name: name, Expr: expr})
	return b
}

func (b *Builder) add(f *Field) *Builder {
	for _, existing := range b.et.Fields {
		if existing.Name == f.Name {
			b.errs = append(b.errs, fmt.Errorf("%s: duplicate field %q", b.et.Name, f.Name))
			return b
		}
	}
	b.et.Fields = append(b.et.Fields, f)
	return b
}

// Build returns the entity type, or the first structural problems found.
// Registry validation covers the rest.
func (b *Builder) Build() (*EntityType, error) {
	if b.et.Name == "" {
		b.errs = append(b.errs, errors.New("entity name is required"))
	}
	if len(b.et.PrimaryKey()) == 0 {
		b.errs = append(b.errs, fmt.Errorf("%s: no primary key", b.et.Name))
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	b.et.index()
	return b.et, nil
}

// MustBuild is Build for statically known schemas. It panics on error.
func (b *Builder) MustBuild() *EntityType {
	et, err := b.Build()
	if err != nil {
		panic(err)
	}
	return et
}
