package schema

import (
	"fmt"
	"strings"

	"github.com/roach88/uow/internal/ir"
)

// Generated describes how a primary-key value is produced.
type Generated string

const (
	// GenNone means the application assigns the value.
	GenNone Generated = ""
	// GenIncrement means the database assigns the value on insert.
	GenIncrement Generated = "increment"
	// GenUUID means a UUIDv7 is generated before insert.
	GenUUID Generated = "uuid"
)

// RelationKind is the cardinality of a relation field.
type RelationKind string

const (
	ManyToOne RelationKind = "many_to_one"
	OneToOne  RelationKind = "one_to_one"
	OneToMany RelationKind = "one_to_many"
)

// Cascade is a bitmask of operations propagated along a relation.
type Cascade uint8

const (
	CascadeNone    Cascade = 0
	CascadePersist Cascade = 1
	CascadeRemove  Cascade = 2
	CascadeAll             = CascadePersist | CascadeRemove
)

// Has reports whether every bit of op is set.
func (c Cascade) Has(op Cascade) bool {
	return op != 0 && c&op == op
}

// String returns the lowercase cascade name.
func (c Cascade) String() string {
	switch c {
	case CascadeNone:
		return "none"
	case CascadeAll:
		return "all"
	case CascadePersist:
		return "persist"
	case CascadeRemove:
		return "remove"
	default:
		return fmt.Sprintf("Cascade(%d)", uint8(c))
	}
}

// ParseCascade parses a list of cascade names ("none", "persist", "remove",
// "all") into a bitmask.
func ParseCascade(names ...string) (Cascade, error) {
	var c Cascade
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "none", "":
		case "persist":
			c |= CascadePersist
		case "remove":
			c |= CascadeRemove
		case "all":
			c |= CascadeAll
		default:
			return 0, fmt.Errorf("unknown cascade %q", n)
		}
	}
	return c, nil
}

// Hook names a value generator run on create or update.
type Hook string

// HookNow sets the field to the current time.
const HookNow Hook = "now"

// Field describes one property of an entity type.
type Field struct {
	Name      string
	Column    string
	TypeName  string
	Type      Type // bound by Registry.Resolve; nil for relations
	Primary   bool
	Generated Generated
	Nullable  bool
	Transient bool // never persisted or diffed
	Version   bool
	Default   ir.IRValue
	OnCreate  Hook
	OnUpdate  Hook
	Relation  *Relation
}

// Relation describes the target side of a relation field.
type Relation struct {
	Kind          RelationKind
	Target        string
	MappedBy      string
	Cascade       Cascade
	OrphanRemoval bool

	// JoinColumns holds one column per target primary-key field, in the
	// target's key order. Computed by Registry.Resolve unless set explicitly.
	JoinColumns []string

	// TargetType is bound by Registry.Resolve.
	TargetType *EntityType
}

// IsRelation reports whether the field points at another entity.
func (f *Field) IsRelation() bool {
	return f.Relation != nil
}

// IsOwning reports whether the field holds a foreign key: many_to_one, or
// one_to_one without MappedBy.
func (f *Field) IsOwning() bool {
	if f.Relation == nil {
		return false
	}
	switch f.Relation.Kind {
	case ManyToOne:
		return true
	case OneToOne:
		return f.Relation.MappedBy == ""
	default:
		return false
	}
}

// IsCollection reports whether the field is a one_to_many collection.
func (f *Field) IsCollection() bool {
	return f.Relation != nil && f.Relation.Kind == OneToMany
}

// IsPersistent reports whether the field is written to storage: scalars and
// owning relations that are not transient.
func (f *Field) IsPersistent() bool {
	if f.Transient {
		return false
	}
	return f.Relation == nil || f.IsOwning()
}

// Columns returns the storage columns of the field: the column for a scalar,
// the join columns for an owning relation, nothing otherwise.
func (f *Field) Columns() []string {
	if f.Relation == nil {
		return []string{f.Column}
	}
	if !f.IsOwning() {
		return nil
	}
	return f.Relation.JoinColumns
}

// Equal compares two values of this field. Nulls are handled here; non-null
// values go through the field type's comparison, or through the target's key
// types for relations.
func (f *Field) Equal(a, b ir.IRValue) bool {
	an, bn := ir.IsNull(a), ir.IsNull(b)
	if an || bn {
		return an == bn
	}
	if f.Relation != nil {
		return f.relationEqual(a, b)
	}
	if f.Type == nil {
		return ir.Equal(a, b)
	}
	return f.Type.Compare(a, b)
}

// relationEqual compares foreign-key values component by component.
func (f *Field) relationEqual(a, b ir.IRValue) bool {
	target := f.Relation.TargetType
	if target == nil {
		return ir.Equal(a, b)
	}
	pk := target.PrimaryKey()
	if len(pk) == 1 {
		return pk[0].Equal(a, b)
	}
	aa, ok1 := a.(ir.IRArray)
	ba, ok2 := b.(ir.IRArray)
	if !ok1 || !ok2 || len(aa) != len(pk) || len(ba) != len(pk) {
		return ir.Equal(a, b)
	}
	for i, k := range pk {
		if !k.Equal(aa[i], ba[i]) {
			return false
		}
	}
	return true
}
