// Package changeset computes the database mutations needed to reconcile an
// entity with its last persisted snapshot.
//
// A snapshot is an ir.IRObject keyed by field name holding every persistent
// field: scalars as their values, owning relations as the target's key (a
// scalar for single keys, an IRArray for composite keys) and IRNull for
// anything unset. Snapshots are deep clones; mutating an entity never
// changes one.
//
// Computation is pure with respect to the entity: defaults, hook values,
// generated UUIDs and version numbers are returned in ChangeSet.Assigned
// for the caller to apply once it commits to running the flush.
package changeset

import (
	"github.com/roach88/uow/internal/entity"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

// Kind is the mutation a change set performs.
type Kind string

const (
	Create Kind = "create"
	Update Kind = "update"
	Delete Kind = "delete"
)

// ChangeSet is one planned mutation.
type ChangeSet struct {
	Type   *schema.EntityType
	Kind   Kind
	Entity entity.Entity

	// Payload maps field name to new value: every defined persistent field
	// for Create, changed fields for Update, key fields for Delete. Owning
	// relations hold the target key.
	Payload ir.IRObject

	// Deferred holds owning-relation targets whose key is not known yet.
	// Their Payload entry is IRNull until the caller resolves it.
	Deferred map[string]entity.Entity

	// PrimaryKey is the persisted identity for Update and Delete, and the
	// application-assigned identity for Create when one is known.
	PrimaryKey ir.IRObject

	// OriginalVersion is the optimistic-lock value the row must still have.
	OriginalVersion ir.IRValue

	// Original is the snapshot the change set was computed against.
	Original ir.IRObject

	// Assigned holds values the computer resolved on the caller's behalf
	// (defaults, hooks, generated keys, versions). They are written to the
	// entity when the flush runs.
	Assigned ir.IRObject
}

// Fields returns the payload field names in schema declaration order.
func (cs *ChangeSet) Fields() []string {
	var out []string
	for _, f := range cs.Type.Fields {
		if _, ok := cs.Payload[f.Name]; ok {
			out = append(out, f.Name)
		}
	}
	return out
}

// Hash returns a stable content id for the change set.
func (cs *ChangeSet) Hash() (string, error) {
	return ir.ChangeSetHash(cs.Type.Name, string(cs.Kind), cs.Payload)
}

// IsDeferred reports whether field waits on an unsaved target.
func (cs *ChangeSet) IsDeferred(field string) bool {
	_, ok := cs.Deferred[field]
	return ok
}
