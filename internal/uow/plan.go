package uow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/uow/internal/changeset"
	"github.com/roach88/uow/internal/commitorder"
	"github.com/roach88/uow/internal/entity"
	"github.com/roach88/uow/internal/schema"
)

// fixup is a foreign key written as null on insert because its target is
// inserted later in the same flush. An UPDATE fills it in after all inserts.
type fixup struct {
	cs    *changeset.ChangeSet
	field *schema.Field
}

// plan is the pure part of a flush: change sets in execution order plus the
// undo log of the sweeps that produced them.
type plan struct {
	creates  []*changeset.ChangeSet
	updates  []*changeset.ChangeSet
	deletes  []*changeset.ChangeSet
	fixups   []fixup
	nulled   map[*changeset.ChangeSet]map[string]bool
	order    []string
	warnings []commitorder.CycleWarning
	undo     undoLog
}

// changeSets returns every change set in execution order.
func (p *plan) changeSets() []*changeset.ChangeSet {
	return slices.Concat(p.creates, p.updates, p.deletes)
}

func (p *plan) isFixup(cs *changeset.ChangeSet, field string) bool {
	return p.nulled[cs][field]
}

func (p *plan) hasFixup(cs *changeset.ChangeSet) bool {
	return len(p.nulled[cs]) > 0
}

// buildPlan runs the flush sweeps and computes ordered change sets. On
// error every sweep is undone.
func (u *UnitOfWork) buildPlan() (*plan, error) {
	p := &plan{nulled: make(map[*changeset.ChangeSet]map[string]bool)}
	if err := u.sweep(&p.undo); err != nil {
		p.undo.run()
		return nil, err
	}
	if err := u.compute(p); err != nil {
		p.undo.run()
		return nil, err
	}
	return p, nil
}

// Preview computes the change sets the next Flush would write, in execution
// order, without I/O and without changing the unit of work.
func (u *UnitOfWork) Preview() ([]*changeset.ChangeSet, error) {
	p, err := u.buildPlan()
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}
	p.undo.run()
	return p.changeSets(), nil
}

// sweep brings tracking up to date with the object graph: new entities
// reachable through cascade-persist relations are tracked, inverse sides
// are copied onto owning foreign keys, and orphans are scheduled for
// removal.
func (u *UnitOfWork) sweep(log *undoLog) error {
	if err := u.cascadePersistSweep(log); err != nil {
		return err
	}
	u.syncInverseSides(log)
	return u.orphanSweep(log)
}

func (u *UnitOfWork) cascadePersistSweep(log *undoLog) error {
	seen := make(map[entity.Entity]bool)

	var visit func(et *schema.EntityType, e entity.Entity) error
	visit = func(et *schema.EntityType, e entity.Entity) error {
		return u.cascade(et, e, schema.CascadePersist, func(t entity.Entity) error {
			if t == nil || seen[t] {
				return nil
			}
			seen[t] = true
			if en := u.entries[t]; en != nil {
				// Removal wins over a cascade reached at flush time.
				if en.removed {
					return nil
				}
				return visit(en.et, t)
			}
			tt, ok := u.reg.Lookup(t.EntityType())
			if !ok {
				return newUnknownEntityError(t.EntityType())
			}
			if _, err := u.track(tt, t, nil, log); err != nil {
				return err
			}
			return visit(tt, t)
		})
	}

	for _, en := range u.ordered() {
		if en.removed || seen[en.entity] {
			continue
		}
		seen[en.entity] = true
		if err := visit(en.et, en.entity); err != nil {
			return err
		}
	}
	return nil
}

// syncInverseSides makes owning references agree with inverse sides:
// members added to a one_to_many collection point at its owner, removed
// members that still do are cleared, and the target of an inverse
// one_to_one points back.
func (u *UnitOfWork) syncInverseSides(log *undoLog) {
	for _, en := range u.ordered() {
		if en.removed {
			continue
		}
		owner := en.entity
		for _, f := range en.et.Relations() {
			mappedBy := f.Relation.MappedBy
			if mappedBy == "" {
				continue
			}
			if f.IsCollection() {
				c := owner.Collection(f.Name)
				if c == nil {
					continue
				}
				for _, item := range c.Added() {
					if item.Ref(mappedBy) != owner {
						setRef(item, mappedBy, owner, log)
					}
				}
				for _, item := range c.Removed() {
					if item.Ref(mappedBy) == owner {
						setRef(item, mappedBy, nil, log)
					}
				}
				continue
			}
			if t := owner.Ref(f.Name); t != nil && t.Ref(mappedBy) != owner {
				setRef(t, mappedBy, owner, log)
			}
		}
	}
}

func setRef(e entity.Entity, field string, target entity.Entity, log *undoLog) {
	prev := e.Ref(field)
	e.SetRef(field, target)
	log.add(func() { e.SetRef(field, prev) })
}

// orphanSweep removes members dropped from orphan-removal collections that
// no other owner adopted.
func (u *UnitOfWork) orphanSweep(log *undoLog) error {
	seen := make(map[entity.Entity]bool)
	for _, en := range u.ordered() {
		if en.removed {
			continue
		}
		for _, f := range en.et.Relations() {
			if !f.IsCollection() || !f.Relation.OrphanRemoval {
				continue
			}
			c := en.entity.Collection(f.Name)
			if c == nil {
				continue
			}
			for _, item := range c.Removed() {
				if item.Ref(f.Relation.MappedBy) != nil {
					continue
				}
				if ie := u.entries[item]; ie == nil || ie.removed {
					continue
				}
				if err := u.remove(item, log, seen); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// compute builds the change sets and orders them. Validation errors from
// every entity are reported together.
func (u *UnitOfWork) compute(p *plan) error {
	var creates, updates, deletes []*changeset.ChangeSet
	var errs []error
	for _, en := range u.ordered() {
		if en.removed {
			deletes = append(deletes, u.computer.ComputeDelete(en.et, en.entity, en.snapshot))
			continue
		}
		cs, err := u.computer.Compute(en.et, en.entity, en.snapshot)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch {
		case cs == nil:
		case cs.Kind == changeset.Create:
			creates = append(creates, cs)
		default:
			updates = append(updates, cs)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := checkReferences(creates, updates); err != nil {
		return err
	}

	involved := make(map[string]bool)
	for _, cs := range slices.Concat(creates, updates, deletes) {
		involved[cs.Type.Name] = true
	}
	p.order, p.warnings = u.typeOrder(involved)

	creating := groupByType(creates)
	updating := groupByType(updates)
	deleting := groupByType(deletes)
	for _, name := range p.order {
		et := u.reg.MustLookup(name)
		p.creates = append(p.creates, p.orderInstances(et, creating[name], false)...)
		p.updates = append(p.updates, updating[name]...)
	}
	for _, name := range slices.Backward(p.order) {
		et := u.reg.MustLookup(name)
		p.deletes = append(p.deletes, p.orderInstances(et, deleting[name], true)...)
	}
	p.planFixups()
	return nil
}

// checkReferences fails when a change set waits on a target that this
// flush does not create.
func checkReferences(creates, updates []*changeset.ChangeSet) error {
	creating := make(map[entity.Entity]bool, len(creates))
	for _, cs := range creates {
		creating[cs.Entity] = true
	}
	for _, cs := range slices.Concat(creates, updates) {
		for _, f := range cs.Type.Relations() {
			target, ok := cs.Deferred[f.Name]
			if ok && !creating[target] {
				return fmt.Errorf("%s.%s: %w", cs.Type.Name, f.Name, ErrUnmanagedReference)
			}
		}
	}
	return nil
}

// typeOrder sorts the involved entity types so referenced types come first.
// Types are added in registration order, which fixes ties.
func (u *UnitOfWork) typeOrder(involved map[string]bool) ([]string, []commitorder.CycleWarning) {
	calc := typeCalculator(u.reg, func(name string) bool { return involved[name] })
	return calc.Sort(), calc.Warnings()
}

func typeCalculator(reg *schema.Registry, include func(string) bool) *commitorder.Calculator {
	calc := commitorder.New()
	var types []*schema.EntityType
	for _, et := range reg.Entities() {
		if include(et.Name) {
			types = append(types, et)
			calc.AddNode(et.Name)
		}
	}
	for _, et := range types {
		for _, f := range et.PersistentFields() {
			if !f.IsOwning() {
				continue
			}
			target := f.Relation.Target
			if target == et.Name || !include(target) {
				continue
			}
			calc.AddDependency(target, et.Name, edgeWeight(f))
		}
	}
	return calc
}

// TypeOrder is the order in which a flush touching every type of a
// registry writes them.
type TypeOrder struct {
	// Types lists entity types, referenced types first. Deletes run in
	// reverse.
	Types []string
	// Deferred are dependencies the order could not honor. Nullable ones
	// are written as null and filled in by an update in the same flush.
	Deferred []commitorder.Edge
	// Warnings report deferred dependencies that are not nullable.
	Warnings []commitorder.CycleWarning
}

// CommitOrder computes the type-level commit order of a resolved registry.
func CommitOrder(reg *schema.Registry) TypeOrder {
	calc := typeCalculator(reg, func(string) bool { return true })
	return TypeOrder{
		Types:    calc.Sort(),
		Deferred: calc.Broken(),
		Warnings: calc.Warnings(),
	}
}

// orderInstances orders change sets of one self-referencing type so a row
// comes after the rows it references, or before them when reverse is set.
// Other types keep registration order.
func (p *plan) orderInstances(et *schema.EntityType, sets []*changeset.ChangeSet, reverse bool) []*changeset.ChangeSet {
	var self []*schema.Field
	for _, f := range et.PersistentFields() {
		if f.IsOwning() && f.Relation.Target == et.Name {
			self = append(self, f)
		}
	}
	if len(self) == 0 || len(sets) < 2 {
		return sets
	}

	calc := commitorder.New()
	ids := make(map[entity.Entity]string, len(sets))
	byID := make(map[string]*changeset.ChangeSet, len(sets))
	for i, cs := range sets {
		id := fmt.Sprintf("%s#%d", et.Name, i+1)
		ids[cs.Entity] = id
		byID[id] = cs
		calc.AddNode(id)
	}
	for _, cs := range sets {
		for _, f := range self {
			target, ok := ids[cs.Entity.Ref(f.Name)]
			if ok && target != ids[cs.Entity] {
				calc.AddDependency(target, ids[cs.Entity], edgeWeight(f))
			}
		}
	}

	out := make([]*changeset.ChangeSet, 0, len(sets))
	for _, id := range calc.Sort() {
		out = append(out, byID[id])
	}
	p.warnings = append(p.warnings, calc.Warnings()...)
	if reverse {
		slices.Reverse(out)
	}
	return out
}

// planFixups finds references from a created row to a row created later in
// the flush, including a row's reference to itself when its key is not yet
// known.
func (p *plan) planFixups() {
	pos := make(map[entity.Entity]int, len(p.creates))
	for i, cs := range p.creates {
		pos[cs.Entity] = i
	}
	for i, cs := range p.creates {
		for _, f := range cs.Type.PersistentFields() {
			if !f.IsOwning() {
				continue
			}
			j, ok := pos[cs.Entity.Ref(f.Name)]
			if !ok || j < i || (j == i && !cs.IsDeferred(f.Name)) {
				continue
			}
			p.fixups = append(p.fixups, fixup{cs: cs, field: f})
			if p.nulled[cs] == nil {
				p.nulled[cs] = make(map[string]bool)
			}
			p.nulled[cs][f.Name] = true
			if !f.Nullable {
				p.warnings = append(p.warnings, commitorder.CycleWarning{
					Edge:    commitorder.Edge{From: f.Relation.Target, To: cs.Type.Name, Weight: edgeWeight(f)},
					Message: fmt.Sprintf("non-nullable %s.%s is inserted as null and filled in afterwards", cs.Type.Name, f.Name),
				})
			}
		}
	}
}

// edgeWeight is 0 for nullable references, which a later UPDATE can fill
// in, and 1 otherwise.
func edgeWeight(f *schema.Field) float64 {
	if f.Nullable {
		return 0
	}
	return 1
}

func groupByType(sets []*changeset.ChangeSet) map[string][]*changeset.ChangeSet {
	out := make(map[string][]*changeset.ChangeSet)
	for _, cs := range sets {
		out[cs.Type.Name] = append(out[cs.Type.Name], cs)
	}
	return out
}
