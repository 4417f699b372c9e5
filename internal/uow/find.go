package uow

import (
	"context"
	"fmt"

	"github.com/roach88/uow/internal/changeset"
	"github.com/roach88/uow/internal/driver"
	"github.com/roach88/uow/internal/entity"
	"github.com/roach88/uow/internal/identity"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

// collectionAttacher is implemented by entities that can take an unloaded
// collection, such as entity.Record.
type collectionAttacher interface {
	AttachCollection(field string, c *entity.Collection)
}

// Find returns the entity of typeName with the given primary key, in key
// field order. The identity map is consulted first; otherwise the row is
// loaded through the connection, which must implement driver.Finder.
// Owning relations are loaded eagerly and collections start unloaded.
// A missing row, or an entity scheduled for removal, wraps
// driver.ErrNotFound.
func (u *UnitOfWork) Find(ctx context.Context, typeName string, pk ...ir.IRValue) (entity.Entity, error) {
	et, ok := u.reg.Lookup(typeName)
	if !ok {
		return nil, newUnknownEntityError(typeName)
	}
	var log undoLog
	e, err := u.find(ctx, et, pk, &log)
	if err != nil {
		log.run()
		return nil, fmt.Errorf("find %s: %w", typeName, err)
	}
	return e, nil
}

func (u *UnitOfWork) find(ctx context.Context, et *schema.EntityType, pk []ir.IRValue, log *undoLog) (entity.Entity, error) {
	fields := et.PrimaryKey()
	if len(pk) != len(fields) {
		return nil, fmt.Errorf("%d key values given, %s has %d key fields", len(pk), et.Name, len(fields))
	}
	key, err := identity.NewKey(et.Name, pk)
	if err != nil {
		return nil, err
	}
	if e, ok := u.identity.Get(key); ok {
		if en := u.entries[e]; en != nil && en.removed {
			return nil, driver.ErrNotFound
		}
		return e, nil
	}

	finder, ok := u.conn.(driver.Finder)
	if !ok {
		return nil, ErrFinderUnsupported
	}
	where := make(ir.IRObject, len(fields))
	for i, f := range fields {
		where[f.Name] = pk[i]
	}
	row, err := finder.FindOne(ctx, et, where)
	if err != nil {
		return nil, err
	}
	return u.hydrate(ctx, et, row, log)
}

// hydrate turns a loaded row into a managed entity. An instance already
// managed under the row's key is returned unchanged, so in-memory changes
// are never overwritten by a load.
func (u *UnitOfWork) hydrate(ctx context.Context, et *schema.EntityType, row ir.IRObject, log *undoLog) (entity.Entity, error) {
	var pk []ir.IRValue
	for _, f := range et.PrimaryKey() {
		pk = append(pk, row[f.Name])
	}
	key, err := identity.NewKey(et.Name, pk)
	if err != nil {
		return nil, err
	}
	if existing, ok := u.identity.Get(key); ok {
		return existing, nil
	}

	e := u.factory(et)
	for _, f := range et.PersistentFields() {
		if !f.IsOwning() {
			e.Set(f.Name, ir.Clone(ir.OrNull(row[f.Name])))
		}
	}
	// Tracked before relations resolve, so reference cycles end here.
	en, err := u.track(et, e, nil, log)
	if err != nil {
		return nil, err
	}

	for _, f := range et.PersistentFields() {
		if !f.IsOwning() || ir.IsNull(row[f.Name]) {
			continue
		}
		parts, err := referenceKey(f, row[f.Name])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", et.Name, f.Name, err)
		}
		tkey, err := identity.NewKey(f.Relation.Target, parts)
		if err != nil {
			return nil, err
		}
		target, ok := u.identity.Get(tkey)
		if !ok {
			if target, err = u.find(ctx, f.Relation.TargetType, parts, log); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", et.Name, f.Name, err)
			}
		}
		e.SetRef(f.Name, target)
	}

	if a, ok := e.(collectionAttacher); ok {
		for _, f := range et.Relations() {
			if f.IsCollection() {
				a.AttachCollection(f.Name, entity.NewCollection())
			}
		}
	}
	en.snapshot = u.computer.Snapshot(et, e)
	return e, nil
}

// referenceKey splits a stored foreign-key value into the target's key
// components.
func referenceKey(f *schema.Field, v ir.IRValue) ([]ir.IRValue, error) {
	n := len(f.Relation.TargetType.PrimaryKey())
	if n == 1 {
		return []ir.IRValue{v}, nil
	}
	arr, ok := v.(ir.IRArray)
	if !ok || len(arr) != n {
		return nil, fmt.Errorf("reference to %s needs %d key values", f.Relation.Target, n)
	}
	return arr, nil
}

// LoadCollection fetches the persisted members of a one_to_many
// collection of a managed entity. Members already managed are reused.
// Loading an already loaded collection does nothing.
func (u *UnitOfWork) LoadCollection(ctx context.Context, e entity.Entity, field string) error {
	en := u.entries[e]
	if en == nil {
		return fmt.Errorf("load %s: %w", field, ErrNotManaged)
	}
	f, ok := en.et.Field(field)
	if !ok || !f.IsCollection() {
		return fmt.Errorf("load %s.%s: not a one_to_many relation", en.et.Name, field)
	}
	c := e.Collection(field)
	if c == nil {
		return fmt.Errorf("load %s.%s: entity has no collection", en.et.Name, field)
	}
	if en.snapshot == nil {
		// Nothing is persisted for a new owner.
		return c.Load(ctx, func(context.Context) ([]entity.Entity, error) { return nil, nil })
	}
	finder, ok := u.conn.(driver.Finder)
	if !ok {
		return fmt.Errorf("load %s.%s: %w", en.et.Name, field, ErrFinderUnsupported)
	}

	owner, _ := changeset.KeyValues(en.et, e)
	var ref ir.IRValue = ir.IRArray(owner)
	if len(owner) == 1 {
		ref = owner[0]
	}
	target := f.Relation.TargetType

	var log undoLog
	err := c.Load(ctx, func(ctx context.Context) ([]entity.Entity, error) {
		rows, err := finder.FindAll(ctx, target, ir.IRObject{f.Relation.MappedBy: ref})
		if err != nil {
			return nil, err
		}
		items := make([]entity.Entity, 0, len(rows))
		for _, row := range rows {
			item, err := u.hydrate(ctx, target, row, &log)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	})
	if err != nil {
		log.run()
		return fmt.Errorf("load %s.%s: %w", en.et.Name, field, err)
	}
	return nil
}
