package uow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/uow/internal/changeset"
	"github.com/roach88/uow/internal/driver"
	"github.com/roach88/uow/internal/identity"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

// Flush writes every pending change.
//
// Planning comes first and performs no I/O: cascade and orphan sweeps,
// change-set computation and validation, type commit order and row order
// within self-referencing types. A planning error leaves the unit of work
// exactly as it was.
//
// Statements then run in one transaction: inserts in commit order, updates
// that fill in foreign keys deferred by cycles, other updates, and deletes
// in reverse commit order. On success snapshots are refreshed, generated
// keys stay on their entities and deleted entities are detached. On failure
// the transaction is rolled back, values assigned during the flush are
// reverted and everything stays pending, so Flush can simply be retried.
func (u *UnitOfWork) Flush(ctx context.Context) error {
	p, err := u.buildPlan()
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	sets := p.changeSets()
	if len(sets) == 0 {
		u.markCollectionsClean()
		u.last = nil
		u.logger.Debug("flush: nothing to write")
		return nil
	}

	token := u.tokens.Generate()
	ev := FlushEvent{
		Seq:        u.clock.Next(),
		Token:      token,
		ChangeSets: slices.Clone(sets),
	}
	log := u.logger.With("flush", token)
	log.Debug("flush planned",
		"creates", len(p.creates),
		"updates", len(p.updates),
		"deletes", len(p.deletes),
		"deferred", len(p.fixups),
		"order", p.order)
	for _, w := range p.warnings {
		log.Warn("commit order cycle", "edge", w.Edge.String(), "message", w.Message)
	}

	for _, o := range u.observers {
		o.BeforeFlush(ctx, ev)
	}

	start := time.Now()
	x := &executor{
		u:     u,
		p:     p,
		token: token,
		undo:  make(map[*changeset.ChangeSet]*undoLog),
		fixed: make(map[fixup]bool),
	}
	err = x.run(ctx)

	ev.Statements = x.statements
	ev.Duration = time.Since(start)
	ev.Err = err
	for _, o := range u.observers {
		o.AfterFlush(ctx, ev)
	}

	if err != nil {
		log.Error("flush failed", "error", err, "statements", len(x.statements))
		return err
	}
	log.Info("flush completed",
		"created", len(p.creates),
		"updated", len(p.updates),
		"deleted", len(p.deletes),
		"statements", len(x.statements))
	return nil
}

// executor runs one plan against a transaction or, in implicit mode, the
// connection itself.
type executor struct {
	u     *UnitOfWork
	p     *plan
	token string
	db    driver.Persister

	undo       map[*changeset.ChangeSet]*undoLog
	done       []*changeset.ChangeSet
	fixed      map[fixup]bool
	statements []Statement
}

func (x *executor) run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		x.p.undo.run()
		return &FlushError{Code: ErrCodeFlushFailed, Token: x.token, Err: err}
	}

	var tx driver.Transaction
	if x.u.implicit {
		x.db = x.u.conn
	} else {
		var err error
		if tx, err = x.u.conn.Begin(ctx); err != nil {
			x.p.undo.run()
			return &FlushError{Code: ErrCodeFlushFailed, Token: x.token, Err: fmt.Errorf("begin: %w", err)}
		}
		x.db = tx
	}

	x.applyAssigned()
	failed, err := x.execute(ctx)
	if err != nil {
		return x.fail(ctx, tx, failed, err, true)
	}
	if tx != nil {
		if err := tx.Commit(ctx); err != nil {
			return x.fail(ctx, tx, nil, fmt.Errorf("commit: %w", err), false)
		}
	}

	x.u.finish(x.done, nil)
	x.u.markCollectionsClean()
	x.u.last = x.p.changeSets()
	return nil
}

// fail restores the unit of work after an I/O error. In implicit mode the
// statements that ran are already committed, so their change sets are
// finished and only the rest is reverted.
func (x *executor) fail(ctx context.Context, tx driver.Transaction, cs *changeset.ChangeSet, err error, rollback bool) error {
	if x.u.implicit {
		for _, set := range x.p.changeSets() {
			if !slices.Contains(x.done, set) {
				x.undoFor(set).run()
			}
		}
		var pending []fixup
		for _, fx := range x.p.fixups {
			if !x.fixed[fx] {
				pending = append(pending, fx)
			}
		}
		x.u.finish(x.done, pending)
		return &PartialFlushError{
			Code:      ErrCodePartialFlush,
			Token:     x.token,
			Committed: len(x.statements),
			ChangeSet: cs,
			Err:       err,
		}
	}

	if tx != nil && rollback {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}
	for _, set := range slices.Backward(x.p.changeSets()) {
		x.undoFor(set).run()
	}
	x.p.undo.run()
	return &FlushError{Code: ErrCodeFlushFailed, Token: x.token, ChangeSet: cs, Err: err}
}

func (x *executor) undoFor(cs *changeset.ChangeSet) *undoLog {
	l, ok := x.undo[cs]
	if !ok {
		l = &undoLog{}
		x.undo[cs] = l
	}
	return l
}

// set writes a value the flush assigned onto the entity, remembering the
// previous one.
func (x *executor) set(cs *changeset.ChangeSet, field string, v ir.IRValue) {
	e := cs.Entity
	prev := e.Get(field)
	e.Set(field, ir.Clone(v))
	x.undoFor(cs).add(func() { e.Set(field, prev) })
}

// applyAssigned writes defaults, hook values, generated UUID keys and new
// versions onto their entities. Keys must be in place before dependent
// rows resolve their foreign keys.
func (x *executor) applyAssigned() {
	for _, cs := range x.p.changeSets() {
		for _, k := range cs.Assigned.SortedKeys() {
			x.set(cs, k, cs.Assigned[k])
		}
	}
}

func (x *executor) record(entityType, op string, rows int) {
	x.statements = append(x.statements, Statement{Entity: entityType, Op: op, Rows: rows})
}

func (x *executor) batcher() (driver.BatchPersister, bool) {
	if !x.u.batching {
		return nil, false
	}
	bp, ok := x.db.(driver.BatchPersister)
	return bp, ok
}

// execute runs every statement and returns the change set that failed.
func (x *executor) execute(ctx context.Context) (*changeset.ChangeSet, error) {
	for i := 0; i < len(x.p.creates); {
		n, err := x.insert(ctx, x.p.creates[i:])
		if err != nil {
			return x.p.creates[i], err
		}
		i += n
	}
	for _, fx := range x.p.fixups {
		if err := x.fixup(ctx, fx); err != nil {
			return fx.cs, err
		}
	}
	for _, cs := range x.p.updates {
		if err := x.update(ctx, cs); err != nil {
			return cs, err
		}
	}
	for i := 0; i < len(x.p.deletes); {
		n, err := x.delete(ctx, x.p.deletes[i:])
		if err != nil {
			return x.p.deletes[i], err
		}
		i += n
	}
	return nil, nil
}

// resolve returns the payload to write for cs: deferred foreign keys take
// their target's key, now known, and fixup fields are null.
func (x *executor) resolve(cs *changeset.ChangeSet) (ir.IRObject, error) {
	payload := cs.Payload.Clone()
	for _, f := range cs.Type.PersistentFields() {
		if !f.IsOwning() {
			continue
		}
		if x.p.isFixup(cs, f.Name) {
			payload[f.Name] = ir.Null
			continue
		}
		if !cs.IsDeferred(f.Name) {
			continue
		}
		v, pending, _ := changeset.RelationValue(f, cs.Entity)
		if pending != nil {
			return nil, fmt.Errorf("%s.%s: referenced %s has no key", cs.Type.Name, f.Name, f.Relation.Target)
		}
		payload[f.Name] = v
	}
	return payload, nil
}

// insert writes the first create in sets, batching the following ones of
// the same type and shape when possible. It returns how many it wrote.
func (x *executor) insert(ctx context.Context, sets []*changeset.ChangeSet) (int, error) {
	cs := sets[0]
	payload, err := x.resolve(cs)
	if err != nil {
		return 0, err
	}

	if bp, ok := x.batcher(); ok && !cs.Type.HasGeneratedIncrement() && !x.p.hasFixup(cs) {
		batch := []ir.IRObject{payload}
		for _, next := range sets[1:] {
			if next.Type != cs.Type || x.p.hasFixup(next) {
				break
			}
			np, err := x.resolve(next)
			if err != nil || !slices.Equal(np.SortedKeys(), payload.SortedKeys()) {
				break
			}
			batch = append(batch, np)
		}
		if len(batch) > 1 {
			if err := bp.InsertMany(ctx, cs.Type, batch); err != nil {
				return 0, err
			}
			x.record(cs.Type.Name, "insert", len(batch))
			x.done = append(x.done, sets[:len(batch)]...)
			return len(batch), nil
		}
	}

	generated, err := x.db.Insert(ctx, cs.Type, payload)
	if err != nil {
		return 0, err
	}
	x.record(cs.Type.Name, "insert", 1)
	for _, k := range generated.SortedKeys() {
		x.set(cs, k, generated[k])
	}
	x.done = append(x.done, cs)
	return 1, nil
}

func (x *executor) fixup(ctx context.Context, fx fixup) error {
	cs, f := fx.cs, fx.field
	where, ok := x.u.computer.PrimaryKey(cs.Type, cs.Entity)
	if !ok {
		return fmt.Errorf("%s: key not assigned after insert", cs.Type.Name)
	}
	v, pending, _ := changeset.RelationValue(f, cs.Entity)
	if pending != nil {
		return fmt.Errorf("%s.%s: referenced %s has no key", cs.Type.Name, f.Name, f.Relation.Target)
	}
	n, err := x.db.Update(ctx, cs.Type, where, ir.IRObject{f.Name: v})
	if err != nil {
		return err
	}
	x.record(cs.Type.Name, "update", int(n))
	if n != 1 {
		return fmt.Errorf("%s.%s: deferred reference updated %d rows", cs.Type.Name, f.Name, n)
	}
	x.fixed[fx] = true
	return nil
}

func (x *executor) update(ctx context.Context, cs *changeset.ChangeSet) error {
	payload, err := x.resolve(cs)
	if err != nil {
		return err
	}
	where, vf := lockedKey(cs)
	n, err := x.db.Update(ctx, cs.Type, where, payload)
	if err != nil {
		return err
	}
	x.record(cs.Type.Name, "update", int(n))
	if vf != nil && n == 0 {
		return newConcurrencyError(cs)
	}
	x.done = append(x.done, cs)
	return nil
}

// delete removes the first delete in sets, batching following unversioned
// deletes of the same type. It returns how many it removed.
func (x *executor) delete(ctx context.Context, sets []*changeset.ChangeSet) (int, error) {
	cs := sets[0]
	if bp, ok := x.batcher(); ok && cs.Type.VersionField() == nil {
		var keys []ir.IRObject
		for _, next := range sets {
			if next.Type != cs.Type {
				break
			}
			keys = append(keys, next.PrimaryKey.Clone())
		}
		if len(keys) > 1 {
			n, err := bp.DeleteMany(ctx, cs.Type, keys)
			if err != nil {
				return 0, err
			}
			x.record(cs.Type.Name, "delete", int(n))
			x.done = append(x.done, sets[:len(keys)]...)
			return len(keys), nil
		}
	}

	where, vf := lockedKey(cs)
	n, err := x.db.Delete(ctx, cs.Type, where)
	if err != nil {
		return 0, err
	}
	x.record(cs.Type.Name, "delete", int(n))
	if vf != nil && n == 0 {
		return 0, newConcurrencyError(cs)
	}
	x.done = append(x.done, cs)
	return 1, nil
}

// lockedKey returns the row filter for an update or delete: the persisted
// key plus, for versioned types, the version the row must still have.
func lockedKey(cs *changeset.ChangeSet) (ir.IRObject, *schema.Field) {
	where := cs.PrimaryKey.Clone()
	vf := cs.Type.VersionField()
	if vf != nil {
		where[vf.Name] = ir.OrNull(cs.OriginalVersion)
	}
	return where, vf
}

func newConcurrencyError(cs *changeset.ChangeSet) *ConcurrencyError {
	return &ConcurrencyError{
		Code:            ErrCodeOptimisticLock,
		Entity:          cs.Type.Name,
		PrimaryKey:      cs.PrimaryKey.Clone(),
		ExpectedVersion: ir.Clone(cs.OriginalVersion),
	}
}

// finish records written change sets: created and updated entities get a
// fresh snapshot and their identity, deleted ones are detached. Fixups
// still pending stay null in the snapshot so the next flush writes them.
func (u *UnitOfWork) finish(done []*changeset.ChangeSet, pending []fixup) {
	for _, cs := range done {
		en := u.entries[cs.Entity]
		if en == nil {
			continue
		}
		if cs.Kind == changeset.Delete {
			u.untrack(en, true, nil)
			continue
		}
		en.snapshot = u.computer.Snapshot(en.et, cs.Entity)
		if cs.Kind == changeset.Create {
			u.register(en)
		}
	}
	for _, fx := range pending {
		if en := u.entries[fx.cs.Entity]; en != nil && en.snapshot != nil && slices.Contains(done, fx.cs) {
			en.snapshot[fx.field.Name] = ir.Null
		}
	}
}

// register puts a newly written entity in the identity map under its
// current key.
func (u *UnitOfWork) register(en *entry) {
	pk, ok := changeset.KeyValues(en.et, en.entity)
	if !ok {
		return
	}
	key, err := identity.NewKey(en.et.Name, pk)
	if err != nil {
		u.logger.Warn("cannot register identity", "entity", en.et.Name, "error", err)
		return
	}
	if en.keyed && en.key != key {
		u.identity.Delete(en.key)
	}
	en.key, en.keyed = key, true
	u.identity.Set(key, en.entity)
}

func (u *UnitOfWork) markCollectionsClean() {
	for _, en := range u.entries {
		for _, f := range en.et.Relations() {
			if !f.IsCollection() {
				continue
			}
			if c := en.entity.Collection(f.Name); c != nil {
				c.MarkClean()
			}
		}
	}
}
