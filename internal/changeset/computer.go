package changeset

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/uow/internal/entity"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

// HookFunc produces a field value for an on_create or on_update hook.
type HookFunc func(now time.Time) ir.IRValue

// Computer computes change sets. It holds no per-entity state and may be
// reused across flushes.
type Computer struct {
	now    func() time.Time
	newID  func() string
	hooks  map[schema.Hook]HookFunc
	checks *Checks
}

// Option configures a Computer.
type Option func(*Computer)

// WithClock sets the time source used by hooks.
func WithClock(now func() time.Time) Option {
	return func(c *Computer) { c.now = now }
}

// WithUUIDGenerator sets the generator for uuid primary keys.
func WithUUIDGenerator(gen func() string) Option {
	return func(c *Computer) { c.newID = gen }
}

// WithHook registers a named hook, replacing any existing one.
func WithHook(name schema.Hook, fn HookFunc) Option {
	return func(c *Computer) { c.hooks[name] = fn }
}

// WithChecks shares a check cache between computers.
func WithChecks(checks *Checks) Option {
	return func(c *Computer) { c.checks = checks }
}

// NewComputer creates a Computer. By default "now" hooks use the wall
// clock and uuid keys are UUIDv7.
func NewComputer(opts ...Option) *Computer {
	c := &Computer{
		now:   time.Now,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
		hooks: map[schema.Hook]HookFunc{
			schema.HookNow: func(now time.Time) ir.IRValue {
				return ir.IRString(schema.FormatTime(now))
			},
		},
		checks: NewChecks(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute returns the change set reconciling e with snapshot, or nil when
// nothing changed. A nil snapshot means the entity was never persisted and
// yields a Create.
func (c *Computer) Compute(et *schema.EntityType, e entity.Entity, snapshot ir.IRObject) (*ChangeSet, error) {
	if snapshot == nil {
		return c.computeCreate(et, e)
	}
	return c.computeUpdate(et, e, snapshot)
}

func (c *Computer) computeCreate(et *schema.EntityType, e entity.Entity) (*ChangeSet, error) {
	cs := &ChangeSet{
		Type:     et,
		Kind:     Create,
		Entity:   e,
		Payload:  make(ir.IRObject),
		Assigned: make(ir.IRObject),
	}
	now := c.now()

	for _, f := range et.PersistentFields() {
		if f.IsOwning() {
			v, target, defined := RelationValue(f, e)
			if !defined {
				continue
			}
			cs.Payload[f.Name] = v
			if target != nil {
				cs.addDeferred(f.Name, target)
			}
			continue
		}

		v := e.Get(f.Name)
		switch {
		case v == nil && f.Version:
			v = ir.IRInt(1)
			cs.Assigned[f.Name] = v
		case v == nil && f.OnCreate != "":
			hook, ok := c.hooks[f.OnCreate]
			if !ok {
				return nil, newValidationError(et.Name, f.Name, ReasonType, "unknown hook %q", f.OnCreate)
			}
			v = hook(now)
			cs.Assigned[f.Name] = v
		case v == nil && f.Default != nil:
			v = ir.Clone(f.Default)
			cs.Assigned[f.Name] = v
		case ir.IsNull(v) && f.Primary && f.Generated == schema.GenUUID:
			v = ir.IRString(c.newID())
			cs.Assigned[f.Name] = v
		}
		if v == nil {
			continue
		}
		cs.Payload[f.Name] = ir.Clone(v)
	}

	if pk, ok := keyObject(et, cs.Payload); ok {
		cs.PrimaryKey = pk
	}

	full := c.Snapshot(et, e)
	for k, v := range cs.Payload {
		full[k] = v
	}
	if err := c.validate(et, cs, full, true); err != nil {
		return nil, err
	}
	return cs, nil
}

func (c *Computer) computeUpdate(et *schema.EntityType, e entity.Entity, snapshot ir.IRObject) (*ChangeSet, error) {
	for _, f := range et.PrimaryKey() {
		if !f.Equal(e.Get(f.Name), snapshot[f.Name]) {
			return nil, newValidationError(et.Name, f.Name, ReasonImmutablePK, "primary key cannot change once persisted")
		}
	}

	payload, deferred := diff(et, e, snapshot)
	if len(payload) == 0 {
		return nil, nil
	}

	cs := &ChangeSet{
		Type:     et,
		Kind:     Update,
		Entity:   e,
		Payload:  payload,
		Deferred: deferred,
		Original: snapshot.Clone(),
		Assigned: make(ir.IRObject),
	}
	cs.PrimaryKey, _ = keyObject(et, snapshot)

	now := c.now()
	for _, f := range et.PersistentFields() {
		if f.OnUpdate == "" || f.IsRelation() {
			continue
		}
		if _, changed := payload[f.Name]; changed {
			continue
		}
		hook, ok := c.hooks[f.OnUpdate]
		if !ok {
			return nil, newValidationError(et.Name, f.Name, ReasonType, "unknown hook %q", f.OnUpdate)
		}
		v := hook(now)
		cs.Payload[f.Name] = v
		cs.Assigned[f.Name] = v
	}

	if vf := et.VersionField(); vf != nil {
		cs.OriginalVersion = snapshot[vf.Name]
		next := ir.IRInt(1)
		if n, ok := snapshot[vf.Name].(ir.IRInt); ok {
			next = n + 1
		}
		cs.Payload[vf.Name] = next
		cs.Assigned[vf.Name] = next
	}

	full := snapshot.Clone()
	for k, v := range cs.Payload {
		full[k] = v
	}
	if err := c.validate(et, cs, full, false); err != nil {
		return nil, err
	}
	return cs, nil
}

// ComputeDelete returns the Delete change set for a persisted entity. The
// payload is the primary key as persisted; no field is diffed.
func (c *Computer) ComputeDelete(et *schema.EntityType, e entity.Entity, snapshot ir.IRObject) *ChangeSet {
	base := snapshot
	if base == nil {
		base = c.Snapshot(et, e)
	}
	pk, _ := keyObject(et, base)
	cs := &ChangeSet{
		Type:       et,
		Kind:       Delete,
		Entity:     e,
		Payload:    pk.Clone(),
		PrimaryKey: pk,
		Original:   base.Clone(),
	}
	if vf := et.VersionField(); vf != nil {
		cs.OriginalVersion = base[vf.Name]
	}
	return cs
}

// Diff returns the persistent fields of e that differ from snapshot, with
// their current values. Version fields are never part of the diff. Diff does
// not validate and never mutates.
func (c *Computer) Diff(et *schema.EntityType, e entity.Entity, snapshot ir.IRObject) ir.IRObject {
	payload, _ := diff(et, e, snapshot)
	return payload
}

func diff(et *schema.EntityType, e entity.Entity, snapshot ir.IRObject) (ir.IRObject, map[string]entity.Entity) {
	payload := make(ir.IRObject)
	var deferred map[string]entity.Entity

	for _, f := range et.PersistentFields() {
		if f.Version || f.Primary {
			continue
		}
		if f.IsOwning() {
			v, target, _ := RelationValue(f, e)
			if target == nil && f.Equal(v, snapshot[f.Name]) {
				continue
			}
			payload[f.Name] = v
			if target != nil {
				if deferred == nil {
					deferred = make(map[string]entity.Entity)
				}
				deferred[f.Name] = target
			}
			continue
		}
		cur := e.Get(f.Name)
		if f.Equal(cur, snapshot[f.Name]) {
			continue
		}
		payload[f.Name] = ir.Clone(ir.OrNull(cur))
	}
	return payload, deferred
}

// Snapshot captures the persisted view of e: every persistent field, unset
// values as IRNull, relations as target keys.
func (c *Computer) Snapshot(et *schema.EntityType, e entity.Entity) ir.IRObject {
	snap := make(ir.IRObject, len(et.Fields))
	for _, f := range et.PersistentFields() {
		if f.IsOwning() {
			v, _, _ := RelationValue(f, e)
			snap[f.Name] = v
			continue
		}
		snap[f.Name] = ir.Clone(ir.OrNull(e.Get(f.Name)))
	}
	return snap
}

// PrimaryKey returns the key fields of e, or false when any is unset.
func (c *Computer) PrimaryKey(et *schema.EntityType, e entity.Entity) (ir.IRObject, bool) {
	values := make(ir.IRObject)
	for _, f := range et.PrimaryKey() {
		values[f.Name] = e.Get(f.Name)
	}
	return keyObject(et, values)
}

// KeyValues returns the key components of e in key order, or false when any
// is unset.
func KeyValues(et *schema.EntityType, e entity.Entity) ([]ir.IRValue, bool) {
	pk := et.PrimaryKey()
	out := make([]ir.IRValue, len(pk))
	for i, f := range pk {
		v := e.Get(f.Name)
		if ir.IsNull(v) {
			return nil, false
		}
		out[i] = v
	}
	return out, len(pk) > 0
}

// RelationValue resolves an owning relation of e to the value stored in its
// foreign key. A nil reference is IRNull and reports defined=false. A target
// whose key is not known yet is returned as target with an IRNull value.
func RelationValue(f *schema.Field, e entity.Entity) (v ir.IRValue, target entity.Entity, defined bool) {
	ref := e.Ref(f.Name)
	if ref == nil {
		return ir.Null, nil, false
	}
	tt := f.Relation.TargetType
	if tt == nil {
		return ir.Null, ref, true
	}
	key, ok := KeyValues(tt, ref)
	if !ok {
		return ir.Null, ref, true
	}
	if len(key) == 1 {
		return ir.Clone(key[0]), nil, true
	}
	return ir.Clone(ir.IRArray(key)), nil, true
}

func keyObject(et *schema.EntityType, values ir.IRObject) (ir.IRObject, bool) {
	pk := et.PrimaryKey()
	out := make(ir.IRObject, len(pk))
	for _, f := range pk {
		v := values[f.Name]
		if ir.IsNull(v) {
			return out, false
		}
		out[f.Name] = v
	}
	return out, len(pk) > 0
}

func (cs *ChangeSet) addDeferred(field string, target entity.Entity) {
	if cs.Deferred == nil {
		cs.Deferred = make(map[string]entity.Entity)
	}
	cs.Deferred[field] = target
}

// validate checks required fields and value types, then the entity's check
// expressions against values, the full post-flush view of the entity.
func (c *Computer) validate(et *schema.EntityType, cs *ChangeSet, values ir.IRObject, creating bool) error {
	var errs []error
	for _, f := range et.PersistentFields() {
		v, present := cs.Payload[f.Name]
		if !creating && !present {
			continue
		}

		if ir.IsNull(v) {
			if f.Nullable || cs.IsDeferred(f.Name) {
				continue
			}
			if creating && f.Primary && f.Generated == schema.GenIncrement {
				continue
			}
			errs = append(errs, newValidationError(et.Name, f.Name, ReasonRequired, "value is required"))
			continue
		}

		if f.Type != nil {
			if err := f.Type.Check(v); err != nil {
				errs = append(errs, newValidationError(et.Name, f.Name, ReasonType, "%v", err))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return c.checks.Evaluate(et, values)
}
