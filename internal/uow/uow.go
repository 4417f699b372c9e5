package uow

import (
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"

	"github.com/roach88/uow/internal/changeset"
	"github.com/roach88/uow/internal/driver"
	"github.com/roach88/uow/internal/entity"
	"github.com/roach88/uow/internal/identity"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

// State is the lifecycle state of an entity relative to a unit of work.
type State int

const (
	// StateNew means the unit of work does not track the entity and never
	// wrote it.
	StateNew State = iota
	// StateManaged means the entity is tracked. It is either scheduled for
	// creation or has a persisted snapshot.
	StateManaged
	// StateRemoved means the entity is scheduled for deletion.
	StateRemoved
	// StateDetached means the unit of work tracked the entity once and no
	// longer does.
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateManaged:
		return "managed"
	case StateRemoved:
		return "removed"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Factory creates an empty entity of a type, used when rows are loaded.
type Factory func(et *schema.EntityType) entity.Entity

// RecordFactory creates entity.Record values. It is the default Factory.
func RecordFactory(et *schema.EntityType) entity.Entity {
	return entity.NewRecord(et.Name, nil)
}

// entry is the tracking record of one managed entity.
type entry struct {
	entity   entity.Entity
	et       *schema.EntityType
	seq      int64
	snapshot ir.IRObject // nil until the row exists
	key      identity.Key
	keyed    bool
	removed  bool
}

// UnitOfWork tracks entities and writes their changes on Flush.
//
// A UnitOfWork belongs to one goroutine at a time and does no locking.
// Flush, Find and LoadCollection are the only calls that perform I/O.
type UnitOfWork struct {
	reg      *schema.Registry
	conn     driver.Connection
	computer *changeset.Computer
	identity *identity.Map
	entries  map[entity.Entity]*entry
	detached map[entity.Entity]struct{}

	clock     *Clock
	tokens    TokenGenerator
	factory   Factory
	logger    *slog.Logger
	observers []Observer
	implicit  bool
	batching  bool

	last []*changeset.ChangeSet
}

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(u *UnitOfWork) {
		u.logger = l
	}
}

// WithObserver adds a flush observer. Observers run in the order added.
func WithObserver(o Observer) Option {
	return func(u *UnitOfWork) {
		u.observers = append(u.observers, o)
	}
}

// WithImplicitTransactions makes Flush run statements on the connection
// without a transaction. Each statement commits on its own, and a failure
// midway is reported as a PartialFlushError.
func WithImplicitTransactions() Option {
	return func(u *UnitOfWork) {
		u.implicit = true
	}
}

// WithTokenGenerator sets the flush token generator. The default generates
// UUIDv7 tokens.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(u *UnitOfWork) {
		u.tokens = g
	}
}

// WithFactory sets the factory used to create loaded entities.
func WithFactory(f Factory) Option {
	return func(u *UnitOfWork) {
		u.factory = f
	}
}

// WithBatching enables multi-row INSERT and DELETE statements when the
// transaction implements driver.BatchPersister.
func WithBatching(enabled bool) Option {
	return func(u *UnitOfWork) {
		u.batching = enabled
	}
}

// WithComputer sets the change-set computer, e.g. to pin hook clocks and
// generated keys in tests.
func WithComputer(c *changeset.Computer) Option {
	return func(u *UnitOfWork) {
		u.computer = c
	}
}

// New creates a unit of work over a resolved registry and a connection.
func New(reg *schema.Registry, conn driver.Connection, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		reg:      reg,
		conn:     conn,
		identity: identity.New(),
		entries:  make(map[entity.Entity]*entry),
		detached: make(map[entity.Entity]struct{}),
		clock:    NewClock(),
		tokens:   UUIDv7Generator{},
		factory:  RecordFactory,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.computer == nil {
		u.computer = changeset.NewComputer()
	}
	if u.logger == nil {
		u.logger = discardLogger
	}
	return u
}

// Persist makes e managed. A new entity is scheduled for creation; an
// already managed entity needs nothing, since Flush dirty-checks every
// managed entity. Persisting a removed entity cancels its removal. A
// detached entity with a primary key is refused with ErrNotManaged. Persist
// cascades along relations whose cascade
// policy includes persist.
//
// On error the unit of work is unchanged.
func (u *UnitOfWork) Persist(e entity.Entity) error {
	var log undoLog
	if err := u.persist(e, &log, make(map[entity.Entity]bool)); err != nil {
		log.run()
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

func (u *UnitOfWork) persist(e entity.Entity, log *undoLog, seen map[entity.Entity]bool) error {
	if e == nil || seen[e] {
		return nil
	}
	seen[e] = true

	et, ok := u.reg.Lookup(e.EntityType())
	if !ok {
		return newUnknownEntityError(e.EntityType())
	}

	en := u.entries[e]
	switch {
	case en == nil:
		if _, ok := u.detached[e]; ok {
			if _, keyed := changeset.KeyValues(et, e); keyed {
				return fmt.Errorf("%s is detached, reattach it with Manage: %w", et.Name, ErrNotManaged)
			}
		}
		if _, err := u.track(et, e, nil, log); err != nil {
			return err
		}
	case en.removed:
		en.removed = false
		log.add(func() { en.removed = true })
	}

	return u.cascade(et, e, schema.CascadePersist, func(target entity.Entity) error {
		return u.persist(target, log, seen)
	})
}

// Remove schedules e for deletion and cascades along relations whose
// cascade policy includes remove or that have orphan removal. Removing an
// entity that was persisted but never flushed cancels its creation instead.
// An untracked entity with a primary key is managed first; one without a
// key has no row and is ignored.
//
// On error the unit of work is unchanged.
func (u *UnitOfWork) Remove(e entity.Entity) error {
	var log undoLog
	if err := u.remove(e, &log, make(map[entity.Entity]bool)); err != nil {
		log.run()
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

func (u *UnitOfWork) remove(e entity.Entity, log *undoLog, seen map[entity.Entity]bool) error {
	if e == nil || seen[e] {
		return nil
	}
	seen[e] = true

	et, ok := u.reg.Lookup(e.EntityType())
	if !ok {
		return newUnknownEntityError(e.EntityType())
	}

	en := u.entries[e]
	if en == nil {
		if _, ok := changeset.KeyValues(et, e); !ok {
			return nil
		}
		managed, err := u.manage(et, e, log)
		if err != nil {
			return err
		}
		e = managed.entity
		en = managed
	}

	switch {
	case en.removed:
	case en.snapshot == nil:
		u.untrack(en, false, log)
	default:
		en.removed = true
		log.add(func() { en.removed = false })
	}

	return u.cascade(et, e, schema.CascadeRemove, func(target entity.Entity) error {
		return u.remove(target, log, seen)
	})
}

// cascade calls fn for every entity related to e through a relation whose
// policy includes op. Removal also follows orphan-removal relations.
// Collections contribute their current members only; unloaded members are
// not fetched.
func (u *UnitOfWork) cascade(et *schema.EntityType, e entity.Entity, op schema.Cascade, fn func(entity.Entity) error) error {
	for _, f := range et.Relations() {
		rel := f.Relation
		if !rel.Cascade.Has(op) && !(op == schema.CascadeRemove && rel.OrphanRemoval) {
			continue
		}
		if f.IsCollection() {
			c := e.Collection(f.Name)
			if c == nil {
				continue
			}
			for _, item := range c.Items() {
				if err := fn(item); err != nil {
					return err
				}
			}
			continue
		}
		if err := fn(e.Ref(f.Name)); err != nil {
			return err
		}
	}
	return nil
}

// Manage registers e as loaded from storage: its current values become the
// snapshot. If another instance is already managed under the same key, that
// instance is returned and e is ignored.
func (u *UnitOfWork) Manage(e entity.Entity) (entity.Entity, error) {
	et, ok := u.reg.Lookup(e.EntityType())
	if !ok {
		return nil, newUnknownEntityError(e.EntityType())
	}
	en, err := u.manage(et, e, nil)
	if err != nil {
		return nil, fmt.Errorf("manage: %w", err)
	}
	return en.entity, nil
}

func (u *UnitOfWork) manage(et *schema.EntityType, e entity.Entity, log *undoLog) (*entry, error) {
	if en := u.entries[e]; en != nil {
		return en, nil
	}
	pk, ok := changeset.KeyValues(et, e)
	if !ok {
		return nil, fmt.Errorf("%s: %w", et.Name, ErrNoIdentity)
	}
	key, err := identity.NewKey(et.Name, pk)
	if err != nil {
		return nil, err
	}
	if existing, ok := u.identity.Get(key); ok {
		return u.entries[existing], nil
	}
	return u.track(et, e, u.computer.Snapshot(et, e), log)
}

// track starts tracking e. Entities with a known key enter the identity
// map immediately; a key already held by another instance is refused.
func (u *UnitOfWork) track(et *schema.EntityType, e entity.Entity, snapshot ir.IRObject, log *undoLog) (*entry, error) {
	en := &entry{entity: e, et: et, snapshot: snapshot}
	if pk, ok := changeset.KeyValues(et, e); ok {
		key, err := identity.NewKey(et.Name, pk)
		if err != nil {
			return nil, err
		}
		if existing, ok := u.identity.Get(key); ok && existing != e {
			return nil, fmt.Errorf("%s %s: %w", et.Name, key.ID, ErrIdentityConflict)
		}
		en.key, en.keyed = key, true
		u.identity.Set(key, e)
	}
	en.seq = u.clock.Next()
	u.entries[e] = en
	_, wasDetached := u.detached[e]
	delete(u.detached, e)

	log.add(func() {
		delete(u.entries, e)
		if en.keyed {
			u.identity.Delete(en.key)
		}
		if wasDetached {
			u.detached[e] = struct{}{}
		}
	})
	return en, nil
}

// untrack stops tracking en. An entity that was never written goes back
// to StateNew unless detach is set.
func (u *UnitOfWork) untrack(en *entry, detach bool, log *undoLog) {
	delete(u.entries, en.entity)
	if en.keyed {
		u.identity.Delete(en.key)
	}
	if detach {
		u.detached[en.entity] = struct{}{}
	}

	log.add(func() {
		delete(u.detached, en.entity)
		u.entries[en.entity] = en
		if en.keyed {
			u.identity.Set(en.key, en.entity)
		}
	})
}

// Detach stops tracking e. Pending changes to it are discarded.
func (u *UnitOfWork) Detach(e entity.Entity) {
	if en := u.entries[e]; en != nil {
		u.untrack(en, true, nil)
	}
}

// Clear detaches every entity. Use it between logical units of work.
func (u *UnitOfWork) Clear() {
	for e := range u.entries {
		u.detached[e] = struct{}{}
	}
	clear(u.entries)
	u.identity.Clear()
	u.last = nil
}

// State reports the lifecycle state of e.
func (u *UnitOfWork) State(e entity.Entity) State {
	if en := u.entries[e]; en != nil {
		if en.removed {
			return StateRemoved
		}
		return StateManaged
	}
	if _, ok := u.detached[e]; ok {
		return StateDetached
	}
	return StateNew
}

// IsDirty reports whether flushing would write e: it is scheduled for
// creation or deletion, or a persistent field differs from its snapshot.
// Untracked entities are never dirty.
func (u *UnitOfWork) IsDirty(e entity.Entity) bool {
	en := u.entries[e]
	switch {
	case en == nil:
		return false
	case en.removed, en.snapshot == nil:
		return true
	default:
		return len(u.computer.Diff(en.et, e, en.snapshot)) > 0
	}
}

// ChangeSets returns the change sets written by the last successful flush,
// in execution order.
func (u *UnitOfWork) ChangeSets() []*changeset.ChangeSet {
	return slices.Clone(u.last)
}

// Identity returns the identity map entries in registration order.
func (u *UnitOfWork) Identity() iter.Seq2[identity.Key, entity.Entity] {
	return u.identity.All()
}

// Len returns the number of tracked entities.
func (u *UnitOfWork) Len() int {
	return len(u.entries)
}

// ordered returns the tracked entries in registration order.
func (u *UnitOfWork) ordered() []*entry {
	out := make([]*entry, 0, len(u.entries))
	for _, en := range u.entries {
		out = append(out, en)
	}
	slices.SortFunc(out, func(a, b *entry) int {
		return int(a.seq - b.seq)
	})
	return out
}

// undoLog records inverse operations so a failed call can restore the
// unit of work. A nil log records nothing.
type undoLog struct {
	fns []func()
}

func (l *undoLog) add(fn func()) {
	if l == nil {
		return
	}
	l.fns = append(l.fns, fn)
}

// run applies the inverse operations newest first and empties the log.
func (l *undoLog) run() {
	if l == nil {
		return
	}
	for i := len(l.fns) - 1; i >= 0; i-- {
		l.fns[i]()
	}
	l.fns = nil
}

// discardLogger is used when a nil logger is configured.
var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
