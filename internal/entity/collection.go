package entity

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// CollectionState is the load state of a to-many collection.
type CollectionState int

const (
	// NotLoaded means the persisted members are unknown.
	NotLoaded CollectionState = iota
	// Loading means a Load call is fetching members.
	Loading
	// Loaded means the in-memory members match the last known persisted set.
	Loaded
	// Dirty means members were added or removed since the last load or flush.
	Dirty
)

// String returns the lowercase state name used in logs and traces.
func (s CollectionState) String() string {
	switch s {
	case NotLoaded:
		return "not_loaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Dirty:
		return "dirty"
	default:
		return fmt.Sprintf("CollectionState(%d)", int(s))
	}
}

// ErrLoadInProgress is returned by Load when the collection is already loading.
var ErrLoadInProgress = errors.New("collection load already in progress")

// Loader fetches the persisted members of a collection.
type Loader func(ctx context.Context) ([]Entity, error)

// Collection is an explicit state machine over the members of a to-many
// relation. Nothing is fetched implicitly: Load is the only call that may
// block.
//
// Members keep insertion order. Add and Remove are allowed in any state; on a
// NotLoaded collection they are remembered and reapplied over the fetched
// members when Load runs.
type Collection struct {
	items    []Entity
	snapshot []Entity
	removed  []Entity // removals not covered by snapshot (unloaded collections)
	loaded   bool
	loading  bool
}

// NewCollection returns an empty collection in the NotLoaded state.
func NewCollection() *Collection {
	return &Collection{}
}

// NewLoadedCollection returns a Loaded collection whose persisted members
// are items.
func NewLoadedCollection(items ...Entity) *Collection {
	c := &Collection{loaded: true}
	for _, e := range items {
		if !slices.Contains(c.items, e) {
			c.items = append(c.items, e)
		}
	}
	c.snapshot = slices.Clone(c.items)
	return c
}

// State reports the current state.
func (c *Collection) State() CollectionState {
	switch {
	case c.loading:
		return Loading
	case c.hasPending():
		return Dirty
	case c.loaded:
		return Loaded
	default:
		return NotLoaded
	}
}

// IsLoaded reports whether the persisted members have been fetched.
func (c *Collection) IsLoaded() bool {
	return c.loaded
}

func (c *Collection) hasPending() bool {
	return len(c.Added()) > 0 || len(c.Removed()) > 0
}

// Add appends members that are not already present.
func (c *Collection) Add(items ...Entity) {
	for _, e := range items {
		if e == nil || slices.Contains(c.items, e) {
			continue
		}
		c.items = append(c.items, e)
		c.removed = slices.DeleteFunc(c.removed, func(x Entity) bool { return x == e })
	}
}

// Remove drops members. Removing a member of an unloaded collection records
// the removal so that it survives a later Load.
func (c *Collection) Remove(items ...Entity) {
	for _, e := range items {
		if e == nil {
			continue
		}
		if idx := slices.Index(c.items, e); idx >= 0 {
			c.items = slices.Delete(c.items, idx, idx+1)
			continue
		}
		if !c.loaded && !slices.Contains(c.removed, e) {
			c.removed = append(c.removed, e)
		}
	}
}

// Items returns the current members in insertion order.
func (c *Collection) Items() []Entity {
	return slices.Clone(c.items)
}

// Len returns the number of current members.
func (c *Collection) Len() int {
	return len(c.items)
}

// Contains reports whether e is a current member.
func (c *Collection) Contains(e Entity) bool {
	return slices.Contains(c.items, e)
}

// Snapshot returns the members as of the last load or flush.
func (c *Collection) Snapshot() []Entity {
	return slices.Clone(c.snapshot)
}

// Added returns current members that are not in the snapshot.
func (c *Collection) Added() []Entity {
	var out []Entity
	for _, e := range c.items {
		if !slices.Contains(c.snapshot, e) {
			out = append(out, e)
		}
	}
	return out
}

// Removed returns snapshot members that are no longer present, followed by
// removals recorded while the collection was not loaded.
func (c *Collection) Removed() []Entity {
	var out []Entity
	for _, e := range c.snapshot {
		if !slices.Contains(c.items, e) {
			out = append(out, e)
		}
	}
	return append(out, c.removed...)
}

// Load fetches the persisted members with fn. Pending additions and removals
// are reapplied on top of the fetched members. Loading an already loaded
// collection is a no-op.
//
// On error the collection is left in its previous state.
func (c *Collection) Load(ctx context.Context, fn Loader) error {
	if c.loading {
		return ErrLoadInProgress
	}
	if c.loaded {
		return nil
	}

	c.loading = true
	fetched, err := fn(ctx)
	c.loading = false
	if err != nil {
		return fmt.Errorf("load collection: %w", err)
	}

	added := c.Added()
	removed := c.Removed()

	c.snapshot = nil
	for _, e := range fetched {
		if e != nil && !slices.Contains(c.snapshot, e) {
			c.snapshot = append(c.snapshot, e)
		}
	}
	c.items = nil
	for _, e := range c.snapshot {
		if !slices.Contains(removed, e) {
			c.items = append(c.items, e)
		}
	}
	for _, e := range added {
		if !slices.Contains(c.items, e) {
			c.items = append(c.items, e)
		}
	}
	c.removed = nil
	c.loaded = true
	return nil
}

// MarkClean makes the current members the new snapshot. The unit of work
// calls it after a successful flush.
func (c *Collection) MarkClean() {
	c.snapshot = slices.Clone(c.items)
	c.removed = nil
}
