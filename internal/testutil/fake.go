package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/uow/internal/driver"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

// Statement is one statement the fake executed.
type Statement struct {
	Op     string // "insert", "update" or "delete"
	Entity string
	Values ir.IRObject // inserted or assigned values
	Where  ir.IRObject
	Rows   int
	Tx     int // transaction number, 0 for autocommit
}

// FakeConnection is an in-memory driver.Connection for unit tests. Rows are
// field-keyed objects per entity type. Transactions work on a copy of the
// tables that replaces them on commit.
//
// Failures are injected with FailOn, FailBegin and FailCommit. With
// EnforceForeignKeys set, owning references must point at existing rows
// and referenced rows cannot be deleted, as in a database with immediate
// constraints.
type FakeConnection struct {
	EnforceForeignKeys bool

	mu         sync.Mutex
	state      *fakeState
	statements []Statement
	failures   []failure
	beginErr   error
	commitErr  error
	begins     int
	commits    int
	rollbacks  int
}

type failure struct {
	op     string
	entity string
	err    error
}

var (
	_ driver.Connection     = (*FakeConnection)(nil)
	_ driver.BatchPersister = (*FakeConnection)(nil)
	_ driver.Finder         = (*FakeConnection)(nil)
	_ driver.Transaction    = (*FakeTx)(nil)
	_ driver.BatchPersister = (*FakeTx)(nil)
	_ driver.Finder         = (*FakeTx)(nil)
)

// NewFakeConnection creates an empty fake over a resolved registry.
func NewFakeConnection(reg *schema.Registry) *FakeConnection {
	c := &FakeConnection{}
	c.state = &fakeState{reg: reg, tables: make(map[string]*fakeTable), enforceFK: &c.EnforceForeignKeys}
	return c
}

// FailOn makes the next op ("insert", "update" or "delete") on entityType
// fail with err. An empty entityType matches any type.
func (c *FakeConnection) FailOn(op, entityType string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, failure{op: op, entity: entityType, err: err})
}

// FailBegin makes the next Begin fail with err.
func (c *FakeConnection) FailBegin(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginErr = err
}

// FailCommit makes the next Commit fail with err. The transaction is
// discarded.
func (c *FakeConnection) FailCommit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitErr = err
}

// Seed inserts committed rows directly, bypassing statement logging.
func (c *FakeConnection) Seed(entityType string, rows ...ir.IRObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.state.table(entityType)
	for _, r := range rows {
		t.rows = append(t.rows, c.state.complete(t.et, r))
		for _, f := range t.et.PrimaryKey() {
			if n, ok := r[f.Name].(ir.IRInt); ok && f.Generated == schema.GenIncrement {
				t.next = max(t.next, int64(n))
			}
		}
	}
}

// Rows returns the committed rows of entityType in insertion order.
func (c *FakeConnection) Rows(entityType string) []ir.IRObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.state.table(entityType)
	out := make([]ir.IRObject, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Clone()
	}
	return out
}

// Statements returns every statement that executed, including statements
// of transactions that were later rolled back.
func (c *FakeConnection) Statements() []Statement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.statements)
}

// Begins, Commits and Rollbacks count transaction calls.
func (c *FakeConnection) Begins() int    { c.mu.Lock(); defer c.mu.Unlock(); return c.begins }
func (c *FakeConnection) Commits() int   { c.mu.Lock(); defer c.mu.Unlock(); return c.commits }
func (c *FakeConnection) Rollbacks() int { c.mu.Lock(); defer c.mu.Unlock(); return c.rollbacks }

// Begin implements driver.Connection.
func (c *FakeConnection) Begin(context.Context) (driver.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.beginErr; err != nil {
		c.beginErr = nil
		return nil, err
	}
	c.begins++
	return &FakeTx{conn: c, state: c.state.clone(), id: c.begins}, nil
}

func (c *FakeConnection) Insert(ctx context.Context, et *schema.EntityType, payload ir.IRObject) (ir.IRObject, error) {
	return c.run(c.state, 0, func(s *fakeState) (Statement, ir.IRObject, error) { return s.insert(et, payload) })
}

func (c *FakeConnection) Update(ctx context.Context, et *schema.EntityType, where, payload ir.IRObject) (int64, error) {
	return c.count(c.state, 0, func(s *fakeState) (Statement, ir.IRObject, error) { return s.update(et, where, payload) })
}

func (c *FakeConnection) Delete(ctx context.Context, et *schema.EntityType, where ir.IRObject) (int64, error) {
	return c.count(c.state, 0, func(s *fakeState) (Statement, ir.IRObject, error) { return s.delete(et, []ir.IRObject{where}) })
}

func (c *FakeConnection) InsertMany(ctx context.Context, et *schema.EntityType, payloads []ir.IRObject) error {
	_, err := c.run(c.state, 0, func(s *fakeState) (Statement, ir.IRObject, error) { return s.insertMany(et, payloads) })
	return err
}

func (c *FakeConnection) DeleteMany(ctx context.Context, et *schema.EntityType, keys []ir.IRObject) (int64, error) {
	return c.count(c.state, 0, func(s *fakeState) (Statement, ir.IRObject, error) { return s.delete(et, keys) })
}

func (c *FakeConnection) FindOne(ctx context.Context, et *schema.EntityType, where ir.IRObject) (ir.IRObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.findOne(et, where)
}

func (c *FakeConnection) FindAll(ctx context.Context, et *schema.EntityType, where ir.IRObject) ([]ir.IRObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.findAll(et, where), nil
}

// run executes one statement against s, applying injected failures and
// recording it. The statement sees a copy of s and only replaces s when it
// succeeds, so a failed statement changes nothing.
func (c *FakeConnection) run(s *fakeState, tx int, fn func(*fakeState) (Statement, ir.IRObject, error)) (ir.IRObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	work := s.clone()
	st, out, err := fn(work)
	if err != nil {
		return nil, err
	}
	for i, f := range c.failures {
		if f.op == st.Op && (f.entity == "" || f.entity == st.Entity) {
			c.failures = slices.Delete(c.failures, i, i+1)
			return nil, f.err
		}
	}
	s.tables = work.tables
	st.Tx = tx
	c.statements = append(c.statements, st)
	return out, nil
}

func (c *FakeConnection) count(s *fakeState, tx int, fn func(*fakeState) (Statement, ir.IRObject, error)) (int64, error) {
	var rows int
	_, err := c.run(s, tx, func(w *fakeState) (Statement, ir.IRObject, error) {
		st, out, err := fn(w)
		rows = st.Rows
		return st, out, err
	})
	if err != nil {
		return 0, err
	}
	return int64(rows), nil
}

// FakeTx is a transaction of a FakeConnection.
type FakeTx struct {
	conn  *FakeConnection
	state *fakeState
	id    int
	done  bool
}

func (t *FakeTx) Insert(ctx context.Context, et *schema.EntityType, payload ir.IRObject) (ir.IRObject, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.conn.run(t.state, t.id, func(s *fakeState) (Statement, ir.IRObject, error) { return s.insert(et, payload) })
}

func (t *FakeTx) Update(ctx context.Context, et *schema.EntityType, where, payload ir.IRObject) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	return t.conn.count(t.state, t.id, func(s *fakeState) (Statement, ir.IRObject, error) { return s.update(et, where, payload) })
}

func (t *FakeTx) Delete(ctx context.Context, et *schema.EntityType, where ir.IRObject) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	return t.conn.count(t.state, t.id, func(s *fakeState) (Statement, ir.IRObject, error) { return s.delete(et, []ir.IRObject{where}) })
}

func (t *FakeTx) InsertMany(ctx context.Context, et *schema.EntityType, payloads []ir.IRObject) error {
	if err := t.check(); err != nil {
		return err
	}
	_, err := t.conn.run(t.state, t.id, func(s *fakeState) (Statement, ir.IRObject, error) { return s.insertMany(et, payloads) })
	return err
}

func (t *FakeTx) DeleteMany(ctx context.Context, et *schema.EntityType, keys []ir.IRObject) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	return t.conn.count(t.state, t.id, func(s *fakeState) (Statement, ir.IRObject, error) { return s.delete(et, keys) })
}

func (t *FakeTx) FindOne(ctx context.Context, et *schema.EntityType, where ir.IRObject) (ir.IRObject, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return t.state.findOne(et, where)
}

func (t *FakeTx) FindAll(ctx context.Context, et *schema.EntityType, where ir.IRObject) ([]ir.IRObject, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return t.state.findAll(et, where), nil
}

// Commit implements driver.Transaction.
func (t *FakeTx) Commit(context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.commitErr; err != nil {
		c.commitErr = nil
		return err
	}
	c.commits++
	c.state.tables = t.state.tables
	return nil
}

// Rollback implements driver.Transaction.
func (t *FakeTx) Rollback(context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.rollbacks++
	return nil
}

var errTxDone = errors.New("transaction already committed or rolled back")

func (t *FakeTx) check() error {
	if t.done {
		return errTxDone
	}
	return nil
}

type fakeTable struct {
	et   *schema.EntityType
	rows []ir.IRObject
	next int64
}

type fakeState struct {
	reg       *schema.Registry
	tables    map[string]*fakeTable
	enforceFK *bool
}

func (s *fakeState) clone() *fakeState {
	out := &fakeState{reg: s.reg, tables: make(map[string]*fakeTable, len(s.tables)), enforceFK: s.enforceFK}
	for name, t := range s.tables {
		ct := &fakeTable{et: t.et, next: t.next, rows: make([]ir.IRObject, len(t.rows))}
		for i, r := range t.rows {
			ct.rows[i] = r.Clone()
		}
		out.tables[name] = ct
	}
	return out
}

func (s *fakeState) table(name string) *fakeTable {
	t, ok := s.tables[name]
	if !ok {
		t = &fakeTable{et: s.reg.MustLookup(name)}
		s.tables[name] = t
	}
	return t
}

// complete returns a stored row: every persistent field, unset ones null.
func (s *fakeState) complete(et *schema.EntityType, values ir.IRObject) ir.IRObject {
	row := make(ir.IRObject)
	for _, f := range et.PersistentFields() {
		row[f.Name] = ir.Clone(ir.OrNull(values[f.Name]))
	}
	return row
}

func (s *fakeState) insert(et *schema.EntityType, payload ir.IRObject) (Statement, ir.IRObject, error) {
	t := s.table(et.Name)
	row := s.complete(et, payload)
	generated := make(ir.IRObject)
	for _, f := range et.PrimaryKey() {
		if f.Generated == schema.GenIncrement && ir.IsNull(row[f.Name]) {
			t.next++
			row[f.Name] = ir.IRInt(t.next)
			generated[f.Name] = ir.IRInt(t.next)
		}
	}
	if err := s.checkRow(t, row, -1); err != nil {
		return Statement{}, nil, err
	}
	t.rows = append(t.rows, row)
	return Statement{Op: "insert", Entity: et.Name, Values: payload.Clone(), Rows: 1}, generated, nil
}

func (s *fakeState) insertMany(et *schema.EntityType, payloads []ir.IRObject) (Statement, ir.IRObject, error) {
	var values ir.IRArray
	for _, p := range payloads {
		if _, _, err := s.insert(et, p); err != nil {
			return Statement{}, nil, err
		}
		values = append(values, p.Clone())
	}
	return Statement{Op: "insert", Entity: et.Name, Values: ir.IRObject{"rows": values}, Rows: len(payloads)}, nil, nil
}

func (s *fakeState) update(et *schema.EntityType, where, payload ir.IRObject) (Statement, ir.IRObject, error) {
	t := s.table(et.Name)
	n := 0
	for i, r := range t.rows {
		if !matches(r, where) {
			continue
		}
		next := r.Clone()
		for k, v := range payload {
			next[k] = ir.Clone(v)
		}
		if err := s.checkRow(t, next, i); err != nil {
			return Statement{}, nil, err
		}
		t.rows[i] = next
		n++
	}
	return Statement{Op: "update", Entity: et.Name, Values: payload.Clone(), Where: where.Clone(), Rows: n}, nil, nil
}

func (s *fakeState) delete(et *schema.EntityType, wheres []ir.IRObject) (Statement, ir.IRObject, error) {
	t := s.table(et.Name)
	var kept, gone []ir.IRObject
	for _, r := range t.rows {
		if slices.ContainsFunc(wheres, func(w ir.IRObject) bool { return matches(r, w) }) {
			gone = append(gone, r)
		} else {
			kept = append(kept, r)
		}
	}
	t.rows = kept
	for _, r := range gone {
		if err := s.checkUnreferenced(et, r); err != nil {
			return Statement{}, nil, err
		}
	}
	st := Statement{Op: "delete", Entity: et.Name, Where: wheres[0].Clone(), Rows: len(gone)}
	if len(wheres) > 1 {
		keys := make(ir.IRArray, len(wheres))
		for i, w := range wheres {
			keys[i] = w.Clone()
		}
		st.Where = ir.IRObject{"keys": keys}
	}
	return st, nil, nil
}

func (s *fakeState) findOne(et *schema.EntityType, where ir.IRObject) (ir.IRObject, error) {
	rows := s.findAll(et, where)
	if len(rows) == 0 {
		return nil, fmt.Errorf("find %s: %w", et.Name, driver.ErrNotFound)
	}
	return rows[0], nil
}

func (s *fakeState) findAll(et *schema.EntityType, where ir.IRObject) []ir.IRObject {
	var out []ir.IRObject
	for _, r := range s.table(et.Name).rows {
		if matches(r, where) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// checkRow enforces key uniqueness, non-null columns and, when enabled,
// foreign keys for row stored at index self (-1 for a new row).
func (s *fakeState) checkRow(t *fakeTable, row ir.IRObject, self int) error {
	et := t.et
	for _, f := range et.PersistentFields() {
		if ir.IsNull(row[f.Name]) && !f.Nullable {
			return driver.NewConstraintViolation(driver.ConstraintNotNull, et.Name,
				fmt.Errorf("NOT NULL constraint failed: %s.%s", et.Name, f.Name))
		}
	}
	key := keyOf(et, row)
	for i, r := range t.rows {
		if i != self && ir.Equal(keyOf(et, r), key) {
			return driver.NewConstraintViolation(driver.ConstraintUnique, et.Name,
				fmt.Errorf("UNIQUE constraint failed: %s primary key", et.Name))
		}
	}
	if !*s.enforceFK {
		return nil
	}
	for _, f := range et.PersistentFields() {
		v := row[f.Name]
		if !f.IsOwning() || ir.IsNull(v) {
			continue
		}
		target := f.Relation.TargetType
		found := target == et && ir.Equal(keyOf(et, row), refKey(v))
		for _, r := range s.table(target.Name).rows {
			if ir.Equal(keyOf(target, r), refKey(v)) {
				found = true
				break
			}
		}
		if !found {
			return driver.NewConstraintViolation(driver.ConstraintForeignKey, et.Name,
				fmt.Errorf("FOREIGN KEY constraint failed: %s.%s", et.Name, f.Name))
		}
	}
	return nil
}

func (s *fakeState) checkUnreferenced(et *schema.EntityType, row ir.IRObject) error {
	if !*s.enforceFK {
		return nil
	}
	key := keyOf(et, row)
	for _, other := range s.reg.Entities() {
		for _, f := range other.PersistentFields() {
			if !f.IsOwning() || f.Relation.Target != et.Name {
				continue
			}
			for _, r := range s.table(other.Name).rows {
				if ir.Equal(refKey(r[f.Name]), key) {
					return driver.NewConstraintViolation(driver.ConstraintForeignKey, et.Name,
						fmt.Errorf("FOREIGN KEY constraint failed: %s still referenced by %s.%s", et.Name, other.Name, f.Name))
				}
			}
		}
	}
	return nil
}

// keyOf returns the primary key of row as an array.
func keyOf(et *schema.EntityType, row ir.IRObject) ir.IRArray {
	var key ir.IRArray
	for _, f := range et.PrimaryKey() {
		key = append(key, row[f.Name])
	}
	return key
}

// refKey normalizes a foreign-key value to the array form of keyOf.
func refKey(v ir.IRValue) ir.IRArray {
	if arr, ok := v.(ir.IRArray); ok {
		return arr
	}
	return ir.IRArray{v}
}

func matches(row, where ir.IRObject) bool {
	for k, v := range where {
		if !ir.Equal(ir.OrNull(row[k]), ir.OrNull(v)) {
			return false
		}
	}
	return true
}
