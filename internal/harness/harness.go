package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/uow/internal/changeset"
	"github.com/roach88/uow/internal/compiler"
	"github.com/roach88/uow/internal/driver"
	"github.com/roach88/uow/internal/entity"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
	"github.com/roach88/uow/internal/store"
	"github.com/roach88/uow/internal/testutil"
	"github.com/roach88/uow/internal/uow"
)

// Harness executes one scenario against a fresh backend with a
// deterministic clock, UUID sequence and flush tokens.
type Harness struct {
	scenario *Scenario
	reg      *schema.Registry
	fake     *testutil.FakeConnection // nil for sqlite
	rec      *recorder
	u        *uow.UnitOfWork
	refs     map[string]entity.Entity
	logger   *slog.Logger
}

// Option configures Run.
type Option func(*Harness)

// WithLogger sets the logger for the harness and the unit of work under
// test. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh fake connection or temporary SQLite
// database. Execution flow:
//  1. Compile the schema and open the backend
//  2. Write seed rows
//  3. Execute steps, checking each against its expect clause
//  4. Evaluate assertions
//
// A step that does not meet its expectation fails the result and stops the
// run; assertions are then skipped. The returned error reports problems
// with the scenario itself, not failed expectations.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	ctx := context.Background()
	h := &Harness{
		scenario: scenario,
		refs:     make(map[string]entity.Entity),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	reg, err := loadSchema(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	h.reg = reg

	conn, closeFn, err := h.open(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if err := h.seed(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}

	h.rec = newRecorder(conn)
	clock := testutil.NewDeterministicClock()
	uowOpts := []uow.Option{
		uow.WithLogger(h.logger),
		uow.WithObserver(h.rec),
		uow.WithTokenGenerator(testutil.NewSequenceTokens("flush")),
		uow.WithBatching(scenario.Batching),
		uow.WithComputer(changeset.NewComputer(
			changeset.WithClock(clock.Now),
			changeset.WithUUIDGenerator(testutil.UUIDSequence()),
		)),
	}
	if scenario.ImplicitTransactions {
		uowOpts = append(uowOpts, uow.WithImplicitTransactions())
	}
	h.u = uow.New(reg, h.rec, uowOpts...)

	result := NewResult()
	for i, step := range scenario.Steps {
		if msg := h.execute(ctx, i, step); msg != "" {
			result.AddError(msg)
			break
		}
		h.logger.Debug("step completed", "step", i, "action", step.Action, "ref", step.Ref)
	}
	result.Trace = h.rec.Trace()
	if !result.Pass {
		return result, nil
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		Registry: reg,
		Finder:   h.rec,
		UoW:      h.u,
		Refs:     h.refs,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func loadSchema(s *Scenario) (*schema.Registry, error) {
	if s.SchemaDir != "" {
		return compiler.LoadDir(s.SchemaDir)
	}
	return compiler.CompileString(s.Schema, s.Name+".cue")
}

// open creates the backend. The returned func releases it.
func (h *Harness) open(ctx context.Context) (driver.Connection, func(), error) {
	if h.scenario.Backend != BackendSQLite {
		h.fake = testutil.NewFakeConnection(h.reg)
		h.fake.EnforceForeignKeys = h.scenario.ForeignKeys
		return h.fake, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "uow-scenario-")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	st, err := store.OpenSQLite(filepath.Join(dir, "scenario.db"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	closeFn := func() {
		st.Close()
		os.RemoveAll(dir)
	}
	if err := st.Exec(ctx, h.scenario.DDL...); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("failed to apply ddl: %w", err)
	}
	return st, closeFn, nil
}

func (h *Harness) seed(ctx context.Context, conn driver.Connection) error {
	for i, seed := range h.scenario.Seed {
		et, ok := h.reg.Lookup(seed.Entity)
		if !ok {
			return fmt.Errorf("seed[%d]: unknown entity %q", i, seed.Entity)
		}
		for j, raw := range seed.Rows {
			row, err := convertArgsToIRObject(raw)
			if err != nil {
				return fmt.Errorf("seed[%d].rows[%d]: %w", i, j, err)
			}
			if h.fake != nil {
				h.fake.Seed(et.Name, row)
				continue
			}
			if _, err := conn.Insert(ctx, et, row); err != nil {
				return fmt.Errorf("seed[%d].rows[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// execute runs one step and checks its expectation. It returns a failure
// message, or "" when the step behaved as expected.
func (h *Harness) execute(ctx context.Context, i int, step Step) string {
	err := h.do(ctx, step)

	var expect ExpectClause
	if step.Expect != nil {
		expect = *step.Expect
	}
	prefix := fmt.Sprintf("steps[%d] (%s)", i, step.Action)

	switch {
	case expect.Error == "" && expect.Message == "" && err != nil:
		return fmt.Sprintf("%s: unexpected error: %v", prefix, err)
	case (expect.Error != "" || expect.Message != "") && err == nil:
		return fmt.Sprintf("%s: expected error %s, got success", prefix, describeExpected(expect))
	case err != nil:
		if kind := ErrorKind(err); expect.Error != "" && kind != expect.Error {
			return fmt.Sprintf("%s: expected error kind %q, got %q: %v", prefix, expect.Error, kind, err)
		}
		if expect.Message != "" && !strings.Contains(err.Error(), expect.Message) {
			return fmt.Sprintf("%s: expected error containing %q, got: %v", prefix, expect.Message, err)
		}
	}

	if expect.State != "" {
		e, ok := h.refs[step.Ref]
		if !ok {
			return fmt.Sprintf("%s: unknown ref %q", prefix, step.Ref)
		}
		if got := h.u.State(e).String(); got != expect.State {
			return fmt.Sprintf("%s: expected %s to be %s, got %s", prefix, step.Ref, expect.State, got)
		}
	}
	return ""
}

func describeExpected(e ExpectClause) string {
	switch {
	case e.Error != "" && e.Message != "":
		return fmt.Sprintf("%s containing %q", e.Error, e.Message)
	case e.Error != "":
		return e.Error
	default:
		return fmt.Sprintf("containing %q", e.Message)
	}
}

// do performs the step's action.
func (h *Harness) do(ctx context.Context, step Step) error {
	switch step.Action {
	case ActionNew:
		values, err := convertArgsToIRObject(step.Values)
		if err != nil {
			return fmt.Errorf("values: %w", err)
		}
		rec := entity.NewRecord(step.Type, values)
		h.refs[step.Ref] = rec
		return h.setRefs(rec, step.Refs)

	case ActionSet:
		e, err := h.ref(step.Ref)
		if err != nil {
			return err
		}
		values, err := convertArgsToIRObject(step.Values)
		if err != nil {
			return fmt.Errorf("values: %w", err)
		}
		for _, k := range values.SortedKeys() {
			e.Set(k, values[k])
		}
		return h.setRefs(e, step.Refs)

	case ActionAdd, ActionRemoveFrom:
		e, err := h.ref(step.Ref)
		if err != nil {
			return err
		}
		items := make([]entity.Entity, 0, len(step.Items))
		for _, alias := range step.Items {
			item, err := h.ref(alias)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		c := e.Collection(step.Field)
		if c == nil {
			return fmt.Errorf("%s has no collection %q", step.Ref, step.Field)
		}
		if step.Action == ActionAdd {
			c.Add(items...)
		} else {
			c.Remove(items...)
		}
		return nil

	case ActionPersist, ActionRemove, ActionDetach:
		e, err := h.ref(step.Ref)
		if err != nil {
			return err
		}
		switch step.Action {
		case ActionPersist:
			return h.u.Persist(e)
		case ActionRemove:
			return h.u.Remove(e)
		}
		h.u.Detach(e)
		return nil

	case ActionFind:
		key := make([]ir.IRValue, len(step.Key))
		for i, raw := range step.Key {
			v, err := convertToIRValue(raw)
			if err != nil {
				return fmt.Errorf("key[%d]: %w", i, err)
			}
			key[i] = v
		}
		e, err := h.u.Find(ctx, step.Type, key...)
		if err != nil {
			return err
		}
		h.refs[step.Ref] = e
		h.nameReferences(step.Ref, e)
		return nil

	case ActionLoad:
		e, err := h.ref(step.Ref)
		if err != nil {
			return err
		}
		if err := h.u.LoadCollection(ctx, e, step.Field); err != nil {
			return err
		}
		for i, item := range e.Collection(step.Field).Items() {
			h.alias(fmt.Sprintf("%s.%s[%d]", step.Ref, step.Field, i), item)
		}
		return nil

	case ActionFlush:
		return h.u.Flush(ctx)

	case ActionClear:
		h.u.Clear()
		return nil

	case ActionExecUpdate:
		et, ok := h.reg.Lookup(step.Type)
		if !ok {
			return fmt.Errorf("unknown entity %q", step.Type)
		}
		where, err := convertArgsToIRObject(step.Where)
		if err != nil {
			return fmt.Errorf("where: %w", err)
		}
		values, err := convertArgsToIRObject(step.Values)
		if err != nil {
			return fmt.Errorf("values: %w", err)
		}
		_, err = h.rec.Update(ctx, et, where, values)
		return err

	case ActionFailOn:
		h.fake.FailOn(step.Op, step.Type, injected(step))
		return nil

	case ActionFailCommit:
		h.fake.FailCommit(injected(step))
		return nil
	}
	return fmt.Errorf("unknown action %q", step.Action)
}

func injected(step Step) error {
	if step.Message == "" {
		return errors.New("injected failure")
	}
	return errors.New(step.Message)
}

func (h *Harness) ref(alias string) (entity.Entity, error) {
	e, ok := h.refs[alias]
	if !ok {
		return nil, fmt.Errorf("unknown ref %q", alias)
	}
	return e, nil
}

// alias names e unless the name is taken.
func (h *Harness) alias(name string, e entity.Entity) {
	if _, ok := h.refs[name]; !ok {
		h.refs[name] = e
	}
}

// nameReferences gives the entities a found entity references aliases of
// the form "<alias>.<field>", so later steps can reach them.
func (h *Harness) nameReferences(name string, e entity.Entity) {
	et, ok := h.reg.Lookup(e.EntityType())
	if !ok {
		return
	}
	for _, f := range et.Relations() {
		if t := e.Ref(f.Name); t != nil && !f.IsCollection() {
			h.alias(name+"."+f.Name, t)
		}
	}
}

func (h *Harness) setRefs(e entity.Entity, refs map[string]string) error {
	for field, alias := range refs {
		if alias == "" {
			e.SetRef(field, nil)
			continue
		}
		target, err := h.ref(alias)
		if err != nil {
			return err
		}
		e.SetRef(field, target)
	}
	return nil
}

// Error kinds reported by ErrorKind.
const (
	KindConcurrency        = "concurrency"
	KindPartialFlush       = "partial_flush"
	KindUnknownEntity      = "unknown_entity"
	KindValidation         = "validation"
	KindUnmanagedReference = "unmanaged_reference"
	KindIdentityConflict   = "identity_conflict"
	KindNotManaged         = "not_managed"
	KindNotFound           = "not_found"
	KindConstraint         = "constraint"
	KindFlushFailed        = "flush_failed"
	KindOther              = "error"
)

// ErrorKind classifies an error returned by a unit-of-work operation. The
// most specific kind wins: a conflict inside a failed flush is
// "concurrency", a constraint violation that made a flush fail is
// "constraint".
func ErrorKind(err error) string {
	var fe *uow.FlushError
	switch {
	case err == nil:
		return ""
	case uow.IsConcurrencyError(err):
		return KindConcurrency
	case uow.IsPartialFlush(err):
		return KindPartialFlush
	case uow.IsUnknownEntityError(err):
		return KindUnknownEntity
	case changeset.IsValidationError(err):
		return KindValidation
	case errors.Is(err, uow.ErrUnmanagedReference):
		return KindUnmanagedReference
	case errors.Is(err, uow.ErrIdentityConflict):
		return KindIdentityConflict
	case errors.Is(err, uow.ErrNotManaged):
		return KindNotManaged
	case errors.Is(err, driver.ErrNotFound):
		return KindNotFound
	case driver.IsConstraintViolation(err):
		return KindConstraint
	case errors.As(err, &fe):
		return KindFlushFailed
	default:
		return KindOther
	}
}

func parseState(s string) (uow.State, bool) {
	for _, st := range []uow.State{uow.StateNew, uow.StateManaged, uow.StateRemoved, uow.StateDetached} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// convertArgsToIRObject converts a map[string]any to ir.IRObject.
// This handles YAML-parsed values and converts them to proper IRValue types.
func convertArgsToIRObject(args map[string]any) (ir.IRObject, error) {
	if args == nil {
		return ir.IRObject{}, nil
	}

	result := make(ir.IRObject)
	for key, val := range args {
		irVal, err := convertToIRValue(val)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		result[key] = irVal
	}
	return result, nil
}

// convertToIRValue converts a YAML-parsed value to an IRValue. YAML null
// becomes ir.Null, which sets a nullable field to null.
func convertToIRValue(val any) (ir.IRValue, error) {
	switch v := val.(type) {
	case nil:
		return ir.Null, nil
	case float64:
		// Integral floats are accepted; real floats are forbidden in IR.
		if v == float64(int64(v)) {
			return ir.IRInt(int64(v)), nil
		}
		return nil, fmt.Errorf("floats are forbidden in IR: %v", v)
	case []any:
		arr := make(ir.IRArray, len(v))
		for i, elem := range v {
			irElem, err := convertToIRValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = irElem
		}
		return arr, nil
	case map[string]any:
		return convertArgsToIRObject(v)
	}
	return ir.FromNative(val)
}
