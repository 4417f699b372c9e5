package harness

import (
	"context"
	"sync"

	"github.com/roach88/uow/internal/driver"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/metrics"
	"github.com/roach88/uow/internal/schema"
	"github.com/roach88/uow/internal/uow"
)

// recorder wraps a connection and appends every write it forwards to the
// trace. It is also a uow.Observer: flush boundaries tag the statements
// with the flush token and close with a flush event.
type recorder struct {
	inner driver.Connection
	clock *uow.Clock

	mu     sync.Mutex
	flush  string
	events []TraceEvent
}

var (
	_ driver.Connection     = (*recorder)(nil)
	_ driver.BatchPersister = (*recorder)(nil)
	_ driver.Finder         = (*recorder)(nil)
	_ uow.Observer          = (*recorder)(nil)
)

func newRecorder(inner driver.Connection) *recorder {
	return &recorder{inner: inner, clock: uow.NewClock()}
}

// Trace returns a copy of the events recorded so far.
func (r *recorder) Trace() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent(nil), r.events...)
}

func (r *recorder) BeforeFlush(_ context.Context, ev uow.FlushEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flush = ev.Token
}

func (r *recorder) AfterFlush(_ context.Context, ev uow.FlushEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fe := TraceEvent{
		Seq:     r.clock.Next(),
		Type:    EventFlush,
		Flush:   ev.Token,
		Outcome: metrics.Outcome(ev.Err),
	}
	for _, st := range ev.Statements {
		fe.Rows += int64(st.Rows)
	}
	if ev.Err != nil {
		fe.Error = ev.Err.Error()
	}
	r.events = append(r.events, fe)
	r.flush = ""
}

func (r *recorder) add(ev TraceEvent, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Seq = r.clock.Next()
	ev.Type = EventStatement
	ev.Flush = r.flush
	if err != nil {
		ev.Error = err.Error()
	}
	r.events = append(r.events, ev)
}

func (r *recorder) Begin(ctx context.Context) (driver.Transaction, error) {
	tx, err := r.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &recordingTx{persister: persister{r: r, db: tx}, tx: tx}, nil
}

func (r *recorder) Insert(ctx context.Context, et *schema.EntityType, payload ir.IRObject) (ir.IRObject, error) {
	return persister{r: r, db: r.inner}.Insert(ctx, et, payload)
}

func (r *recorder) Update(ctx context.Context, et *schema.EntityType, where, payload ir.IRObject) (int64, error) {
	return persister{r: r, db: r.inner}.Update(ctx, et, where, payload)
}

func (r *recorder) Delete(ctx context.Context, et *schema.EntityType, where ir.IRObject) (int64, error) {
	return persister{r: r, db: r.inner}.Delete(ctx, et, where)
}

func (r *recorder) InsertMany(ctx context.Context, et *schema.EntityType, payloads []ir.IRObject) error {
	return persister{r: r, db: r.inner}.InsertMany(ctx, et, payloads)
}

func (r *recorder) DeleteMany(ctx context.Context, et *schema.EntityType, keys []ir.IRObject) (int64, error) {
	return persister{r: r, db: r.inner}.DeleteMany(ctx, et, keys)
}

// Reads are not traced.
func (r *recorder) FindOne(ctx context.Context, et *schema.EntityType, where ir.IRObject) (ir.IRObject, error) {
	f, ok := r.inner.(driver.Finder)
	if !ok {
		return nil, uow.ErrFinderUnsupported
	}
	return f.FindOne(ctx, et, where)
}

func (r *recorder) FindAll(ctx context.Context, et *schema.EntityType, where ir.IRObject) ([]ir.IRObject, error) {
	f, ok := r.inner.(driver.Finder)
	if !ok {
		return nil, uow.ErrFinderUnsupported
	}
	return f.FindAll(ctx, et, where)
}

// persister records the writes of one Persister.
type persister struct {
	r  *recorder
	db driver.Persister
}

func (p persister) Insert(ctx context.Context, et *schema.EntityType, payload ir.IRObject) (ir.IRObject, error) {
	generated, err := p.db.Insert(ctx, et, payload)
	ev := TraceEvent{Op: "insert", Entity: et.Name, Values: payload.Clone()}
	if err == nil {
		ev.Rows = 1
		if len(generated) > 0 {
			ev.Generated = generated.Clone()
		}
	}
	p.r.add(ev, err)
	return generated, err
}

func (p persister) Update(ctx context.Context, et *schema.EntityType, where, payload ir.IRObject) (int64, error) {
	n, err := p.db.Update(ctx, et, where, payload)
	p.r.add(TraceEvent{Op: "update", Entity: et.Name, Values: payload.Clone(), Where: where.Clone(), Rows: n}, err)
	return n, err
}

func (p persister) Delete(ctx context.Context, et *schema.EntityType, where ir.IRObject) (int64, error) {
	n, err := p.db.Delete(ctx, et, where)
	p.r.add(TraceEvent{Op: "delete", Entity: et.Name, Where: where.Clone(), Rows: n}, err)
	return n, err
}

// InsertMany falls back to one Insert per row when the wrapped persister
// cannot batch.
func (p persister) InsertMany(ctx context.Context, et *schema.EntityType, payloads []ir.IRObject) error {
	bp, ok := p.db.(driver.BatchPersister)
	if !ok {
		for _, payload := range payloads {
			if _, err := p.Insert(ctx, et, payload); err != nil {
				return err
			}
		}
		return nil
	}
	err := bp.InsertMany(ctx, et, payloads)
	rows := make(ir.IRArray, len(payloads))
	for i, payload := range payloads {
		rows[i] = payload.Clone()
	}
	ev := TraceEvent{Op: "insert", Entity: et.Name, Values: ir.IRObject{"rows": rows}}
	if err == nil {
		ev.Rows = int64(len(payloads))
	}
	p.r.add(ev, err)
	return err
}

func (p persister) DeleteMany(ctx context.Context, et *schema.EntityType, keys []ir.IRObject) (int64, error) {
	bp, ok := p.db.(driver.BatchPersister)
	if !ok {
		var total int64
		for _, key := range keys {
			n, err := p.Delete(ctx, et, key)
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	}
	n, err := bp.DeleteMany(ctx, et, keys)
	arr := make(ir.IRArray, len(keys))
	for i, key := range keys {
		arr[i] = key.Clone()
	}
	p.r.add(TraceEvent{Op: "delete", Entity: et.Name, Where: ir.IRObject{"keys": arr}, Rows: n}, err)
	return n, err
}

// recordingTx records the writes of one transaction.
type recordingTx struct {
	persister
	tx driver.Transaction
}

func (t *recordingTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *recordingTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
