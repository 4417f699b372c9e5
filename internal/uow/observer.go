package uow

import (
	"context"
	"time"

	"github.com/roach88/uow/internal/changeset"
)

// Statement summarizes one statement a flush sent to the database.
type Statement struct {
	Entity string
	Op     string // "insert", "update" or "delete"
	Rows   int
}

// FlushEvent describes a flush to observers. ChangeSets is a copy of the
// flush's list in execution order; the change sets themselves must be
// treated as read-only.
type FlushEvent struct {
	Seq        int64
	Token      string
	ChangeSets []*changeset.ChangeSet

	// Set for AfterFlush only.
	Statements []Statement
	Duration   time.Duration
	Err        error
}

// Observer receives flush callbacks. BeforeFlush runs after planning and
// before the transaction begins; AfterFlush runs once the flush has
// committed or failed. Flushes with nothing to write are not reported.
type Observer interface {
	BeforeFlush(ctx context.Context, ev FlushEvent)
	AfterFlush(ctx context.Context, ev FlushEvent)
}

// ObserverFuncs adapts plain functions to Observer. Nil funcs are skipped.
type ObserverFuncs struct {
	Before func(ctx context.Context, ev FlushEvent)
	After  func(ctx context.Context, ev FlushEvent)
}

func (o ObserverFuncs) BeforeFlush(ctx context.Context, ev FlushEvent) {
	if o.Before != nil {
		o.Before(ctx, ev)
	}
}

func (o ObserverFuncs) AfterFlush(ctx context.Context, ev FlushEvent) {
	if o.After != nil {
		o.After(ctx, ev)
	}
}
