package harness

import (
	"github.com/roach88/uow/internal/ir"
)

// Trace event types.
const (
	EventStatement = "statement"
	EventFlush     = "flush"
)

// TraceEvent is one entry of a scenario trace: either a statement the unit
// of work sent to the connection or the end of a flush.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"` // "statement" or "flush"

	// Flush is the token of the flush the event belongs to. Statements
	// written outside a flush (exec_update steps) have none.
	Flush string `json:"flush,omitempty"`

	// Statement fields.
	Op        string      `json:"op,omitempty"` // "insert", "update" or "delete"
	Entity    string      `json:"entity,omitempty"`
	Values    ir.IRObject `json:"values,omitempty"`
	Where     ir.IRObject `json:"where,omitempty"`
	Generated ir.IRObject `json:"generated,omitempty"`
	Rows      int64       `json:"rows"`

	// Flush fields.
	Outcome string `json:"outcome,omitempty"`

	// Error is set when the statement or flush failed.
	Error string `json:"error,omitempty"`
}

// Label returns "<op> <Entity>" for statement events, the form used by
// statement assertions.
func (e TraceEvent) Label() string {
	return e.Op + " " + e.Entity
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step met its expectation and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace lists statements and flushes in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Statements returns the statement events of the trace.
func (r *Result) Statements() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventStatement {
			out = append(out, ev)
		}
	}
	return out
}
