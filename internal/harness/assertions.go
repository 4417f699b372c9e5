package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/uow/internal/driver"
	"github.com/roach88/uow/internal/entity"
	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
	"github.com/roach88/uow/internal/uow"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nStatements:\n")
		for _, event := range e.Trace {
			if event.Type == EventStatement {
				fmt.Fprintf(&buf, "  [%d] %s rows=%d\n", event.Seq, event.Label(), event.Rows)
			}
		}
	}

	return buf.String()
}

// assertStatementContains checks if the trace contains a successful
// statement with the given label and values (subset match).
func assertStatementContains(trace []TraceEvent, assertion Assertion) error {
	expected, err := convertArgsToIRObject(assertion.Values)
	if err != nil {
		return fmt.Errorf("statement_contains: values: %w", err)
	}
	for _, event := range trace {
		if event.Type == EventStatement && event.Error == "" && event.Label() == assertion.Statement {
			if matchValues(event.Values, expected) {
				return nil
			}
		}
	}

	return &AssertionError{
		Type:     AssertStatementContains,
		Expected: fmt.Sprintf("%s with values %s", assertion.Statement, formatObject(expected)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertStatementOrder checks that statements first appear in the given
// order. Other statements may come in between.
func assertStatementOrder(trace []TraceEvent, assertion Assertion) error {
	// Step 1: Find first position of each expected statement
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != EventStatement || event.Error != "" {
			continue
		}
		label := event.Label()
		if positions[label] == 0 {
			positions[label] = i + 1 // 1-indexed for readability
		}
	}

	// Step 2: Verify all statements found
	for _, label := range assertion.Statements {
		if positions[label] == 0 {
			return &AssertionError{
				Type:     AssertStatementOrder,
				Expected: fmt.Sprintf("all statements present: %v", assertion.Statements),
				Actual:   fmt.Sprintf("missing statement: %s", label),
				Trace:    trace,
			}
		}
	}

	// Step 3: Verify order
	for i := 1; i < len(assertion.Statements); i++ {
		prev := assertion.Statements[i-1]
		curr := assertion.Statements[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertStatementOrder,
				Expected: fmt.Sprintf("statements in order: %v", assertion.Statements),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertStatementCount checks that a statement succeeded exactly Count
// times. A multi-row statement counts once.
func assertStatementCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventStatement && event.Error == "" && event.Label() == assertion.Statement {
			count++
		}
	}

	if count != *assertion.Count {
		return &AssertionError{
			Type:     AssertStatementCount,
			Expected: fmt.Sprintf("%d occurrences of %s", *assertion.Count, assertion.Statement),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState queries rows of an entity type through the backend's
// Finder. With Count it checks how many rows match; with Expect exactly one
// row must match and carry the expected values (subset semantics).
func assertFinalState(actx *AssertionContext, assertion Assertion) error {
	et, ok := actx.Registry.Lookup(assertion.Entity)
	if !ok {
		return fmt.Errorf("final_state: unknown entity %q", assertion.Entity)
	}
	where, err := convertArgsToIRObject(assertion.Where)
	if err != nil {
		return fmt.Errorf("final_state: where: %w", err)
	}
	expect, err := convertArgsToIRObject(assertion.Expect)
	if err != nil {
		return fmt.Errorf("final_state: expect: %w", err)
	}

	// An empty where matches every row of the type.
	rows, err := actx.Finder.FindAll(actx.Ctx, et, where)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query %s", et.Name),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	whereDesc := formatWhereClause(where)

	if assertion.Count != nil && len(rows) != *assertion.Count {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%d rows in %s where %s", *assertion.Count, et.Name, whereDesc),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}
	if len(expect) == 0 {
		return nil
	}

	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", et.Name, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", et.Name, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	row := rows[0]
	for _, key := range expect.SortedKeys() {
		if _, ok := et.Field(key); !ok {
			return fmt.Errorf("final_state: %s has no field %q", et.Name, key)
		}
		actual, exists := row[key]
		if !exists {
			actual = ir.Null
		}
		if !ir.Equal(ir.OrNull(actual), expect[key]) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %s", key, formatValue(expect[key])),
				Actual:   fmt.Sprintf("field %q = %s", key, formatValue(actual)),
			}
		}
	}
	return nil
}

// assertEntityState checks the lifecycle state of an aliased entity.
func assertEntityState(actx *AssertionContext, assertion Assertion) error {
	e, ok := actx.Refs[assertion.Ref]
	if !ok {
		return fmt.Errorf("entity_state: unknown ref %q", assertion.Ref)
	}
	if got := actx.UoW.State(e).String(); got != assertion.State {
		return &AssertionError{
			Type:     AssertEntityState,
			Expected: fmt.Sprintf("%s is %s", assertion.Ref, assertion.State),
			Actual:   fmt.Sprintf("%s is %s", assertion.Ref, got),
		}
	}
	return nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where ir.IRObject) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := where.SortedKeys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(where[k])))
	}
	return strings.Join(parts, " AND ")
}

func formatValue(v ir.IRValue) string {
	b, err := ir.MarshalCanonical(ir.OrNull(v))
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func formatObject(obj ir.IRObject) string {
	if len(obj) == 0 {
		return "{}"
	}
	return formatValue(obj)
}

// matchValues checks if actual contains all expected values (subset match).
// Extra keys in actual are ignored. A batched insert matches when any of
// its rows does.
func matchValues(actual, expected ir.IRObject) bool {
	if len(expected) == 0 {
		return true
	}
	if rows, ok := actual["rows"].(ir.IRArray); ok && len(actual) == 1 {
		for _, r := range rows {
			if obj, ok := r.(ir.IRObject); ok && matchValues(obj, expected) {
				return true
			}
		}
		return false
	}
	for key, want := range expected {
		got, exists := actual[key]
		if !exists || !ir.Equal(got, want) {
			return false
		}
	}
	return true
}

// AssertionContext provides what assertions beyond the trace need.
type AssertionContext struct {
	Ctx      context.Context
	Registry *schema.Registry
	Finder   driver.Finder
	UoW      *uow.UnitOfWork
	Refs     map[string]entity.Entity
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions, in assertion
// order.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertStatementContains:
			err = assertStatementContains(result.Trace, assertion)
		case AssertStatementOrder:
			err = assertStatementOrder(result.Trace, assertion)
		case AssertStatementCount:
			if assertion.Count == nil {
				err = fmt.Errorf("assertion[%d]: statement_count requires count", i)
			} else {
				err = assertStatementCount(result.Trace, assertion)
			}
		case AssertFinalState:
			if actx == nil || actx.Finder == nil || actx.Registry == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx, assertion)
			}
		case AssertEntityState:
			if actx == nil || actx.UoW == nil {
				err = fmt.Errorf("assertion[%d]: entity_state requires a unit of work", i)
			} else {
				err = assertEntityState(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
