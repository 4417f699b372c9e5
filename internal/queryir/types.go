package queryir

// Statement is a single SQL statement in the IR.
//
// This is a sealed interface - only types in this package implement it.
type Statement interface {
	statementNode()
}

// Predicate is a row filter.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Insert writes one or more rows. Every row has one value per column.
//
//	INSERT INTO <table> (<columns>) VALUES (<row>), ... [RETURNING <returning>]
//
// Returning is honored only by dialects that support it; the others read
// generated keys from the driver result. An insert without columns writes a
// single row of column defaults.
type Insert struct {
	Table     string
	Columns   []string
	Rows      [][]any
	Returning []string
}

func (Insert) statementNode() {}

// Assignment sets one column in an Update.
type Assignment struct {
	Column string
	Value  any
}

// Update writes Set to the rows matching Filter.
//
//	UPDATE <table> SET <col> = ?, ... WHERE <filter>
//
// Filter is required: unfiltered updates are rejected by Validate.
type Update struct {
	Table  string
	Set    []Assignment
	Filter Predicate
}

func (Update) statementNode() {}

// Delete removes the rows matching Filter.
//
//	DELETE FROM <table> WHERE <filter>
//
// Filter is required.
type Delete struct {
	Table  string
	Filter Predicate
}

func (Delete) statementNode() {}

// Select reads Columns of the rows matching Filter, ordered by OrderBy.
//
//	SELECT <columns> FROM <table> [WHERE <filter>] [ORDER BY <order>]
//
// Explicit columns are required (no SELECT *).
type Select struct {
	Table   string
	Columns []string
	Filter  Predicate // nil = all rows
	OrderBy []string
}

func (Select) statementNode() {}

// Equals matches rows where Column equals Value. A nil Value matches NULL.
type Equals struct {
	Column string
	Value  any
}

func (Equals) predicateNode() {}

// And is a conjunction. Empty means always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is a disjunction. Empty means always false.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Match builds the conjunction of column equalities, in the order given.
// A single pair yields a bare Equals.
func Match(columns []string, values []any) Predicate {
	if len(columns) == 1 && len(values) == 1 {
		return Equals{Column: columns[0], Value: values[0]}
	}
	preds := make([]Predicate, 0, len(columns))
	for i, col := range columns {
		var v any
		if i < len(values) {
			v = values[i]
		}
		preds = append(preds, Equals{Column: col, Value: v})
	}
	return And{Predicates: preds}
}
