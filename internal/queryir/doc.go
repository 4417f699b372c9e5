// Package queryir provides the statement intermediate representation (IR)
// the store executes for a flush.
//
// The IR is the boundary between the unit of work's change sets and the SQL
// dialects: change sets are mapped to statements over tables and columns,
// and querysql renders statements for a dialect.
//
//	[change set] → [Statement IR] → [querysql: sqlite | postgres]
//
// STATEMENTS:
//
//   - Insert(table, columns, rows, returning)
//   - Update(table, set, filter)
//   - Delete(table, filter)
//   - Select(table, columns, filter, order)
//
// Predicates: Equals, And, Or. An Equals against a nil value means IS NULL.
//
// SEALED INTERFACES:
//
// Statement and Predicate are sealed interfaces using the marker method
// pattern. Only types in this package can implement them, which keeps type
// switches in the SQL compiler exhaustive:
//
//	switch s := stmt.(type) {
//	case Insert:
//	case Update:
//	case Delete:
//	case Select:
//	}
//
// VALUES:
//
// Values are driver-ready: they have already been converted by the field's
// schema.Type, so the IR never interprets them. They are always bound as
// parameters, never interpolated.
//
// Statements carry no dialect information. Column order is the order the
// caller gives, which for the store is schema declaration order.
package queryir
