// Package harness runs unit-of-work scenarios described in YAML.
//
// A scenario declares a schema, a backend, steps against one unit of work
// and assertions on the statements the unit of work wrote and on the rows
// left in the database. Every write passes through a recording connection,
// so the trace is what the database actually received, in order.
//
// # Scenario Format
//
//	name: cascade_insert
//	description: "Persisting an author inserts its books after it"
//	schema: |
//	  entity: Author: { fields: { ... } }
//	backend: fake            # or sqlite, which needs ddl
//	steps:
//	  - action: new
//	    ref: ann
//	    type: Author
//	    values: { name: Ann }
//	  - action: new
//	    ref: go
//	    type: Book
//	    values: { title: Go }
//	    refs: { author: ann }
//	  - action: add
//	    ref: ann
//	    field: books
//	    items: [go]
//	  - action: persist
//	    ref: ann
//	  - action: flush
//	assertions:
//	  - type: statement_order
//	    statements: ["insert Author", "insert Book"]
//	  - type: final_state
//	    entity: Book
//	    where: { title: Go }
//	    expect: { author: 1 }
//
// Steps that should fail carry an expect clause naming the error kind
// (see ErrorKind) and optionally a message substring. A step may also
// expect the lifecycle state of its ref afterwards.
//
// # Assertion Types
//
//   - statement_contains: a statement "<op> <Entity>" was written with the given values
//   - statement_order: statements first appear in the given order
//   - statement_count: a statement was written exactly N times
//   - final_state: rows matching a filter, by count or by expected values
//   - entity_state: the lifecycle state of an aliased entity
//
// # Deterministic Testing
//
// Flush tokens, generated UUIDs and hook timestamps come from the testutil
// sequences, so traces are reproducible and can be compared against golden
// files with RunWithGolden.
package harness
