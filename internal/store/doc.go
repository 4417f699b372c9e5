// Package store implements the unit of work's persistence collaborators over
// database/sql.
//
// Two drivers are supported:
//   - go-sqlite3 ("sqlite3"): ? placeholders, generated keys via LastInsertId
//   - pgx ("pgx"): $n placeholders, generated keys via RETURNING
//
// # Row mapping
//
// Values arrive keyed by field name. Scalars map to their column through
// the field's schema.Type; owning relations expand to one join column per
// target key field. Columns always follow schema declaration order, so the
// same change set always yields the same statement.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// # Errors
//
// Constraint failures from either driver are wrapped in
// driver.ConstraintViolationError; the driver error stays reachable through
// errors.As.
package store
