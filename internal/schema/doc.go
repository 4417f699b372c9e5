// Package schema is the metadata layer consumed by the unit of work.
//
// An EntityType describes one persisted type: its table, its fields in
// declaration order, which fields form the primary key, and how relations
// point at other types. Descriptors are plain data built at startup, either
// with the fluent builder (NewEntity) or compiled from CUE by the compiler
// package, and registered in a Registry.
//
// Field values are compared and converted through the Type capability
// interface. The built-in types cover strings, integers, booleans, RFC 3339
// datetimes with precision truncation, JSON documents, arrays and UUIDs;
// Registry.RegisterType adds more.
//
// Relation conventions:
//   - many_to_one and owning one_to_one fields hold a foreign key and are
//     persisted through their join columns
//   - one_to_many fields are the inverse side; they are never persisted and
//     name the owning field on the target through MappedBy
package schema
