// Package ir provides the canonical value representation for entity fields.
//
// This package contains value types and their serialization only. All other
// internal packages import ir; ir imports nothing internal. This keeps the
// value model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers, strings for decimals
//   - IRNull is a real value (nullable columns), never a Go nil
//   - Snapshots are deep clones (see Clone) so later entity mutation
//     never leaks into the diff baseline
//   - Identity keys use EncodeKey: typed, positional, never normalized
package ir
