// Package ir holds the compiled endpoint representation shared by the
// compiler, registry, dispatcher and stores.
//
// ir imports nothing internal. Every other package may import it.
//
// Key constraints:
//   - Endpoint values are immutable once produced by the compiler
//   - Param order is the first-occurrence order in the SQL body
//   - Content hashes use canonical JSON (RFC 8785) with domain separation
//   - All JSON tags use snake_case
package ir
