// Package store provides the database collaborators that execute compiled
// endpoints.
//
// Two backends implement Store:
//
//   - Postgres: a pgxpool.Pool running the endpoint body as compiled, with
//     $N::TYPE placeholders.
//   - SQLite: a single-connection database/sql handle (mattn/go-sqlite3).
//     The body is re-rendered from its segments with ?N placeholders wrapped
//     in CAST(... AS <affinity>) and prepared once per endpoint statement.
//     Statements dropped by Retain stay open until their last user is done.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// A body holding several ';'-separated statements runs in one transaction
// per call, and the call returns the rows of the last statement. Peek runs
// the same way but always rolls back.
//
// Rows come back as ir.Row maps keyed by column name. Row order is whatever
// the query produces; the store never reorders.
package store
