// Package harness runs YAML scenarios against a live registry and
// dispatcher.
//
// A scenario writes its SQL sources into a temporary root, builds the
// registry, and wires the dispatcher to a fake database with canned rows
// and an HS256 gate on a manual clock. Steps then run in order:
//
//   - batch: dispatch a list of items, optionally with a token
//   - issue: call an issue-mode endpoint; the token is kept under the
//     step's name so later steps can present it as "@name"
//   - advance: move the clock forward
//   - write / remove: change source files and apply them with
//     Registry.Update, as the watcher would
//
// Each step may carry expectations, and the scenario may end with
// assertions over database calls and the published registry. The trace of
// every step is deterministic and can be compared against a golden file
// with RunWithGolden.
//
// Example:
//
//	name: login_then_notes
//	description: a token from login unlocks my_notes
//	sources:
//	  login.sql: |
//	    -- @endpoint login
//	    -- @auth issue 2h
//	    SELECT id FROM users WHERE email = @email::TEXT
//	rows:
//	  login: [{id: 7}]
//	steps:
//	  - name: login
//	    issue: {endpoint: login, payload: {email: ada@example.com}}
//	    expect: [{status: success}]
package harness
