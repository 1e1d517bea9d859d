// Package harness provides scenario testing for the write engine.
//
// The harness wires a real engine over a temp-dir offline queue and a
// file-backed server, executes a scripted flow of edits, connectivity
// flips and drains, and validates both per-step outcomes and final
// state. Nothing is mocked below the remote client: submits route
// through the same optimistic apply, queue and rollback paths
// production uses, with only scripted failures injected at the remote
// boundary.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	calendar: ../calendar.cue
//	online: false
//	seed:
//	  - { date: 2024-05-01, subject: math, status: present }
//	steps:
//	  - op: submit
//	    date: 2024-05-01
//	    subject: math
//	    status: sick
//	    expect: { outcome: queued }
//	  - op: connectivity
//	    online: true
//	  - op: sync
//	    expect: { replayed: 0, remaining: 0 }
//	assertions:
//	  - type: store_state
//	    date: 2024-05-01
//	    subject: math
//	    expect: { status: sick, pending: false }
//	  - type: queue_count
//	    count: 0
//
// # Step Ops
//
//   - submit: apply one edit through the engine
//   - submit_all: apply a bulk edit as one unit
//   - discard: remove one record
//   - connectivity: flip the link state; reconnecting drains the queue
//   - sync: kick a drain by hand and check its counters
//   - fail: script the remote to fail upcoming calls
//
// # Assertion Types
//
//   - store_state / store_absent: working set contents
//   - remote_state / remote_absent: server contents
//   - queue_count / queue_contains: offline queue contents
//   - conflict_count: dropped-write notices fired during drains
//
// # Deterministic Testing
//
// Record IDs come from a numbered sequence and server version stamps
// from a ticking clock, so the same scenario produces byte-identical
// traces across runs for golden file comparison.
//
// # Usage
//
// Load a scenario:
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/offline_edit.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Execute it:
//
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
