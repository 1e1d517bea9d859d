package engine

import "github.com/roach88/rollbook/internal/record"

// Outcome labels how a submitted edit finished.
type Outcome string

const (
	// Committed means the remote store acknowledged the write. Silent,
	// confirmatory.
	Committed Outcome = "committed"

	// Queued means the write is applied locally and waits in the offline
	// queue. Shown as "will sync when online", never as a failure.
	Queued Outcome = "queued"

	// RolledBack means the remote store rejected the write and the local
	// value was restored. The reason is surfaced to the user.
	RolledBack Outcome = "rolled_back"

	// Superseded means a newer edit for the same key finished first and
	// this call's late response was discarded. The working set already
	// shows the newer value.
	Superseded Outcome = "superseded"
)

// CommitResult is what a single submit or discard reports back to the UI.
type CommitResult struct {
	Outcome Outcome
	Key     record.Key

	// Record is the resulting working-set value for committed and queued
	// upserts. Zero for discards and rollbacks.
	Record record.Record

	// Reason carries the classified failure for RolledBack results.
	Reason string
}

// BatchResult reports the shared fate of a bulk edit. The batch commits,
// queues or rolls back as one unit.
type BatchResult struct {
	Outcome Outcome
	Keys    []record.Key
	Reason  string
}
