// Package engine coordinates attendance writes across the working set,
// the offline queue and the remote store.
//
// The engine is the single entry point for mutations - the UI calls
// Submit, Discard or SubmitAll and renders whatever the working set
// holds afterwards. It never talks to the queue or the remote store
// directly.
//
// ARCHITECTURE:
//
// Optimistic writes:
// Every edit applies to the working set immediately, before any network
// round trip. The remote outcome then settles it:
//  1. Period lock check rejects edits to closed windows up front.
//  2. The pre-edit value is captured as the rollback target.
//  3. The edit applies locally and subscribers re-render.
//  4. Offline, the edit becomes a durable queue op. Online, it goes to
//     the remote store with a bounded timeout.
//  5. Acknowledged writes commit. Unreachable servers queue the edit
//     with its optimistic value kept. Rejections roll the key back.
//
// Version tokens:
// Each submit takes a fresh per-key token. A remote response applies
// only while its token is still the key's latest, so a slow response
// from an earlier edit can never clobber a newer one. Responses that
// lose that race settle as Superseded.
//
// Queue and drain:
// The queue keeps one coalesced op per key, replayed in enqueue order
// by the Reconciler when connectivity returns. Terminal rejections drop
// the op with a conflict notice and the drain keeps going; transient
// failures stop the pass and leave the remainder queued. After a pass
// the reconciler reads back authoritative records for the keys it
// settled.
//
// Locking:
// One mutex serializes every state transition. Remote I/O runs outside
// it, so a slow server never blocks local edits.
package engine
