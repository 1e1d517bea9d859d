package engine

import (
	"log/slog"

	"github.com/roach88/rollbook/internal/record"
)

// Replay support.
//
// A queued op replays through the same remote calls a live submit uses;
// what differs is how the working set reacts. Replay is idempotent from
// the server's point of view because the queue holds at most one op per
// key (coalescing) and the remote store applies upserts last-writer-wins:
// replaying an op twice lands the same record twice. Locally, the helpers
// here make replay safe against edits that happened after the op was
// queued. Every check compares the current working-set entry against the
// op payload before touching anything, so a drain never clobbers a newer
// local value and never resurrects a deleted one.

// lockedNow reports whether key's period is locked at replay time.
// explicit is the period stamped on the queued record, if any.
func (e *Engine) lockedNow(key record.Key, explicit string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.registry.Resolve(key.Date, explicit); ok && p.Locked {
		return p.ID, true
	}
	return "", false
}

// assertPending re-installs the queued value before its replay when the
// working set no longer shows a pending edit for the key. That happens
// after a restart or after a server read overwrote the slot; the queued
// op is newer intent than either.
func (e *Engine) assertPending(rec record.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, exists := e.set.Get(rec.Key())
	if exists && cur.Pending {
		return
	}
	rec.Pending = true
	e.set.Put(rec)
	e.notifyChangedLocked(rec.Key(), rec, false)
	slog.Debug("pending edit restored for replay", "key", rec.Key().String())
}

// ackReplayed clears the pending flag once a replay was acknowledged,
// but only while the working set still shows the replayed edit. A newer
// local value keeps its flag; its own op is queued behind this one.
func (e *Engine) ackReplayed(rec record.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, exists := e.set.Get(rec.Key())
	if !exists || !sameEdit(cur, rec) {
		return
	}
	cur.Pending = false
	e.set.Put(cur)
	e.notifyChangedLocked(rec.Key(), cur, false)
}

// ackDeleted drops any non-pending leftover for key after its delete
// replayed. A pending value means the key was re-created locally since;
// that edit has its own queued op and stays.
func (e *Engine) ackDeleted(key record.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, exists := e.set.Get(key)
	if !exists || cur.Pending {
		return
	}
	e.set.Delete(key)
	e.notifyChangedLocked(key, record.Record{}, true)
}

// putServer installs an authoritative server record over the local slot.
func (e *Engine) putServer(rec record.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec.Pending = false
	e.set.Put(rec)
	e.notifyChangedLocked(rec.Key(), rec, false)
}

// dropServerAbsent removes key after the server reported no record for it.
func (e *Engine) dropServerAbsent(key record.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.set.Get(key); !ok {
		return
	}
	e.set.Delete(key)
	e.notifyChangedLocked(key, record.Record{}, true)
}

// sameEdit reports whether two records carry the same user-visible edit.
// Version and the pending flag are bookkeeping, not content.
func sameEdit(a, b record.Record) bool {
	return a.ID == b.ID &&
		a.Status == b.Status &&
		a.Note == b.Note &&
		a.PeriodID == b.PeriodID
}
