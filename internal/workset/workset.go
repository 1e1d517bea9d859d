// Package workset holds the in-memory working set of records, the single
// source of truth the UI reads. It is owned and mutated exclusively by the
// engine; everything here is plain storage with no validation.
package workset

import (
	"sort"
	"sync"

	"github.com/roach88/rollbook/internal/record"
)

// Set is a keyed cache of the current records, one per record.Key.
//
// Reads are safe from any goroutine. Writes arrive only from the engine,
// which serializes them; the internal lock exists so readers never observe
// torn state while a write is in flight.
type Set struct {
	mu      sync.RWMutex
	records map[record.Key]record.Record
}

// New creates an empty working set.
func New() *Set {
	return &Set{records: make(map[record.Key]record.Record)}
}

// Get returns the record stored under k.
func (s *Set) Get(k record.Key) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[k]
	return r, ok
}

// Put upserts r under its own key. Writing an existing key updates in
// place, never duplicates.
func (s *Set) Put(r record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Key()] = r
}

// Delete removes the record under k. Deleting an absent key is a no-op.
func (s *Set) Delete(k record.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, k)
}

// Len returns the number of records held.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// All returns every record sorted by date, then subject id. The slice is
// detached from the set.
func (s *Set) All() []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	return out
}

// Snapshot returns a point-in-time copy of the working set. The copy is
// detached: later Put/Delete calls do not leak into it.
func (s *Set) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make(map[record.Key]record.Record, len(s.records))
	for k, r := range s.records {
		cp[k] = r
	}
	return Snapshot{records: cp}
}

// Restore replaces the entire working set with snap's contents.
// Restore(Snapshot()) with no writes in between is an exact no-op;
// rollback depends on that.
func (s *Set) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[record.Key]record.Record, len(snap.records))
	for k, r := range snap.records {
		cp[k] = r
	}
	s.records = cp
}

// Snapshot is an immutable copy of the working set at one instant.
type Snapshot struct {
	records map[record.Key]record.Record
}

// Get returns the record the snapshot holds for k. Absence means the key
// did not exist when the snapshot was taken.
func (s Snapshot) Get(k record.Key) (record.Record, bool) {
	r, ok := s.records[k]
	return r, ok
}

// Len returns the number of records captured.
func (s Snapshot) Len() int {
	return len(s.records)
}
