// Package filestore is a file-backed implementation of the remote
// contract: a JSON file standing in for the school backend. It lets a
// single binary exercise the whole commit path with the same
// last-writer-wins upsert semantics a real server applies.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roach88/rollbook/internal/record"
	"github.com/roach88/rollbook/internal/remote"
)

// Store persists records in a single JSON document. Writes are atomic:
// a temp file in the same directory is written, synced and renamed over
// the old document, so a crash never leaves a half-written store.
type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// New creates a store backed by the file at path. The file is created on
// first write; a missing file reads as empty.
func New(path string) *Store {
	return NewAt(path, time.Now)
}

// NewAt creates a store with an explicit clock for version stamping.
// Tests use this to make server-assigned versions deterministic.
func NewAt(path string, now func() time.Time) *Store {
	return &Store{path: path, now: now}
}

type document struct {
	Records []record.Record `json:"records"`
}

// Upsert validates and writes records, server-stamping each with a fresh
// version. Rejections are terminal; I/O trouble is transient.
func (s *Store) Upsert(ctx context.Context, records []record.Record) error {
	if err := ctx.Err(); err != nil {
		return remote.NewTransient("upsert", "request abandoned", err)
	}

	for _, r := range records {
		if err := validate(r); err != nil {
			return remote.NewTerminal("upsert", err.Error(), nil)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, err := s.load("upsert")
	if err != nil {
		return err
	}

	version := s.now().UnixMilli()
	for _, r := range records {
		r.Version = version
		r.Pending = false
		byKey[r.Key()] = r
	}

	return s.save("upsert", byKey)
}

// Delete removes the records under keys. Absent keys are ignored; the
// outcome is the same either way.
func (s *Store) Delete(ctx context.Context, keys []record.Key) error {
	if err := ctx.Err(); err != nil {
		return remote.NewTransient("delete", "request abandoned", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, err := s.load("delete")
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(byKey, k)
	}

	return s.save("delete", byKey)
}

// Fetch returns the authoritative records for keys. Keys the store does
// not hold are simply missing from the result.
func (s *Store) Fetch(ctx context.Context, keys []record.Key) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, remote.NewTransient("fetch", "request abandoned", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, err := s.load("fetch")
	if err != nil {
		return nil, err
	}

	var out []record.Record
	for _, k := range keys {
		if r, ok := byKey[k]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// validate applies the server-side checks a real backend would run.
func validate(r record.Record) error {
	if r.SubjectID == "" {
		return fmt.Errorf("record has no subject id")
	}
	if _, err := record.ParseDate(string(r.Date)); err != nil {
		return fmt.Errorf("record %s: %v", r.Key(), err)
	}
	if _, err := record.ParseStatus(string(r.Status)); err != nil {
		return fmt.Errorf("record %s: %v", r.Key(), err)
	}
	return nil
}

func (s *Store) load(op string) (map[record.Key]record.Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[record.Key]record.Record), nil
	}
	if err != nil {
		return nil, remote.NewTransient(op, "read store", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, remote.NewTransient(op, "decode store", err)
	}

	byKey := make(map[record.Key]record.Record, len(doc.Records))
	for _, r := range doc.Records {
		byKey[r.Key()] = r
	}
	return byKey, nil
}

func (s *Store) save(op string, byKey map[record.Key]record.Record) error {
	doc := document{Records: make([]record.Record, 0, len(byKey))}
	for _, r := range byKey {
		doc.Records = append(doc.Records, r)
	}
	sort.Slice(doc.Records, func(i, j int) bool {
		a, b := doc.Records[i], doc.Records[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.SubjectID < b.SubjectID
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return remote.NewTransient(op, "encode store", err)
	}
	data = append(data, '\n')

	// temp file in the same directory so the rename stays on one filesystem
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".rollbook-remote-*")
	if err != nil {
		return remote.NewTransient(op, "create temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return remote.NewTransient(op, "write store", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return remote.NewTransient(op, "sync store", err)
	}
	if err := tmp.Close(); err != nil {
		return remote.NewTransient(op, "close temp file", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return remote.NewTransient(op, "replace store", err)
	}
	return nil
}
