package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rollbook/internal/period"
	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/record"
	"github.com/roach88/rollbook/internal/remote"
	"github.com/roach88/rollbook/internal/workset"
)

// scriptedRemote records every call and answers from a per-call script.
// Calls are numbered from 1 across Upsert and Delete; a missing entry in
// errAt means success, a channel in holdAt blocks the call until closed.
type scriptedRemote struct {
	mu      sync.Mutex
	calls   int
	errAt   map[int]error
	holdAt  map[int]chan struct{}
	upserts [][]record.Record
	deletes [][]record.Key
}

func newScriptedRemote() *scriptedRemote {
	return &scriptedRemote{
		errAt:  map[int]error{},
		holdAt: map[int]chan struct{}{},
	}
}

func (s *scriptedRemote) begin() (int, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.calls, s.holdAt[s.calls]
}

func (s *scriptedRemote) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedRemote) Upsert(_ context.Context, recs []record.Record) error {
	n, gate := s.begin()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]record.Record, len(recs))
	copy(cp, recs)
	s.upserts = append(s.upserts, cp)
	return s.errAt[n]
}

func (s *scriptedRemote) Delete(_ context.Context, keys []record.Key) error {
	n, gate := s.begin()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]record.Key, len(keys))
	copy(cp, keys)
	s.deletes = append(s.deletes, cp)
	return s.errAt[n]
}

// hangingRemote never answers; calls end only when the context does.
type hangingRemote struct{}

func (hangingRemote) Upsert(ctx context.Context, _ []record.Record) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hangingRemote) Delete(ctx context.Context, _ []record.Key) error {
	<-ctx.Done()
	return ctx.Err()
}

func testPeriods() []period.Period {
	return []period.Period{
		{ID: "2024-T1", Name: "Term 1", Start: "2024-01-08", End: "2024-03-28", Locked: true},
		{ID: "2024-T2", Name: "Term 2", Start: "2024-04-15", End: "2024-06-28"},
	}
}

func newTestEngine(t *testing.T, online bool, client remote.Client) *Engine {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	reg, err := period.NewRegistry(testPeriods())
	require.NoError(t, err)

	return New(workset.New(), q, reg, client, NewConnectivity(online),
		WithIDGenerator(record.NewFixedGenerator("rec-1", "rec-2", "rec-3", "rec-4")),
		WithTimeout(time.Second),
	)
}

func statusPtr(s record.Status) *record.Status { return &s }

func strPtr(s string) *string { return &s }

func queueLen(t *testing.T, eng *Engine) int {
	t.Helper()
	n, err := eng.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestEngine_New(t *testing.T) {
	eng := newTestEngine(t, true, newScriptedRemote())

	assert.NotNil(t, eng.set)
	assert.NotNil(t, eng.queue)
	assert.NotNil(t, eng.tokens)
	assert.Equal(t, time.Second, eng.timeout)
}

func TestSubmit_LockedPeriodRejects(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-02-01") // inside locked Term 1

	_, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusPresent))

	require.Error(t, err)
	assert.True(t, IsPeriodLocked(err))
	_, exists := eng.set.Get(key)
	assert.False(t, exists, "locked edit must not touch the working set")
	assert.Equal(t, 0, queueLen(t, eng))
	assert.Equal(t, 0, rc.callCount())
}

func TestSubmit_ExplicitPeriodWinsOverDate(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)
	// date inside open Term 2, but the edit pins the locked Term 1
	key := record.NewKey("S1", "2024-05-10")
	fields := record.Fields{Status: statusPtr(record.StatusPresent), PeriodID: strPtr("2024-T1")}

	_, err := eng.Submit(context.Background(), key, fields)

	require.Error(t, err)
	assert.True(t, IsPeriodLocked(err))
	assert.Equal(t, 0, rc.callCount())
}

func TestSubmit_UnknownExplicitPeriodFallsBack(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-05-10")
	fields := record.Fields{Status: statusPtr(record.StatusPresent), PeriodID: strPtr("2024-T9")}

	res, err := eng.Submit(context.Background(), key, fields)

	require.NoError(t, err)
	assert.Equal(t, Committed, res.Outcome)
}

func TestSubmit_CreateRequiresStatus(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-05-10")

	_, err := eng.Submit(context.Background(), key, record.PatchNote("late bus"))

	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "status")
	_, exists := eng.set.Get(key)
	assert.False(t, exists)
	assert.Equal(t, 0, rc.callCount())
}

func TestSubmit_NoteTooLong(t *testing.T) {
	eng := newTestEngine(t, true, newScriptedRemote())
	key := record.NewKey("S1", "2024-05-10")
	fields := record.Fields{
		Status: statusPtr(record.StatusPresent),
		Note:   strPtr(strings.Repeat("x", 501)),
	}

	_, err := eng.Submit(context.Background(), key, fields)

	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "note")
}

func TestSubmit_OnlineCommit(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-05-10")

	res, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusPresent))

	require.NoError(t, err)
	assert.Equal(t, Committed, res.Outcome)
	assert.Equal(t, key, res.Key)

	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, record.StatusPresent, rec.Status)
	assert.Equal(t, "2024-T2", rec.PeriodID, "new records carry the resolved period")
	assert.False(t, rec.Pending, "acknowledged writes clear the pending flag")

	require.Len(t, rc.upserts, 1)
	require.Len(t, rc.upserts[0], 1)
	assert.Equal(t, "rec-1", rc.upserts[0][0].ID)
	assert.Equal(t, 0, queueLen(t, eng))
}

func TestSubmit_OfflineQueues(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, false, rc)
	key := record.NewKey("S1", "2024-05-10")

	res, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusSick))

	require.NoError(t, err)
	assert.Equal(t, Queued, res.Outcome)

	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, record.StatusSick, rec.Status)
	assert.True(t, rec.Pending, "queued writes stay pending")

	ops, err := eng.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, queue.KindUpsert, ops[0].Kind)

	queued, err := record.UnmarshalPayload(ops[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSick, queued.Status)
	assert.Equal(t, "rec-1", queued.ID)

	assert.Equal(t, 0, rc.callCount(), "offline edits never touch the remote store")
}

func TestSubmit_TransientFailureQueues(t *testing.T) {
	rc := newScriptedRemote()
	rc.errAt[1] = remote.NewTransient("upsert", "connection refused", nil)
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-05-10")

	res, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusPresent))

	require.NoError(t, err)
	assert.Equal(t, Queued, res.Outcome)

	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, record.StatusPresent, rec.Status, "optimistic value survives an unreachable server")
	assert.True(t, rec.Pending)
	assert.Equal(t, 1, queueLen(t, eng))
}

func TestSubmit_TimeoutQueues(t *testing.T) {
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	reg, err := period.NewRegistry(testPeriods())
	require.NoError(t, err)

	eng := New(workset.New(), q, reg, hangingRemote{}, NewConnectivity(true),
		WithIDGenerator(record.NewFixedGenerator("rec-1")),
		WithTimeout(30*time.Millisecond),
	)
	key := record.NewKey("S1", "2024-05-10")

	res, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusPresent))

	require.NoError(t, err)
	assert.Equal(t, Queued, res.Outcome, "an expired attempt counts as unreachable, not failed")
	assert.Equal(t, 1, queueLen(t, eng))
}

func TestSubmit_TerminalRollsBackCreate(t *testing.T) {
	rc := newScriptedRemote()
	rc.errAt[1] = remote.NewTerminal("upsert", "subject unknown", nil)
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-05-10")

	res, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusPresent))

	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.Outcome)
	assert.Contains(t, res.Reason, "subject unknown")

	_, exists := eng.set.Get(key)
	assert.False(t, exists, "a rejected create leaves no record behind")
	assert.Equal(t, 0, queueLen(t, eng))
}

func TestSubmit_TerminalRestoresPrevious(t *testing.T) {
	rc := newScriptedRemote()
	rc.errAt[1] = remote.NewTerminal("upsert", "period closed server-side", nil)
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-05-10")

	seed := record.Record{
		ID: "seed-1", SubjectID: "S1", Date: "2024-05-10",
		Status: record.StatusPresent, Note: "on time", PeriodID: "2024-T2", Version: 42,
	}
	eng.set.Put(seed)

	res, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusAbsent))

	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.Outcome)

	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, seed, rec, "rollback restores the exact pre-edit record")
}

func TestSubmit_RollbackLeavesOtherKeysAlone(t *testing.T) {
	rc := newScriptedRemote()
	rc.errAt[1] = remote.NewTerminal("upsert", "rejected", nil)
	eng := newTestEngine(t, true, rc)

	other := record.Record{
		ID: "seed-A", SubjectID: "S9", Date: "2024-05-10",
		Status: record.StatusExcused, PeriodID: "2024-T2",
	}
	eng.set.Put(other)

	_, err := eng.Submit(context.Background(), record.NewKey("S1", "2024-05-10"),
		record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)

	rec, exists := eng.set.Get(other.Key())
	require.True(t, exists)
	assert.Equal(t, other, rec)
}

func TestSubmit_StaleResponseSuperseded(t *testing.T) {
	rc := newScriptedRemote()
	gate := make(chan struct{})
	rc.holdAt[1] = gate
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-05-10")

	// first edit's remote call hangs on the gate
	type settled struct {
		res CommitResult
		err error
	}
	done := make(chan settled, 1)
	go func() {
		res, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusPresent))
		done <- settled{res: res, err: err}
	}()
	require.Eventually(t, func() bool { return rc.callCount() >= 1 },
		2*time.Second, time.Millisecond)

	// second edit for the same key commits while the first is in flight
	res2, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusSick))
	require.NoError(t, err)
	assert.Equal(t, Committed, res2.Outcome)

	close(gate)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, Superseded, first.res.Outcome, "the slower, older response must not settle")

	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, record.StatusSick, rec.Status, "the newer edit's value stays")
	assert.False(t, rec.Pending)
}

func TestSubmit_SecondEditSeesOptimistic(t *testing.T) {
	eng := newTestEngine(t, false, newScriptedRemote())
	key := record.NewKey("S1", "2024-05-10")
	ctx := context.Background()

	_, err := eng.Submit(ctx, key, record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)

	// a note-only patch is legal now: the record exists optimistically
	_, err = eng.Submit(ctx, key, record.PatchNote("left early"))
	require.NoError(t, err)

	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, record.StatusPresent, rec.Status)
	assert.Equal(t, "left early", rec.Note)
	assert.Equal(t, "rec-1", rec.ID, "the patch edits the created record, not a second one")

	ops, err := eng.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1, "edits to one key coalesce to one op")
	queued, err := record.UnmarshalPayload(ops[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPresent, queued.Status)
	assert.Equal(t, "left early", queued.Note)
}

func TestSubmit_OfflineOrderCoalesces(t *testing.T) {
	eng := newTestEngine(t, false, newScriptedRemote())
	ctx := context.Background()
	keyA := record.NewKey("A", "2024-05-10")
	keyB := record.NewKey("B", "2024-05-10")

	_, err := eng.Submit(ctx, keyA, record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)
	_, err = eng.Submit(ctx, keyB, record.PatchStatus(record.StatusAbsent))
	require.NoError(t, err)
	_, err = eng.Submit(ctx, keyA, record.PatchStatus(record.StatusSick))
	require.NoError(t, err)

	ops, err := eng.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, keyB, ops[0].Key, "A's re-edit moved it behind B")
	assert.Equal(t, keyA, ops[1].Key)

	queued, err := record.UnmarshalPayload(ops[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSick, queued.Status, "coalescing keeps the latest edit")
}

func TestDiscard_OnlineCommit(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-05-10")
	eng.set.Put(record.Record{
		ID: "seed-1", SubjectID: "S1", Date: "2024-05-10",
		Status: record.StatusPresent, PeriodID: "2024-T2",
	})

	res, err := eng.Discard(context.Background(), key)

	require.NoError(t, err)
	assert.Equal(t, Committed, res.Outcome)
	_, exists := eng.set.Get(key)
	assert.False(t, exists)
	require.Len(t, rc.deletes, 1)
	assert.Equal(t, []record.Key{key}, rc.deletes[0])
	assert.Equal(t, 0, queueLen(t, eng))
}

func TestDiscard_AbsentCommitsTrivially(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)

	res, err := eng.Discard(context.Background(), record.NewKey("S1", "2024-05-10"))

	require.NoError(t, err)
	assert.Equal(t, Committed, res.Outcome)
	assert.Equal(t, 0, rc.callCount())
}

func TestDiscard_LockedPeriodRejects(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-02-01")
	seed := record.Record{
		ID: "seed-1", SubjectID: "S1", Date: "2024-02-01",
		Status: record.StatusPresent, PeriodID: "2024-T1",
	}
	eng.set.Put(seed)

	_, err := eng.Discard(context.Background(), key)

	require.Error(t, err)
	assert.True(t, IsPeriodLocked(err))
	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, seed, rec)
	assert.Equal(t, 0, rc.callCount())
}

func TestDiscard_OfflineQueuesDelete(t *testing.T) {
	eng := newTestEngine(t, false, newScriptedRemote())
	key := record.NewKey("S1", "2024-05-10")
	seed := record.Record{
		ID: "seed-1", SubjectID: "S1", Date: "2024-05-10",
		Status: record.StatusPresent, PeriodID: "2024-T2",
	}
	eng.set.Put(seed)

	res, err := eng.Discard(context.Background(), key)

	require.NoError(t, err)
	assert.Equal(t, Queued, res.Outcome)
	_, exists := eng.set.Get(key)
	assert.False(t, exists, "the delete applies locally right away")

	ops, err := eng.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, queue.KindDelete, ops[0].Kind)
	queued, err := record.UnmarshalPayload(ops[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "seed-1", queued.ID, "delete ops carry the removed record")
}

func TestDiscard_TerminalRestores(t *testing.T) {
	rc := newScriptedRemote()
	rc.errAt[1] = remote.NewTerminal("delete", "record is referenced", nil)
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-05-10")
	seed := record.Record{
		ID: "seed-1", SubjectID: "S1", Date: "2024-05-10",
		Status: record.StatusPresent, PeriodID: "2024-T2",
	}
	eng.set.Put(seed)

	res, err := eng.Discard(context.Background(), key)

	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.Outcome)
	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, seed, rec)
}

func TestSubmitAll_CommitsBatch(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)

	edits := []Edit{
		{Key: record.NewKey("A", "2024-05-10"), Fields: record.PatchStatus(record.StatusPresent)},
		{Key: record.NewKey("B", "2024-05-10"), Fields: record.PatchStatus(record.StatusPresent)},
		{Key: record.NewKey("C", "2024-05-10"), Fields: record.PatchStatus(record.StatusPresent)},
	}
	res, err := eng.SubmitAll(context.Background(), edits)

	require.NoError(t, err)
	assert.Equal(t, Committed, res.Outcome)
	assert.Len(t, res.Keys, 3)

	require.Len(t, rc.upserts, 1, "a batch is one remote write")
	assert.Len(t, rc.upserts[0], 3)

	for _, ed := range edits {
		rec, exists := eng.set.Get(ed.Key)
		require.True(t, exists)
		assert.False(t, rec.Pending)
		assert.Equal(t, record.StatusPresent, rec.Status)
	}
}

func TestSubmitAll_OfflineQueuesInOrder(t *testing.T) {
	eng := newTestEngine(t, false, newScriptedRemote())

	res, err := eng.SubmitAll(context.Background(), []Edit{
		{Key: record.NewKey("A", "2024-05-10"), Fields: record.PatchStatus(record.StatusPresent)},
		{Key: record.NewKey("B", "2024-05-10"), Fields: record.PatchStatus(record.StatusPresent)},
	})

	require.NoError(t, err)
	assert.Equal(t, Queued, res.Outcome)

	ops, err := eng.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "A", ops[0].Key.SubjectID)
	assert.Equal(t, "B", ops[1].Key.SubjectID)
}

func TestSubmitAll_TerminalRollsBackAll(t *testing.T) {
	rc := newScriptedRemote()
	rc.errAt[1] = remote.NewTerminal("upsert", "bulk rejected", nil)
	eng := newTestEngine(t, true, rc)

	seedA := record.Record{
		ID: "seed-A", SubjectID: "A", Date: "2024-05-10",
		Status: record.StatusExcused, PeriodID: "2024-T2",
	}
	eng.set.Put(seedA)

	res, err := eng.SubmitAll(context.Background(), []Edit{
		{Key: record.NewKey("A", "2024-05-10"), Fields: record.PatchStatus(record.StatusPresent)},
		{Key: record.NewKey("B", "2024-05-10"), Fields: record.PatchStatus(record.StatusPresent)},
		{Key: record.NewKey("C", "2024-05-10"), Fields: record.PatchStatus(record.StatusPresent)},
	})

	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.Outcome)
	assert.Contains(t, res.Reason, "bulk rejected")

	rec, exists := eng.set.Get(seedA.Key())
	require.True(t, exists)
	assert.Equal(t, seedA, rec, "A returns to its pre-batch value")
	_, exists = eng.set.Get(record.NewKey("B", "2024-05-10"))
	assert.False(t, exists, "created records vanish on batch rollback")
	_, exists = eng.set.Get(record.NewKey("C", "2024-05-10"))
	assert.False(t, exists)
}

func TestSubmitAll_LockedKeyRejectsWholeBatch(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)

	_, err := eng.SubmitAll(context.Background(), []Edit{
		{Key: record.NewKey("A", "2024-05-10"), Fields: record.PatchStatus(record.StatusPresent)},
		{Key: record.NewKey("B", "2024-02-01"), Fields: record.PatchStatus(record.StatusPresent)},
	})

	require.Error(t, err)
	assert.True(t, IsPeriodLocked(err))
	_, exists := eng.set.Get(record.NewKey("A", "2024-05-10"))
	assert.False(t, exists, "nothing applies when any batch key is locked")
	assert.Equal(t, 0, rc.callCount())
}

func TestSubmitAll_ValidationRejectsWholeBatch(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)

	_, err := eng.SubmitAll(context.Background(), []Edit{
		{Key: record.NewKey("A", "2024-05-10"), Fields: record.PatchStatus(record.StatusPresent)},
		{Key: record.NewKey("B", "2024-05-10"), Fields: record.PatchNote("no status on create")},
	})

	require.Error(t, err)
	assert.True(t, IsValidation(err))
	_, exists := eng.set.Get(record.NewKey("A", "2024-05-10"))
	assert.False(t, exists)
	assert.Equal(t, 0, rc.callCount())
}

func TestSubmitAll_LastEditPerKeyWins(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("A", "2024-05-10")

	res, err := eng.SubmitAll(context.Background(), []Edit{
		{Key: key, Fields: record.PatchStatus(record.StatusPresent)},
		{Key: key, Fields: record.PatchStatus(record.StatusSick)},
	})

	require.NoError(t, err)
	assert.Equal(t, Committed, res.Outcome)
	require.Len(t, rc.upserts, 1)
	require.Len(t, rc.upserts[0], 1)

	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, record.StatusSick, rec.Status)
}

func TestSubmitAll_Empty(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)

	res, err := eng.SubmitAll(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, Committed, res.Outcome)
	assert.Empty(t, res.Keys)
	assert.Equal(t, 0, rc.callCount())
}

func TestOnRecordChanged_CommitSequence(t *testing.T) {
	eng := newTestEngine(t, true, newScriptedRemote())
	key := record.NewKey("S1", "2024-05-10")

	type event struct {
		pending bool
		deleted bool
	}
	var events []event
	eng.OnRecordChanged(func(_ record.Key, rec record.Record, deleted bool) {
		events = append(events, event{pending: rec.Pending, deleted: deleted})
	})

	_, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, event{pending: true}, events[0], "optimistic apply notifies first")
	assert.Equal(t, event{pending: false}, events[1], "the acknowledgment notifies again")
}

func TestOnRecordChanged_RollbackSequence(t *testing.T) {
	rc := newScriptedRemote()
	rc.errAt[1] = remote.NewTerminal("upsert", "rejected", nil)
	eng := newTestEngine(t, true, rc)
	key := record.NewKey("S1", "2024-05-10")

	var deletes int
	eng.OnRecordChanged(func(_ record.Key, _ record.Record, deleted bool) {
		if deleted {
			deletes++
		}
	})

	_, err := eng.Submit(context.Background(), key, record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)
	assert.Equal(t, 1, deletes, "rolling back a create deletes the optimistic record")
}
