package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rollbook/internal/period"
	"github.com/roach88/rollbook/internal/record"
	"github.com/roach88/rollbook/internal/remote"
)

// fetchingRemote is a scriptedRemote that also serves authoritative
// records back, so tests can observe post-drain convergence.
type fetchingRemote struct {
	scriptedRemote
	serve   map[record.Key]record.Record
	fetches [][]record.Key
}

func newFetchingRemote() *fetchingRemote {
	return &fetchingRemote{
		scriptedRemote: scriptedRemote{
			errAt:  map[int]error{},
			holdAt: map[int]chan struct{}{},
		},
		serve: map[record.Key]record.Record{},
	}
}

func (f *fetchingRemote) Fetch(_ context.Context, keys []record.Key) ([]record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]record.Key, len(keys))
	copy(cp, keys)
	f.fetches = append(f.fetches, cp)

	var out []record.Record
	for _, k := range keys {
		if rec, ok := f.serve[k]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestReconciler_DrainsOnReconnect(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, false, rc)
	ctx := context.Background()
	keyA := record.NewKey("A", "2024-05-10")
	keyB := record.NewKey("B", "2024-05-10")

	_, err := eng.Submit(ctx, keyA, record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)
	_, err = eng.Submit(ctx, keyB, record.PatchStatus(record.StatusAbsent))
	require.NoError(t, err)

	NewReconciler(eng)
	eng.Connectivity().SetOnline(true)

	assert.Equal(t, 0, queueLen(t, eng), "reconnecting drains the queue")
	require.Len(t, rc.upserts, 2)
	assert.Equal(t, "A", rc.upserts[0][0].SubjectID, "ops replay in enqueue order")
	assert.Equal(t, "B", rc.upserts[1][0].SubjectID)

	recA, exists := eng.set.Get(keyA)
	require.True(t, exists)
	assert.False(t, recA.Pending, "replayed edits stop being pending")
}

func TestSync_OfflineLeavesQueue(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, false, rc)
	ctx := context.Background()

	_, err := eng.Submit(ctx, record.NewKey("A", "2024-05-10"), record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)

	rep, err := NewReconciler(eng).Sync(ctx)

	require.NoError(t, err)
	assert.Equal(t, SyncReport{Remaining: 1}, rep)
	assert.Equal(t, 0, rc.callCount())
}

func TestSync_EmptyQueue(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, true, rc)

	rep, err := NewReconciler(eng).Sync(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SyncReport{}, rep)
	assert.Equal(t, 0, rc.callCount())
}

func TestSync_TransientStopsPass(t *testing.T) {
	rc := newScriptedRemote()
	rc.errAt[1] = remote.NewTransient("upsert", "still unreachable", nil)
	eng := newTestEngine(t, false, rc)
	ctx := context.Background()
	keyA := record.NewKey("A", "2024-05-10")

	for _, subject := range []string{"A", "B", "C"} {
		_, err := eng.Submit(ctx, record.NewKey(subject, "2024-05-10"), record.PatchStatus(record.StatusPresent))
		require.NoError(t, err)
	}
	eng.Connectivity().SetOnline(true)
	r := NewReconciler(eng)

	rep, err := r.Sync(ctx)

	require.NoError(t, err)
	assert.Equal(t, 0, rep.Replayed, "a transient failure stops the pass at the first op")
	assert.Equal(t, 3, rep.Remaining)

	op, ok, err := eng.queue.Get(ctx, keyA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, op.Attempts)

	// the next pass picks up where this one stopped
	rep, err = r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Replayed)
	assert.Equal(t, 0, rep.Remaining)
}

func TestSync_TerminalDropsAndContinues(t *testing.T) {
	rc := newScriptedRemote()
	rc.errAt[2] = remote.NewTerminal("upsert", "subject left the school", nil)
	eng := newTestEngine(t, false, rc)
	ctx := context.Background()

	for _, subject := range []string{"A", "B", "C"} {
		_, err := eng.Submit(ctx, record.NewKey(subject, "2024-05-10"), record.PatchStatus(record.StatusPresent))
		require.NoError(t, err)
	}
	eng.Connectivity().SetOnline(true)

	var conflicts []*ReplayConflictError
	eng.OnReplayConflict(func(c *ReplayConflictError) { conflicts = append(conflicts, c) })

	rep, err := NewReconciler(eng).Sync(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, rep.Replayed)
	assert.Equal(t, 1, rep.Dropped)
	assert.Equal(t, 0, rep.Remaining, "one rejection never strands the ops behind it")

	require.Len(t, conflicts, 1)
	assert.Equal(t, "B", conflicts[0].Key.SubjectID)
	assert.Contains(t, conflicts[0].Error(), "subject left the school")
}

func TestSync_LockedAtReplayDrops(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, false, rc)
	ctx := context.Background()
	key := record.NewKey("A", "2024-05-10")

	_, err := eng.Submit(ctx, key, record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)

	// the period closes while the edit waits in the queue
	locked := testPeriods()
	locked[1].Locked = true
	reg, err := period.NewRegistry(locked)
	require.NoError(t, err)
	eng.SetRegistry(reg)
	eng.Connectivity().SetOnline(true)

	var conflicts []*ReplayConflictError
	eng.OnReplayConflict(func(c *ReplayConflictError) { conflicts = append(conflicts, c) })

	rep, err := NewReconciler(eng).Sync(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	assert.Equal(t, 0, rep.Remaining)
	assert.Equal(t, 0, rc.callCount(), "a locked op is dropped before any remote call")

	require.Len(t, conflicts, 1)
	assert.True(t, IsPeriodLocked(conflicts[0].Cause))
}

func TestReconciler_OneDrainPerTransition(t *testing.T) {
	rc := newScriptedRemote()
	eng := newTestEngine(t, false, rc)
	ctx := context.Background()

	_, err := eng.Submit(ctx, record.NewKey("A", "2024-05-10"), record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)

	NewReconciler(eng)
	conn := eng.Connectivity()

	conn.SetOnline(true)
	assert.Equal(t, 1, rc.callCount())

	conn.SetOnline(true) // no transition, no drain
	assert.Equal(t, 1, rc.callCount())

	conn.SetOnline(false)
	conn.SetOnline(true) // real transition, but the queue is empty now
	assert.Equal(t, 1, rc.callCount())
	assert.Equal(t, 0, queueLen(t, eng))
}

func TestSync_SecondKickAbsorbedWhileDraining(t *testing.T) {
	rc := newScriptedRemote()
	gate := make(chan struct{})
	rc.holdAt[1] = gate
	eng := newTestEngine(t, false, rc)
	ctx := context.Background()

	_, err := eng.Submit(ctx, record.NewKey("A", "2024-05-10"), record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)
	eng.Connectivity().SetOnline(true)
	r := NewReconciler(eng)

	type outcome struct {
		rep SyncReport
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rep, err := r.Sync(ctx)
		done <- outcome{rep: rep, err: err}
	}()
	require.Eventually(t, func() bool { return rc.callCount() >= 1 },
		2*time.Second, time.Millisecond)

	rep, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Remaining, "a kick during a drain reports and returns")

	close(gate)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, 1, first.rep.Replayed)
	assert.Len(t, rc.upserts, 1, "the op replays exactly once")
}

func TestSync_FetchAppliesServerRecords(t *testing.T) {
	rc := newFetchingRemote()
	eng := newTestEngine(t, false, rc)
	ctx := context.Background()
	key := record.NewKey("A", "2024-05-10")

	_, err := eng.Submit(ctx, key, record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)

	rc.serve[key] = record.Record{
		ID: "rec-1", SubjectID: "A", Date: "2024-05-10",
		Status: record.StatusPresent, PeriodID: "2024-T2", Version: 9999,
	}
	eng.Connectivity().SetOnline(true)

	rep, err := NewReconciler(eng).Sync(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replayed)
	assert.Equal(t, 1, rep.Fetched)

	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, int64(9999), rec.Version, "the server's write stamp lands locally")
	assert.False(t, rec.Pending)
}

func TestSync_RejectedCreateConvergesToAbsence(t *testing.T) {
	rc := newFetchingRemote()
	rc.errAt[1] = remote.NewTerminal("upsert", "unknown subject", nil)
	eng := newTestEngine(t, false, rc)
	ctx := context.Background()
	key := record.NewKey("A", "2024-05-10")

	_, err := eng.Submit(ctx, key, record.PatchStatus(record.StatusPresent))
	require.NoError(t, err)
	eng.Connectivity().SetOnline(true)

	rep, err := NewReconciler(eng).Sync(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	_, exists := eng.set.Get(key)
	assert.False(t, exists, "a rejected create disappears once the server confirms it has nothing")
}

func TestSync_RejectedEditConvergesToServerValue(t *testing.T) {
	rc := newFetchingRemote()
	rc.errAt[1] = remote.NewTerminal("upsert", "period closed server-side", nil)
	eng := newTestEngine(t, false, rc)
	ctx := context.Background()
	key := record.NewKey("A", "2024-05-10")

	server := record.Record{
		ID: "srv-1", SubjectID: "A", Date: "2024-05-10",
		Status: record.StatusExcused, PeriodID: "2024-T2", Version: 500,
	}
	eng.set.Put(server)
	rc.serve[key] = server

	_, err := eng.Submit(ctx, key, record.PatchStatus(record.StatusAbsent))
	require.NoError(t, err)
	eng.Connectivity().SetOnline(true)

	rep, err := NewReconciler(eng).Sync(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	assert.Equal(t, 1, rep.Fetched)

	rec, exists := eng.set.Get(key)
	require.True(t, exists)
	assert.Equal(t, server, rec, "the rejected edit gives way to the server's record")
}
