package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/record"
	"github.com/roach88/rollbook/internal/remote"
)

// SyncReport summarizes one drain pass over the offline queue.
type SyncReport struct {
	Replayed  int `json:"replayed"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
	Fetched   int `json:"fetched"`
}

// Reconciler replays the offline queue when connectivity returns.
//
// One drain runs per offline-to-online transition; a transition arriving
// while a drain is already in progress is absorbed by it. Ops replay in
// seq order with per-op isolation: a terminal rejection drops the op with
// a conflict notice and the pass continues, a transient failure stops the
// pass and leaves the rest queued for the next transition.
type Reconciler struct {
	eng      *Engine
	draining atomic.Bool
}

// NewReconciler wires the reconciler to the engine's connectivity signal.
// Every offline-to-online transition starts a drain on the notifying
// goroutine; manual kicks go through Sync.
func NewReconciler(eng *Engine) *Reconciler {
	r := &Reconciler{eng: eng}
	eng.conn.Subscribe(func(online bool) {
		if !online {
			return
		}
		if _, err := r.Sync(context.Background()); err != nil {
			slog.Error("queue drain failed", "error", err)
		}
	})
	return r
}

// Sync drains the queue now and reports what happened. When offline, or
// when another drain is already running, the queue is left untouched and
// the report carries only the remaining count.
func (r *Reconciler) Sync(ctx context.Context) (SyncReport, error) {
	if !r.draining.CompareAndSwap(false, true) {
		return r.remainingOnly(ctx)
	}
	defer r.draining.Store(false)

	if !r.eng.conn.Online() {
		return r.remainingOnly(ctx)
	}

	ops, err := r.eng.queue.Pending(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("drain: %w", err)
	}

	var rep SyncReport
	if len(ops) > 0 {
		slog.Info("drain started", "pending", len(ops))
	}

	// resolved collects keys whose queue entry this pass settled, for the
	// authoritative read-back afterwards
	resolved := make(map[record.Key]bool)

	for _, op := range ops {
		outcome, err := r.replayOne(ctx, op, resolved)
		if err != nil {
			return rep, fmt.Errorf("drain %s: %w", op.Key, err)
		}
		switch outcome {
		case opReplayed:
			rep.Replayed++
		case opDropped:
			rep.Dropped++
		case opSkipped:
		case opStop:
			n, err := r.refetch(ctx, resolved)
			if err != nil {
				slog.Warn("post-drain fetch failed", "error", err)
			}
			rep.Fetched = n
			return r.finish(ctx, rep)
		}
	}

	n, err := r.refetch(ctx, resolved)
	if err != nil {
		slog.Warn("post-drain fetch failed", "error", err)
	}
	rep.Fetched = n
	return r.finish(ctx, rep)
}

// Draining reports whether a drain pass is currently running.
func (r *Reconciler) Draining() bool {
	return r.draining.Load()
}

type opOutcome int

const (
	opReplayed opOutcome = iota
	opDropped
	opSkipped
	opStop
)

// replayOne replays a single queued op against the remote store.
//
// Errors are local infrastructure faults and abort the drain; everything
// the remote store does comes back as an outcome.
func (r *Reconciler) replayOne(ctx context.Context, op queue.Op, resolved map[record.Key]bool) (opOutcome, error) {
	// the op may have been coalesced over or settled since the pass began
	cur, ok, err := r.eng.queue.Get(ctx, op.Key)
	if err != nil {
		return opStop, err
	}
	if !ok || cur.Seq != op.Seq {
		return opSkipped, nil
	}

	rec, err := record.UnmarshalPayload(op.Payload)
	if err != nil {
		// a payload that cannot decode can never replay
		if err := r.eng.queue.RemoveSeq(ctx, op.Key, op.Seq); err != nil {
			return opStop, err
		}
		r.eng.notifyConflict(&ReplayConflictError{Key: op.Key, Cause: err})
		slog.Warn("queued op dropped, payload undecodable", "key", op.Key.String(), "error", err)
		return opDropped, nil
	}

	// periods locked while the edit waited reject it now, same rule as a
	// fresh submit
	if pid, locked := r.eng.lockedNow(op.Key, rec.PeriodID); locked {
		if err := r.eng.queue.RemoveSeq(ctx, op.Key, op.Seq); err != nil {
			return opStop, err
		}
		resolved[op.Key] = true
		r.eng.notifyConflict(&ReplayConflictError{
			Key:   op.Key,
			Cause: &PeriodLockedError{Key: op.Key, PeriodID: pid},
		})
		slog.Info("queued op dropped, period locked", "key", op.Key.String(), "period", pid)
		return opDropped, nil
	}

	var rerr error
	switch op.Kind {
	case queue.KindUpsert:
		r.eng.assertPending(rec)
		rerr = r.eng.upsertRemote(ctx, []record.Record{rec})
	case queue.KindDelete:
		rerr = r.eng.deleteRemote(ctx, []record.Key{op.Key})
	default:
		if err := r.eng.queue.RemoveSeq(ctx, op.Key, op.Seq); err != nil {
			return opStop, err
		}
		r.eng.notifyConflict(&ReplayConflictError{
			Key:   op.Key,
			Cause: fmt.Errorf("unknown op kind %q", op.Kind),
		})
		return opDropped, nil
	}

	if rerr == nil {
		if err := r.eng.queue.RemoveSeq(ctx, op.Key, op.Seq); err != nil {
			return opStop, err
		}
		resolved[op.Key] = true
		if op.Kind == queue.KindDelete {
			r.eng.ackDeleted(op.Key)
		} else {
			r.eng.ackReplayed(rec)
		}
		slog.Info("queued op replayed", "key", op.Key.String(), "kind", string(op.Kind), "seq", op.Seq)
		return opReplayed, nil
	}

	if remote.Retryable(rerr) {
		if err := r.eng.queue.MarkAttempt(ctx, op.Key); err != nil {
			return opStop, err
		}
		slog.Info("drain stopped, remote unreachable", "key", op.Key.String(), "error", rerr)
		return opStop, nil
	}

	// terminal rejection: this op will never succeed, drop it and move on
	if err := r.eng.queue.RemoveSeq(ctx, op.Key, op.Seq); err != nil {
		return opStop, err
	}
	resolved[op.Key] = true
	r.eng.notifyConflict(&ReplayConflictError{Key: op.Key, Cause: rerr})
	slog.Warn("queued op rejected", "key", op.Key.String(), "error", rerr)
	return opDropped, nil
}

// refetch reads back authoritative records for every key the pass
// resolved, so rejected edits converge to server truth instead of
// lingering locally. Keys that picked up a new queued op since keep their
// local value; the queued write is newer intent.
func (r *Reconciler) refetch(ctx context.Context, resolved map[record.Key]bool) (int, error) {
	fetcher, ok := r.eng.remote.(remote.Fetcher)
	if !ok || len(resolved) == 0 {
		return 0, nil
	}

	want := make([]record.Key, 0, len(resolved))
	for k := range resolved {
		want = append(want, k)
	}
	sort.Slice(want, func(i, j int) bool {
		if want[i].Date != want[j].Date {
			return want[i].Date < want[j].Date
		}
		return want[i].SubjectID < want[j].SubjectID
	})

	rctx, cancel := context.WithTimeout(ctx, r.eng.timeout)
	defer cancel()
	recs, err := fetcher.Fetch(rctx, want)
	if err != nil {
		return 0, err
	}

	applied := 0
	got := make(map[record.Key]bool, len(recs))
	for _, rec := range recs {
		got[rec.Key()] = true
		queued, err := r.stillQueued(ctx, rec.Key())
		if err != nil {
			return applied, err
		}
		if queued {
			continue
		}
		r.eng.putServer(rec)
		applied++
	}

	for _, k := range want {
		if got[k] {
			continue
		}
		queued, err := r.stillQueued(ctx, k)
		if err != nil {
			return applied, err
		}
		if queued {
			continue
		}
		r.eng.dropServerAbsent(k)
	}

	return applied, nil
}

func (r *Reconciler) stillQueued(ctx context.Context, key record.Key) (bool, error) {
	_, ok, err := r.eng.queue.Get(ctx, key)
	return ok, err
}

func (r *Reconciler) finish(ctx context.Context, rep SyncReport) (SyncReport, error) {
	n, err := r.eng.queue.Len(ctx)
	if err != nil {
		return rep, fmt.Errorf("drain: %w", err)
	}
	rep.Remaining = n
	if rep.Replayed+rep.Dropped > 0 || rep.Remaining > 0 {
		slog.Info("drain finished",
			"replayed", rep.Replayed,
			"dropped", rep.Dropped,
			"remaining", rep.Remaining,
			"fetched", rep.Fetched,
		)
	}
	return rep, nil
}

func (r *Reconciler) remainingOnly(ctx context.Context) (SyncReport, error) {
	n, err := r.eng.queue.Len(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	return SyncReport{Remaining: n}, nil
}
