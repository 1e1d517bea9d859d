package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/roach88/rollbook/internal/period"
	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/record"
	"github.com/roach88/rollbook/internal/remote"
	"github.com/roach88/rollbook/internal/workset"
)

// DefaultRemoteTimeout bounds each remote write attempt. Expiry classifies
// as unreachable and routes the write to the offline queue, never as
// silent success.
const DefaultRemoteTimeout = 10 * time.Second

// Edit pairs a key with the partial change to apply to it.
type Edit struct {
	Key    record.Key
	Fields record.Fields
}

// ChangeListener observes working-set changes for re-render. deleted
// reports a removal; rec is the new value otherwise.
//
// Listeners run synchronously under the engine's state lock: they must
// return quickly and must not call back into the engine.
type ChangeListener func(key record.Key, rec record.Record, deleted bool)

// ConflictListener observes queued edits dropped during a drain.
type ConflictListener func(conflict *ReplayConflictError)

// Engine is the single entry point for record mutations.
//
// Every edit runs the same path: lock check against the period registry,
// validation, optimistic apply to the working set, then a remote write or
// a queue entry depending on connectivity. UI code never touches the
// working set, the queue or the connectivity signal directly.
//
// Concurrency model: one mutex serializes every state transition (lock
// check, apply, token issue, enqueue, response application). Remote I/O
// happens outside the mutex; a submit suspends only there. Two submits
// for the same key issued in sequence apply in call order, the second
// seeing the first's optimistic result.
//
// A per-key version token guards in-flight responses: a response is
// applied only while its token is still the key's latest, so a slow stale
// response can never clobber a newer optimistic value.
type Engine struct {
	mu sync.Mutex

	set      *workset.Set
	queue    *queue.Queue
	registry *period.Registry
	remote   remote.Client
	conn     *Connectivity

	idgen    record.IDGenerator
	validate *validator.Validate
	timeout  time.Duration

	// tokens holds the latest issued version token per key.
	tokens map[record.Key]uint64

	changeSubs   []ChangeListener
	conflictSubs []ConflictListener
}

// Option configures engine parameters.
type Option func(*Engine)

// WithTimeout sets the per-attempt remote write budget.
//
// Default: 10 seconds (DefaultRemoteTimeout).
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithIDGenerator replaces the UUIDv7 record ID source.
// Tests pass record.NewFixedGenerator for deterministic IDs.
func WithIDGenerator(g record.IDGenerator) Option {
	return func(e *Engine) {
		e.idgen = g
	}
}

// New creates an Engine over its collaborators.
//
// The working set and queue are owned exclusively by the engine from here
// on: UI code reads the set, but all mutation goes through Submit, Discard,
// SubmitAll and the reconciler's replay path.
func New(
	set *workset.Set,
	q *queue.Queue,
	reg *period.Registry,
	client remote.Client,
	conn *Connectivity,
	opts ...Option,
) *Engine {
	e := &Engine{
		set:      set,
		queue:    q,
		registry: reg,
		remote:   client,
		conn:     conn,
		idgen:    record.UUIDv7Generator{},
		validate: newValidator(),
		timeout:  DefaultRemoteTimeout,
		tokens:   make(map[record.Key]uint64),
	}

	// Apply options
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// newValidator builds the edit validator with JSON field names in messages.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SetRegistry swaps in a freshly loaded period registry. Checks already
// past their lock check finish against the snapshot they started with.
func (e *Engine) SetRegistry(reg *period.Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry = reg
}

// Connectivity returns the signal the engine consults before remote writes.
func (e *Engine) Connectivity() *Connectivity {
	return e.conn
}

// OnRecordChanged registers fn for every working-set change the engine
// makes: optimistic applies, rollbacks, reconciled server reads.
func (e *Engine) OnRecordChanged(fn ChangeListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changeSubs = append(e.changeSubs, fn)
}

// OnReplayConflict registers fn for queued edits dropped during drains.
// Conflicts are notices, not failures: the drain keeps going.
func (e *Engine) OnReplayConflict(fn ConflictListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflictSubs = append(e.conflictSubs, fn)
}

// Submit applies one edit to the record under key.
//
// Order of operations: lock check first (a locked period rejects before
// any state change), validation, optimistic apply, then the online/offline
// branch. Offline edits queue and report Queued; online edits settle as
// Committed, Queued (server unreachable), RolledBack (server rejected) or
// Superseded (a newer edit for the key finished first).
func (e *Engine) Submit(ctx context.Context, key record.Key, fields record.Fields) (CommitResult, error) {
	key = record.NewKey(key.SubjectID, key.Date)

	e.mu.Lock()
	rec, before, tok, err := e.applyLocked(key, fields)
	if err != nil {
		e.mu.Unlock()
		return CommitResult{}, err
	}

	if !e.conn.Online() {
		res, err := e.enqueueLocked(ctx, key, queue.KindUpsert, rec)
		e.mu.Unlock()
		return res, err
	}
	e.mu.Unlock()

	// remote attempt happens outside the state lock
	rerr := e.upsertRemote(ctx, []record.Record{rec})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tokens[key] != tok {
		slog.Debug("stale response discarded", "key", key.String(), "token", tok)
		return CommitResult{Outcome: Superseded, Key: key}, nil
	}
	return e.settleUpsertLocked(ctx, key, rec, before, rerr)
}

// Discard removes the record under key: the delete-shaped twin of Submit.
// Discarding an absent key commits trivially.
func (e *Engine) Discard(ctx context.Context, key record.Key) (CommitResult, error) {
	key = record.NewKey(key.SubjectID, key.Date)

	e.mu.Lock()
	old, exists := e.set.Get(key)

	explicit := ""
	if exists {
		explicit = old.PeriodID
	}
	if p, ok := e.registry.Resolve(key.Date, explicit); ok && p.Locked {
		e.mu.Unlock()
		return CommitResult{}, &PeriodLockedError{Key: key, PeriodID: p.ID}
	}

	if !exists {
		e.mu.Unlock()
		return CommitResult{Outcome: Committed, Key: key}, nil
	}

	e.set.Delete(key)
	e.notifyChangedLocked(key, record.Record{}, true)
	tok := e.nextTokenLocked(key)
	slog.Debug("optimistic delete", "key", key.String(), "token", tok)

	if !e.conn.Online() {
		res, err := e.enqueueLocked(ctx, key, queue.KindDelete, old)
		e.mu.Unlock()
		return res, err
	}
	e.mu.Unlock()

	rerr := e.deleteRemote(ctx, []record.Key{key})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tokens[key] != tok {
		slog.Debug("stale response discarded", "key", key.String(), "token", tok)
		return CommitResult{Outcome: Superseded, Key: key}, nil
	}
	if rerr == nil {
		if err := e.queue.Remove(ctx, key); err != nil {
			slog.Warn("queue cleanup failed", "key", key.String(), "error", err)
		}
		slog.Info("delete committed", "key", key.String())
		return CommitResult{Outcome: Committed, Key: key}, nil
	}
	if remote.Retryable(rerr) {
		slog.Info("remote unreachable, queueing delete", "key", key.String(), "error", rerr)
		return e.enqueueLocked(ctx, key, queue.KindDelete, old)
	}
	e.restoreLocked(key, prior{rec: old, exists: true})
	slog.Warn("delete rejected, rolled back", "key", key.String(), "error", rerr)
	return CommitResult{Outcome: RolledBack, Key: key, Reason: rerr.Error()}, nil
}

// SubmitAll applies edits as one batch ("mark all present").
//
// One shared before snapshot is taken once; the lock check and validation
// cover every edit up front, so either the whole batch applies
// optimistically or nothing does. The remote attempt is a single batch
// upsert. A terminal rejection rolls back every batch key; keys edited
// again while the batch was in flight settle with their newer submit and
// are left alone here.
func (e *Engine) SubmitAll(ctx context.Context, edits []Edit) (BatchResult, error) {
	if len(edits) == 0 {
		return BatchResult{Outcome: Committed}, nil
	}

	e.mu.Lock()

	// last edit per key wins, mirroring queue coalescing
	seen := make(map[record.Key]int, len(edits))
	ordered := make([]Edit, 0, len(edits))
	for _, ed := range edits {
		ed.Key = record.NewKey(ed.Key.SubjectID, ed.Key.Date)
		if i, dup := seen[ed.Key]; dup {
			ordered[i] = ed
			continue
		}
		seen[ed.Key] = len(ordered)
		ordered = append(ordered, ed)
	}

	// every edit must pass before any applies
	for _, ed := range ordered {
		old, exists := e.set.Get(ed.Key)
		explicit := ""
		switch {
		case ed.Fields.PeriodID != nil:
			explicit = *ed.Fields.PeriodID
		case exists:
			explicit = old.PeriodID
		}
		if p, ok := e.registry.Resolve(ed.Key.Date, explicit); ok && p.Locked {
			e.mu.Unlock()
			return BatchResult{}, &PeriodLockedError{Key: ed.Key, PeriodID: p.ID}
		}
		if err := e.checkFields(ed.Key, ed.Fields, !exists); err != nil {
			e.mu.Unlock()
			return BatchResult{}, err
		}
	}

	before := e.set.Snapshot()

	keys := make([]record.Key, 0, len(ordered))
	recs := make([]record.Record, 0, len(ordered))
	toks := make(map[record.Key]uint64, len(ordered))
	for _, ed := range ordered {
		rec, _, tok, err := e.applyLocked(ed.Key, ed.Fields)
		if err != nil {
			// checks already passed, so only infrastructure faults land here
			e.rollbackBatchLocked(keys, before)
			e.mu.Unlock()
			return BatchResult{}, err
		}
		keys = append(keys, ed.Key)
		recs = append(recs, rec)
		toks[ed.Key] = tok
	}

	if !e.conn.Online() {
		for i, k := range keys {
			if _, err := e.enqueueLocked(ctx, k, queue.KindUpsert, recs[i]); err != nil {
				e.mu.Unlock()
				return BatchResult{}, err
			}
		}
		e.mu.Unlock()
		slog.Info("batch queued", "keys", len(keys))
		return BatchResult{Outcome: Queued, Keys: keys}, nil
	}
	e.mu.Unlock()

	rerr := e.upsertRemote(ctx, recs)

	e.mu.Lock()
	defer e.mu.Unlock()

	var live []record.Key
	var liveRecs []record.Record
	for i, k := range keys {
		if e.tokens[k] == toks[k] {
			live = append(live, k)
			liveRecs = append(liveRecs, recs[i])
		}
	}
	if len(live) == 0 {
		return BatchResult{Outcome: Superseded, Keys: keys}, nil
	}

	if rerr == nil {
		for i, k := range live {
			r := liveRecs[i]
			r.Pending = false
			e.set.Put(r)
			e.notifyChangedLocked(k, r, false)
			if err := e.queue.Remove(ctx, k); err != nil {
				slog.Warn("queue cleanup failed", "key", k.String(), "error", err)
			}
		}
		slog.Info("batch committed", "keys", len(live))
		return BatchResult{Outcome: Committed, Keys: live}, nil
	}

	if remote.Retryable(rerr) {
		for i, k := range live {
			if _, err := e.enqueueLocked(ctx, k, queue.KindUpsert, liveRecs[i]); err != nil {
				return BatchResult{}, err
			}
		}
		slog.Info("remote unreachable, batch queued", "keys", len(live), "error", rerr)
		return BatchResult{Outcome: Queued, Keys: live}, nil
	}

	e.rollbackBatchLocked(live, before)
	slog.Warn("batch rejected, rolled back", "keys", len(live), "error", rerr)
	return BatchResult{Outcome: RolledBack, Keys: live, Reason: rerr.Error()}, nil
}

// prior is the pre-edit state of one key, the rollback target.
type prior struct {
	rec    record.Record
	exists bool
}

// applyLocked runs the synchronous half of an upsert: lock check,
// validation, optimistic apply, token issue. Caller holds e.mu.
func (e *Engine) applyLocked(key record.Key, fields record.Fields) (record.Record, prior, uint64, error) {
	old, exists := e.set.Get(key)

	explicit := ""
	switch {
	case fields.PeriodID != nil:
		explicit = *fields.PeriodID
	case exists:
		explicit = old.PeriodID
	}
	if p, ok := e.registry.Resolve(key.Date, explicit); ok && p.Locked {
		return record.Record{}, prior{}, 0, &PeriodLockedError{Key: key, PeriodID: p.ID}
	}

	if err := e.checkFields(key, fields, !exists); err != nil {
		return record.Record{}, prior{}, 0, err
	}

	rec := old
	if !exists {
		rec = record.Record{
			ID:        e.idgen.Generate(),
			SubjectID: key.SubjectID,
			Date:      key.Date,
		}
		// new records carry the period active for their date
		if p, ok := e.registry.Resolve(key.Date, explicit); ok {
			rec.PeriodID = p.ID
		}
	}
	rec = fields.Apply(rec)
	rec.Pending = true
	e.set.Put(rec)
	e.notifyChangedLocked(key, rec, false)

	tok := e.nextTokenLocked(key)
	slog.Debug("optimistic apply", "key", key.String(), "status", string(rec.Status), "token", tok)
	return rec, prior{rec: old, exists: exists}, tok, nil
}

// checkFields validates an edit before it touches the working set.
// Creating a record requires a status; partial edits may omit it.
func (e *Engine) checkFields(key record.Key, fields record.Fields, creating bool) error {
	var fails []FieldError
	if creating && fields.Status == nil {
		fails = append(fails, FieldError{Field: "status", Rule: "required"})
	}
	if err := e.validate.Struct(fields); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate edit for %s: %w", key, err)
		}
		for _, fe := range verrs {
			fails = append(fails, FieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
	}
	if len(fails) > 0 {
		return &ValidationError{Key: key, Fields: fails}
	}
	return nil
}

// settleUpsertLocked applies a remote response for key. Caller holds e.mu
// and has verified the call's token is still the key's latest.
func (e *Engine) settleUpsertLocked(ctx context.Context, key record.Key, rec record.Record, before prior, rerr error) (CommitResult, error) {
	if rerr == nil {
		rec.Pending = false
		e.set.Put(rec)
		e.notifyChangedLocked(key, rec, false)
		if err := e.queue.Remove(ctx, key); err != nil {
			slog.Warn("queue cleanup failed", "key", key.String(), "error", err)
		}
		slog.Info("write committed", "key", key.String(), "status", string(rec.Status))
		return CommitResult{Outcome: Committed, Key: key, Record: rec}, nil
	}

	if remote.Retryable(rerr) {
		slog.Info("remote unreachable, queueing", "key", key.String(), "error", rerr)
		return e.enqueueLocked(ctx, key, queue.KindUpsert, rec)
	}

	e.restoreLocked(key, before)
	slog.Warn("write rejected, rolled back", "key", key.String(), "error", rerr)
	return CommitResult{Outcome: RolledBack, Key: key, Reason: rerr.Error()}, nil
}

// enqueueLocked persists rec as the key's single pending write and reports
// Queued. Caller holds e.mu; the row is durable before the result returns.
func (e *Engine) enqueueLocked(ctx context.Context, key record.Key, kind queue.Kind, rec record.Record) (CommitResult, error) {
	payload, err := record.MarshalPayload(rec)
	if err != nil {
		return CommitResult{}, fmt.Errorf("queue %s: %w", key, err)
	}
	op, err := e.queue.Enqueue(ctx, key, kind, payload)
	if err != nil {
		return CommitResult{}, fmt.Errorf("queue %s: %w", key, err)
	}
	slog.Info("write queued", "key", key.String(), "kind", string(kind), "seq", op.Seq)

	res := CommitResult{Outcome: Queued, Key: key}
	if kind == queue.KindUpsert {
		res.Record = rec
	}
	return res, nil
}

// restoreLocked puts one key back to its pre-edit state and notifies.
// Only this key moves; unrelated keys keep any newer values.
func (e *Engine) restoreLocked(key record.Key, before prior) {
	if before.exists {
		e.set.Put(before.rec)
		e.notifyChangedLocked(key, before.rec, false)
		return
	}
	e.set.Delete(key)
	e.notifyChangedLocked(key, record.Record{}, true)
}

// rollbackBatchLocked restores each key from the shared batch snapshot.
func (e *Engine) rollbackBatchLocked(keys []record.Key, before workset.Snapshot) {
	for _, k := range keys {
		old, ok := before.Get(k)
		e.restoreLocked(k, prior{rec: old, exists: ok})
	}
}

func (e *Engine) nextTokenLocked(key record.Key) uint64 {
	e.tokens[key]++
	return e.tokens[key]
}

// upsertRemote attempts the batch write under the configured budget.
func (e *Engine) upsertRemote(ctx context.Context, recs []record.Record) error {
	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.remote.Upsert(rctx, recs)
}

// deleteRemote attempts the batch delete under the configured budget.
func (e *Engine) deleteRemote(ctx context.Context, keys []record.Key) error {
	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.remote.Delete(rctx, keys)
}

// notifyChangedLocked runs the change listeners. Caller holds e.mu.
func (e *Engine) notifyChangedLocked(key record.Key, rec record.Record, deleted bool) {
	for _, fn := range e.changeSubs {
		fn(key, rec, deleted)
	}
}

// notifyConflict runs the replay-conflict listeners.
func (e *Engine) notifyConflict(c *ReplayConflictError) {
	e.mu.Lock()
	subs := make([]ConflictListener, len(e.conflictSubs))
	copy(subs, e.conflictSubs)
	e.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
}
