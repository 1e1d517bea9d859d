package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/rollbook/internal/calendar"
	"github.com/roach88/rollbook/internal/engine"
	"github.com/roach88/rollbook/internal/period"
	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/record"
	"github.com/roach88/rollbook/internal/remote"
	"github.com/roach88/rollbook/internal/remote/filestore"
	"github.com/roach88/rollbook/internal/testutil"
	"github.com/roach88/rollbook/internal/workset"
)

// harnessEpoch anchors the deterministic server clock. Version stamps
// count up in whole seconds from here.
var harnessEpoch = time.UnixMilli(1700000000000).UTC()

// Harness executes one scenario against a freshly wired engine.
//
// Every run gets its own working set, offline queue, and file-backed
// server in a temp directory, torn down when Run returns. The ID
// generator and server clock are deterministic, so a scenario produces
// the same trace on every run.
type Harness struct {
	eng    *engine.Engine
	rec    *engine.Reconciler
	set    *workset.Set
	queue  *queue.Queue
	remote *flakyStore
	server *filestore.Store
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Load the calendar and build the period registry
//  2. Wire a fresh engine over temp-dir queue and server files
//  3. Seed server and working set
//  4. Execute steps in order, validating expect clauses
//  5. Evaluate final-state assertions
//
// Run returns an error only for infrastructure failures; expect and
// assertion mismatches land in Result.Errors with Pass false.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "rollbook-harness-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	cal, err := calendar.Load(scenario.Calendar)
	if err != nil {
		return nil, fmt.Errorf("load calendar: %w", err)
	}
	registry, err := cal.Registry()
	if err != nil {
		return nil, fmt.Errorf("build period registry: %w", err)
	}

	clock := testutil.NewTickingClock(harnessEpoch, time.Second)
	server := filestore.NewAt(filepath.Join(dir, "remote.json"), clock.Now)
	flaky := newFlakyStore(server)

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	set := workset.New()
	conn := engine.NewConnectivity(scenario.StartOnline())

	eng := engine.New(set, q, registry, flaky, conn,
		engine.WithIDGenerator(testutil.NewSequenceIDGenerator("rec")),
		engine.WithTimeout(5*time.Second),
	)

	result := NewResult()
	eng.OnReplayConflict(func(c *engine.ReplayConflictError) {
		result.Conflicts = append(result.Conflicts, c.Key.String())
	})

	h := &Harness{
		eng:    eng,
		rec:    engine.NewReconciler(eng),
		set:    set,
		queue:  q,
		remote: flaky,
		server: server,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx := context.Background()

	if err := h.seed(ctx, registry, scenario.Seed); err != nil {
		return nil, fmt.Errorf("seed records: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}

	actx := &AssertionContext{
		Ctx:       ctx,
		Set:       set,
		Queue:     q,
		Server:    server,
		Conflicts: result.Conflicts,
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// seed writes the scenario's initial records to the server, then reads
// them back so the working set starts with server-stamped versions.
func (h *Harness) seed(ctx context.Context, registry *period.Registry, seeds []SeedSpec) error {
	if len(seeds) == 0 {
		return nil
	}

	gen := testutil.NewSequenceIDGenerator("seed")
	recs := make([]record.Record, 0, len(seeds))
	keys := make([]record.Key, 0, len(seeds))
	for i, sd := range seeds {
		date, err := record.ParseDate(sd.Date)
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		status, err := record.ParseStatus(sd.Status)
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		key := record.NewKey(sd.Subject, date)

		var periodID string
		if p, ok := registry.Containing(date); ok {
			periodID = p.ID
		}

		recs = append(recs, record.Record{
			ID:        gen.Generate(),
			SubjectID: key.SubjectID,
			Date:      date,
			Status:    status,
			Note:      sd.Note,
			PeriodID:  periodID,
		})
		keys = append(keys, key)
	}

	if err := h.server.Upsert(ctx, recs); err != nil {
		return fmt.Errorf("write seeds: %w", err)
	}
	stamped, err := h.server.Fetch(ctx, keys)
	if err != nil {
		return fmt.Errorf("read seeds back: %w", err)
	}
	for _, r := range stamped {
		h.set.Put(r)
	}

	h.logger.Info("seeded records", "count", len(stamped))
	return nil
}

// runStep dispatches one step and appends its trace event.
func (h *Harness) runStep(ctx context.Context, i int, step Step, result *Result) error {
	switch step.Op {
	case OpSubmit:
		return h.runSubmit(ctx, i, step, result)
	case OpSubmitAll:
		return h.runSubmitAll(ctx, i, step, result)
	case OpDiscard:
		return h.runDiscard(ctx, i, step, result)
	case OpConnect:
		return h.runConnectivity(ctx, i, step, result)
	case OpSync:
		return h.runSync(ctx, i, step, result)
	case OpFail:
		return h.runFail(ctx, i, step, result)
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

func (h *Harness) runSubmit(ctx context.Context, i int, step Step, result *Result) error {
	date, err := record.ParseDate(step.Date)
	if err != nil {
		return err
	}
	key := record.NewKey(step.Subject, date)
	fields := editFields(step.Status, step.Note, step.Period)

	res, submitErr := h.eng.Submit(ctx, key, fields)

	ev := TraceEvent{Step: i, Op: OpSubmit, Key: key.String()}
	if err := h.settleWrite(&ev, res.Outcome, res.Reason, submitErr); err != nil {
		return err
	}
	if ev.Queue, err = h.queue.Len(ctx); err != nil {
		return err
	}
	result.Trace = append(result.Trace, ev)

	h.checkWriteExpect(i, step.Expect, ev, submitErr, result)
	return nil
}

func (h *Harness) runDiscard(ctx context.Context, i int, step Step, result *Result) error {
	date, err := record.ParseDate(step.Date)
	if err != nil {
		return err
	}
	key := record.NewKey(step.Subject, date)

	res, discardErr := h.eng.Discard(ctx, key)

	ev := TraceEvent{Step: i, Op: OpDiscard, Key: key.String()}
	if err := h.settleWrite(&ev, res.Outcome, res.Reason, discardErr); err != nil {
		return err
	}
	if ev.Queue, err = h.queue.Len(ctx); err != nil {
		return err
	}
	result.Trace = append(result.Trace, ev)

	h.checkWriteExpect(i, step.Expect, ev, discardErr, result)
	return nil
}

func (h *Harness) runSubmitAll(ctx context.Context, i int, step Step, result *Result) error {
	edits := make([]engine.Edit, 0, len(step.Edits))
	keys := make([]string, 0, len(step.Edits))
	for j, entry := range step.Edits {
		date, err := record.ParseDate(entry.Date)
		if err != nil {
			return fmt.Errorf("edits[%d]: %w", j, err)
		}
		key := record.NewKey(entry.Subject, date)
		edits = append(edits, engine.Edit{
			Key:    key,
			Fields: editFields(entry.Status, entry.Note, entry.Period),
		})
		keys = append(keys, key.String())
	}

	res, batchErr := h.eng.SubmitAll(ctx, edits)

	ev := TraceEvent{Step: i, Op: OpSubmitAll, Keys: keys}
	if err := h.settleWrite(&ev, res.Outcome, res.Reason, batchErr); err != nil {
		return err
	}
	var err error
	if ev.Queue, err = h.queue.Len(ctx); err != nil {
		return err
	}
	result.Trace = append(result.Trace, ev)

	h.checkWriteExpect(i, step.Expect, ev, batchErr, result)
	return nil
}

// settleWrite fills the outcome fields of a write step's trace event.
// Locked-period and validation rejections become OutcomeRejected;
// anything else the engine returns as an error is an infrastructure
// failure and aborts the run.
func (h *Harness) settleWrite(ev *TraceEvent, outcome engine.Outcome, reason string, err error) error {
	switch {
	case err == nil:
		ev.Outcome = string(outcome)
		ev.Reason = reason
	case engine.IsPeriodLocked(err), engine.IsValidation(err):
		ev.Outcome = OutcomeRejected
		ev.Reason = err.Error()
	default:
		return err
	}
	return nil
}

func (h *Harness) runConnectivity(ctx context.Context, i int, step Step, result *Result) error {
	// SetOnline runs the reconciler's drain synchronously on the
	// offline-to-online edge, so the queue depth below reflects it.
	h.eng.Connectivity().SetOnline(*step.Online)

	ev := TraceEvent{Step: i, Op: OpConnect, Online: step.Online}
	var err error
	if ev.Queue, err = h.queue.Len(ctx); err != nil {
		return err
	}
	result.Trace = append(result.Trace, ev)
	return nil
}

func (h *Harness) runSync(ctx context.Context, i int, step Step, result *Result) error {
	rep, err := h.rec.Sync(ctx)
	if err != nil {
		return err
	}

	ev := TraceEvent{
		Step:      i,
		Op:        OpSync,
		Replayed:  rep.Replayed,
		Dropped:   rep.Dropped,
		Remaining: rep.Remaining,
		Fetched:   rep.Fetched,
	}
	if ev.Queue, err = h.queue.Len(ctx); err != nil {
		return err
	}
	result.Trace = append(result.Trace, ev)

	h.checkSyncExpect(i, step.Expect, rep, result)
	return nil
}

func (h *Harness) runFail(ctx context.Context, i int, step Step, result *Result) error {
	times := step.Times
	if times == 0 {
		times = 1
	}
	kind := remote.KindTransient
	if step.Mode == "terminal" {
		kind = remote.KindTerminal
	}
	h.remote.fail(step.Target, kind, times)

	ev := TraceEvent{Step: i, Op: OpFail, Target: step.Target, Mode: step.Mode}
	var err error
	if ev.Queue, err = h.queue.Len(ctx); err != nil {
		return err
	}
	result.Trace = append(result.Trace, ev)
	return nil
}

// checkWriteExpect validates a write step's outcome against its expect
// clause, if any.
func (h *Harness) checkWriteExpect(i int, expect *ExpectClause, ev TraceEvent, err error, result *Result) {
	if expect == nil {
		return
	}

	if expect.Error != "" {
		actual := rejectionClass(err)
		if actual != expect.Error {
			result.AddError(fmt.Sprintf(
				"step %d: expected %s rejection, got outcome %q", i, expect.Error, ev.Outcome))
		}
		return
	}

	if expect.Outcome != "" && ev.Outcome != expect.Outcome {
		result.AddError(fmt.Sprintf(
			"step %d: expected outcome %q, got %q", i, expect.Outcome, ev.Outcome))
	}
}

// checkSyncExpect validates drain counters against the expect clause.
// Nil counters are not checked.
func (h *Harness) checkSyncExpect(i int, expect *ExpectClause, rep engine.SyncReport, result *Result) {
	if expect == nil {
		return
	}

	check := func(name string, want *int, got int) {
		if want != nil && *want != got {
			result.AddError(fmt.Sprintf("step %d: expected %s=%d, got %d", i, name, *want, got))
		}
	}
	check("replayed", expect.Replayed, rep.Replayed)
	check("dropped", expect.Dropped, rep.Dropped)
	check("remaining", expect.Remaining, rep.Remaining)
	check("fetched", expect.Fetched, rep.Fetched)
}

// rejectionClass names the rejection an error represents, or empty for
// accepted writes.
func rejectionClass(err error) string {
	switch {
	case engine.IsPeriodLocked(err):
		return "locked"
	case engine.IsValidation(err):
		return "validation"
	default:
		return ""
	}
}

// editFields builds the partial edit a step describes. Empty strings
// mean the field is not part of the edit.
func editFields(status string, note *string, periodID string) record.Fields {
	var fields record.Fields
	if status != "" {
		s := record.Status(status)
		fields.Status = &s
	}
	fields.Note = note
	if periodID != "" {
		fields.PeriodID = &periodID
	}
	return fields
}

// flakyStore wraps the file-backed server with scripted failures. Each
// scripted failure consumes one matching call; unmatched calls pass
// through untouched.
type flakyStore struct {
	mu    sync.Mutex
	store *filestore.Store
	fails []scriptedFailure
}

type scriptedFailure struct {
	target string // upsert, delete, fetch, or any
	kind   remote.Kind
	count  int
}

func newFlakyStore(store *filestore.Store) *flakyStore {
	return &flakyStore{store: store}
}

// fail scripts the next times calls matching target to fail with the
// given classification.
func (f *flakyStore) fail(target string, kind remote.Kind, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, scriptedFailure{target: target, kind: kind, count: times})
}

// intercept consumes one scripted failure for op, if any is pending.
func (f *flakyStore) intercept(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.fails {
		sf := &f.fails[i]
		if sf.count == 0 || (sf.target != op && sf.target != "any") {
			continue
		}
		sf.count--
		if sf.kind == remote.KindTransient {
			return remote.NewTransient(op, "scripted failure", nil)
		}
		return remote.NewTerminal(op, "scripted failure", nil)
	}
	return nil
}

func (f *flakyStore) Upsert(ctx context.Context, records []record.Record) error {
	if err := f.intercept("upsert"); err != nil {
		return err
	}
	return f.store.Upsert(ctx, records)
}

func (f *flakyStore) Delete(ctx context.Context, keys []record.Key) error {
	if err := f.intercept("delete"); err != nil {
		return err
	}
	return f.store.Delete(ctx, keys)
}

func (f *flakyStore) Fetch(ctx context.Context, keys []record.Key) ([]record.Record, error) {
	if err := f.intercept("fetch"); err != nil {
		return nil, err
	}
	return f.store.Fetch(ctx, keys)
}
