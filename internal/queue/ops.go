package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/rollbook/internal/record"
)

// Kind distinguishes the two write shapes the remote store accepts.
type Kind string

const (
	KindUpsert Kind = "upsert"
	KindDelete Kind = "delete"
)

// Op is a durable envelope for one deferred write.
type Op struct {
	Key        record.Key
	Kind       Kind
	Payload    []byte
	Seq        int64
	EnqueuedAt time.Time
	Attempts   int
}

// Enqueue stores a pending write for key, replacing any earlier one.
//
// Coalescing keeps exactly one op per key - always the latest, re-stamped
// with a fresh seq and enqueue time, attempt counter reset. Replay
// therefore never applies two writes to the same record from this client.
//
// The row is durable once Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, key record.Key, kind Kind, payload []byte) (Op, error) {
	op := Op{
		Key:        key,
		Kind:       kind,
		Payload:    payload,
		Seq:        q.clock.Next(),
		EnqueuedAt: time.Now().UTC(),
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_ops
		(subject_id, date, kind, payload, seq, enqueued_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(subject_id, date) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			seq = excluded.seq,
			enqueued_at = excluded.enqueued_at,
			attempts = 0
	`,
		key.SubjectID,
		string(key.Date),
		string(kind),
		op.Payload,
		op.Seq,
		op.EnqueuedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Op{}, fmt.Errorf("enqueue %s: %w", key, err)
	}

	return op, nil
}

// Pending returns every queued op in replay order (FIFO by seq) without
// removing anything. Removal happens only after a replay is acknowledged,
// so a drain interrupted mid-pass restarts cleanly.
func (q *Queue) Pending(ctx context.Context) ([]Op, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT subject_id, date, kind, payload, seq, enqueued_at, attempts
		FROM pending_ops
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("read pending ops: %w", err)
	}
	defer rows.Close()

	var ops []Op
	for rows.Next() {
		var (
			op         Op
			date       string
			kind       string
			enqueuedAt string
		)
		if err := rows.Scan(&op.Key.SubjectID, &date, &kind, &op.Payload, &op.Seq, &enqueuedAt, &op.Attempts); err != nil {
			return nil, fmt.Errorf("scan pending op: %w", err)
		}
		op.Key.Date = record.Date(date)
		op.Kind = Kind(kind)
		op.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("parse enqueued_at for %s: %w", op.Key, err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read pending ops: %w", err)
	}

	return ops, nil
}

// Get returns the pending op for key, if one exists.
func (q *Queue) Get(ctx context.Context, key record.Key) (Op, bool, error) {
	op := Op{Key: key}
	var (
		kind       string
		enqueuedAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT kind, payload, seq, enqueued_at, attempts
		FROM pending_ops
		WHERE subject_id = ? AND date = ?
	`, key.SubjectID, string(key.Date)).Scan(&kind, &op.Payload, &op.Seq, &enqueuedAt, &op.Attempts)
	if err == sql.ErrNoRows {
		return Op{}, false, nil
	}
	if err != nil {
		return Op{}, false, fmt.Errorf("read op %s: %w", key, err)
	}
	op.Kind = Kind(kind)
	op.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt)
	if err != nil {
		return Op{}, false, fmt.Errorf("parse enqueued_at for %s: %w", key, err)
	}
	return op, true, nil
}

// Remove deletes the pending op for key, typically after its replay was
// acknowledged. Removing an absent key is a no-op.
func (q *Queue) Remove(ctx context.Context, key record.Key) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM pending_ops WHERE subject_id = ? AND date = ?
	`, key.SubjectID, string(key.Date))
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// RemoveSeq deletes the pending op for key only if its seq still matches.
// A coalesced re-enqueue bumps the seq, which keeps a newer op safe from a
// drain acknowledging the write it replaced.
func (q *Queue) RemoveSeq(ctx context.Context, key record.Key, seq int64) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM pending_ops WHERE subject_id = ? AND date = ? AND seq = ?
	`, key.SubjectID, string(key.Date), seq)
	if err != nil {
		return fmt.Errorf("remove %s seq %d: %w", key, seq, err)
	}
	return nil
}

// MarkAttempt increments the attempt counter on key's pending op. The
// counter records how many drains gave up on a transient failure; it never
// gates replay by itself.
func (q *Queue) MarkAttempt(ctx context.Context, key record.Key) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_ops SET attempts = attempts + 1
		WHERE subject_id = ? AND date = ?
	`, key.SubjectID, string(key.Date))
	if err != nil {
		return fmt.Errorf("mark attempt %s: %w", key, err)
	}
	return nil
}

// Len returns the number of pending ops.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_ops").Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending ops: %w", err)
	}
	return n, nil
}
