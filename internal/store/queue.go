package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Operation is the kind of local mutation an outbox entry carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// QueueState is the lifecycle state of an outbox entry.
type QueueState string

const (
	StatePending QueueState = "pending"
	StateSynced  QueueState = "synced"
	StateFailed  QueueState = "failed"
)

// QueueEntry is one outbound change in the sync_queue table.
//
// Revision increases every time a later mutation coalesces into a pending
// entry, so an acknowledgement for an older revision does not retire it.
type QueueEntry struct {
	Seq         int64
	ID          string
	Table       string
	RecordID    string
	Operation   Operation
	Priority    int
	RetryCount  int
	NextRetryAt int64
	State       QueueState
	LastError   string
	Revision    int64
	CreatedAt   int64
	UpdatedAt   int64
}

// Synced reports whether the backend acknowledged the entry.
func (e QueueEntry) Synced() bool {
	return e.State == StateSynced
}

const queueColumns = `seq, id, table_name, record_id, operation, priority, retry_count,
	next_retry_at, state, last_error, revision, created_at, updated_at`

// coalesce folds a new mutation into a pending one.
func coalesce(prev, next Operation) Operation {
	switch {
	case next == OpDelete:
		return OpDelete
	case prev == OpCreate:
		return OpCreate
	default:
		return OpUpdate
	}
}

// Enqueue records a local mutation. If the record already has a pending
// entry the mutation coalesces into it: create+update stays create,
// anything+delete becomes delete and the more urgent priority wins.
// Returns the resulting pending entry.
func (s *Store) Enqueue(ctx context.Context, table, recordID string, op Operation, priority int, now int64) (QueueEntry, error) {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return QueueEntry{}, fmt.Errorf("enqueue: invalid operation %q", op)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("enqueue: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	existing, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+queueColumns+`
		FROM sync_queue WHERE table_name = ? AND record_id = ? AND state = 'pending'`,
		table, recordID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err := uuid.NewV7()
		if err != nil {
			return QueueEntry{}, fmt.Errorf("enqueue: generate id: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_queue
			(id, table_name, record_id, operation, priority, next_retry_at, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		`, id.String(), table, recordID, string(op), priority, now, now, now)
		if err != nil {
			return QueueEntry{}, fmt.Errorf("enqueue: insert: %w", err)
		}
	case err != nil:
		return QueueEntry{}, fmt.Errorf("enqueue: lookup pending: %w", err)
	default:
		merged := coalesce(existing.Operation, op)
		prio := min(existing.Priority, priority)
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET operation = ?, priority = ?, revision = revision + 1, updated_at = ?
			WHERE id = ?
		`, string(merged), prio, now, existing.ID)
		if err != nil {
			return QueueEntry{}, fmt.Errorf("enqueue: coalesce: %w", err)
		}
	}

	entry, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+queueColumns+`
		FROM sync_queue WHERE table_name = ? AND record_id = ? AND state = 'pending'`,
		table, recordID))
	if err != nil {
		return QueueEntry{}, fmt.Errorf("enqueue: reload: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return QueueEntry{}, fmt.Errorf("enqueue: commit: %w", err)
	}
	return entry, nil
}

// ReadyEntries returns pending entries due at now, most urgent tier first
// and FIFO within a tier.
func (s *Store) ReadyEntries(ctx context.Context, now int64, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+`
		FROM sync_queue
		WHERE state = 'pending' AND next_retry_at <= ?
		ORDER BY priority ASC, seq ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ready entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// PendingEntry returns the pending entry for a record, or an error wrapping
// ErrNotFound.
func (s *Store) PendingEntry(ctx context.Context, table, recordID string) (QueueEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+`
		FROM sync_queue WHERE table_name = ? AND record_id = ? AND state = 'pending'`,
		table, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, fmt.Errorf("pending entry %s/%s: %w", table, recordID, ErrNotFound)
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("pending entry %s/%s: %w", table, recordID, err)
	}
	return e, nil
}

// MarkSynced retires a pending entry acknowledged at the given revision.
// Returns false when a later mutation coalesced into the entry after it was
// read, in which case it stays pending.
func (s *Store) MarkSynced(ctx context.Context, id string, revision, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET state = 'synced', last_error = '', updated_at = ?
		WHERE id = ? AND state = 'pending' AND revision = ?
	`, now, id, revision)
	if err != nil {
		return false, fmt.Errorf("mark synced %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark synced %s: %w", id, err)
	}
	return n == 1, nil
}

// RecordFailure stores the outcome of a failed upload attempt. When failed is
// true the entry leaves automatic retry.
func (s *Store) RecordFailure(ctx context.Context, id string, retryCount int, nextRetryAt int64, lastError string, failed bool, now int64) error {
	state := StatePending
	if failed {
		state = StateFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET retry_count = ?, next_retry_at = ?, last_error = ?, state = ?, updated_at = ?
		WHERE id = ? AND state = 'pending'
	`, retryCount, nextRetryAt, lastError, string(state), now, id)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", id, err)
	}
	return nil
}

// DropPending removes the pending entry of a record, if any.
func (s *Store) DropPending(ctx context.Context, table, recordID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE table_name = ? AND record_id = ? AND state = 'pending'
	`, table, recordID)
	if err != nil {
		return fmt.Errorf("drop pending %s/%s: %w", table, recordID, err)
	}
	return nil
}

// PruneSynced deletes synced entries last touched before the cutoff.
func (s *Store) PruneSynced(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE state = 'synced' AND updated_at < ?
	`, before)
	if err != nil {
		return 0, fmt.Errorf("prune synced: %w", err)
	}
	return res.RowsAffected()
}

// QueueSize returns the number of pending entries.
func (s *Store) QueueSize(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE state = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

// QueueCounts returns the number of entries per state.
func (s *Store) QueueCounts(ctx context.Context) (map[QueueState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sync_queue GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	defer rows.Close()

	out := map[QueueState]int{StatePending: 0, StateSynced: 0, StateFailed: 0}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("queue counts: %w", err)
		}
		out[QueueState(state)] = n
	}
	return out, rows.Err()
}

// FailedEntries lists entries that exhausted their retry budget.
func (s *Store) FailedEntries(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+`
		FROM sync_queue WHERE state = 'failed' ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Requeue puts a failed entry back into automatic retry with a fresh budget.
// If the record has meanwhile gained a pending entry, that entry already
// covers it and the failed one is removed.
func (s *Store) Requeue(ctx context.Context, id string, now int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("requeue: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	failed, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+queueColumns+`
		FROM sync_queue WHERE id = ? AND state = 'failed'`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("requeue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}

	var pending int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE table_name = ? AND record_id = ? AND state = 'pending'
	`, failed.Table, failed.RecordID).Scan(&pending); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}

	if pending > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET state = 'pending', retry_count = 0, next_retry_at = ?, last_error = '',
				revision = revision + 1, updated_at = ?
			WHERE id = ?
		`, now, now, id)
	}
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (QueueEntry, error) {
	var (
		e     QueueEntry
		op    string
		state string
	)
	err := row.Scan(&e.Seq, &e.ID, &e.Table, &e.RecordID, &op, &e.Priority, &e.RetryCount,
		&e.NextRetryAt, &state, &e.LastError, &e.Revision, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return QueueEntry{}, err
	}
	e.Operation = Operation(op)
	e.State = QueueState(state)
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]QueueEntry, error) {
	var out []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return out, nil
}
