// Package queue implements the durable pending-operation queue.
//
// Writes performed while offline (or that the remote store failed to
// accept) are appended here and replayed by the sync coordinator when
// connectivity returns. The queue is persisted in the local SQLite
// database so offline writes survive an app relaunch.
//
// Within one queue, at most one create/update operation exists per
// entity id: a new update collapses any prior create/update for the
// same id, keeping the earliest enqueue time and position but the
// latest payload. A delete removes any prior create/update and is
// terminal. Operations on different ids keep their relative enqueue
// order across drains.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aceup-app/syncengine/internal/entity"
	"github.com/aceup-app/syncengine/internal/storage"
	"github.com/aceup-app/syncengine/internal/storage/sqlitestore"
)

// OpKind tags a pending operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpLink   OpKind = "link"
	OpUnlink OpKind = "unlink"
)

// Operation is one queued mutation awaiting remote replay.
type Operation struct {
	// ID is the operation identifier, assigned on enqueue.
	ID string

	// EntityID is the record the operation targets.
	EntityID string

	// Op is the operation kind.
	Op OpKind

	// Payload is the entity snapshot (create/update) or relation ids
	// (link/unlink). Empty for delete.
	Payload json.RawMessage

	// EnqueuedAt is when the operation (or the earliest operation it
	// collapsed) was first queued.
	EnqueuedAt time.Time

	// Attempts counts failed replays.
	Attempts int
}

// RelationPayload is the payload for link/unlink operations.
type RelationPayload struct {
	MemberID string `json:"member_id"`
}

// Config holds queue tuning knobs.
type Config struct {
	// MaxAttempts is the replay bound for operations the remote keeps
	// rejecting. Once reached, the operation moves to the dead-letter
	// table and stops counting as pending. Zero means the default (10).
	MaxAttempts int

	// Logger for queue activity. If nil, a default stderr logger is used.
	Logger *log.Logger
}

// DefaultMaxAttempts bounds replays of operations the remote rejects.
const DefaultMaxAttempts = 10

// Queue is the durable pending-operation queue for one entity kind.
//
// All mutations are serialized through an internal mutex: enqueues come
// from UI write paths while drains come from connectivity callbacks, and
// the collapse rules require a consistent view.
type Queue struct {
	db     *sqlitestore.DB
	kind   entity.Kind
	max    int
	logger *log.Logger

	mu sync.Mutex
}

// New creates the pending queue for one entity kind over the shared
// local database. If config is nil, defaults apply.
func New(db *sqlitestore.DB, kind entity.Kind, config *Config) *Queue {
	max := DefaultMaxAttempts
	var logger *log.Logger
	if config != nil {
		if config.MaxAttempts > 0 {
			max = config.MaxAttempts
		}
		logger = config.Logger
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	return &Queue{
		db:     db,
		kind:   kind,
		max:    max,
		logger: logger,
	}
}

// Enqueue appends an operation, applying the collapse rules, and
// persists it durably before returning.
//
// The operation's ID and EnqueuedAt are assigned here if unset.
func (q *Queue) Enqueue(ctx context.Context, op Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}

	tx, err := q.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin enqueue: %v", storage.ErrPersistence, err)
	}
	defer tx.Rollback()

	switch op.Op {
	case OpCreate, OpUpdate:
		if err := q.collapseWrite(ctx, tx, &op); err != nil {
			return err
		}
	case OpDelete:
		// A delete supersedes any pending create/update for the id.
		if _, err := tx.ExecContext(ctx, `
		DELETE FROM pending_ops WHERE kind = ? AND entity_id = ? AND op IN ('create', 'update')
		`, string(q.kind), op.EntityID); err != nil {
			return fmt.Errorf("%w: failed to collapse delete: %v", storage.ErrPersistence, err)
		}
		if err := q.insert(ctx, tx, op); err != nil {
			return err
		}
	case OpLink, OpUnlink:
		if err := q.insert(ctx, tx, op); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Op)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit enqueue: %v", storage.ErrPersistence, err)
	}

	return nil
}

// collapseWrite applies the create/update collapse rules inside the
// enqueue transaction.
func (q *Queue) collapseWrite(ctx context.Context, tx *sql.Tx, op *Operation) error {
	var (
		priorID    string
		priorOp    string
		priorAt    string
		priorSeq   int64
		priorFound = true
	)
	err := tx.QueryRowContext(ctx, `
	SELECT op_id, op, enqueued_at, seq FROM pending_ops
	WHERE kind = ? AND entity_id = ? AND op IN ('create', 'update', 'delete')
	ORDER BY seq LIMIT 1
	`, string(q.kind), op.EntityID).Scan(&priorID, &priorOp, &priorAt, &priorSeq)
	if err == sql.ErrNoRows {
		priorFound = false
	} else if err != nil {
		return fmt.Errorf("%w: failed to inspect pending ops: %v", storage.ErrPersistence, err)
	}

	if !priorFound {
		return q.insert(ctx, tx, *op)
	}

	if priorOp == string(OpDelete) {
		// The id is deleted-pending. A fresh create replaces the delete
		// (the record is being recreated before the delete ever synced);
		// an update targets a record that no longer exists.
		if op.Op == OpUpdate {
			return fmt.Errorf("%w: %s %s has a pending delete", storage.ErrNotFound, q.kind, op.EntityID)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_ops WHERE op_id = ?`, priorID); err != nil {
			return fmt.Errorf("%w: failed to replace pending delete: %v", storage.ErrPersistence, err)
		}
		return q.insert(ctx, tx, *op)
	}

	// Collapse: latest payload, earliest enqueue time and position. A
	// create that hasn't replayed yet stays a create so the remote still
	// sees the record for the first time.
	collapsedOp := string(op.Op)
	if priorOp == string(OpCreate) {
		collapsedOp = string(OpCreate)
	}

	if _, err := tx.ExecContext(ctx, `
	UPDATE pending_ops SET op = ?, payload = ?, attempts = 0 WHERE op_id = ?
	`, collapsedOp, string(op.Payload), priorID); err != nil {
		return fmt.Errorf("%w: failed to collapse pending op: %v", storage.ErrPersistence, err)
	}

	op.ID = priorID
	if at, err := time.Parse(time.RFC3339Nano, priorAt); err == nil {
		op.EnqueuedAt = at
	}

	return nil
}

// insert appends a row at the end of the kind's queue.
func (q *Queue) insert(ctx context.Context, tx *sql.Tx, op Operation) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO pending_ops (op_id, kind, entity_id, op, payload, enqueued_at, attempts, seq)
	VALUES (?, ?, ?, ?, ?, ?, ?,
		COALESCE((SELECT MAX(seq) FROM pending_ops WHERE kind = ?), 0) + 1)
	`, op.ID, string(q.kind), op.EntityID, string(op.Op), string(op.Payload),
		op.EnqueuedAt.UTC().Format(time.RFC3339Nano), op.Attempts, string(q.kind))
	if err != nil {
		return fmt.Errorf("%w: failed to insert pending op: %v", storage.ErrPersistence, err)
	}
	return nil
}

// ReplayFunc replays one operation against the remote store. A nil
// return removes the operation from the queue.
type ReplayFunc func(ctx context.Context, op Operation) error

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Replayed operations were accepted by the remote and removed.
	Replayed int

	// Failed operations were retained for the next drain.
	Failed int

	// Dead operations exhausted their attempts and moved to the
	// dead-letter table.
	Dead int
}

// Drain replays queued operations in enqueue order.
//
// Operations that succeed are removed; operations that fail are retained
// in their original relative order, with their attempt counters bumped.
// A failure on one operation does not block replay of operations on
// other ids. Rejected operations that reach the attempt bound move to
// the dead-letter table.
func (q *Queue) Drain(ctx context.Context, replay ReplayFunc) (DrainResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result DrainResult

	ops, err := q.list(ctx, "pending_ops")
	if err != nil {
		return result, err
	}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		replayErr := replay(ctx, op)
		if replayErr == nil {
			if err := q.remove(ctx, op.ID); err != nil {
				return result, err
			}
			result.Replayed++
			continue
		}

		op.Attempts++
		q.logger.Printf("Replay failed for %s %s (attempt %d): %v",
			op.Op, op.EntityID, op.Attempts, replayErr)

		// Rejections that can never succeed are bounded; transient
		// disconnects retry forever.
		if errors.Is(replayErr, storage.ErrRemoteRejected) && op.Attempts >= q.max {
			if err := q.bury(ctx, op, replayErr); err != nil {
				return result, err
			}
			result.Dead++
			continue
		}

		if _, err := q.db.RawDB().ExecContext(ctx,
			`UPDATE pending_ops SET attempts = ? WHERE op_id = ?`, op.Attempts, op.ID); err != nil {
			return result, fmt.Errorf("%w: failed to record attempt: %v", storage.ErrPersistence, err)
		}
		result.Failed++
	}

	return result, nil
}

// remove deletes a replayed operation.
func (q *Queue) remove(ctx context.Context, opID string) error {
	if _, err := q.db.RawDB().ExecContext(ctx,
		`DELETE FROM pending_ops WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("%w: failed to remove replayed op: %v", storage.ErrPersistence, err)
	}
	return nil
}

// bury moves an operation to the dead-letter table.
func (q *Queue) bury(ctx context.Context, op Operation, cause error) error {
	tx, err := q.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin dead-letter move: %v", storage.ErrPersistence, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO dead_ops (op_id, kind, entity_id, op, payload, enqueued_at, attempts, dead_at, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, string(q.kind), op.EntityID, string(op.Op), string(op.Payload),
		op.EnqueuedAt.UTC().Format(time.RFC3339Nano), op.Attempts,
		time.Now().UTC().Format(time.RFC3339Nano), cause.Error()); err != nil {
		return fmt.Errorf("%w: failed to dead-letter op: %v", storage.ErrPersistence, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_ops WHERE op_id = ?`, op.ID); err != nil {
		return fmt.Errorf("%w: failed to remove dead op: %v", storage.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit dead-letter move: %v", storage.ErrPersistence, err)
	}

	q.logger.Printf("Dead-lettered %s %s after %d attempts", op.Op, op.EntityID, op.Attempts)
	return nil
}

// Count returns the number of pending operations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.count(ctx, "pending_ops")
}

// DeadCount returns the number of dead-lettered operations.
func (q *Queue) DeadCount(ctx context.Context) (int, error) {
	return q.count(ctx, "dead_ops")
}

func (q *Queue) count(ctx context.Context, table string) (int, error) {
	var n int
	err := q.db.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE kind = ?`, string(q.kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count %s: %v", storage.ErrPersistence, table, err)
	}
	return n, nil
}

// Operations returns the pending operations in enqueue order.
func (q *Queue) Operations(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list(ctx, "pending_ops")
}

// PendingUnlinks returns the member ids whose most recent queued
// relation operation for the entity is an unlink. The merge policy
// subtracts these from the membership union so a background refresh
// cannot resurrect a member whose removal has not replayed yet.
func (q *Queue) PendingUnlinks(ctx context.Context, entityID string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.list(ctx, "pending_ops")
	if err != nil {
		return nil, err
	}

	last := make(map[string]OpKind)
	for _, op := range ops {
		if op.EntityID != entityID || (op.Op != OpLink && op.Op != OpUnlink) {
			continue
		}
		var rel RelationPayload
		if err := json.Unmarshal(op.Payload, &rel); err != nil {
			// Corrupt payloads dead-letter at replay; nothing to track.
			continue
		}
		last[rel.MemberID] = op.Op
	}

	var ids []string
	for id, op := range last {
		if op == OpUnlink {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Dead returns the dead-lettered operations.
func (q *Queue) Dead(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list(ctx, "dead_ops")
}

func (q *Queue) list(ctx context.Context, table string) ([]Operation, error) {
	order := "seq"
	if table == "dead_ops" {
		order = "dead_at"
	}
	rows, err := q.db.RawDB().QueryContext(ctx,
		`SELECT op_id, entity_id, op, payload, enqueued_at, attempts FROM `+table+
			` WHERE kind = ? ORDER BY `+order, string(q.kind))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %v", storage.ErrPersistence, table, err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var (
			op      Operation
			opKind  string
			payload sql.NullString
			at      string
		)
		if err := rows.Scan(&op.ID, &op.EntityID, &opKind, &payload, &at, &op.Attempts); err != nil {
			return nil, fmt.Errorf("%w: failed to scan %s row: %v", storage.ErrPersistence, table, err)
		}
		op.Op = OpKind(opKind)
		if payload.Valid && payload.String != "" {
			op.Payload = json.RawMessage(payload.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			op.EnqueuedAt = t
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate %s: %v", storage.ErrPersistence, table, err)
	}

	return ops, nil
}

// RetryDead moves dead-lettered operations back to the pending queue
// with fresh attempt counters. Returns the number requeued.
//
// A dead create/update/delete is dropped instead of requeued when the
// entity already has a pending write: the pending operation carries
// newer data, and raw-requeuing the dead snapshot at the tail would
// replay stale state over it. When several dead writes exist for one
// id, only the most recently buried one is considered.
func (q *Queue) RetryDead(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead, err := q.list(ctx, "dead_ops")
	if err != nil {
		return 0, err
	}

	// The list is ordered by burial time, so the last write per id is
	// the newest snapshot.
	newest := make(map[string]string)
	for _, op := range dead {
		if op.Op == OpCreate || op.Op == OpUpdate || op.Op == OpDelete {
			newest[op.EntityID] = op.ID
		}
	}

	tx, err := q.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin requeue: %v", storage.ErrPersistence, err)
	}
	defer tx.Rollback()

	requeued := 0
	for _, op := range dead {
		keep := true
		if op.Op == OpCreate || op.Op == OpUpdate || op.Op == OpDelete {
			keep = newest[op.EntityID] == op.ID
			if keep {
				var pending int
				err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM pending_ops
				WHERE kind = ? AND entity_id = ? AND op IN ('create', 'update', 'delete')
				`, string(q.kind), op.EntityID).Scan(&pending)
				if err != nil {
					return 0, fmt.Errorf("%w: failed to inspect pending ops: %v", storage.ErrPersistence, err)
				}
				keep = pending == 0
			}
		}

		if keep {
			op.Attempts = 0
			if err := q.insert(ctx, tx, op); err != nil {
				return 0, err
			}
			requeued++
		} else {
			q.logger.Printf("Dropping dead %s %s: a newer write supersedes it", op.Op, op.EntityID)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dead_ops WHERE op_id = ?`, op.ID); err != nil {
			return 0, fmt.Errorf("%w: failed to clear dead op: %v", storage.ErrPersistence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit requeue: %v", storage.ErrPersistence, err)
	}

	if requeued > 0 {
		q.logger.Printf("Requeued %d dead-lettered operations", requeued)
	}
	return requeued, nil
}
