package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/aceup-app/syncengine/internal/entity"
	"github.com/aceup-app/syncengine/internal/storage"
	"github.com/aceup-app/syncengine/internal/storage/sqlitestore"
)

func testQueue(t *testing.T, config *Config) (*Queue, *sqlitestore.DB) {
	t.Helper()
	db, err := sqlitestore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = log.New(io.Discard, "", 0)
	}
	return New(db, entity.KindAssignment, config), db
}

func payload(t *testing.T, title string) json.RawMessage {
	t.Helper()
	doc, err := json.Marshal(entity.Assignment{ID: "a1", Title: title})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return doc
}

// mustEnqueue enqueues or fails the test
func mustEnqueue(t *testing.T, q *Queue, op Operation) {
	t.Helper()
	if err := q.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("Enqueue(%s %s) failed: %v", op.Op, op.EntityID, err)
	}
}

// TestEnqueue_AssignsIdentity tests that ID and EnqueuedAt are filled in
func TestEnqueue_AssignsIdentity(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "hw")})

	ops, err := q.Operations(ctx)
	if err != nil {
		t.Fatalf("Operations() failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	if ops[0].ID == "" {
		t.Error("operation ID not assigned")
	}
	if ops[0].EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not assigned")
	}
}

// TestEnqueue_UpdateCollapsesUpdate tests that repeated updates leave one
// operation carrying the latest payload
func TestEnqueue_UpdateCollapsesUpdate(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpUpdate, Payload: payload(t, "v1")})
	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpUpdate, Payload: payload(t, "v2")})
	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpUpdate, Payload: payload(t, "v3")})

	ops, err := q.Operations(ctx)
	if err != nil {
		t.Fatalf("Operations() failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	if ops[0].Op != OpUpdate {
		t.Errorf("Op = %s, want update", ops[0].Op)
	}

	var rec entity.Assignment
	if err := json.Unmarshal(ops[0].Payload, &rec); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if rec.Title != "v3" {
		t.Errorf("payload title = %q, want %q", rec.Title, "v3")
	}
}

// TestEnqueue_UpdateAfterCreateStaysCreate tests that an update folding
// into a pending create keeps the create kind
func TestEnqueue_UpdateAfterCreateStaysCreate(t *testing.T) {
	q, _ := testQueue(t, nil)

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "v1")})
	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpUpdate, Payload: payload(t, "v2")})

	ops, _ := q.Operations(context.Background())
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	if ops[0].Op != OpCreate {
		t.Errorf("Op = %s, want create", ops[0].Op)
	}

	var rec entity.Assignment
	json.Unmarshal(ops[0].Payload, &rec)
	if rec.Title != "v2" {
		t.Errorf("payload title = %q, want %q", rec.Title, "v2")
	}
}

// TestEnqueue_CollapseKeepsPosition tests that a collapsed operation
// keeps the earliest queue position, not the latest
func TestEnqueue_CollapseKeepsPosition(t *testing.T) {
	q, _ := testQueue(t, nil)

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpUpdate, Payload: payload(t, "first")})
	mustEnqueue(t, q, Operation{EntityID: "a2", Op: OpCreate, Payload: payload(t, "other")})
	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpUpdate, Payload: payload(t, "second")})

	ops, _ := q.Operations(context.Background())
	if len(ops) != 2 {
		t.Fatalf("got %d operations, want 2", len(ops))
	}
	if ops[0].EntityID != "a1" || ops[1].EntityID != "a2" {
		t.Errorf("order = [%s %s], want [a1 a2]", ops[0].EntityID, ops[1].EntityID)
	}
}

// TestEnqueue_DeleteSupersedesWrites tests that a delete removes pending
// creates and updates for the id
func TestEnqueue_DeleteSupersedesWrites(t *testing.T) {
	q, _ := testQueue(t, nil)

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "v1")})
	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpUpdate, Payload: payload(t, "v2")})
	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpDelete})

	ops, _ := q.Operations(context.Background())
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	if ops[0].Op != OpDelete {
		t.Errorf("Op = %s, want delete", ops[0].Op)
	}
}

// TestEnqueue_CreateReplacesPendingDelete tests recreating an id whose
// delete hasn't synced yet
func TestEnqueue_CreateReplacesPendingDelete(t *testing.T) {
	q, _ := testQueue(t, nil)

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpDelete})
	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "reborn")})

	ops, _ := q.Operations(context.Background())
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	if ops[0].Op != OpCreate {
		t.Errorf("Op = %s, want create", ops[0].Op)
	}
}

// TestEnqueue_UpdateAfterPendingDelete tests that updating a
// deleted-pending id fails with not found
func TestEnqueue_UpdateAfterPendingDelete(t *testing.T) {
	q, _ := testQueue(t, nil)

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpDelete})

	err := q.Enqueue(context.Background(), Operation{EntityID: "a1", Op: OpUpdate, Payload: payload(t, "v2")})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Enqueue() error = %v, want ErrNotFound", err)
	}

	// The delete is untouched.
	ops, _ := q.Operations(context.Background())
	if len(ops) != 1 || ops[0].Op != OpDelete {
		t.Errorf("queue state corrupted by rejected update: %+v", ops)
	}
}

// TestEnqueue_DifferentIDsKeepOrder tests FIFO order across ids
func TestEnqueue_DifferentIDsKeepOrder(t *testing.T) {
	q, _ := testQueue(t, nil)

	for i := 0; i < 5; i++ {
		mustEnqueue(t, q, Operation{
			EntityID: fmt.Sprintf("a%d", i),
			Op:       OpCreate,
			Payload:  payload(t, "x"),
		})
	}

	ops, _ := q.Operations(context.Background())
	if len(ops) != 5 {
		t.Fatalf("got %d operations, want 5", len(ops))
	}
	for i, op := range ops {
		want := fmt.Sprintf("a%d", i)
		if op.EntityID != want {
			t.Errorf("ops[%d].EntityID = %s, want %s", i, op.EntityID, want)
		}
	}
}

// TestDrain_ReplaysInOrder tests a fully successful drain
func TestDrain_ReplaysInOrder(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "x")})
	mustEnqueue(t, q, Operation{EntityID: "a2", Op: OpUpdate, Payload: payload(t, "y")})
	mustEnqueue(t, q, Operation{EntityID: "a3", Op: OpDelete})

	var replayed []string
	result, err := q.Drain(ctx, func(ctx context.Context, op Operation) error {
		replayed = append(replayed, op.EntityID)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	if result.Replayed != 3 || result.Failed != 0 || result.Dead != 0 {
		t.Errorf("result = %+v, want 3 replayed", result)
	}
	if len(replayed) != 3 || replayed[0] != "a1" || replayed[1] != "a2" || replayed[2] != "a3" {
		t.Errorf("replay order = %v, want [a1 a2 a3]", replayed)
	}

	n, _ := q.Count(ctx)
	if n != 0 {
		t.Errorf("Count() after drain = %d, want 0", n)
	}
}

// TestDrain_PartialFailure tests that one failing operation doesn't
// block the rest and is retained in order
func TestDrain_PartialFailure(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "x")})
	mustEnqueue(t, q, Operation{EntityID: "a2", Op: OpCreate, Payload: payload(t, "y")})
	mustEnqueue(t, q, Operation{EntityID: "a3", Op: OpCreate, Payload: payload(t, "z")})

	result, err := q.Drain(ctx, func(ctx context.Context, op Operation) error {
		if op.EntityID == "a2" {
			return fmt.Errorf("%w: socket reset", storage.ErrDisconnected)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Replayed != 2 || result.Failed != 1 {
		t.Errorf("result = %+v, want 2 replayed 1 failed", result)
	}

	ops, _ := q.Operations(ctx)
	if len(ops) != 1 {
		t.Fatalf("got %d retained operations, want 1", len(ops))
	}
	if ops[0].EntityID != "a2" {
		t.Errorf("retained = %s, want a2", ops[0].EntityID)
	}
	if ops[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", ops[0].Attempts)
	}
}

// TestDrain_DisconnectsRetryForever tests that transient failures never
// dead-letter regardless of attempt count
func TestDrain_DisconnectsRetryForever(t *testing.T) {
	q, _ := testQueue(t, &Config{MaxAttempts: 2})
	ctx := context.Background()

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "x")})

	for i := 0; i < 5; i++ {
		result, err := q.Drain(ctx, func(ctx context.Context, op Operation) error {
			return fmt.Errorf("%w: still down", storage.ErrDisconnected)
		})
		if err != nil {
			t.Fatalf("Drain() failed: %v", err)
		}
		if result.Dead != 0 {
			t.Fatalf("disconnect dead-lettered on drain %d", i)
		}
	}

	n, _ := q.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

// TestDrain_RejectionDeadLetters tests that repeated remote rejections
// move the operation to the dead-letter table
func TestDrain_RejectionDeadLetters(t *testing.T) {
	q, _ := testQueue(t, &Config{MaxAttempts: 3})
	ctx := context.Background()

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "x")})

	reject := func(ctx context.Context, op Operation) error {
		return fmt.Errorf("%w: 422", storage.ErrRemoteRejected)
	}

	for i := 0; i < 2; i++ {
		result, err := q.Drain(ctx, reject)
		if err != nil {
			t.Fatalf("Drain() failed: %v", err)
		}
		if result.Dead != 0 {
			t.Fatalf("dead-lettered too early on drain %d", i)
		}
	}

	// Third rejection reaches the bound.
	result, err := q.Drain(ctx, reject)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Dead != 1 {
		t.Errorf("result.Dead = %d, want 1", result.Dead)
	}

	pending, _ := q.Count(ctx)
	dead, _ := q.DeadCount(ctx)
	if pending != 0 || dead != 1 {
		t.Errorf("pending=%d dead=%d, want 0/1", pending, dead)
	}
}

// TestRetryDead_Requeues tests that dead operations move back to pending
// with fresh attempt counters
func TestRetryDead_Requeues(t *testing.T) {
	q, _ := testQueue(t, &Config{MaxAttempts: 1})
	ctx := context.Background()

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "x")})
	q.Drain(ctx, func(ctx context.Context, op Operation) error {
		return fmt.Errorf("%w: 400", storage.ErrRemoteRejected)
	})

	dead, _ := q.DeadCount(ctx)
	if dead != 1 {
		t.Fatalf("DeadCount() = %d, want 1", dead)
	}

	n, err := q.RetryDead(ctx)
	if err != nil {
		t.Fatalf("RetryDead() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RetryDead() = %d, want 1", n)
	}

	ops, _ := q.Operations(ctx)
	if len(ops) != 1 {
		t.Fatalf("got %d pending operations, want 1", len(ops))
	}
	if ops[0].Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", ops[0].Attempts)
	}
	dead, _ = q.DeadCount(ctx)
	if dead != 0 {
		t.Errorf("DeadCount() after retry = %d, want 0", dead)
	}
}

// TestRetryDead_DropsSupersededWrites tests that a buried write is not
// requeued over a newer pending write for the same entity
func TestRetryDead_DropsSupersededWrites(t *testing.T) {
	q, _ := testQueue(t, &Config{MaxAttempts: 1})
	ctx := context.Background()

	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpUpdate, Payload: payload(t, "old")})
	q.Drain(ctx, func(ctx context.Context, op Operation) error {
		return fmt.Errorf("%w: 400", storage.ErrRemoteRejected)
	})

	// The user edits again while the old snapshot sits in dead-letter.
	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpUpdate, Payload: payload(t, "new")})

	n, err := q.RetryDead(ctx)
	if err != nil {
		t.Fatalf("RetryDead() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("RetryDead() = %d, want 0 requeued", n)
	}

	ops, _ := q.Operations(ctx)
	if len(ops) != 1 {
		t.Fatalf("got %d pending operations, want 1", len(ops))
	}
	var rec entity.Assignment
	if err := json.Unmarshal(ops[0].Payload, &rec); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if rec.Title != "new" {
		t.Errorf("pending payload Title = %q, want %q", rec.Title, "new")
	}
	if dead, _ := q.DeadCount(ctx); dead != 0 {
		t.Errorf("DeadCount() = %d, want 0", dead)
	}
}

// TestPendingUnlinks_TracksLatestRelation tests that only members whose
// last queued relation operation is an unlink are reported
func TestPendingUnlinks_TracksLatestRelation(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	rel := func(member string) json.RawMessage {
		doc, err := json.Marshal(RelationPayload{MemberID: member})
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		return doc
	}

	mustEnqueue(t, q, Operation{EntityID: "c1", Op: OpUnlink, Payload: rel("u1")})
	mustEnqueue(t, q, Operation{EntityID: "c1", Op: OpUnlink, Payload: rel("u2")})
	// u2 re-linked afterwards: its final queued state is member.
	mustEnqueue(t, q, Operation{EntityID: "c1", Op: OpLink, Payload: rel("u2")})
	// Another calendar's unlink stays out of c1's set.
	mustEnqueue(t, q, Operation{EntityID: "c2", Op: OpUnlink, Payload: rel("u3")})

	got, err := q.PendingUnlinks(ctx, "c1")
	if err != nil {
		t.Fatalf("PendingUnlinks() failed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"u1"}) {
		t.Errorf("PendingUnlinks() = %v, want [u1]", got)
	}
}

// TestQueue_SurvivesReopen tests durability of pending operations across
// a database close and reopen
func TestQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	quiet := log.New(io.Discard, "", 0)

	db, err := sqlitestore.Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	q := New(db, entity.KindAssignment, &Config{Logger: quiet})
	mustEnqueue(t, q, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "survives")})
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db, err = sqlitestore.Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db.Close()

	q = New(db, entity.KindAssignment, &Config{Logger: quiet})
	ops, err := q.Operations(ctx)
	if err != nil {
		t.Fatalf("Operations() failed: %v", err)
	}
	if len(ops) != 1 || ops[0].EntityID != "a1" || ops[0].Op != OpCreate {
		t.Errorf("queue after reopen = %+v, want one pending create for a1", ops)
	}
}

// TestQueue_KindIsolation tests that queues for different kinds don't
// see each other's operations
func TestQueue_KindIsolation(t *testing.T) {
	db, err := sqlitestore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()
	quiet := log.New(io.Discard, "", 0)
	ctx := context.Background()

	qa := New(db, entity.KindAssignment, &Config{Logger: quiet})
	qc := New(db, entity.KindCourse, &Config{Logger: quiet})

	mustEnqueue(t, qa, Operation{EntityID: "a1", Op: OpCreate, Payload: payload(t, "x")})

	n, _ := qc.Count(ctx)
	if n != 0 {
		t.Errorf("course queue Count() = %d, want 0", n)
	}
	n, _ = qa.Count(ctx)
	if n != 1 {
		t.Errorf("assignment queue Count() = %d, want 1", n)
	}
}

// TestEnqueue_LinkOpsDoNotCollapse tests that relation operations queue
// independently of record writes
func TestEnqueue_LinkOpsDoNotCollapse(t *testing.T) {
	db, err := sqlitestore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()
	q := New(db, entity.KindSharedCalendar, &Config{Logger: log.New(io.Discard, "", 0)})

	link, _ := json.Marshal(RelationPayload{MemberID: "u1"})
	unlink, _ := json.Marshal(RelationPayload{MemberID: "u2"})

	mustEnqueue(t, q, Operation{EntityID: "c1", Op: OpLink, Payload: link})
	mustEnqueue(t, q, Operation{EntityID: "c1", Op: OpUnlink, Payload: unlink})
	mustEnqueue(t, q, Operation{EntityID: "c1", Op: OpLink, Payload: link})

	ops, _ := q.Operations(context.Background())
	if len(ops) != 3 {
		t.Errorf("got %d operations, want 3 (relations replay in order)", len(ops))
	}
}
