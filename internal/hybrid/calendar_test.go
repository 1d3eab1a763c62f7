package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/aceup-app/syncengine/internal/entity"
	"github.com/aceup-app/syncengine/internal/queue"
	"github.com/aceup-app/syncengine/internal/storage"
	"github.com/aceup-app/syncengine/internal/storage/sqlitestore"
)

type calHarness struct {
	db     *sqlitestore.DB
	local  *sqlitestore.Store[entity.SharedCalendar]
	remote *fakeRemote[entity.SharedCalendar]
	queue  *queue.Queue
	online bool
	repo   *CalendarRepository
}

func newCalHarness(t *testing.T, online bool) *calHarness {
	t.Helper()

	db, err := sqlitestore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	quiet := log.New(io.Discard, "", 0)
	h := &calHarness{
		db:     db,
		local:  sqlitestore.NewStore[entity.SharedCalendar](db, entity.KindSharedCalendar),
		remote: newFakeRemote[entity.SharedCalendar](),
		queue:  queue.New(db, entity.KindSharedCalendar, &queue.Config{Logger: quiet}),
		online: online,
	}

	repo, err := NewCalendarRepository(Config[entity.SharedCalendar]{
		Kind:   entity.KindSharedCalendar,
		Local:  h.local,
		Remote: h.remote,
		Queue:  h.queue,
		Online: func() bool { return h.online },
		Logger: quiet,
	})
	if err != nil {
		t.Fatalf("NewCalendarRepository() failed: %v", err)
	}
	h.repo = repo
	return h
}

func testCalendar(id string, members ...string) entity.SharedCalendar {
	return entity.SharedCalendar{
		ID:        id,
		Name:      "Study group",
		OwnerID:   "owner",
		MemberIDs: members,
		UpdatedAt: time.Now().UTC(),
	}
}

// TestLinkMember_Online tests that linking applies against the remote's
// current member set rather than overwriting it
func TestLinkMember_Online(t *testing.T) {
	h := newCalHarness(t, true)
	ctx := context.Background()

	h.local.Save(ctx, testCalendar("c1", "u1"))
	// Remote has a member this device hasn't seen yet.
	h.remote.Save(ctx, testCalendar("c1", "u1", "u9"))

	if err := h.repo.LinkMember(ctx, "c1", "u2"); err != nil {
		t.Fatalf("LinkMember() failed: %v", err)
	}

	remote, _ := h.remote.get("c1")
	if !remote.HasMember("u2") {
		t.Error("new member missing from remote")
	}
	if !remote.HasMember("u9") {
		t.Error("concurrent remote member dropped by link")
	}

	local, _ := h.local.FetchByID(ctx, "c1")
	if !local.HasMember("u2") {
		t.Error("new member missing from local record")
	}
}

// TestLinkMember_Offline tests that an offline link updates locally and
// queues a link operation
func TestLinkMember_Offline(t *testing.T) {
	h := newCalHarness(t, false)
	ctx := context.Background()

	h.local.Save(ctx, testCalendar("c1", "u1"))

	err := h.repo.LinkMember(ctx, "c1", "u2")
	if !errors.Is(err, storage.ErrDeferred) {
		t.Fatalf("LinkMember() error = %v, want ErrDeferred", err)
	}

	local, _ := h.local.FetchByID(ctx, "c1")
	if !local.HasMember("u2") {
		t.Error("member not added locally")
	}

	ops, _ := h.queue.Operations(ctx)
	if len(ops) != 1 || ops[0].Op != queue.OpLink {
		t.Fatalf("queue = %+v, want one pending link", ops)
	}
	var rel queue.RelationPayload
	if err := json.Unmarshal(ops[0].Payload, &rel); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if rel.MemberID != "u2" {
		t.Errorf("payload MemberID = %q, want %q", rel.MemberID, "u2")
	}
}

// TestLinkMember_Idempotent tests that linking an existing member doesn't
// duplicate it
func TestLinkMember_Idempotent(t *testing.T) {
	h := newCalHarness(t, true)
	ctx := context.Background()

	h.local.Save(ctx, testCalendar("c1", "u1"))
	h.remote.Save(ctx, testCalendar("c1", "u1"))

	if err := h.repo.LinkMember(ctx, "c1", "u1"); err != nil {
		t.Fatalf("LinkMember() failed: %v", err)
	}

	local, _ := h.local.FetchByID(ctx, "c1")
	if len(local.MemberIDs) != 1 {
		t.Errorf("MemberIDs = %v, want exactly one u1", local.MemberIDs)
	}
}

// TestUnlinkMember_Offline tests the offline leave path
func TestUnlinkMember_Offline(t *testing.T) {
	h := newCalHarness(t, false)
	ctx := context.Background()

	h.local.Save(ctx, testCalendar("c1", "u1", "u2"))

	err := h.repo.UnlinkMember(ctx, "c1", "u2")
	if !errors.Is(err, storage.ErrDeferred) {
		t.Fatalf("UnlinkMember() error = %v, want ErrDeferred", err)
	}

	local, _ := h.local.FetchByID(ctx, "c1")
	if local.HasMember("u2") {
		t.Error("member not removed locally")
	}

	ops, _ := h.queue.Operations(ctx)
	if len(ops) != 1 || ops[0].Op != queue.OpUnlink {
		t.Errorf("queue = %+v, want one pending unlink", ops)
	}
}

// TestUnlinkMember_RefreshKeepsRemoval tests that a background refresh
// cannot undo an offline removal the sync pass hasn't pushed yet
func TestUnlinkMember_RefreshKeepsRemoval(t *testing.T) {
	h := newCalHarness(t, false)
	ctx := context.Background()

	h.local.Save(ctx, testCalendar("c1", "u1", "u2"))
	h.remote.Save(ctx, testCalendar("c1", "u1", "u2"))

	if err := h.repo.UnlinkMember(ctx, "c1", "u2"); !errors.Is(err, storage.ErrDeferred) {
		t.Fatalf("UnlinkMember() error = %v, want ErrDeferred", err)
	}

	// The remote still carries u2; a refresh merge must not union the
	// member back while its unlink is queued.
	if err := h.repo.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	local, err := h.local.FetchByID(ctx, "c1")
	if err != nil {
		t.Fatalf("FetchByID() failed: %v", err)
	}
	if local.HasMember("u2") {
		t.Errorf("MemberIDs = %v, refresh resurrected the unlinked member", local.MemberIDs)
	}
	if n, _ := h.queue.Count(ctx); n != 1 {
		t.Errorf("pending ops = %d, want the unlink still queued", n)
	}
}

// TestLinkMember_RefreshKeepsRelink tests that unlinking and re-linking
// while offline leaves the member in place after a refresh
func TestLinkMember_RefreshKeepsRelink(t *testing.T) {
	h := newCalHarness(t, false)
	ctx := context.Background()

	h.local.Save(ctx, testCalendar("c1", "u1", "u2"))
	h.remote.Save(ctx, testCalendar("c1", "u1", "u2"))

	h.repo.UnlinkMember(ctx, "c1", "u2")
	h.repo.LinkMember(ctx, "c1", "u2")

	if err := h.repo.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	local, _ := h.local.FetchByID(ctx, "c1")
	if !local.HasMember("u2") {
		t.Errorf("MemberIDs = %v, re-linked member dropped", local.MemberIDs)
	}
}

// TestApplyMemberChange_RemoteMissing tests replay semantics against an
// absent remote calendar
func TestApplyMemberChange_RemoteMissing(t *testing.T) {
	remote := newFakeRemote[entity.SharedCalendar]()
	ctx := context.Background()

	// Unlink against nothing: resolved, nothing to leave.
	if err := ApplyMemberChange(ctx, remote, "ghost", "u1", false); err != nil {
		t.Errorf("unlink of missing calendar = %v, want nil", err)
	}

	// Link against nothing: retried after the create syncs.
	if err := ApplyMemberChange(ctx, remote, "ghost", "u1", true); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("link of missing calendar = %v, want ErrNotFound", err)
	}
}

// TestApplyMemberChange_NoOpSkipsWrite tests that an already-applied
// change doesn't touch the remote timestamp
func TestApplyMemberChange_NoOpSkipsWrite(t *testing.T) {
	remote := newFakeRemote[entity.SharedCalendar]()
	ctx := context.Background()

	cal := testCalendar("c1", "u1")
	remote.Save(ctx, cal)

	if err := ApplyMemberChange(ctx, remote, "c1", "u1", true); err != nil {
		t.Fatalf("ApplyMemberChange() failed: %v", err)
	}

	got, _ := remote.get("c1")
	if !got.UpdatedAt.Equal(cal.UpdatedAt) {
		t.Error("no-op membership change bumped UpdatedAt")
	}
}
