// Package syncer implements the reconciliation pass that converges the
// local and remote stores.
//
// One pass per entity type: drain the pending-operation queue against
// the remote store, pull the full remote collection, merge it into the
// local store under the conflict policy, then record the sync time.
// Entity types sync independently and concurrently, but a given type
// never has two passes in flight; a trigger during a running pass is a
// no-op and relies on the next natural trigger.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aceup-app/syncengine/internal/cache"
	"github.com/aceup-app/syncengine/internal/entity"
	"github.com/aceup-app/syncengine/internal/merge"
	"github.com/aceup-app/syncengine/internal/queue"
	"github.com/aceup-app/syncengine/internal/storage"
	"github.com/aceup-app/syncengine/internal/storage/sqlitestore"
)

// Metadata is the per-kind sync bookkeeping surfaced to the UI for
// offline-capability indicators.
type Metadata struct {
	Kind         entity.Kind `json:"kind"`
	LastSyncAt   *time.Time  `json:"last_sync_at"`
	PendingCount int         `json:"pending_count"`
	DeadCount    int         `json:"dead_count"`
}

// Report summarizes what one sync pass did to the pending queue.
type Report struct {
	Replayed int
	Dead     int
}

// QueueChanged reports whether the pass removed or dead-lettered any
// pending operations.
func (r Report) QueueChanged() bool {
	return r.Replayed > 0 || r.Dead > 0
}

// EntitySyncer is one entity type's sync unit, driven by the Coordinator.
type EntitySyncer interface {
	Kind() entity.Kind

	// Sync runs one full pass: drain, pull, merge, record.
	Sync(ctx context.Context) (Report, error)

	// Metadata reports the unit's pending counts and last sync time.
	Metadata(ctx context.Context) (Metadata, error)
}

// UnitConfig holds the collaborators for one entity type's sync unit.
type UnitConfig[T entity.Record] struct {
	Kind   entity.Kind
	Local  storage.Local[T]
	Remote storage.Remote[T]
	Queue  *queue.Queue
	DB     *sqlitestore.DB

	// Policy resolves local/remote disagreements during merge. If nil,
	// merge.LastWriteWins applies.
	Policy merge.Policy[T]

	// ReplayRelation replays link/unlink operations. Only the shared-
	// calendar unit sets it; units without relation support reject such
	// operations.
	ReplayRelation func(ctx context.Context, op queue.Operation) error

	// Cache is invalidated after a pass changes local state. Optional.
	Cache *cache.Cache

	// Logger for sync activity. If nil, a default stderr logger is used.
	Logger *log.Logger
}

// Unit is the sync pass implementation for one entity type.
type Unit[T entity.Record] struct {
	kind           entity.Kind
	local          storage.Local[T]
	remote         storage.Remote[T]
	queue          *queue.Queue
	db             *sqlitestore.DB
	policy         merge.Policy[T]
	replayRelation func(ctx context.Context, op queue.Operation) error
	cache          *cache.Cache
	logger         *log.Logger
}

// NewUnit creates the sync unit for one entity type.
func NewUnit[T entity.Record](config UnitConfig[T]) (*Unit[T], error) {
	if config.Local == nil || config.Remote == nil {
		return nil, fmt.Errorf("local and remote stores cannot be nil")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if config.DB == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	policy := config.Policy
	if policy == nil {
		policy = merge.LastWriteWins[T]
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	return &Unit[T]{
		kind:           config.Kind,
		local:          config.Local,
		remote:         config.Remote,
		queue:          config.Queue,
		db:             config.DB,
		policy:         policy,
		replayRelation: config.ReplayRelation,
		cache:          config.Cache,
		logger:         logger,
	}, nil
}

// Kind implements EntitySyncer.
func (u *Unit[T]) Kind() entity.Kind {
	return u.kind
}

// Metadata implements EntitySyncer.
func (u *Unit[T]) Metadata(ctx context.Context) (Metadata, error) {
	pending, err := u.queue.Count(ctx)
	if err != nil {
		return Metadata{}, err
	}
	dead, err := u.queue.DeadCount(ctx)
	if err != nil {
		return Metadata{}, err
	}
	last, err := u.db.LastSyncAt(ctx, string(u.kind))
	if err != nil {
		return Metadata{}, err
	}

	return Metadata{
		Kind:         u.kind,
		LastSyncAt:   last,
		PendingCount: pending,
		DeadCount:    dead,
	}, nil
}

// Sync implements EntitySyncer.
//
// A replay failure for one operation does not abort the pass; a remote
// pull failure does, leaving the last-sync time unchanged so the next
// trigger retries.
func (u *Unit[T]) Sync(ctx context.Context) (Report, error) {
	start := time.Now()

	result, err := u.queue.Drain(ctx, u.replay)
	if err != nil {
		return Report{}, fmt.Errorf("failed to drain %s queue: %w", u.kind, err)
	}
	report := Report{Replayed: result.Replayed, Dead: result.Dead}
	if result.Failed > 0 || result.Dead > 0 {
		u.logger.Printf("Drained %s queue: replayed=%d failed=%d dead=%d",
			u.kind, result.Replayed, result.Failed, result.Dead)
	}

	if err := u.pull(ctx); err != nil {
		return report, fmt.Errorf("failed to pull %s collection: %w", u.kind, err)
	}

	if err := u.db.SetLastSyncAt(ctx, string(u.kind), time.Now().UTC()); err != nil {
		return report, err
	}

	u.logger.Printf("Synced %s in %v (replayed=%d)", u.kind, time.Since(start).Round(time.Millisecond), result.Replayed)
	return report, nil
}

// replay applies one queued operation against the remote store.
func (u *Unit[T]) replay(ctx context.Context, op queue.Operation) error {
	switch op.Op {
	case queue.OpCreate, queue.OpUpdate:
		var rec T
		if err := json.Unmarshal(op.Payload, &rec); err != nil {
			return fmt.Errorf("%w: corrupt queued payload for %s %s: %v",
				storage.ErrRemoteRejected, u.kind, op.EntityID, err)
		}
		if op.Op == queue.OpCreate {
			return u.remote.Save(ctx, rec)
		}
		return u.remote.Update(ctx, rec)

	case queue.OpDelete:
		err := u.remote.Delete(ctx, op.EntityID)
		if errors.Is(err, storage.ErrNotFound) {
			// Already gone remotely; the delete is done.
			return nil
		}
		return err

	case queue.OpLink, queue.OpUnlink:
		if u.replayRelation == nil {
			return fmt.Errorf("%w: %s does not support relation operations",
				storage.ErrRemoteRejected, u.kind)
		}
		return u.replayRelation(ctx, op)

	default:
		return fmt.Errorf("%w: unknown operation kind %q", storage.ErrRemoteRejected, op.Op)
	}
}

// pull fetches the full remote collection and merges it into the local
// store. Local records missing from the remote with nothing pending are
// treated as server-side deletions and removed.
func (u *Unit[T]) pull(ctx context.Context) error {
	remoteRecs, err := u.remote.FetchAll(ctx)
	if err != nil {
		return err
	}

	changed := false
	remoteIDs := make(map[string]bool, len(remoteRecs))

	for _, remoteRec := range remoteRecs {
		remoteIDs[remoteRec.EntityID()] = true

		localRec, err := u.local.FetchByID(ctx, remoteRec.EntityID())
		if errors.Is(err, storage.ErrNotFound) {
			if err := u.local.Save(ctx, remoteRec); err != nil {
				return err
			}
			changed = true
			continue
		}
		if err != nil {
			return err
		}

		winner := u.policy(localRec, remoteRec)
		if sameDoc(winner, localRec) {
			continue
		}
		if err := u.local.Update(ctx, winner); err != nil {
			return err
		}
		changed = true
	}

	// Tombstone pass: anything local the remote no longer has, unless a
	// pending operation still has to push it up. A background repository
	// refresh holding a pre-deletion remote snapshot can re-save a record
	// removed here; the next pass removes it again.
	pendingIDs, err := u.pendingIDs(ctx)
	if err != nil {
		return err
	}

	localRecs, err := u.local.FetchAll(ctx)
	if err != nil {
		return err
	}
	for _, localRec := range localRecs {
		id := localRec.EntityID()
		if remoteIDs[id] || pendingIDs[id] {
			continue
		}
		u.logger.Printf("Removing %s %s deleted on remote", u.kind, id)
		if err := u.local.Delete(ctx, id); err != nil {
			return err
		}
		changed = true
	}

	if changed && u.cache != nil {
		u.cache.Invalidate(string(u.kind))
	}
	return nil
}

// pendingIDs collects the entity ids with operations still queued.
func (u *Unit[T]) pendingIDs(ctx context.Context) (map[string]bool, error) {
	ops, err := u.queue.Operations(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(ops))
	for _, op := range ops {
		ids[op.EntityID] = true
	}
	return ids, nil
}

// sameDoc compares two records by their serialized form.
func sameDoc[T entity.Record](a, b T) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(da) == string(db)
}

// Event is a coordinator notification, consumed by the dashboard.
type Event struct {
	Type string      `json:"type"` // sync_started, sync_complete, sync_failed, queue_change, connectivity_change
	Kind entity.Kind `json:"kind,omitempty"`
	Err  string      `json:"error,omitempty"`
	At   time.Time   `json:"at"`
}

// Coordinator serializes sync passes per entity type and fans triggers
// out to every registered unit.
type Coordinator struct {
	units  []EntitySyncer
	logger *log.Logger

	// OnEvent, when set, receives pass lifecycle notifications. Invoked
	// from sync goroutines; must not block.
	onEvent func(Event)

	inflight map[entity.Kind]*int32
	online   func() bool
}

// CoordinatorConfig holds coordinator construction options.
type CoordinatorConfig struct {
	// Online reports connectivity; passes are skipped while offline.
	// If nil, passes always run (useful in tests).
	Online func() bool

	// OnEvent receives pass lifecycle notifications. Optional.
	OnEvent func(Event)

	// Logger for coordinator activity. If nil, a default stderr logger
	// is used.
	Logger *log.Logger
}

// NewCoordinator creates a coordinator over the given sync units.
func NewCoordinator(units []EntitySyncer, config *CoordinatorConfig) *Coordinator {
	if config == nil {
		config = &CoordinatorConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}

	inflight := make(map[entity.Kind]*int32, len(units))
	for _, u := range units {
		inflight[u.Kind()] = new(int32)
	}

	return &Coordinator{
		units:    units,
		logger:   logger,
		onEvent:  config.OnEvent,
		inflight: inflight,
		online:   config.Online,
	}
}

// RunAll runs one sync pass for every entity type and waits for all of
// them. Types run concurrently with each other; a type whose previous
// pass is still in flight is skipped (not queued).
func (c *Coordinator) RunAll(ctx context.Context) {
	if c.online != nil && !c.online() {
		c.logger.Println("Skipping sync: offline")
		return
	}

	var wg sync.WaitGroup
	for _, unit := range c.units {
		flag := c.inflight[unit.Kind()]
		if !atomic.CompareAndSwapInt32(flag, 0, 1) {
			c.logger.Printf("Sync already in flight for %s, skipping", unit.Kind())
			continue
		}

		wg.Add(1)
		go func(u EntitySyncer) {
			defer wg.Done()
			defer atomic.StoreInt32(flag, 0)
			c.runOne(ctx, u)
		}(unit)
	}
	wg.Wait()
}

// runOne executes a single unit's pass, reporting lifecycle events.
// Failures stay inside the unit's boundary; they never cross entity
// types.
func (c *Coordinator) runOne(ctx context.Context, u EntitySyncer) {
	c.emit(Event{Type: "sync_started", Kind: u.Kind(), At: time.Now()})

	report, err := u.Sync(ctx)
	if report.QueueChanged() {
		c.emit(Event{Type: "queue_change", Kind: u.Kind(), At: time.Now()})
	}
	if err != nil {
		c.logger.Printf("Sync pass failed for %s: %v", u.Kind(), err)
		c.emit(Event{Type: "sync_failed", Kind: u.Kind(), Err: err.Error(), At: time.Now()})
		return
	}

	c.emit(Event{Type: "sync_complete", Kind: u.Kind(), At: time.Now()})
}

// SetOnEvent installs the event sink. Call before sync passes start;
// the sink is read from sync goroutines without locking.
func (c *Coordinator) SetOnEvent(fn func(Event)) {
	c.onEvent = fn
}

func (c *Coordinator) emit(e Event) {
	if c.onEvent != nil {
		c.onEvent(e)
	}
}

// HandleConnectivity is the connectivity.Listener wired to the monitor:
// a confirmed offline→online transition triggers one full sync.
func (c *Coordinator) HandleConnectivity(online bool) {
	c.emit(Event{Type: "connectivity_change", At: time.Now()})
	if !online {
		return
	}
	go c.RunAll(context.Background())
}

// Refresh is the manual, user-initiated trigger. Blocks until the pass
// completes.
func (c *Coordinator) Refresh(ctx context.Context) {
	c.RunAll(ctx)
}

// Metadata returns the per-kind sync metadata, in unit order.
func (c *Coordinator) Metadata(ctx context.Context) ([]Metadata, error) {
	metas := make([]Metadata, 0, len(c.units))
	for _, u := range c.units {
		meta, err := u.Metadata(ctx)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// PendingTotal sums pending operations across every entity type,
// driving the UI's "N changes pending sync" indicator.
func (c *Coordinator) PendingTotal(ctx context.Context) (int, error) {
	metas, err := c.Metadata(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range metas {
		total += m.PendingCount
	}
	return total, nil
}
