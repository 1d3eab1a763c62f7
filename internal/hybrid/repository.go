// Package hybrid implements the connectivity-aware repository that
// applications call for every read and write.
//
// One Repository exists per entity type. Reads always answer from the
// local store immediately; when online, a background remote fetch merges
// fresh state into the local store for the next read. Writes always land
// in the local store synchronously, then either reach the remote store
// or are queued for the next sync pass. A caller never loses a write and
// never blocks on the network.
package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/aceup-app/syncengine/internal/cache"
	"github.com/aceup-app/syncengine/internal/entity"
	"github.com/aceup-app/syncengine/internal/merge"
	"github.com/aceup-app/syncengine/internal/queue"
	"github.com/aceup-app/syncengine/internal/storage"
)

// Config holds the collaborators a repository orchestrates.
type Config[T entity.Record] struct {
	Kind   entity.Kind
	Local  storage.Local[T]
	Remote storage.Remote[T]
	Queue  *queue.Queue

	// Online reports current connectivity; typically the monitor's
	// IsOnline method.
	Online func() bool

	// Policy resolves local/remote disagreements during the background
	// refresh. If nil, merge.LastWriteWins applies.
	Policy merge.Policy[T]

	// Cache is the shared unified cache. Optional; reads bypass caching
	// when nil.
	Cache *cache.Cache

	// RemoteTimeout bounds each remote call. Zero means the default (10s).
	RemoteTimeout time.Duration

	// Logger for repository activity. If nil, a default stderr logger is
	// used.
	Logger *log.Logger
}

// Repository orchestrates local store, remote store, and pending queue
// behind a single read/write contract for one entity type.
type Repository[T entity.Record] struct {
	kind          entity.Kind
	local         storage.Local[T]
	remote        storage.Remote[T]
	queue         *queue.Queue
	online        func() bool
	policy        merge.Policy[T]
	cache         *cache.Cache
	remoteTimeout time.Duration
	logger        *log.Logger

	refreshing int32 // atomic; one background refresh at a time
}

// NewRepository creates a hybrid repository for one entity type.
func NewRepository[T entity.Record](config Config[T]) (*Repository[T], error) {
	if config.Local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if config.Remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if config.Online == nil {
		return nil, fmt.Errorf("online check cannot be nil")
	}
	policy := config.Policy
	if policy == nil {
		policy = merge.LastWriteWins[T]
	}
	timeout := config.RemoteTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, fmt.Sprintf("[%s] ", config.Kind), log.LstdFlags)
	}

	return &Repository[T]{
		kind:          config.Kind,
		local:         config.Local,
		remote:        config.Remote,
		queue:         config.Queue,
		online:        config.Online,
		policy:        policy,
		cache:         config.Cache,
		remoteTimeout: timeout,
		logger:        logger,
	}, nil
}

// Kind returns the repository's entity kind.
func (r *Repository[T]) Kind() entity.Kind {
	return r.kind
}

// FetchAll returns every record from the local store, answering from the
// unified cache when possible. When online, a background remote refresh
// is kicked off; its result is merged into the local store and visible
// on the next read.
func (r *Repository[T]) FetchAll(ctx context.Context) ([]T, error) {
	defer r.maybeRefresh()

	if r.cache == nil {
		return r.local.FetchAll(ctx)
	}

	value, err := r.cache.Get(string(r.kind), func() (interface{}, error) {
		return r.local.FetchAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	recs, _ := value.([]T)
	return recs, nil
}

// FetchByID returns one record from the local store, or
// storage.ErrNotFound. Absence is not a failure. When online, a
// background refresh is kicked off.
func (r *Repository[T]) FetchByID(ctx context.Context, id string) (T, error) {
	defer r.maybeRefresh()
	return r.local.FetchByID(ctx, id)
}

// Create writes a new record.
//
// The local write is synchronous and fatal on failure. The remote write
// is attempted only when online; if it fails, or the device is offline,
// the operation is queued and the returned error wraps
// storage.ErrDeferred: the record is safe locally and will sync later.
func (r *Repository[T]) Create(ctx context.Context, rec T) error {
	if err := r.local.Save(ctx, rec); err != nil {
		return err
	}
	r.invalidate()

	return r.forward(ctx, queue.OpCreate, rec.EntityID(), rec, func(ctx context.Context) error {
		return r.remote.Save(ctx, rec)
	})
}

// Update rewrites an existing record. Same discipline as Create.
func (r *Repository[T]) Update(ctx context.Context, rec T) error {
	if err := r.local.Update(ctx, rec); err != nil {
		return err
	}
	r.invalidate()

	return r.forward(ctx, queue.OpUpdate, rec.EntityID(), rec, func(ctx context.Context) error {
		return r.remote.Update(ctx, rec)
	})
}

// Delete removes a record. Same discipline as Create; the queued delete
// supersedes any pending create/update for the id.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	if err := r.local.Delete(ctx, id); err != nil {
		return err
	}
	r.invalidate()

	var zero T
	return r.forward(ctx, queue.OpDelete, id, zero, func(ctx context.Context) error {
		err := r.remote.Delete(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
}

// forward attempts the remote side of a write, degrading to the pending
// queue on any remote failure or when offline.
func (r *Repository[T]) forward(ctx context.Context, op queue.OpKind, id string, rec T, call func(ctx context.Context) error) error {
	if r.online() {
		rctx, cancel := context.WithTimeout(ctx, r.remoteTimeout)
		err := call(rctx)
		cancel()
		if err == nil {
			return nil
		}
		r.logger.Printf("Remote %s failed for %s %s, queueing: %v", op, r.kind, id, err)
		return r.queueAndDefer(ctx, op, id, rec, err)
	}

	return r.queueAndDefer(ctx, op, id, rec, storage.ErrDisconnected)
}

// queueAndDefer queues the operation and surfaces ErrDeferred so the caller can
// report "saved locally, will sync later" instead of a false success.
func (r *Repository[T]) queueAndDefer(ctx context.Context, op queue.OpKind, id string, rec T, cause error) error {
	var payload json.RawMessage
	if op == queue.OpCreate || op == queue.OpUpdate {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: failed to marshal %s %s for queue: %v", storage.ErrPersistence, r.kind, id, err)
		}
		payload = data
	}

	err := r.queue.Enqueue(ctx, queue.Operation{
		EntityID: id,
		Op:       op,
		Payload:  payload,
	})
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: %s %s: %v", storage.ErrDeferred, r.kind, id, cause)
}

// invalidate drops the unified-cache entry for this kind.
func (r *Repository[T]) invalidate() {
	if r.cache != nil {
		r.cache.Invalidate(string(r.kind))
	}
}

// maybeRefresh kicks off one background remote refresh if online and
// none is already running. Reads never wait on it.
func (r *Repository[T]) maybeRefresh() {
	if !r.online() {
		return
	}
	if !atomic.CompareAndSwapInt32(&r.refreshing, 0, 1) {
		return
	}

	go func() {
		defer atomic.StoreInt32(&r.refreshing, 0)

		ctx, cancel := context.WithTimeout(context.Background(), r.remoteTimeout)
		defer cancel()

		if err := r.Refresh(ctx); err != nil {
			r.logger.Printf("Background refresh failed for %s: %v", r.kind, err)
		}
	}()
}

// Refresh pulls the remote collection and merges it into the local
// store using the conflict policy. Additive only: records missing from
// the remote are left alone here (full reconciliation, including
// tombstones, is the sync coordinator's job). A refresh racing the
// coordinator's tombstone pass can re-save a just-removed record from
// its older remote snapshot; the next pass removes it again.
func (r *Repository[T]) Refresh(ctx context.Context) error {
	remoteRecs, err := r.remote.FetchAll(ctx)
	if err != nil {
		return err
	}

	changed := false
	for _, remoteRec := range remoteRecs {
		localRec, err := r.local.FetchByID(ctx, remoteRec.EntityID())
		if errors.Is(err, storage.ErrNotFound) {
			if err := r.local.Save(ctx, remoteRec); err != nil {
				return err
			}
			changed = true
			continue
		}
		if err != nil {
			return err
		}

		winner := r.policy(localRec, remoteRec)
		if winner.ModifiedAt().Equal(localRec.ModifiedAt()) && winner.EntityID() == localRec.EntityID() {
			// Local already holds the winning version, but the policy may
			// have merged set-valued fields; persist only when it differs.
			if sameDoc(winner, localRec) {
				continue
			}
		}
		if err := r.local.Update(ctx, winner); err != nil {
			return err
		}
		changed = true
	}

	if changed {
		r.invalidate()
	}
	return nil
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
