// Package engine assembles the sync stack (local store, remote store,
// per-kind queues, hybrid repositories, and the coordinator) from a
// single configuration.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	kivik "github.com/go-kivik/kivik/v4"

	"github.com/aceup-app/syncengine/internal/cache"
	"github.com/aceup-app/syncengine/internal/config"
	"github.com/aceup-app/syncengine/internal/connectivity"
	"github.com/aceup-app/syncengine/internal/entity"
	"github.com/aceup-app/syncengine/internal/hybrid"
	"github.com/aceup-app/syncengine/internal/merge"
	"github.com/aceup-app/syncengine/internal/queue"
	"github.com/aceup-app/syncengine/internal/storage"
	"github.com/aceup-app/syncengine/internal/storage/couchstore"
	"github.com/aceup-app/syncengine/internal/storage/sqlitestore"
	"github.com/aceup-app/syncengine/internal/syncer"
)

// Engine owns the assembled sync stack.
type Engine struct {
	DB      *sqlitestore.DB
	Remote  *kivik.Client
	Monitor *connectivity.Monitor
	Cache   *cache.Cache

	Assignments *hybrid.Repository[entity.Assignment]
	Courses     *hybrid.Repository[entity.Course]
	Holidays    *hybrid.Repository[entity.Holiday]
	Teachers    *hybrid.Repository[entity.Teacher]
	Calendars   *hybrid.CalendarRepository

	Coordinator *syncer.Coordinator

	queues map[entity.Kind]*queue.Queue
	logger *log.Logger
}

// Options tunes engine assembly beyond the file configuration.
type Options struct {
	// OnEvent receives sync lifecycle events. Optional.
	OnEvent func(syncer.Event)

	// Logger for engine activity. If nil, a default stderr logger is used.
	Logger *log.Logger
}

// New assembles the engine from configuration. The remote database is
// created if it does not exist; an unreachable remote is not an error,
// the engine starts offline and reconciles when connectivity returns.
func New(ctx context.Context, cfg *config.Config, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	db, err := sqlitestore.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	client, err := couchstore.Connect(cfg.Remote.URL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure remote store: %w", err)
	}

	// Best-effort: an unreachable remote is not a startup error, the
	// engine begins offline and reconciles when connectivity returns.
	ensureCtx, cancel := context.WithTimeout(ctx, cfg.Remote.Timeout)
	if err := couchstore.EnsureDB(ensureCtx, client, cfg.Remote.Name); err != nil {
		logger.Printf("Remote database unavailable at startup: %v", err)
	}
	cancel()

	monitor := connectivity.NewMonitor(&connectivity.Config{
		ProbeURL:     cfg.Connectivity.ProbeURL,
		ProbeTimeout: cfg.Connectivity.ProbeTimeout,
		Interval:     cfg.Connectivity.Interval,
		Debounce:     cfg.Connectivity.Debounce,
		Logger:       logger,
	})

	unified := cache.New(&cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL,
	})

	e := &Engine{
		DB:      db,
		Remote:  client,
		Monitor: monitor,
		Cache:   unified,
		queues:  make(map[entity.Kind]*queue.Queue),
		logger:  logger,
	}

	for _, kind := range entity.Kinds() {
		e.queues[kind] = queue.New(db, kind, &queue.Config{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Logger:      logger,
		})
	}

	var units []syncer.EntitySyncer

	e.Assignments, units = buildKind[entity.Assignment](e, cfg, entity.KindAssignment, nil, nil, units)
	e.Courses, units = buildKind[entity.Course](e, cfg, entity.KindCourse, nil, nil, units)
	e.Holidays, units = buildKind[entity.Holiday](e, cfg, entity.KindHoliday, nil, nil, units)
	e.Teachers, units = buildKind[entity.Teacher](e, cfg, entity.KindTeacher, nil, nil, units)

	calRemote := couchstore.NewStore[entity.SharedCalendar](client, cfg.Remote.Name, entity.KindSharedCalendar, cfg.Remote.Timeout)
	calRepo, calUnit, err := buildCalendar(e, cfg, calRemote)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.Calendars = calRepo
	units = append(units, calUnit)

	e.Coordinator = syncer.NewCoordinator(units, &syncer.CoordinatorConfig{
		Online:  monitor.IsOnline,
		OnEvent: opts.OnEvent,
		Logger:  logger,
	})

	monitor.Subscribe(e.Coordinator.HandleConnectivity)

	return e, nil
}

// buildKind wires one plain entity type: remote store, repository, and
// sync unit sharing the kind's queue.
func buildKind[T entity.Record](
	e *Engine,
	cfg *config.Config,
	kind entity.Kind,
	policy merge.Policy[T],
	replayRelation func(ctx context.Context, op queue.Operation) error,
	units []syncer.EntitySyncer,
) (*hybrid.Repository[T], []syncer.EntitySyncer) {
	remote := couchstore.NewStore[T](e.Remote, cfg.Remote.Name, kind, cfg.Remote.Timeout)
	local := sqlitestore.NewStore[T](e.DB, kind)

	repo, err := hybrid.NewRepository(hybrid.Config[T]{
		Kind:          kind,
		Local:         local,
		Remote:        remote,
		Queue:         e.queues[kind],
		Online:        e.Monitor.IsOnline,
		Policy:        policy,
		Cache:         e.Cache,
		RemoteTimeout: cfg.Remote.Timeout,
		Logger:        e.logger,
	})
	if err != nil {
		// All collaborators are constructed above; this cannot fire.
		panic(err)
	}

	unit, err := syncer.NewUnit(syncer.UnitConfig[T]{
		Kind:           kind,
		Local:          local,
		Remote:         remote,
		Queue:          e.queues[kind],
		DB:             e.DB,
		Policy:         policy,
		ReplayRelation: replayRelation,
		Cache:          e.Cache,
		Logger:         e.logger,
	})
	if err != nil {
		panic(err)
	}

	return repo, append(units, unit)
}

// buildCalendar wires the shared-calendar type with its membership-union
// merge policy and link/unlink replay.
func buildCalendar(e *Engine, cfg *config.Config, remote *couchstore.Store[entity.SharedCalendar]) (*hybrid.CalendarRepository, syncer.EntitySyncer, error) {
	kind := entity.KindSharedCalendar
	local := sqlitestore.NewStore[entity.SharedCalendar](e.DB, kind)

	// Repository and sync unit must agree on the policy: both merges
	// skip members whose unlink is still queued.
	policy := merge.SharedCalendarsExcluding(hybrid.PendingUnlinkLookup(e.queues[kind], e.logger))

	repo, err := hybrid.NewCalendarRepository(hybrid.Config[entity.SharedCalendar]{
		Kind:          kind,
		Local:         local,
		Remote:        remote,
		Queue:         e.queues[kind],
		Online:        e.Monitor.IsOnline,
		Policy:        policy,
		Cache:         e.Cache,
		RemoteTimeout: cfg.Remote.Timeout,
		Logger:        e.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build calendar repository: %w", err)
	}

	unit, err := syncer.NewUnit(syncer.UnitConfig[entity.SharedCalendar]{
		Kind:   kind,
		Local:  local,
		Remote: remote,
		Queue:  e.queues[kind],
		DB:     e.DB,
		Policy: policy,
		ReplayRelation: func(ctx context.Context, op queue.Operation) error {
			var rel queue.RelationPayload
			if err := json.Unmarshal(op.Payload, &rel); err != nil {
				// Corrupt payloads can never replay; let the queue bury them.
				return fmt.Errorf("%w: corrupt relation payload for %s: %v", storage.ErrRemoteRejected, op.EntityID, err)
			}
			return hybrid.ApplyMemberChange(ctx, remote, op.EntityID, rel.MemberID, op.Op == queue.OpLink)
		},
		Cache:  e.Cache,
		Logger: e.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build calendar sync unit: %w", err)
	}

	return repo, unit, nil
}

// Queue returns the pending queue for a kind.
func (e *Engine) Queue(kind entity.Kind) *queue.Queue {
	return e.queues[kind]
}

// Start begins connectivity monitoring. Sync passes trigger on the
// online transition; callers wanting an immediate attempt can call
// Sync directly.
func (e *Engine) Start(ctx context.Context) {
	e.Monitor.Start(ctx)
}

// Sync runs one coordinated pass across every entity type.
func (e *Engine) Sync(ctx context.Context) {
	e.Coordinator.RunAll(ctx)
}

// Close stops monitoring and releases the local store.
func (e *Engine) Close() error {
	e.Monitor.Stop()
	if e.Remote != nil {
		_ = e.Remote.Close()
	}
	return e.DB.Close()
}

// PendingTotal reports the number of queued operations across all kinds.
func (e *Engine) PendingTotal(ctx context.Context) (int, error) {
	return e.Coordinator.PendingTotal(ctx)
}

// WaitHealthy blocks until the monitor reports online or the context
// expires. Useful for one-shot sync commands.
func (e *Engine) WaitHealthy(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		if e.Monitor.IsOnline() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
