// Package storage defines the contracts the sync engine consumes for
// on-device and cloud persistence, and the error taxonomy shared by
// every store implementation.
//
// The hybrid repository and sync coordinator are written against the
// Local and Remote interfaces only; the concrete implementations live
// in the sqlitestore and couchstore subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/aceup-app/syncengine/internal/entity"
)

// Sentinel errors every store maps its backend failures onto.
//
// Callers branch with errors.Is; the concrete backend error stays in the
// wrap chain for logging.
var (
	// ErrDisconnected means the remote store is unreachable. Recoverable:
	// the write is queued and replayed on the next sync pass.
	ErrDisconnected = errors.New("remote store unreachable")

	// ErrRemoteRejected means the backend refused the operation
	// (validation, permissions). Retried a bounded number of times, then
	// dead-lettered.
	ErrRemoteRejected = errors.New("remote store rejected operation")

	// ErrNotFound means the referenced record does not exist on the side
	// that was asked. On a direct fetch this is absence, not failure.
	ErrNotFound = errors.New("record not found")

	// ErrPersistence means the local store failed. Fatal to the immediate
	// operation; never queued.
	ErrPersistence = errors.New("local persistence failure")

	// ErrDeferred means the write was applied locally and queued for
	// remote sync because the remote was offline or failed. The data is
	// safe; the caller should present "saved locally, will sync later"
	// rather than a hard failure.
	ErrDeferred = errors.New("write queued for sync")
)

// Local is the on-device persistent store for one entity type. It is the
// source of truth for all reads.
//
// Local operations never fail due to connectivity. Any error they return
// wraps ErrPersistence and is fatal to the calling operation.
type Local[T entity.Record] interface {
	FetchAll(ctx context.Context) ([]T, error)
	FetchByID(ctx context.Context, id string) (T, error)
	Save(ctx context.Context, rec T) error
	Update(ctx context.Context, rec T) error
	Delete(ctx context.Context, id string) error
}

// Remote is the cloud store for one entity type. Authoritative once
// synchronized, but not always reachable.
//
// Implementations must translate transport failures to ErrDisconnected
// and server-side refusals to ErrRemoteRejected, and must make Save
// idempotent by id so an ambiguous network failure can be replayed
// without duplicating records.
type Remote[T entity.Record] interface {
	FetchAll(ctx context.Context) ([]T, error)
	FetchByID(ctx context.Context, id string) (T, error)
	Save(ctx context.Context, rec T) error
	Update(ctx context.Context, rec T) error
	Delete(ctx context.Context, id string) error
}
