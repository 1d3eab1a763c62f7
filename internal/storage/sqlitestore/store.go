package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aceup-app/syncengine/internal/entity"
	"github.com/aceup-app/syncengine/internal/storage"
)

// Store is the local store for one entity type, backed by the shared
// records table. It satisfies storage.Local[T].
//
// Records are stored as JSON documents so all five entity types share
// one schema; updated_at is duplicated into its own column for cheap
// ordering queries.
type Store[T entity.Record] struct {
	db   *DB
	kind entity.Kind
}

// NewStore creates the local store for one entity kind over a shared DB.
func NewStore[T entity.Record](db *DB, kind entity.Kind) *Store[T] {
	return &Store[T]{db: db, kind: kind}
}

// FetchAll returns every record of the store's kind.
func (s *Store[T]) FetchAll(ctx context.Context) ([]T, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT doc FROM records WHERE kind = ? ORDER BY updated_at`, string(s.kind))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query %s records: %v", storage.ErrPersistence, s.kind, err)
	}
	defer rows.Close()

	var recs []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: failed to scan %s record: %v", storage.ErrPersistence, s.kind, err)
		}
		var rec T
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("%w: corrupt %s document: %v", storage.ErrPersistence, s.kind, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate %s records: %v", storage.ErrPersistence, s.kind, err)
	}

	return recs, nil
}

// FetchByID returns a single record, or storage.ErrNotFound if absent.
func (s *Store[T]) FetchByID(ctx context.Context, id string) (T, error) {
	var rec T

	var doc string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT doc FROM records WHERE kind = ? AND id = ?`, string(s.kind), id).Scan(&doc)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("%w: %s %s", storage.ErrNotFound, s.kind, id)
	}
	if err != nil {
		return rec, fmt.Errorf("%w: failed to fetch %s %s: %v", storage.ErrPersistence, s.kind, id, err)
	}

	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return rec, fmt.Errorf("%w: corrupt %s document %s: %v", storage.ErrPersistence, s.kind, id, err)
	}

	return rec, nil
}

// Save inserts or replaces a record. Idempotent by id.
func (s *Store[T]) Save(ctx context.Context, rec T) error {
	return s.upsert(ctx, rec)
}

// Update replaces an existing record. Like Save, the write is an upsert:
// a pulled remote record may not exist locally yet.
func (s *Store[T]) Update(ctx context.Context, rec T) error {
	return s.upsert(ctx, rec)
}

func (s *Store[T]) upsert(ctx context.Context, rec T) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal %s %s: %v", storage.ErrPersistence, s.kind, rec.EntityID(), err)
	}

	_, err = s.db.conn.ExecContext(ctx, `
	INSERT INTO records (kind, id, doc, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		doc = excluded.doc,
		updated_at = excluded.updated_at
	`, string(s.kind), rec.EntityID(), string(doc), rec.ModifiedAt().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: failed to upsert %s %s: %v", storage.ErrPersistence, s.kind, rec.EntityID(), err)
	}

	return nil
}

// Delete removes a record. Returns nil if it doesn't exist (idempotent).
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND id = ?`, string(s.kind), id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete %s %s: %v", storage.ErrPersistence, s.kind, id, err)
	}
	return nil
}
