package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/bookenrich/db"
	"github.com/teranos/bookenrich/errors"
)

// Durable is the source-of-truth tier.
type Durable interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// SQLiteStore is the durable tier backed by the cache_entries table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a durable tier on an already migrated database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get returns the entry for key. Expiry is left to the caller.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e        Entry
		ns       string
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, namespace, value, provider, stored_at, ttl_seconds FROM cache_entries WHERE key = ?`,
		key,
	).Scan(&e.Key, &ns, &e.Value, &e.Provider, &storedAt, &e.TTLSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		err = errors.Wrap(err, "failed to read cache entry")
		return Entry{}, false, errors.WithDetail(err, "Key: "+key)
	}
	e.Namespace = Namespace(ns)
	e.StoredAt = db.UnixMilli(storedAt)
	return e, true, nil
}

// Put upserts the entry. Concurrent writers of the same key resolve last-write-wins.
func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, namespace, value, provider, stored_at, ttl_seconds, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			namespace = excluded.namespace,
			value = excluded.value,
			provider = excluded.provider,
			stored_at = excluded.stored_at,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at`,
		e.Key, string(e.Namespace), []byte(e.Value), e.Provider,
		e.StoredAt.UnixMilli(), e.TTLSeconds, e.ExpiresAt().UnixMilli(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to write cache entry")
		return errors.WithDetail(err, "Key: "+e.Key)
	}
	return nil
}

// PurgeExpired deletes entries whose TTL elapsed before now
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge expired cache entries")
	}
	return res.RowsAffected()
}
