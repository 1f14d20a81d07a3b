// Package kv provides a namespaced, TTL'd key-value store backed by the
// same SQLite database as the relational storage layer, the way the
// teacher's settings table gives ad hoc state a home without a second
// storage engine. It backs the transaction-state cache and the
// idempotency-response cache.
package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kkorel/energy-exchange/internal/clockutil"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store provides namespaced get/set/delete with optional TTL expiry.
type Store struct {
	db    *sql.DB
	clock clockutil.Clock
	mu    sync.Mutex
}

// New creates a Store over db. db must already have the kv_store table
// (created by internal/storage's schema).
func New(db *sql.DB) *Store {
	return &Store{db: db, clock: clockutil.Real{}}
}

// WithClock overrides the store's time source, for deterministic tests.
func (s *Store) WithClock(c clockutil.Clock) *Store {
	s.clock = c
	return s
}

// Set upserts a value with an optional TTL. A zero ttl means no expiry.
func (s *Store) Set(namespace, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
	}

	_, err := s.db.Exec(`
		INSERT INTO kv_store (namespace, key, value, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, namespace, key, value, expiresAt, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("kv: failed to set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// SetIfAbsent inserts a value only if the key does not already hold a live
// (unexpired) entry. ok reports whether the insert happened.
func (s *Store) SetIfAbsent(namespace, key string, value []byte, ttl time.Duration) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	// Clear a stale expired row first so the unique key can be reused.
	_, _ = s.db.Exec(`
		DELETE FROM kv_store WHERE namespace = ? AND key = ? AND expires_at IS NOT NULL AND expires_at < ?
	`, namespace, key, now.Unix())

	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
	}

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO kv_store (namespace, key, value, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, namespace, key, value, expiresAt, now.Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("kv: failed to set-if-absent %s/%s: %w", namespace, key, err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// Get retrieves a value, returning ErrNotFound if absent or expired.
func (s *Store) Get(namespace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRow(`
		SELECT value, expires_at FROM kv_store WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&value, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: failed to get %s/%s: %w", namespace, key, err)
	}

	if expiresAt.Valid && expiresAt.Int64 < now.Unix() {
		return nil, ErrNotFound
	}
	return value, nil
}

// Delete removes a key, if present.
func (s *Store) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM kv_store WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("kv: failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Sweep deletes every expired entry across all namespaces and returns the
// count removed, for a background janitor to call periodically.
func (s *Store) Sweep() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at < ?
	`, s.clock.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("kv: failed to sweep: %w", err)
	}
	return result.RowsAffected()
}
