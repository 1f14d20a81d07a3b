// Package lock provides a SQLite-backed distributed lock service, so that
// concurrent handlers touching the same offer, order, or payment serialize
// the way the teacher's retry worker serializes message delivery through a
// single-writer database connection. Lock names follow the convention
// "lock:<resource>:<id>", e.g. "lock:offer:abc123".
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/kkorel/energy-exchange/internal/clockutil"
	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/xerrors"
)

// Service acquires and releases named locks backed by the locks table.
type Service struct {
	db     *sql.DB
	clock  clockutil.Clock
	config config.LockConfig
}

// New creates a lock Service over db using cfg's TTL/retry parameters.
func New(db *sql.DB, cfg config.LockConfig) *Service {
	return &Service{db: db, clock: clockutil.Real{}, config: cfg}
}

// WithClock overrides the service's time source, for deterministic tests.
func (s *Service) WithClock(c clockutil.Clock) *Service {
	s.clock = c
	return s
}

// Handle represents a held lock. Release must be called to give it up.
type Handle struct {
	name    string
	holder  string
	service *Service
}

// TryAcquire attempts to acquire name once, without retrying. It returns
// xerrors.KindLockAcquisition if the lock is currently held by another holder.
func (s *Service) TryAcquire(name string) (*Handle, error) {
	now := s.clock.Now()
	holder := uuid.NewString()
	expiresAt := now.Add(s.config.TTL).Unix()

	// Reclaim an expired lock row, then try to plant this holder atomically.
	_, _ = s.db.Exec(`DELETE FROM locks WHERE name = ? AND expires_at < ?`, name, now.Unix())

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO locks (name, holder, expires_at) VALUES (?, ?, ?)
	`, name, holder, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("lock: failed to acquire %s: %w", name, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, xerrors.LockAcquisition(fmt.Sprintf("lock %s is held", name))
	}

	return &Handle{name: name, holder: holder, service: s}, nil
}

// Acquire retries TryAcquire with exponential backoff and jitter, bounded by
// cfg.MaxRetries and ctx, the way the teacher's retry worker backs off
// undelivered message sends instead of busy-looping.
func (s *Service) Acquire(ctx context.Context, name string) (*Handle, error) {
	backoff := s.config.BaseBackoff

	for attempt := 0; ; attempt++ {
		handle, err := s.TryAcquire(name)
		if err == nil {
			return handle, nil
		}
		if !xerrors.Is(err, xerrors.KindLockAcquisition) {
			return nil, err
		}
		if attempt >= s.config.MaxRetries {
			return nil, err
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}

		backoff *= 2
	}
}

// Release gives up the lock, but only if this handle still holds it.
func (h *Handle) Release() error {
	_, err := h.service.db.Exec(`
		DELETE FROM locks WHERE name = ? AND holder = ?
	`, h.name, h.holder)
	if err != nil {
		return fmt.Errorf("lock: failed to release %s: %w", h.name, err)
	}
	return nil
}

// Extend pushes the lock's expiry forward by the service's configured TTL,
// for long-running critical sections that need to renew before expiry.
func (h *Handle) Extend() error {
	newExpiry := h.service.clock.Now().Add(h.service.config.TTL).Unix()
	result, err := h.service.db.Exec(`
		UPDATE locks SET expires_at = ? WHERE name = ? AND holder = ?
	`, newExpiry, h.name, h.holder)
	if err != nil {
		return fmt.Errorf("lock: failed to extend %s: %w", h.name, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return xerrors.LockAcquisition(fmt.Sprintf("lock %s no longer held by this handle", h.name))
	}
	return nil
}

// WithLock runs fn while holding name, releasing it unconditionally afterward.
func (s *Service) WithLock(ctx context.Context, name string, fn func() error) error {
	handle, err := s.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer handle.Release()

	return fn()
}

// OfferLockName returns the canonical lock name for an offer.
func OfferLockName(offerID string) string { return "lock:offer:" + offerID }

// OrderLockName returns the canonical lock name for an order.
func OrderLockName(orderID string) string { return "lock:order:" + orderID }

// TxnLockName returns the canonical lock name for a transaction-state entry.
func TxnLockName(txnID string) string { return "lock:txn:" + txnID }

// PaymentLockName returns the canonical lock name for a user's payment rail.
func PaymentLockName(userID string) string { return "lock:payment:" + userID }

// BlockLockName returns the canonical lock name for an inventory block.
func BlockLockName(blockID string) string { return "lock:block:" + blockID }
