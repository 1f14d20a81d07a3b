// Package orderlifecycle enforces the order status DAG
// (DRAFT -> PENDING -> ACTIVE -> {COMPLETED, CANCELLED}) and provides the
// DRAFT-recovery reconciler that promotes crash-stranded orders, the way
// the teacher's retry worker resumes message delivery left mid-flight by a
// prior process.
package orderlifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/storage"
	"github.com/kkorel/energy-exchange/internal/xerrors"
)

// validTransitions enumerates the order status DAG's allowed successors.
var validTransitions = map[storage.OrderState][]storage.OrderState{
	storage.OrderStateDraft:     {storage.OrderStatePending, storage.OrderStateCancelled},
	storage.OrderStatePending:   {storage.OrderStateActive, storage.OrderStateCancelled},
	storage.OrderStateActive:    {storage.OrderStateCompleted, storage.OrderStateCancelled},
	storage.OrderStateCompleted: {},
	storage.OrderStateCancelled: {},
}

// IsValidTransition reports whether to is a legal successor of from.
func IsValidTransition(from, to storage.OrderState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine drives order status transitions under lock:order:<id>, with
// optimistic-version compare-and-swap at the storage layer.
type Machine struct {
	store *storage.Storage
	locks *lock.Service
}

// New creates a Machine over store, serializing per-order transitions
// through locks.
func New(store *storage.Storage, locks *lock.Service) *Machine {
	return &Machine{store: store, locks: locks}
}

// Transition moves orderID from its current status to to, rejecting the
// move with xerrors.KindConflict if the DAG forbids it. Concurrent callers
// racing on the same order serialize on lock:order:<id>; the storage layer's
// compare-and-swap still guards against a stale in-memory read.
func (m *Machine) Transition(ctx context.Context, orderID string, to storage.OrderState) error {
	return m.locks.WithLock(ctx, lock.OrderLockName(orderID), func() error {
		order, err := m.store.GetOrder(orderID)
		if err != nil {
			return fmt.Errorf("orderlifecycle: failed to load order %s: %w", orderID, err)
		}

		if !IsValidTransition(order.State, to) {
			return xerrors.Conflict(fmt.Sprintf("order %s cannot move from %s to %s", orderID, order.State, to))
		}

		switch to {
		case storage.OrderStateCompleted:
			return m.store.CompleteOrder(orderID, order.Version)
		case storage.OrderStateCancelled:
			return m.store.CancelOrder(orderID, order.Version, "")
		default:
			return m.store.CompareAndSwapState(orderID, order.Version, to)
		}
	})
}

// Cancel moves orderID to CANCELLED, recording reason.
func (m *Machine) Cancel(ctx context.Context, orderID, reason string) error {
	return m.locks.WithLock(ctx, lock.OrderLockName(orderID), func() error {
		order, err := m.store.GetOrder(orderID)
		if err != nil {
			return fmt.Errorf("orderlifecycle: failed to load order %s: %w", orderID, err)
		}
		if !IsValidTransition(order.State, storage.OrderStateCancelled) {
			return xerrors.Conflict(fmt.Sprintf("order %s cannot be cancelled from %s", orderID, order.State))
		}
		return m.store.CancelOrder(orderID, order.Version, reason)
	})
}

// RecoverStuckDrafts promotes DRAFT orders older than staleAfter to ACTIVE,
// covering the crash window between an escrow block call succeeding and the
// order's status update being persisted. Only DRAFT orders with a non-null
// escrow marker qualify: a DRAFT order with no escrow record is not a
// crash-stranded order, it's an ordinary abandoned handshake (the buyer
// called init but never confirm) and promoting it would hand out an ACTIVE
// order with no funds ever blocked, violating the invariant that ACTIVE
// implies escrowed. Those orders are left untouched in DRAFT for whatever
// expiry/cleanup policy governs abandoned transactions.
func (m *Machine) RecoverStuckDrafts(ctx context.Context, staleAfter time.Duration) (recovered int, err error) {
	cutoff := time.Now().Add(-staleAfter)

	stuck, err := m.store.ListDraftOrdersOlderThan(cutoff)
	if err != nil {
		return 0, fmt.Errorf("orderlifecycle: failed to list stuck drafts: %w", err)
	}

	for _, order := range stuck {
		if _, err := m.store.GetEscrowRecordByOrder(order.ID); err != nil {
			if err == storage.ErrEscrowNotFound {
				continue
			}
			return recovered, fmt.Errorf("orderlifecycle: failed to check escrow record for order %s: %w", order.ID, err)
		}

		err := m.locks.WithLock(ctx, lock.OrderLockName(order.ID), func() error {
			current, err := m.store.GetOrder(order.ID)
			if err != nil {
				return err
			}
			if current.State != storage.OrderStateDraft {
				return nil
			}
			return m.store.CompareAndSwapState(order.ID, current.Version, storage.OrderStateActive)
		})
		if err != nil {
			return recovered, fmt.Errorf("orderlifecycle: failed to recover order %s: %w", order.ID, err)
		}
		recovered++
	}
	return recovered, nil
}
