// Package inventory coordinates delivery-block reservation: claiming enough
// available blocks under an offer to cover a requested quantity, releasing
// a failed reservation, and marking blocks sold on completion. Every
// mutating operation runs under the offer's distributed lock so concurrent
// buyers never double-claim the same hour, the way the teacher serializes
// UTXO selection under a wallet-scoped lock before broadcasting a spend.
package inventory

import (
	"context"
	"fmt"

	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/storage"
)

// Coordinator claims and releases inventory blocks against storage.
type Coordinator struct {
	store *storage.Storage
	locks *lock.Service
}

// New creates a Coordinator over store, using locks for offer-wide mutual
// exclusion.
func New(store *storage.Storage, locks *lock.Service) *Coordinator {
	return &Coordinator{store: store, locks: locks}
}

// Claim reserves available blocks under offerID to cover requestedKWh for
// orderID, earliest delivery hour first, and returns the claimed block IDs.
// A partial claim is legal: if accumulated supply falls short of
// requestedKWh, Claim reserves whatever is available (0..requestedKWh) and
// returns that subset with no error — it is the caller's job to decide
// whether a short claim is acceptable or should be released.
func (c *Coordinator) Claim(ctx context.Context, offerID, orderID string, requestedKWh float64) ([]string, error) {
	var claimed []string

	err := c.locks.WithLock(ctx, lock.OfferLockName(offerID), func() error {
		available, err := c.store.ListAvailableBlocks(offerID)
		if err != nil {
			return fmt.Errorf("inventory: failed to list available blocks: %w", err)
		}

		var accumulated float64
		var candidates []*storage.Block
		for _, b := range available {
			candidates = append(candidates, b)
			accumulated += b.QuantityKWh
			if accumulated >= requestedKWh {
				break
			}
		}

		for _, b := range candidates {
			if err := c.store.ReserveBlock(b.ID, b.Version, orderID); err != nil {
				return fmt.Errorf("inventory: failed to reserve block %s: %w", b.ID, err)
			}
			claimed = append(claimed, b.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Release returns every block in blockIDs to the available pool. It is
// called when an order fails before reaching ACTIVE (e.g. escrow block
// fails) so claimed inventory is not stranded.
func (c *Coordinator) Release(ctx context.Context, offerID string, blockIDs []string) error {
	return c.locks.WithLock(ctx, lock.OfferLockName(offerID), func() error {
		for _, id := range blockIDs {
			block, err := c.store.GetBlock(id)
			if err != nil {
				return fmt.Errorf("inventory: failed to load block %s for release: %w", id, err)
			}
			if err := c.store.ReleaseBlock(id, block.Version); err != nil {
				return fmt.Errorf("inventory: failed to release block %s: %w", id, err)
			}
		}
		return nil
	})
}

// MarkSold transitions every block in blockIDs to sold, when the order is confirmed.
func (c *Coordinator) MarkSold(ctx context.Context, offerID string, blockIDs []string) error {
	return c.locks.WithLock(ctx, lock.OfferLockName(offerID), func() error {
		for _, id := range blockIDs {
			block, err := c.store.GetBlock(id)
			if err != nil {
				return fmt.Errorf("inventory: failed to load block %s for mark-sold: %w", id, err)
			}
			if err := c.store.MarkBlockSold(id, block.Version); err != nil {
				return fmt.Errorf("inventory: failed to mark block %s sold: %w", id, err)
			}
		}
		return nil
	})
}
