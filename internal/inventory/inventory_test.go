package inventory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/storage"
)

func setupTestCoordinator(t *testing.T) (*Coordinator, *storage.Storage) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "exchange-inventory-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	locks := lock.New(store.DB(), config.DefaultLockConfig())
	return New(store, locks), store
}

func seedOfferWithBlocks(t *testing.T, store *storage.Storage, offerID string, quantities []float64) {
	t.Helper()
	now := time.Now()

	for i, qty := range quantities {
		block := &storage.Block{
			ID:                offerID + "-block-" + string(rune('a'+i)),
			OfferID:           offerID,
			DeliveryHourStart: now.Add(time.Duration(i) * time.Hour),
			QuantityKWh:       qty,
			CreatedAt:         now,
		}
		if err := store.CreateBlock(block); err != nil {
			t.Fatalf("failed to seed block: %v", err)
		}
	}
}

func TestClaimReservesEarliestBlocksFirst(t *testing.T) {
	coord, store := setupTestCoordinator(t)
	seedOfferWithBlocks(t, store, "offer-1", []float64{5, 5, 5})

	claimed, err := coord.Claim(context.Background(), "offer-1", "order-1", 8)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 blocks claimed to cover 8 kWh, got %d", len(claimed))
	}

	remaining, err := store.ListAvailableBlocks("offer-1")
	if err != nil {
		t.Fatalf("ListAvailableBlocks() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("expected 1 block left available, got %d", len(remaining))
	}
}

// TestClaimOverQuantityReturnsPartialSet verifies that a claim larger than
// available supply is legal: it reserves every block it can get and
// returns that subset with no error, leaving the accept/reject decision to
// the caller rather than failing the primitive itself.
func TestClaimOverQuantityReturnsPartialSet(t *testing.T) {
	coord, store := setupTestCoordinator(t)
	seedOfferWithBlocks(t, store, "offer-1", []float64{2})

	claimed, err := coord.Claim(context.Background(), "offer-1", "order-1", 10)
	if err != nil {
		t.Fatalf("Claim() error = %v, want nil (partial claims are legal)", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected the single available block to be claimed, got %d", len(claimed))
	}

	remaining, err := store.ListAvailableBlocks("offer-1")
	if err != nil {
		t.Fatalf("ListAvailableBlocks() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected 0 blocks left available, got %d", len(remaining))
	}
}

// TestClaimAgainstExhaustedOfferReturnsEmptySet verifies a claim against an
// offer with zero available blocks returns an empty, non-error claim.
func TestClaimAgainstExhaustedOfferReturnsEmptySet(t *testing.T) {
	coord, store := setupTestCoordinator(t)
	seedOfferWithBlocks(t, store, "offer-1", nil)

	claimed, err := coord.Claim(context.Background(), "offer-1", "order-1", 10)
	if err != nil {
		t.Fatalf("Claim() error = %v, want nil", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected 0 blocks claimed, got %d", len(claimed))
	}
}

func TestReleaseReturnsBlocksToPool(t *testing.T) {
	coord, store := setupTestCoordinator(t)
	seedOfferWithBlocks(t, store, "offer-1", []float64{5})

	claimed, err := coord.Claim(context.Background(), "offer-1", "order-1", 5)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if err := coord.Release(context.Background(), "offer-1", claimed); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	available, err := store.ListAvailableBlocks("offer-1")
	if err != nil {
		t.Fatalf("ListAvailableBlocks() error = %v", err)
	}
	if len(available) != 1 {
		t.Errorf("expected block returned to available pool, got %d available", len(available))
	}
}

func TestMarkSoldTransitionsBlocks(t *testing.T) {
	coord, store := setupTestCoordinator(t)
	seedOfferWithBlocks(t, store, "offer-1", []float64{5})

	claimed, err := coord.Claim(context.Background(), "offer-1", "order-1", 5)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if err := coord.MarkSold(context.Background(), "offer-1", claimed); err != nil {
		t.Fatalf("MarkSold() error = %v", err)
	}

	block, err := store.GetBlock(claimed[0])
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	if block.Status != storage.BlockStatusSold {
		t.Errorf("expected block status sold, got %v", block.Status)
	}
}
