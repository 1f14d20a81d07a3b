package escrow

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kkorel/energy-exchange/internal/bank"
	"github.com/kkorel/energy-exchange/internal/clockutil"
	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/storage"
)

func setupTestOrchestrator(t *testing.T) (*Orchestrator, *storage.Storage, *bank.Rail) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "exchange-escrow-test-*")
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
	rail := bank.New()
	rail.Seed("buyer-1", 10000)

	cfg := config.NewExchangeConfig()
	orch := New(store, rail, locks, cfg, nil)
	return orch, store, rail
}

func TestOnTradePlacedBlocksFundsAndCreatesRecord(t *testing.T) {
	orch, store, rail := setupTestOrchestrator(t)

	result, err := orch.OnTradePlaced(context.Background(), "order-1", "buyer-1", 3000)
	if err != nil {
		t.Fatalf("OnTradePlaced() error = %v", err)
	}
	if result.Status != BlockConfirmed {
		t.Errorf("expected BLOCK_CONFIRMED, got %v", result.Status)
	}
	if !result.Inserted {
		t.Error("expected first call to insert escrow record")
	}

	record, err := store.GetEscrowRecordByOrder("order-1")
	if err != nil {
		t.Fatalf("GetEscrowRecordByOrder() error = %v", err)
	}
	if record.Status != storage.EscrowStatusBlocked {
		t.Errorf("expected BLOCKED status, got %v", record.Status)
	}
	if record.Principal != 3000 {
		t.Errorf("expected principal 3000, got %d", record.Principal)
	}

	if got := rail.Balance("buyer-1"); got >= 10000 {
		t.Errorf("expected buyer balance reduced by block, got %d", got)
	}
}

func TestOnTradePlacedIsIdempotent(t *testing.T) {
	orch, _, _ := setupTestOrchestrator(t)

	if _, err := orch.OnTradePlaced(context.Background(), "order-1", "buyer-1", 3000); err != nil {
		t.Fatalf("OnTradePlaced() first call error = %v", err)
	}

	result, err := orch.OnTradePlaced(context.Background(), "order-1", "buyer-1", 3000)
	if err != nil {
		t.Fatalf("OnTradePlaced() second call error = %v", err)
	}
	if result.Inserted {
		t.Error("expected second call to be a no-op insert")
	}
}

func TestOnTradeVerifiedSuccessReleasesFunds(t *testing.T) {
	orch, store, rail := setupTestOrchestrator(t)

	if _, err := orch.OnTradePlaced(context.Background(), "order-1", "buyer-1", 3000); err != nil {
		t.Fatalf("OnTradePlaced() error = %v", err)
	}

	result, err := orch.OnTradeVerified(context.Background(), "order-1", "seller-1", true)
	if err != nil {
		t.Fatalf("OnTradeVerified() error = %v", err)
	}
	if result.Status != Released {
		t.Errorf("expected RELEASED, got %v", result.Status)
	}
	if got := rail.Balance("seller-1"); got != 3000 {
		t.Errorf("expected seller balance 3000, got %d", got)
	}

	record, err := store.GetEscrowRecordByOrder("order-1")
	if err != nil {
		t.Fatalf("GetEscrowRecordByOrder() error = %v", err)
	}
	if record.Status != storage.EscrowStatusReleased {
		t.Errorf("expected escrow status RELEASED, got %v", record.Status)
	}
}

func TestOnTradeVerifiedFailureRefundsBuyer(t *testing.T) {
	orch, _, rail := setupTestOrchestrator(t)

	if _, err := orch.OnTradePlaced(context.Background(), "order-1", "buyer-1", 3000); err != nil {
		t.Fatalf("OnTradePlaced() error = %v", err)
	}
	balanceAfterBlock := rail.Balance("buyer-1")

	result, err := orch.OnTradeVerified(context.Background(), "order-1", "seller-1", false)
	if err != nil {
		t.Fatalf("OnTradeVerified() error = %v", err)
	}
	if result.Status != Refunded {
		t.Errorf("expected REFUNDED, got %v", result.Status)
	}
	if got := rail.Balance("buyer-1"); got <= balanceAfterBlock {
		t.Errorf("expected buyer balance restored by refund, got %d", got)
	}
}

func TestOnTradeVerifiedWithoutBlockReturnsErrorNoBlock(t *testing.T) {
	orch, _, _ := setupTestOrchestrator(t)

	result, err := orch.OnTradeVerified(context.Background(), "order-missing", "seller-1", true)
	if err != nil {
		t.Fatalf("OnTradeVerified() error = %v", err)
	}
	if result.Status != ErrorNoBlock {
		t.Errorf("expected ERROR_NO_BLOCK, got %v", result.Status)
	}
}

func TestOnTradeVerifiedTwiceIsAlreadySettled(t *testing.T) {
	orch, _, _ := setupTestOrchestrator(t)

	if _, err := orch.OnTradePlaced(context.Background(), "order-1", "buyer-1", 3000); err != nil {
		t.Fatalf("OnTradePlaced() error = %v", err)
	}
	if _, err := orch.OnTradeVerified(context.Background(), "order-1", "seller-1", true); err != nil {
		t.Fatalf("OnTradeVerified() first call error = %v", err)
	}

	result, err := orch.OnTradeVerified(context.Background(), "order-1", "seller-1", true)
	if err != nil {
		t.Fatalf("OnTradeVerified() second call error = %v", err)
	}
	if result.Status != ErrorAlreadySettled {
		t.Errorf("expected ERROR_ALREADY_SETTLED, got %v", result.Status)
	}
}

func TestOnTradeVerifiedExpiredBlock(t *testing.T) {
	orch, _, _ := setupTestOrchestrator(t)
	clock := clockutil.NewFixed(time.Unix(1000, 0))
	orch.WithClock(clock)

	if _, err := orch.OnTradePlaced(context.Background(), "order-1", "buyer-1", 3000); err != nil {
		t.Fatalf("OnTradePlaced() error = %v", err)
	}

	clock.Advance(200 * time.Hour)

	result, err := orch.OnTradeVerified(context.Background(), "order-1", "seller-1", true)
	if err != nil {
		t.Fatalf("OnTradeVerified() error = %v", err)
	}
	if result.Status != ErrorBlockExpired {
		t.Errorf("expected ERROR_BLOCK_EXPIRED, got %v", result.Status)
	}
}

func TestReconcileExpiredMarksExpired(t *testing.T) {
	orch, store, _ := setupTestOrchestrator(t)
	clock := clockutil.NewFixed(time.Unix(1000, 0))
	orch.WithClock(clock)

	if _, err := orch.OnTradePlaced(context.Background(), "order-1", "buyer-1", 3000); err != nil {
		t.Fatalf("OnTradePlaced() error = %v", err)
	}

	clock.Advance(200 * time.Hour)

	expired, err := orch.ReconcileExpired(context.Background())
	if err != nil {
		t.Fatalf("ReconcileExpired() error = %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 record expired, got %d", expired)
	}

	record, err := store.GetEscrowRecordByOrder("order-1")
	if err != nil {
		t.Fatalf("GetEscrowRecordByOrder() error = %v", err)
	}
	if record.Status != storage.EscrowStatusExpired {
		t.Errorf("expected EXPIRED status, got %v", record.Status)
	}
}
