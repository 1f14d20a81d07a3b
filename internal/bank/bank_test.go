package bank

import (
	"testing"
	"time"

	"github.com/kkorel/energy-exchange/internal/clockutil"
	"github.com/kkorel/energy-exchange/internal/xerrors"
)

func TestBlockDeductsFromBalance(t *testing.T) {
	rail := New()
	rail.Seed("buyer-1", 1000)

	receipt, err := rail.Block("buyer-1", "order-1", 500, time.Hour)
	if err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if receipt.Kind != "block" {
		t.Errorf("expected receipt kind 'block', got %q", receipt.Kind)
	}
	if got := rail.Balance("buyer-1"); got != 500 {
		t.Errorf("expected remaining balance 500, got %d", got)
	}
}

func TestBlockInsufficientBalance(t *testing.T) {
	rail := New()
	rail.Seed("buyer-1", 100)

	_, err := rail.Block("buyer-1", "order-1", 500, time.Hour)
	if !xerrors.Is(err, xerrors.KindInsufficientBalance) {
		t.Fatalf("expected insufficient_balance error, got %v", err)
	}
}

func TestBlockTwiceOnSameOrderConflicts(t *testing.T) {
	rail := New()
	rail.Seed("buyer-1", 1000)

	if _, err := rail.Block("buyer-1", "order-1", 100, time.Hour); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if _, err := rail.Block("buyer-1", "order-1", 100, time.Hour); !xerrors.Is(err, xerrors.KindConflict) {
		t.Fatalf("expected conflict on second block, got %v", err)
	}
}

func TestReleasePaysSeller(t *testing.T) {
	rail := New()
	rail.Seed("buyer-1", 1000)

	if _, err := rail.Block("buyer-1", "order-1", 500, time.Hour); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	receipt, err := rail.Release("order-1", "seller-1", 480)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if receipt.Kind != "release" {
		t.Errorf("expected receipt kind 'release', got %q", receipt.Kind)
	}
	if got := rail.Balance("seller-1"); got != 480 {
		t.Errorf("expected seller balance 480, got %d", got)
	}
}

func TestReleaseTwiceIsAlreadySettled(t *testing.T) {
	rail := New()
	rail.Seed("buyer-1", 1000)
	rail.Block("buyer-1", "order-1", 500, time.Hour)
	rail.Release("order-1", "seller-1", 480)

	if _, err := rail.Release("order-1", "seller-1", 480); !xerrors.Is(err, xerrors.KindAlreadySettled) {
		t.Fatalf("expected already_settled error, got %v", err)
	}
}

func TestReleaseAfterExpiryFails(t *testing.T) {
	clock := clockutil.NewFixed(time.Unix(1000, 0))
	rail := New().WithClock(clock)
	rail.Seed("buyer-1", 1000)

	if _, err := rail.Block("buyer-1", "order-1", 500, time.Hour); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	clock.Advance(2 * time.Hour)

	if _, err := rail.Release("order-1", "seller-1", 480); !xerrors.Is(err, xerrors.KindExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestRefundReturnsToBuyer(t *testing.T) {
	rail := New()
	rail.Seed("buyer-1", 1000)
	rail.Block("buyer-1", "order-1", 500, time.Hour)

	receipt, err := rail.Refund("order-1", "buyer-1", 500)
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if receipt.Kind != "refund" {
		t.Errorf("expected receipt kind 'refund', got %q", receipt.Kind)
	}
	if got := rail.Balance("buyer-1"); got != 1000 {
		t.Errorf("expected buyer balance restored to 1000, got %d", got)
	}
}

func TestReleaseWithNoBlockIsNotFound(t *testing.T) {
	rail := New()
	if _, err := rail.Release("missing-order", "seller-1", 100); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("expected not_found error, got %v", err)
	}
}

func TestSplitPaysBothParties(t *testing.T) {
	rail := New()
	rail.Seed("buyer-1", 1000)
	rail.Block("buyer-1", "order-1", 500, time.Hour)

	receipt, err := rail.Split("order-1", "seller-1", "buyer-1", 300, 200)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if receipt.Kind != "split" {
		t.Errorf("expected receipt kind 'split', got %q", receipt.Kind)
	}
	if got := rail.Balance("seller-1"); got != 300 {
		t.Errorf("expected seller balance 300, got %d", got)
	}
	if got := rail.Balance("buyer-1"); got != 700 {
		t.Errorf("expected buyer balance 700 (500 remaining + 200 refund), got %d", got)
	}

	if _, err := rail.Split("order-1", "seller-1", "buyer-1", 300, 200); !xerrors.Is(err, xerrors.KindAlreadySettled) {
		t.Fatalf("expected already_settled on second split, got %v", err)
	}
}
