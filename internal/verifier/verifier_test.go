package verifier

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kkorel/energy-exchange/internal/bank"
	"github.com/kkorel/energy-exchange/internal/clockutil"
	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/escrow"
	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/oracle"
	"github.com/kkorel/energy-exchange/internal/storage"
)

type testFixture struct {
	v     *Verifier
	store *storage.Storage
	rail  *bank.Rail
	clock *clockutil.Fixed
}

func setupVerifier(t *testing.T, verdict oracle.Verifier) *testFixture {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "exchange-verifier-test-*")
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
	cfg := config.NewExchangeConfig()

	clock := clockutil.NewFixed(time.Unix(1_700_000_000, 0))
	v := New(store, locks, rail, verdict, cfg, nil).WithClock(clock)

	return &testFixture{v: v, store: store, rail: rail, clock: clock}
}

// seedActiveOrder creates a provider/seller/buyer, a one-block offer, and an
// ACTIVE order with its block SOLD and escrow BLOCKED, whose delivery
// window has already elapsed relative to fx.clock.
func seedActiveOrder(t *testing.T, fx *testFixture, orderID string, quantityKWh, pricePerKWh float64) *storage.Order {
	t.Helper()
	ctx := context.Background()
	now := fx.clock.Now()

	if err := fx.store.CreateProvider(&storage.Provider{ID: "seller-1", PeerID: "peer-seller-1", Name: "seller-1", TrustScore: 0.5, CreatedAt: now}); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if err := fx.store.CreateUser(&storage.User{ID: "seller-1", PeerID: "peer-seller-1", Role: storage.UserRoleSeller, Balance: 0, TrustScore: 0.5, CreatedAt: now}); err != nil {
		t.Fatalf("create seller user: %v", err)
	}
	if err := fx.store.CreateUser(&storage.User{ID: "buyer-1", PeerID: "peer-buyer-1", Role: storage.UserRoleBuyer, Balance: 0, TrustScore: 0.5, CreatedAt: now}); err != nil {
		t.Fatalf("create buyer: %v", err)
	}

	offerID := orderID + "-offer"
	if err := fx.store.CreateItem(&storage.Item{ID: offerID + "-item", ProviderID: "seller-1", SourceType: "SOLAR", DeliveryMode: "net_metering", CapacityKWh: quantityKWh, CreatedAt: now}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if err := fx.store.CreateOffer(&storage.Offer{ID: offerID, ItemID: offerID + "-item", SellerID: "seller-1", PricingModel: "fixed", PricePerKWh: pricePerKWh, CreatedAt: now}); err != nil {
		t.Fatalf("create offer: %v", err)
	}

	blockID := orderID + "-block"
	if err := fx.store.CreateBlock(&storage.Block{ID: blockID, OfferID: offerID, DeliveryHourStart: now.Add(-3 * time.Hour), QuantityKWh: quantityKWh, CreatedAt: now}); err != nil {
		t.Fatalf("create block: %v", err)
	}
	if err := fx.store.ReserveBlock(blockID, 1, orderID); err != nil {
		t.Fatalf("reserve block: %v", err)
	}
	if err := fx.store.MarkBlockSold(blockID, 2); err != nil {
		t.Fatalf("mark block sold: %v", err)
	}

	principal := int64(quantityKWh * pricePerKWh)
	fx.rail.Seed("buyer-1", principal+1000)

	escrowOrch := escrow.New(fx.store, fx.rail, lock.New(fx.store.DB(), config.DefaultLockConfig()), config.NewExchangeConfig(), nil).WithClock(fx.clock)
	if _, err := escrowOrch.OnTradePlaced(ctx, orderID, "buyer-1", principal); err != nil {
		t.Fatalf("OnTradePlaced: %v", err)
	}

	order := &storage.Order{
		ID:                orderID,
		BuyerID:           "buyer-1",
		SellerID:          "seller-1",
		OfferID:           offerID,
		BlockIDs:          []string{blockID},
		QuantityKWh:       quantityKWh,
		TotalPrice:        float64(principal),
		SettlementType:    "immediate",
		State:             storage.OrderStateDraft,
		DeliveryHourStart: now.Add(-3 * time.Hour),
		CreatedAt:         now,
	}
	if err := fx.store.CreateOrder(order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := fx.store.CompareAndSwapState(orderID, 1, storage.OrderStatePending); err != nil {
		t.Fatalf("transition to pending: %v", err)
	}
	if err := fx.store.CompareAndSwapState(orderID, 2, storage.OrderStateActive); err != nil {
		t.Fatalf("transition to active: %v", err)
	}

	got, err := fx.store.GetOrder(orderID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	return got
}

func TestRunOnceFullDeliverySettlesOrder(t *testing.T) {
	fx := setupVerifier(t, oracle.Fixed{Outcome: storage.DeliveryOutcomeFull, Ratio: 1.0})
	order := seedActiveOrder(t, fx, "order-full", 10, 5.0)

	fx.v.RunOnce()

	got, err := fx.store.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.State != storage.OrderStateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.State)
	}

	feedback, err := fx.store.GetDeliveryFeedbackByOrder(order.ID)
	if err != nil {
		t.Fatalf("get feedback: %v", err)
	}
	if feedback.Outcome != storage.DeliveryOutcomeFull {
		t.Fatalf("expected FULL feedback, got %s", feedback.Outcome)
	}

	if got := fx.rail.Balance("seller-1"); got != 50 {
		t.Fatalf("expected seller paid 50, got %d", got)
	}

	seller, err := fx.store.GetUser("seller-1")
	if err != nil {
		t.Fatalf("get seller: %v", err)
	}
	if seller.TrustScore <= 0.5 {
		t.Fatalf("expected seller trust score to rise above 0.5, got %f", seller.TrustScore)
	}
}

func TestRunOncePartialDeliverySplitsPayment(t *testing.T) {
	fx := setupVerifier(t, oracle.Fixed{Outcome: storage.DeliveryOutcomePartial, Ratio: 0.5})
	order := seedActiveOrder(t, fx, "order-partial", 10, 5.0)

	fx.v.RunOnce()

	got, err := fx.store.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.State != storage.OrderStateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.State)
	}

	sellerPaid := fx.rail.Balance("seller-1")
	if sellerPaid <= 0 || sellerPaid >= 50 {
		t.Fatalf("expected seller paid partial amount in (0,50), got %d", sellerPaid)
	}

	seller, err := fx.store.GetUser("seller-1")
	if err != nil {
		t.Fatalf("get seller: %v", err)
	}
	if seller.TrustScore >= 0.5 {
		t.Fatalf("expected seller trust score to fall below 0.5 on partial delivery, got %f", seller.TrustScore)
	}

	transfers, err := fx.store.ListTransfersForOrder(order.ID)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected a settlement and a refund transfer, got %d", len(transfers))
	}
}

func TestRunOnceFailedDeliveryRefundsBuyer(t *testing.T) {
	fx := setupVerifier(t, oracle.Fixed{Outcome: storage.DeliveryOutcomeFailed, Ratio: 0})
	order := seedActiveOrder(t, fx, "order-failed", 10, 5.0)

	balanceBefore := fx.rail.Balance("buyer-1")
	fx.v.RunOnce()

	got, err := fx.store.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.State != storage.OrderStateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.State)
	}
	if fx.rail.Balance("buyer-1") <= balanceBefore {
		t.Fatalf("expected buyer refunded on failed delivery")
	}

	seller, err := fx.store.GetUser("seller-1")
	if err != nil {
		t.Fatalf("get seller: %v", err)
	}
	if seller.TrustScore >= 0.5 {
		t.Fatalf("expected seller trust score penalized on failure, got %f", seller.TrustScore)
	}
}

func TestProcessFeedbackIsIdempotent(t *testing.T) {
	fx := setupVerifier(t, oracle.Fixed{Outcome: storage.DeliveryOutcomeFull, Ratio: 1.0})
	order := seedActiveOrder(t, fx, "order-replay", 10, 5.0)

	fx.v.RunOnce()
	sellerBalanceAfterFirst := fx.rail.Balance("seller-1")

	// A second pass must not double-settle: the order is already COMPLETED
	// so ListActiveOrdersPastDelivery won't even return it, but
	// processFeedback itself is idempotent if ever invoked twice directly.
	got, err := fx.store.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if err := fx.v.processFeedback(got, oracle.Fixed{Outcome: storage.DeliveryOutcomeFull, Ratio: 1.0}.Verify(got.QuantityKWh)); err != nil {
		t.Fatalf("second processFeedback call: %v", err)
	}
	if fx.rail.Balance("seller-1") != sellerBalanceAfterFirst {
		t.Fatalf("expected no additional settlement on replay, balance changed from %d to %d", sellerBalanceAfterFirst, fx.rail.Balance("seller-1"))
	}
}

func TestCleanupOfferDeletesWhenAllBlocksSpent(t *testing.T) {
	fx := setupVerifier(t, oracle.Fixed{Outcome: storage.DeliveryOutcomeFull, Ratio: 1.0})
	order := seedActiveOrder(t, fx, "order-cleanup", 10, 5.0)

	fx.v.RunOnce()

	if _, err := fx.store.GetOffer(order.OfferID); err != storage.ErrOfferNotFound {
		t.Fatalf("expected offer %s deleted after cleanup, got err=%v", order.OfferID, err)
	}
}
