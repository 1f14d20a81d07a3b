// Package scenario runs the concrete end-to-end scenarios named in §8's
// seed-test list against a fresh temp-dir SQLite exchange, the way the teacher's
// own integration tests spin up a temp-dir SQLite store and drive it
// through the public API rather than mocking storage. It backs both a
// package test (scenario_test.go) and the run-scenarios CLI command, which
// needs the same scripted scenarios available outside `go test` for
// operational audit.
package scenario

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kkorel/energy-exchange/internal/bank"
	"github.com/kkorel/energy-exchange/internal/clockutil"
	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/escrow"
	"github.com/kkorel/energy-exchange/internal/inventory"
	"github.com/kkorel/energy-exchange/internal/kv"
	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/oracle"
	"github.com/kkorel/energy-exchange/internal/protocol"
	"github.com/kkorel/energy-exchange/internal/storage"
	"github.com/kkorel/energy-exchange/internal/verifier"
)

// Result is the structured, JSON-friendly outcome of one scenario run.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
	Error  string `json:"error,omitempty"`
}

// fixture bundles a fresh, isolated exchange stack: its own temp-dir SQLite
// database, bank rail, and fixed clock, so scenarios never share state or
// race each other's wall-clock assumptions.
type fixture struct {
	dir         string
	store       *storage.Storage
	locks       *lock.Service
	rail        *bank.Rail
	kv          *kv.Store
	cfg         *config.ExchangeConfig
	clock       *clockutil.Fixed
	coordinator *protocol.Coordinator
	inv         *inventory.Coordinator
	escrowOrch  *escrow.Orchestrator
}

func newFixture() (*fixture, error) {
	dir, err := os.MkdirTemp("", "exchange-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("scenario: failed to create temp dir: %w", err)
	}

	store, err := storage.New(&storage.Config{DataDir: dir})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("scenario: failed to open storage: %w", err)
	}

	cfg := config.NewExchangeConfig()
	locks := lock.New(store.DB(), cfg.Lock)
	kvStore := kv.New(store.DB())
	rail := bank.New()
	clock := clockutil.NewFixed(time.Unix(1_700_000_000, 0))
	rail.WithClock(clock)

	coordinator := protocol.New(store, locks, rail, kvStore, cfg, "scenario-runner", nil).WithClock(clock)

	return &fixture{
		dir:         dir,
		store:       store,
		locks:       locks,
		rail:        rail,
		kv:          kvStore,
		cfg:         cfg,
		clock:       clock,
		coordinator: coordinator,
		inv:         inventory.New(store, locks),
		escrowOrch:  escrow.New(store, rail, locks, cfg, nil).WithClock(clock),
	}, nil
}

func (f *fixture) newVerifier(verdict oracle.Verifier) *verifier.Verifier {
	return verifier.New(f.store, f.locks, f.rail, verdict, f.cfg, nil).WithClock(f.clock)
}

func (f *fixture) close() {
	f.store.Close()
	os.RemoveAll(f.dir)
}

// seedOffer creates a provider/seller and an offer of blockCount blocks of
// qtyPerBlock kWh each priced at pricePerKWh, with delivery windows already
// in the past relative to the fixture's clock so the verifier's
// past-delivery scan picks resulting orders up immediately.
func (f *fixture) seedOffer(providerID, sellerID, offerID string, pricePerKWh, qtyPerBlock float64, blockCount int) error {
	now := f.clock.Now()
	if err := f.store.CreateProvider(&storage.Provider{ID: providerID, PeerID: "peer-" + providerID, Name: providerID, TrustScore: 0.5, CreatedAt: now}); err != nil {
		return err
	}
	if err := f.store.CreateUser(&storage.User{ID: sellerID, PeerID: "peer-" + sellerID, Role: storage.UserRoleSeller, TrustScore: 0.5, CreatedAt: now}); err != nil {
		return err
	}
	itemID := offerID + "-item"
	if err := f.store.CreateItem(&storage.Item{ID: itemID, ProviderID: providerID, SourceType: "SOLAR", DeliveryMode: "net_metering", CapacityKWh: qtyPerBlock * float64(blockCount), CreatedAt: now}); err != nil {
		return err
	}
	if err := f.store.CreateOffer(&storage.Offer{ID: offerID, ItemID: itemID, SellerID: sellerID, PricingModel: "fixed", PricePerKWh: pricePerKWh, CreatedAt: now}); err != nil {
		return err
	}
	for i := 0; i < blockCount; i++ {
		blockID := fmt.Sprintf("%s-block-%d", offerID, i)
		if err := f.store.CreateBlock(&storage.Block{
			ID:                blockID,
			OfferID:           offerID,
			DeliveryHourStart: now.Add(-2 * time.Hour),
			QuantityKWh:       qtyPerBlock,
			CreatedAt:         now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// seedBuyer creates buyerID with balance in both storage.User.Balance and
// the bank rail, the ledger escrow actually blocks against.
func (f *fixture) seedBuyer(buyerID string, balance int64) error {
	if err := f.store.CreateUser(&storage.User{ID: buyerID, PeerID: "peer-" + buyerID, Role: storage.UserRoleBuyer, Balance: balance, TrustScore: 0.5, CreatedAt: f.clock.Now()}); err != nil {
		return err
	}
	f.rail.Seed(buyerID, balance)
	return nil
}

// placeTrade runs the buyer-side discover/select/init/confirm handshake
// against offerID for requestedKWh and returns the resulting order ID.
func (f *fixture) placeTrade(ctx context.Context, buyerID, offerID string, requestedKWh float64, suffix string) (string, error) {
	now := f.clock.Now()
	disc, err := f.coordinator.Discover(ctx, buyerID, protocol.DiscoveryCriteria{
		RequestedQuantityKWh: requestedKWh,
		WindowStart:          now.Add(-3 * time.Hour),
		WindowEnd:            now.Add(3 * time.Hour),
	})
	if err != nil {
		return "", fmt.Errorf("discover: %w", err)
	}
	if _, err := f.coordinator.Select(ctx, disc.TransactionID, "select-"+suffix, protocol.SelectRequest{OfferID: offerID, RequestedQtyKWh: requestedKWh}); err != nil {
		return "", fmt.Errorf("select: %w", err)
	}
	init, err := f.coordinator.Init(ctx, disc.TransactionID, "init-"+suffix)
	if err != nil {
		return "", fmt.Errorf("init: %w", err)
	}
	if _, err := f.coordinator.Confirm(ctx, disc.TransactionID, "confirm-"+suffix); err != nil {
		return init.OrderID, err
	}
	return init.OrderID, nil
}
