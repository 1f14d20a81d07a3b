// Package verifier implements the background delivery-verification
// reconciler: a ticker loop that recovers stuck DRAFT orders, scans ACTIVE
// orders past their delivery window, invokes an oracle, and settles the
// outcome end to end. It is grounded on the teacher's retry worker — the
// same "poll on a ticker, isolate one item's failure from the rest of the
// batch" shape, applied to order verification instead of message delivery.
package verifier

import (
	"context"
	"time"

	"github.com/kkorel/energy-exchange/internal/bank"
	"github.com/kkorel/energy-exchange/internal/clockutil"
	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/escrow"
	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/oracle"
	"github.com/kkorel/energy-exchange/internal/orderlifecycle"
	"github.com/kkorel/energy-exchange/internal/storage"
	"github.com/kkorel/energy-exchange/internal/trust"
	"github.com/kkorel/energy-exchange/pkg/logging"
)

// StaleDraftAfter is how old a DRAFT order must be before the reconciler
// treats it as crash-stranded rather than merely in flight.
const StaleDraftAfter = 5 * time.Minute

// Verifier periodically reconciles ACTIVE orders whose delivery window has
// elapsed against an oracle verdict, and recovers DRAFT orders stranded by
// a crash between escrow placement and status commit.
type Verifier struct {
	store      *storage.Storage
	locks      *lock.Service
	rail       *bank.Rail
	lifecycle  *orderlifecycle.Machine
	escrowOrch *escrow.Orchestrator
	oracle     oracle.Verifier
	trust      *trust.Engine
	cfg        *config.ExchangeConfig
	clock      clockutil.Clock
	log        *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Verifier. verdict is the oracle strategy to invoke for each
// past-window order; pass oracle.NewMock(cfg.Oracle) in production, or an
// oracle.Fixed for scripted scenarios.
func New(store *storage.Storage, locks *lock.Service, rail *bank.Rail, verdict oracle.Verifier, cfg *config.ExchangeConfig, log *logging.Logger) *Verifier {
	if log == nil {
		log = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Verifier{
		store:      store,
		locks:      locks,
		rail:       rail,
		lifecycle:  orderlifecycle.New(store, locks),
		escrowOrch: escrow.New(store, rail, locks, cfg, log),
		oracle:     verdict,
		trust:      trust.New(cfg.Trust),
		cfg:        cfg,
		clock:      clockutil.Real{},
		log:        log.Component("verifier"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// WithClock overrides the verifier's time source, for deterministic tests.
func (v *Verifier) WithClock(c clockutil.Clock) *Verifier {
	v.clock = c
	v.escrowOrch.WithClock(c)
	return v
}

// Start runs the verifier's poll loop in a background goroutine.
func (v *Verifier) Start() {
	go v.run()
	v.log.Info("verifier started", "check_interval", v.cfg.Verifier.CheckInterval)
}

// Stop halts the poll loop.
func (v *Verifier) Stop() {
	v.cancel()
	v.log.Info("verifier stopped")
}

func (v *Verifier) run() {
	ticker := time.NewTicker(v.cfg.Verifier.CheckInterval)
	defer ticker.Stop()

	v.RunOnce()

	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			v.RunOnce()
		}
	}
}

// RunOnce executes one reconciliation pass: stuck-draft recovery, then
// past-window verification. Exported so the CLI's reconcile-expired and
// run-scenarios commands can drive a pass synchronously without waiting on
// the ticker.
func (v *Verifier) RunOnce() {
	recovered, err := v.lifecycle.RecoverStuckDrafts(v.ctx, StaleDraftAfter)
	if err != nil {
		v.log.Warn("stuck-draft recovery failed", "err", err)
	} else if recovered > 0 {
		v.log.Info("recovered stuck draft orders", "count", recovered)
	}

	if expired, err := v.escrowOrch.ReconcileExpired(v.ctx); err != nil {
		v.log.Warn("escrow expiry reconciliation failed", "err", err)
	} else if expired > 0 {
		v.log.Info("expired stale escrow blocks", "count", expired)
	}

	now := v.clock.Now()
	orders, err := v.store.ListActiveOrdersPastDelivery(now)
	if err != nil {
		v.log.Error("failed to list past-delivery orders", "err", err)
		return
	}

	for _, order := range orders {
		// One order's failure must not abort the batch: log and continue.
		if err := v.verifyOrder(order); err != nil {
			v.log.Error("order verification failed", "order_id", order.ID, "err", err)
		}
	}
}

// verifyOrder invokes the oracle for order and drives process_feedback,
// then attempts post-commit offer cleanup.
func (v *Verifier) verifyOrder(order *storage.Order) error {
	verdict := v.oracle.Verify(order.QuantityKWh)
	if err := v.processFeedback(order, verdict); err != nil {
		return err
	}
	v.cleanupOffer(order.OfferID)
	return nil
}
