// Package escrow implements the six-stage escrow orchestrator: blocking
// funds when an order is placed, and releasing or refunding them once a
// delivery outcome is known. Each stage emits a structured log group, the
// way the teacher logs every stage of a swap so a failed run is forensically
// reproducible from logs alone.
package escrow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kkorel/energy-exchange/internal/bank"
	"github.com/kkorel/energy-exchange/internal/clockutil"
	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/storage"
	"github.com/kkorel/energy-exchange/pkg/logging"
)

// PlacedOutcome is the result of onTradePlaced.
type PlacedOutcome string

const (
	BlockConfirmed PlacedOutcome = "BLOCK_CONFIRMED"
)

// VerifiedOutcome is the result of onTradeVerified.
type VerifiedOutcome string

const (
	Released            VerifiedOutcome = "RELEASED"
	Refunded            VerifiedOutcome = "REFUNDED"
	ErrorNoBlock        VerifiedOutcome = "ERROR_NO_BLOCK"
	ErrorAlreadySettled VerifiedOutcome = "ERROR_ALREADY_SETTLED"
	ErrorBlockExpired   VerifiedOutcome = "ERROR_BLOCK_EXPIRED"
)

// PlaceResult is returned by onTradePlaced.
type PlaceResult struct {
	Status    PlacedOutcome
	Principal int64
	Fee       int64
	Receipt   *bank.Receipt
	Inserted  bool
}

// VerifyResult is returned by onTradeVerified.
type VerifyResult struct {
	Status   VerifiedOutcome
	Receipt  *bank.Receipt
	Inserted bool
}

// Orchestrator drives the escrow state machine for a single order.
type Orchestrator struct {
	store *storage.Storage
	rail  *bank.Rail
	locks *lock.Service
	clock clockutil.Clock
	cfg   *config.ExchangeConfig
	log   *logging.Logger
}

// New creates an Orchestrator.
func New(store *storage.Storage, rail *bank.Rail, locks *lock.Service, cfg *config.ExchangeConfig, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Default()
	}
	return &Orchestrator{
		store: store,
		rail:  rail,
		locks: locks,
		clock: clockutil.Real{},
		cfg:   cfg,
		log:   log.Component("escrow"),
	}
}

// WithClock overrides the orchestrator's time source, for deterministic tests.
func (o *Orchestrator) WithClock(c clockutil.Clock) *Orchestrator {
	o.clock = c
	return o
}

// OnTradePlaced blocks principal+fee against the buyer and records the
// escrow row, idempotently keyed on orderID.
//
//  1. Compute fee = min(cap, principal*rate); total_blocked = principal+fee.
//  2. If an escrow row already exists for order_id, return it as
//     {BLOCK_CONFIRMED, Inserted: false} without calling the bank again.
//  3. Call bank.Block(order_id, total_blocked, duration) -> receipt.
//  4. Insert an escrow row (status BLOCKED, expires_at = now+duration).
//  5. Return {BLOCK_CONFIRMED, quote, receipt, counts}.
func (o *Orchestrator) OnTradePlaced(ctx context.Context, orderID, buyerID string, principal int64) (*PlaceResult, error) {
	logGroup := o.log.With("stage", "onTradePlaced", "order_id", orderID)
	logGroup.Info("escrow stage started")

	fee := int64(o.cfg.Fees.CalculateFee(float64(principal)))
	totalBlocked := principal + fee

	var result PlaceResult

	err := o.locks.WithLock(ctx, lock.OrderLockName(orderID), func() error {
		// Idempotency: if the escrow row already exists for this order,
		// the prior call is authoritative and the bank is not called again.
		existing, lookupErr := o.store.GetEscrowRecordByOrder(orderID)
		if lookupErr == nil {
			result = PlaceResult{Status: BlockConfirmed, Principal: existing.Principal, Fee: existing.Fee, Inserted: false}
			return nil
		}
		if lookupErr != storage.ErrEscrowNotFound {
			return fmt.Errorf("escrow: failed to check for existing record: %w", lookupErr)
		}

		receipt, err := o.rail.Block(buyerID, orderID, totalBlocked, o.cfg.Escrow.BlockDuration)
		if err != nil {
			logGroup.Error("bank block failed", "err", err)
			return fmt.Errorf("escrow: block failed for order %s: %w", orderID, err)
		}

		now := o.clock.Now()
		record := &storage.EscrowRecord{
			ID:        uuid.NewString(),
			OrderID:   orderID,
			BuyerID:   buyerID,
			Principal: principal,
			Fee:       fee,
			BankRef:   receipt.ReceiptID,
			ExpiresAt: now.Add(o.cfg.Escrow.BlockDuration),
			CreatedAt: now,
		}
		if err := o.store.CreateEscrowRecord(record); err != nil {
			return fmt.Errorf("escrow: failed to create escrow record: %w", err)
		}

		result = PlaceResult{
			Status:    BlockConfirmed,
			Principal: principal,
			Fee:       fee,
			Receipt:   receipt,
			Inserted:  true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logGroup.Info("escrow stage completed", "status", result.Status, "inserted", result.Inserted)
	return &result, nil
}

// OnTradeVerified settles an order's escrow once a delivery outcome is
// known: SUCCESS releases principal to the seller, FAIL refunds the buyer.
func (o *Orchestrator) OnTradeVerified(ctx context.Context, orderID, sellerID string, success bool) (*VerifyResult, error) {
	logGroup := o.log.With("stage", "onTradeVerified", "order_id", orderID)
	logGroup.Info("escrow stage started")

	var result VerifyResult

	err := o.locks.WithLock(ctx, lock.OrderLockName(orderID), func() error {
		record, err := o.store.GetEscrowRecordByOrder(orderID)
		if err == storage.ErrEscrowNotFound {
			result = VerifyResult{Status: ErrorNoBlock}
			logGroup.Warn("no escrow block found for order")
			return nil
		}
		if err != nil {
			return fmt.Errorf("escrow: failed to load escrow record: %w", err)
		}

		priorTransfers, err := o.store.ListTransfersForOrder(orderID)
		if err != nil {
			return fmt.Errorf("escrow: failed to check prior transfers: %w", err)
		}
		if len(priorTransfers) > 0 {
			result = VerifyResult{Status: ErrorAlreadySettled}
			logGroup.Warn("order already settled", "transfer_count", len(priorTransfers))
			return nil
		}

		now := o.clock.Now()
		if record.Status == storage.EscrowStatusExpired || now.After(record.ExpiresAt) {
			result = VerifyResult{Status: ErrorBlockExpired}
			logGroup.Warn("escrow block expired", "expires_at", record.ExpiresAt)
			return nil
		}

		if success {
			receipt, err := o.rail.Release(orderID, sellerID, record.Principal)
			if err != nil {
				return fmt.Errorf("escrow: release failed for order %s: %w", orderID, err)
			}
			inserted, err := o.store.CreateTransfer(&storage.Transfer{
				ID:             uuid.NewString(),
				OrderID:        orderID,
				EscrowID:       record.ID,
				FromUserID:     record.BuyerID,
				ToUserID:       sellerID,
				Amount:         record.Principal,
				Kind:           "settlement",
				IdempotencyKey: orderID + ":RELEASE",
				CreatedAt:      now,
			})
			if err != nil {
				return fmt.Errorf("escrow: failed to record release transfer: %w", err)
			}
			if err := o.store.UpdateEscrowStatus(record.ID, record.Version, storage.EscrowStatusReleased); err != nil {
				return fmt.Errorf("escrow: failed to update escrow status: %w", err)
			}
			result = VerifyResult{Status: Released, Receipt: receipt, Inserted: inserted}
		} else {
			totalBlocked := record.Principal + record.Fee
			receipt, err := o.rail.Refund(orderID, record.BuyerID, totalBlocked)
			if err != nil {
				return fmt.Errorf("escrow: refund failed for order %s: %w", orderID, err)
			}
			inserted, err := o.store.CreateTransfer(&storage.Transfer{
				ID:             uuid.NewString(),
				OrderID:        orderID,
				EscrowID:       record.ID,
				FromUserID:     "",
				ToUserID:       record.BuyerID,
				Amount:         totalBlocked,
				Kind:           "refund",
				IdempotencyKey: orderID + ":REFUND",
				CreatedAt:      now,
			})
			if err != nil {
				return fmt.Errorf("escrow: failed to record refund transfer: %w", err)
			}
			if err := o.store.UpdateEscrowStatus(record.ID, record.Version, storage.EscrowStatusRefunded); err != nil {
				return fmt.Errorf("escrow: failed to update escrow status: %w", err)
			}
			result = VerifyResult{Status: Refunded, Receipt: receipt, Inserted: inserted}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logGroup.Info("escrow stage completed", "status", result.Status)
	return &result, nil
}

// ReconcileExpired scans BLOCKED escrow rows past their expiry and
// transitions them to EXPIRED, so subsequent verifies on those rows return
// ErrorBlockExpired instead of settling against a stale block.
func (o *Orchestrator) ReconcileExpired(ctx context.Context) (expired int, err error) {
	now := o.clock.Now()
	records, err := o.store.ListExpiredEscrowRecords(now)
	if err != nil {
		return 0, fmt.Errorf("escrow: failed to list expired records: %w", err)
	}

	for _, r := range records {
		err := o.locks.WithLock(ctx, lock.OrderLockName(r.OrderID), func() error {
			current, err := o.store.GetEscrowRecord(r.ID)
			if err != nil {
				return err
			}
			if current.Status != storage.EscrowStatusBlocked {
				return nil
			}
			return o.store.UpdateEscrowStatus(r.ID, current.Version, storage.EscrowStatusExpired)
		})
		if err != nil {
			return expired, fmt.Errorf("escrow: failed to expire record %s: %w", r.ID, err)
		}
		expired++
	}
	return expired, nil
}
