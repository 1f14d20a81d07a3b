package verifier

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/kkorel/energy-exchange/internal/escrow"
	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/oracle"
	"github.com/kkorel/energy-exchange/internal/storage"
)

// processFeedback carries out §4.8's nine-step settlement for one order,
// under lock:order:<id> so a concurrent reconcile-expired pass or a retried
// verification cannot race the same order's state.
//
//  1. Insert DeliveryFeedback (idempotent: a second call for the same order
//     is a no-op from here on).
//  2. Compute the seller's new trust score.
//  3. Compute the payment split.
//  4. Update the seller's balance and trust mirror.
//  5. Insert trust history for the seller.
//  6. Settle escrow and mark the order COMPLETED.
//  7. Update the provider aggregate.
//  8. Apply the buyer's trust bonus and record its history.
//  9. Insert a payment record.
//
// Offer cleanup happens after commit, outside this function, via
// cleanupOffer.
func (v *Verifier) processFeedback(order *storage.Order, verdict oracle.Verdict) error {
	return v.locks.WithLock(v.ctx, lock.OrderLockName(order.ID), func() error {
		expected := order.QuantityKWh
		delivered := verdict.DeliveredKWh
		ratio := 0.0
		if expected > 0 {
			ratio = delivered / expected
		}

		inserted, err := v.store.CreateDeliveryFeedback(&storage.DeliveryFeedback{
			ID:           uuid.NewString(),
			OrderID:      order.ID,
			Outcome:      verdict.Outcome,
			DeliveredKWh: delivered,
			ExpectedKWh:  expected,
			Ratio:        ratio,
			RecordedAt:   v.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("verifier: failed to record delivery feedback for order %s: %w", order.ID, err)
		}
		if !inserted {
			v.log.Debug("delivery feedback already recorded, skipping settlement", "order_id", order.ID)
			return nil
		}

		seller, err := v.store.GetUser(order.SellerID)
		sellerScore := 0.0
		if err == nil {
			sellerScore = seller.TrustScore
		}

		sellerDelta := v.trust.SellerDelta(ratio)
		newSellerScore := v.trust.ApplyDelta(sellerScore, sellerDelta)

		if err := v.settle(order, verdict, ratio); err != nil {
			return err
		}

		if err := v.store.UpdateTrustScore(order.SellerID, newSellerScore); err != nil {
			v.log.Warn("failed to update seller trust score", "seller_id", order.SellerID, "err", err)
		}
		if err := v.store.RecordTrustHistory(&storage.TrustHistoryEntry{
			UserID:     order.SellerID,
			OrderID:    order.ID,
			Delta:      sellerDelta,
			ScoreAfter: newSellerScore,
			Reason:     "delivery_outcome_" + string(verdict.Outcome),
			RecordedAt: v.clock.Now(),
		}); err != nil {
			v.log.Warn("failed to record seller trust history", "seller_id", order.SellerID, "err", err)
		}

		if err := v.store.UpdateProviderStats(order.SellerID, newSellerScore); err != nil && err != storage.ErrProviderNotFound {
			v.log.Warn("failed to update provider stats", "provider_id", order.SellerID, "err", err)
		}

		buyerDelta := v.trust.BuyerDelta(ratio)
		if buyer, err := v.store.GetUser(order.BuyerID); err == nil {
			newBuyerScore := v.trust.ApplyDelta(buyer.TrustScore, buyerDelta)
			if err := v.store.UpdateTrustScore(order.BuyerID, newBuyerScore); err != nil {
				v.log.Warn("failed to update buyer trust score", "buyer_id", order.BuyerID, "err", err)
			}
			if err := v.store.RecordTrustHistory(&storage.TrustHistoryEntry{
				UserID:     order.BuyerID,
				OrderID:    order.ID,
				Delta:      buyerDelta,
				ScoreAfter: newBuyerScore,
				Reason:     "delivery_accepted_" + string(verdict.Outcome),
				RecordedAt: v.clock.Now(),
			}); err != nil {
				v.log.Warn("failed to record buyer trust history", "buyer_id", order.BuyerID, "err", err)
			}
		}

		return nil
	})
}

// settle drives the escrow outcome appropriate to verdict and marks order
// COMPLETED. FULL and FAILED are the binary cases escrow.Orchestrator
// already models: release-all or refund-all. PARTIAL needs a split the
// orchestrator's two-outcome contract has no room for, so it is handled
// directly against the bank rail here, following the same
// idempotency-check and version-CAS shape OnTradeVerified uses internally.
func (v *Verifier) settle(order *storage.Order, verdict oracle.Verdict, ratio float64) error {
	switch verdict.Outcome {
	case storage.DeliveryOutcomeFull:
		result, err := v.escrowOrch.OnTradeVerified(v.ctx, order.ID, order.SellerID, true)
		if err != nil {
			return fmt.Errorf("verifier: escrow release failed for order %s: %w", order.ID, err)
		}
		if result.Status != escrow.Released && result.Status != escrow.ErrorAlreadySettled {
			// No money moved (no block, already expired, or some other
			// guard tripped) — this order must not be marked COMPLETED, or
			// it would fabricate a settled trade that was never funded.
			return fmt.Errorf("verifier: escrow did not settle order %s on full delivery (status=%s)", order.ID, result.Status)
		}
		return v.completeOrder(order)

	case storage.DeliveryOutcomeFailed:
		result, err := v.escrowOrch.OnTradeVerified(v.ctx, order.ID, order.SellerID, false)
		if err != nil {
			return fmt.Errorf("verifier: escrow refund failed for order %s: %w", order.ID, err)
		}
		if result.Status != escrow.Refunded && result.Status != escrow.ErrorAlreadySettled {
			return fmt.Errorf("verifier: escrow did not settle order %s on failed delivery (status=%s)", order.ID, result.Status)
		}
		return v.completeOrder(order)

	default: // PARTIAL
		if err := v.settlePartial(order, verdict, ratio); err != nil {
			return err
		}
		return v.completeOrder(order)
	}
}

// settlePartial computes the seller/grid/buyer split per §4.8 step 3 and
// applies it against a single bank hold via Rail.Split, recording the
// result the same way OnTradeVerified records a RELEASE or REFUND
// transfer: one idempotent row per order, checked before mutating.
func (v *Verifier) settlePartial(order *storage.Order, verdict oracle.Verdict, ratio float64) error {
	record, err := v.store.GetEscrowRecordByOrder(order.ID)
	if err == storage.ErrEscrowNotFound {
		// No money was ever blocked for this order — completing it would
		// fabricate a settled trade that was never funded.
		return fmt.Errorf("verifier: no escrow block found for partially delivered order %s", order.ID)
	}
	if err != nil {
		return fmt.Errorf("verifier: failed to load escrow record for order %s: %w", order.ID, err)
	}

	priorTransfers, err := v.store.ListTransfersForOrder(order.ID)
	if err != nil {
		return fmt.Errorf("verifier: failed to check prior transfers for order %s: %w", order.ID, err)
	}
	if len(priorTransfers) > 0 {
		v.log.Debug("order already settled, skipping partial split", "order_id", order.ID)
		return nil
	}

	now := v.clock.Now()
	if record.Status == storage.EscrowStatusExpired || now.After(record.ExpiresAt) {
		return fmt.Errorf("verifier: escrow block expired before partial settlement for order %s", order.ID)
	}

	sellerRate := 0.0
	if order.QuantityKWh > 0 {
		sellerRate = order.TotalPrice / order.QuantityKWh
	}
	undelivered := order.QuantityKWh - verdict.DeliveredKWh
	if undelivered < 0 {
		undelivered = 0
	}

	sellerShare := verdict.DeliveredKWh*sellerRate - math.Max(0, (v.cfg.Oracle.GridRate-sellerRate)*undelivered)
	if sellerShare < 0 {
		sellerShare = 0
	}
	sellerPayment := int64(math.Round(sellerShare))
	if sellerPayment > record.Principal {
		sellerPayment = record.Principal
	}
	buyerRefund := record.Principal - sellerPayment

	receipt, err := v.rail.Split(order.ID, order.SellerID, order.BuyerID, sellerPayment, buyerRefund)
	if err != nil {
		return fmt.Errorf("verifier: partial split failed for order %s: %w", order.ID, err)
	}

	if sellerPayment > 0 {
		if _, err := v.store.CreateTransfer(&storage.Transfer{
			ID:             uuid.NewString(),
			OrderID:        order.ID,
			EscrowID:       record.ID,
			FromUserID:     record.BuyerID,
			ToUserID:       order.SellerID,
			Amount:         sellerPayment,
			Kind:           "settlement",
			IdempotencyKey: order.ID + ":RELEASE",
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("verifier: failed to record partial settlement transfer: %w", err)
		}
		if err := v.store.AdjustBalance(order.SellerID, sellerPayment); err != nil {
			v.log.Warn("failed to credit seller ledger balance", "seller_id", order.SellerID, "err", err)
		}
		if err := v.store.CreatePaymentRecord(&storage.PaymentRecord{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			UserID:    order.SellerID,
			Amount:    sellerPayment,
			Direction: "credit",
			CreatedAt: now,
		}); err != nil {
			v.log.Warn("failed to record seller payment record", "order_id", order.ID, "err", err)
		}
	}
	if buyerRefund > 0 {
		if _, err := v.store.CreateTransfer(&storage.Transfer{
			ID:             uuid.NewString(),
			OrderID:        order.ID,
			EscrowID:       record.ID,
			FromUserID:     "",
			ToUserID:       order.BuyerID,
			Amount:         buyerRefund,
			Kind:           "refund",
			IdempotencyKey: order.ID + ":REFUND",
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("verifier: failed to record partial refund transfer: %w", err)
		}
		if err := v.store.CreatePaymentRecord(&storage.PaymentRecord{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			UserID:    order.BuyerID,
			Amount:    buyerRefund,
			Direction: "credit",
			CreatedAt: now,
		}); err != nil {
			v.log.Warn("failed to record buyer payment record", "order_id", order.ID, "err", err)
		}
	}

	v.log.Info("partial delivery settled", "order_id", order.ID, "seller_payment", sellerPayment, "buyer_refund", buyerRefund, "ratio", ratio, "receipt", receipt.ReceiptID)

	return v.store.UpdateEscrowStatus(record.ID, record.Version, storage.EscrowStatusReleased)
}

// completeOrder moves order to COMPLETED and inserts its buyer-side payment
// record (§4.8 step 9's order-level ledger line, distinct from the
// seller/buyer settlement lines recorded in settle/settlePartial).
func (v *Verifier) completeOrder(order *storage.Order) error {
	if err := v.lifecycle.Transition(v.ctx, order.ID, storage.OrderStateCompleted); err != nil {
		return fmt.Errorf("verifier: failed to complete order %s: %w", order.ID, err)
	}
	if err := v.store.CreatePaymentRecord(&storage.PaymentRecord{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		UserID:    order.BuyerID,
		Amount:    int64(order.TotalPrice),
		Direction: "debit",
		CreatedAt: v.clock.Now(),
	}); err != nil {
		v.log.Warn("failed to record order-level payment record", "order_id", order.ID, "err", err)
	}
	return nil
}
