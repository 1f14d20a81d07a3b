package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kkorel/energy-exchange/internal/bank"
	"github.com/kkorel/energy-exchange/internal/clockutil"
	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/escrow"
	"github.com/kkorel/energy-exchange/internal/idempotency"
	"github.com/kkorel/energy-exchange/internal/inventory"
	"github.com/kkorel/energy-exchange/internal/kv"
	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/matching"
	"github.com/kkorel/energy-exchange/internal/orderlifecycle"
	"github.com/kkorel/energy-exchange/internal/storage"
	"github.com/kkorel/energy-exchange/internal/xerrors"
	"github.com/kkorel/energy-exchange/pkg/logging"
)

// Coordinator drives the discover/select/init/confirm/status handshake,
// composing the already-built inventory, escrow, and order-lifecycle
// services the way the teacher's swap_handler.go composes the wallet and
// chain-backend services underneath each swap stage.
type Coordinator struct {
	store       *storage.Storage
	locks       *lock.Service
	txns        *kv.Store
	idem        *idempotency.Cache
	inv         *inventory.Coordinator
	escrowOrch  *escrow.Orchestrator
	lifecycle   *orderlifecycle.Machine
	matchEngine *matching.Engine
	cfg         *config.ExchangeConfig
	clock       clockutil.Clock
	log         *logging.Logger
	selfID      string
}

// New creates a Coordinator. selfID identifies this node as a BAP/BPP
// participant in outgoing envelope contexts.
func New(store *storage.Storage, locks *lock.Service, rail *bank.Rail, kvStore *kv.Store, cfg *config.ExchangeConfig, selfID string, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Default()
	}
	return &Coordinator{
		store:       store,
		locks:       locks,
		txns:        kvStore,
		idem:        idempotency.New(kvStore, cfg.Idempotency),
		inv:         inventory.New(store, locks),
		escrowOrch:  escrow.New(store, rail, locks, cfg, log),
		lifecycle:   orderlifecycle.New(store, locks),
		matchEngine: matching.New(cfg.Matching),
		cfg:         cfg,
		clock:       clockutil.Real{},
		log:         log.Component("protocol"),
		selfID:      selfID,
	}
}

// WithClock overrides the coordinator's time source, for deterministic tests.
func (c *Coordinator) WithClock(clk clockutil.Clock) *Coordinator {
	c.clock = clk
	c.escrowOrch.WithClock(clk)
	return c
}

// dedupe claims (endpoint, messageID) for processing. If a prior call
// already completed, it decodes the stored response into out and reports
// replay=true so the caller can return it without re-executing side
// effects. If a prior call is still in flight, it returns
// xerrors.KindConflict.
func (c *Coordinator) dedupe(endpoint, messageID string, out interface{}) (replay bool, err error) {
	claimed, err := c.idem.Begin(endpoint, messageID)
	if err != nil {
		return false, err
	}
	if claimed {
		return false, nil
	}

	status, err := c.idem.Lookup(endpoint, messageID, out)
	if err != nil {
		return false, err
	}
	switch status {
	case idempotency.StatusStored:
		return true, nil
	case idempotency.StatusProcessing:
		return false, xerrors.Conflict(fmt.Sprintf("protocol: message %s is already being processed", messageID))
	default:
		return false, xerrors.Internal("protocol: dedupe claimed but lookup found nothing")
	}
}

// DiscoverResult is the response to a Discover call.
type DiscoverResult struct {
	TransactionID string            `json:"transaction_id"`
	Offers        []matching.Result `json:"offers"`
}

// Discover mints a new transaction, builds the ranked offer catalog against
// criteria, and records the discovery in the transaction-state cache.
func (c *Coordinator) Discover(ctx context.Context, buyerID string, criteria DiscoveryCriteria) (*DiscoverResult, error) {
	catalog, err := c.buildCatalog(criteria.SourceType)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	ranked := c.matchEngine.Rank(catalog, criteria.toMatchingCriteria(), referencePrice(catalog), now)

	txnID := uuid.NewString()
	state := &TransactionState{
		TransactionID: txnID,
		BuyerID:       buyerID,
		Status:        StatusDiscovering,
		Criteria:      criteria,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.saveTxn(state); err != nil {
		return nil, err
	}
	_ = c.store.RecordEvent(txnID, "discover", map[string]interface{}{
		"buyer_id":       buyerID,
		"requested_kwh":  criteria.RequestedQuantityKWh,
		"offers_matched": len(ranked),
	})

	return &DiscoverResult{TransactionID: txnID, Offers: ranked}, nil
}

// SelectRequest is the body of a select envelope. OfferID may be empty, in
// which case the coordinator auto-selects the top-ranked offer against the
// transaction's original discovery criteria.
type SelectRequest struct {
	OfferID         string  `json:"offer_id,omitempty"`
	RequestedQtyKWh float64 `json:"requested_qty_kwh,omitempty"`
}

// SelectResult is the response to a Select call.
type SelectResult struct {
	TransactionID   string  `json:"transaction_id"`
	OfferID         string  `json:"offer_id"`
	SellerID        string  `json:"seller_id"`
	PricePerKWh     float64 `json:"price_per_kwh"`
	RequestedQtyKWh float64 `json:"requested_qty_kwh"`
}

// Select validates (or auto-picks) an offer for txnID and advances it to
// SELECTING. It is idempotent under messageID: a retried call with the same
// ID replays the first call's result rather than re-selecting.
func (c *Coordinator) Select(ctx context.Context, txnID, messageID string, req SelectRequest) (*SelectResult, error) {
	var cached SelectResult
	if replay, err := c.dedupe("protocol:select", messageID, &cached); err != nil {
		return nil, err
	} else if replay {
		return &cached, nil
	}

	state, err := c.loadTxn(txnID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusDiscovering {
		return nil, xerrors.Conflict(fmt.Sprintf("protocol: transaction %s is not awaiting select (status=%s)", txnID, state.Status))
	}

	offerID := req.OfferID
	if offerID == "" {
		catalog, err := c.buildCatalog(state.Criteria.SourceType)
		if err != nil {
			return nil, err
		}
		best, ok := c.matchEngine.Best(catalog, state.Criteria.toMatchingCriteria(), referencePrice(catalog), c.clock.Now())
		if !ok {
			return nil, xerrors.NotFound(fmt.Sprintf("protocol: no offer satisfies transaction %s's criteria", txnID))
		}
		offerID = best.Offer.ID
	}

	offer, err := c.onSelect(offerID)
	if err != nil {
		return nil, err
	}

	qty := req.RequestedQtyKWh
	if qty <= 0 {
		qty = state.Criteria.RequestedQuantityKWh
	}

	now := c.clock.Now()
	state.SelectedOfferID = offerID
	state.SelectedSellerID = offer.SellerID
	state.RequestedQtyKWh = qty
	state.Status = StatusSelecting
	state.UpdatedAt = now
	if err := c.saveTxn(state); err != nil {
		return nil, err
	}

	_ = c.store.RecordEvent(txnID, "select", map[string]interface{}{"offer_id": offerID})
	_ = c.store.RecordEvent(txnID, "on_select", map[string]interface{}{"offer_id": offerID, "seller_id": offer.SellerID})

	result := &SelectResult{
		TransactionID:   txnID,
		OfferID:         offerID,
		SellerID:        offer.SellerID,
		PricePerKWh:     offer.PricePerKWh,
		RequestedQtyKWh: qty,
	}
	if err := c.idem.Complete("protocol:select", messageID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// onSelect is the seller-side validation a select message triggers: the
// offer must exist and still be active.
func (c *Coordinator) onSelect(offerID string) (*storage.Offer, error) {
	offer, err := c.store.GetOffer(offerID)
	if err == storage.ErrOfferNotFound {
		return nil, xerrors.NotFound(fmt.Sprintf("protocol: offer %s not found", offerID))
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to load offer %s: %w", offerID, err)
	}
	if offer.Status != storage.OfferStatusActive {
		return nil, xerrors.Conflict(fmt.Sprintf("protocol: offer %s is %s, not active", offerID, offer.Status))
	}
	return offer, nil
}

// InitResult is the response to an Init call: a DRAFT order and its quote.
type InitResult struct {
	TransactionID     string    `json:"transaction_id"`
	OrderID           string    `json:"order_id"`
	QuantityKWh       float64   `json:"quantity_kwh"`
	TotalPrice        float64   `json:"total_price"`
	DeliveryHourStart time.Time `json:"delivery_hour_start"`
}

// Init reserves inventory blocks against the selected offer and creates the
// DRAFT order, advancing the transaction to INITIALIZING. Idempotent under
// messageID.
func (c *Coordinator) Init(ctx context.Context, txnID, messageID string) (*InitResult, error) {
	var cached InitResult
	if replay, err := c.dedupe("protocol:init", messageID, &cached); err != nil {
		return nil, err
	} else if replay {
		return &cached, nil
	}

	state, err := c.loadTxn(txnID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusSelecting {
		return nil, xerrors.Conflict(fmt.Sprintf("protocol: transaction %s is not awaiting init (status=%s)", txnID, state.Status))
	}

	offer, err := c.store.GetOffer(state.SelectedOfferID)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to load offer %s: %w", state.SelectedOfferID, err)
	}

	// Claim is a partial-claim-legal primitive: it reserves whatever supply
	// is available, even short of state.RequestedQtyKWh, and leaves the
	// accept/reject decision to this caller. Init's decision is to reject a
	// short claim outright — a buyer requesting a specific quantity gets
	// that quantity or a clear failure, not a silently smaller order — so a
	// short claim is released immediately rather than drafted.
	blockIDs, err := c.inv.Claim(ctx, offer.ID, txnID, state.RequestedQtyKWh)
	if err != nil {
		return nil, err
	}

	var quantityKWh float64
	var deliveryStart time.Time
	for _, id := range blockIDs {
		b, err := c.store.GetBlock(id)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to load claimed block %s: %w", id, err)
		}
		quantityKWh += b.QuantityKWh
		if deliveryStart.IsZero() || b.DeliveryHourStart.Before(deliveryStart) {
			deliveryStart = b.DeliveryHourStart
		}
	}
	if quantityKWh < state.RequestedQtyKWh {
		_ = c.inv.Release(ctx, offer.ID, blockIDs)
		return nil, xerrors.InsufficientBlocks(fmt.Sprintf("protocol: offer %s has %.3f kWh available, requested %.3f", offer.ID, quantityKWh, state.RequestedQtyKWh))
	}
	totalPrice := quantityKWh * offer.PricePerKWh

	order := &storage.Order{
		ID:                txnID,
		BuyerID:           state.BuyerID,
		SellerID:          offer.SellerID,
		OfferID:           offer.ID,
		BlockIDs:          blockIDs,
		QuantityKWh:       quantityKWh,
		TotalPrice:        totalPrice,
		SettlementType:    string(config.SettlementImmediate),
		State:             storage.OrderStateDraft,
		DeliveryHourStart: deliveryStart,
		CreatedAt:         c.clock.Now(),
	}
	if err := c.store.CreateOrder(order); err != nil {
		_ = c.inv.Release(ctx, offer.ID, blockIDs)
		return nil, fmt.Errorf("protocol: failed to create order %s: %w", txnID, err)
	}

	now := c.clock.Now()
	state.OrderID = txnID
	state.Status = StatusInitializing
	state.UpdatedAt = now
	if err := c.saveTxn(state); err != nil {
		return nil, err
	}

	_ = c.store.RecordEvent(txnID, "init", map[string]interface{}{"offer_id": offer.ID, "requested_kwh": state.RequestedQtyKWh})
	_ = c.store.RecordEvent(txnID, "on_init", map[string]interface{}{"order_id": txnID, "quantity_kwh": quantityKWh, "total_price": totalPrice})

	result := &InitResult{
		TransactionID:     txnID,
		OrderID:           txnID,
		QuantityKWh:       quantityKWh,
		TotalPrice:        totalPrice,
		DeliveryHourStart: deliveryStart,
	}
	if err := c.idem.Complete("protocol:init", messageID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ConfirmResult is the response to a Confirm call.
type ConfirmResult struct {
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	Principal     int64  `json:"principal"`
	Fee           int64  `json:"fee"`
}

// Confirm escrows the order's funds and moves it DRAFT -> PENDING -> ACTIVE.
// If the escrow block fails (e.g. insufficient buyer balance), the claimed
// inventory is released and the order is cancelled rather than left
// stranded in DRAFT. Idempotent under messageID.
func (c *Coordinator) Confirm(ctx context.Context, txnID, messageID string) (*ConfirmResult, error) {
	var cached ConfirmResult
	if replay, err := c.dedupe("protocol:confirm", messageID, &cached); err != nil {
		return nil, err
	} else if replay {
		return &cached, nil
	}

	state, err := c.loadTxn(txnID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusInitializing {
		return nil, xerrors.Conflict(fmt.Sprintf("protocol: transaction %s is not awaiting confirm (status=%s)", txnID, state.Status))
	}

	order, err := c.store.GetOrder(txnID)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to load order %s: %w", txnID, err)
	}

	if err := c.lifecycle.Transition(ctx, order.ID, storage.OrderStatePending); err != nil {
		return nil, err
	}

	place, err := c.escrowOrch.OnTradePlaced(ctx, order.ID, order.BuyerID, int64(order.TotalPrice))
	if err != nil {
		_ = c.inv.Release(ctx, order.OfferID, order.BlockIDs)
		_ = c.lifecycle.Cancel(ctx, order.ID, "escrow block failed: "+err.Error())
		_ = c.store.RecordEvent(txnID, "confirm_failed", map[string]interface{}{"reason": err.Error()})
		if abandonErr := c.idem.Abandon("protocol:confirm", messageID); abandonErr != nil {
			c.log.Warn("failed to abandon confirm idempotency claim", "err", abandonErr)
		}
		return nil, err
	}

	if err := c.inv.MarkSold(ctx, order.OfferID, order.BlockIDs); err != nil {
		return nil, err
	}
	if err := c.lifecycle.Transition(ctx, order.ID, storage.OrderStateActive); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	state.Status = StatusActive
	state.UpdatedAt = now
	if err := c.saveTxn(state); err != nil {
		return nil, err
	}

	_ = c.store.RecordEvent(txnID, "confirm", map[string]interface{}{"order_id": order.ID})
	_ = c.store.RecordEvent(txnID, "on_confirm", map[string]interface{}{"order_id": order.ID, "principal": place.Principal, "fee": place.Fee})

	result := &ConfirmResult{
		TransactionID: txnID,
		OrderID:       order.ID,
		Status:        string(storage.OrderStateActive),
		Principal:     place.Principal,
		Fee:           place.Fee,
	}
	if err := c.idem.Complete("protocol:confirm", messageID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// StatusResult is the response to a Status call.
type StatusResult struct {
	OrderID         string                    `json:"order_id"`
	State           storage.OrderState        `json:"state"`
	EscrowStatus    storage.EscrowStatus      `json:"escrow_status,omitempty"`
	DeliveryOutcome storage.DeliveryOutcome   `json:"delivery_outcome,omitempty"`
}

// Status reports an order's current lifecycle, escrow, and delivery state.
func (c *Coordinator) Status(ctx context.Context, orderID string) (*StatusResult, error) {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{OrderID: order.ID, State: order.State}

	if escrowRecord, err := c.store.GetEscrowRecordByOrder(orderID); err == nil {
		result.EscrowStatus = escrowRecord.Status
	}
	if feedback, err := c.store.GetDeliveryFeedbackByOrder(orderID); err == nil {
		result.DeliveryOutcome = feedback.Outcome
	}

	_ = c.store.RecordEvent(orderID, "status", map[string]interface{}{"state": order.State})
	return result, nil
}
