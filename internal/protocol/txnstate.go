package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kkorel/energy-exchange/internal/kv"
	"github.com/kkorel/energy-exchange/internal/xerrors"
)

const txnNamespace = "txn"

// Status is a transaction's position in the discover/select/init/confirm
// handshake, per spec.md §3's Transaction State cache.
type Status string

const (
	StatusDiscovering  Status = "DISCOVERING"
	StatusSelecting    Status = "SELECTING"
	StatusInitializing Status = "INITIALIZING"
	StatusConfirming   Status = "CONFIRMING"
	StatusActive       Status = "ACTIVE"
	StatusCompleted    Status = "COMPLETED"
	StatusCancelled    Status = "CANCELLED"
)

// TransactionState is the in-flight record of one buyer's trip through the
// protocol, keyed by transaction ID (which, per this implementation's
// resolution of the transaction_id/order_id Open Question, becomes the
// order's own ID from Init onward).
type TransactionState struct {
	TransactionID    string            `json:"transaction_id"`
	BuyerID          string            `json:"buyer_id"`
	Status           Status            `json:"status"`
	Criteria         DiscoveryCriteria `json:"criteria"`
	SelectedOfferID  string            `json:"selected_offer_id,omitempty"`
	SelectedSellerID string            `json:"selected_seller_id,omitempty"`
	RequestedQtyKWh  float64           `json:"requested_qty_kwh,omitempty"`
	OrderID          string            `json:"order_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (c *Coordinator) saveTxn(state *TransactionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("protocol: failed to marshal transaction state: %w", err)
	}
	if err := c.txns.Set(txnNamespace, state.TransactionID, raw, c.cfg.TxnCache.TTL); err != nil {
		return fmt.Errorf("protocol: failed to save transaction state: %w", err)
	}
	return nil
}

func (c *Coordinator) loadTxn(txnID string) (*TransactionState, error) {
	raw, err := c.txns.Get(txnNamespace, txnID)
	if err == kv.ErrNotFound {
		return nil, xerrors.NotFound(fmt.Sprintf("protocol: no transaction state for %s", txnID))
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to load transaction state: %w", err)
	}
	var state TransactionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("protocol: corrupt transaction state for %s: %w", txnID, err)
	}
	return &state, nil
}
