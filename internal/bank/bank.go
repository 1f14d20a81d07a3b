// Package bank simulates a settlement rail's block/release/refund contract,
// the in-memory counterpart to a real payment gateway integration. It
// mirrors the mutex-guarded, receipt-returning shape of the teacher's
// wallet package: every call returns a receipt a caller can log and persist
// for audit, rather than a bare error.
package bank

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kkorel/energy-exchange/internal/clockutil"
	"github.com/kkorel/energy-exchange/internal/xerrors"
)

// Receipt is returned by every rail operation for audit logging.
type Receipt struct {
	ReceiptID string
	OrderID   string
	Kind      string // "block" | "release" | "refund" | "split"
	Amount    int64
	At        time.Time
}

type holdState struct {
	amount    int64
	expiresAt time.Time
	released  bool
	refunded  bool
}

// Rail is a mock bank: it tracks user balances and order-scoped holds
// in memory, guarded by a mutex the way the teacher guards wallet key
// derivation caches.
type Rail struct {
	mu       sync.Mutex
	clock    clockutil.Clock
	balances map[string]int64
	holds    map[string]*holdState
}

// New creates an empty Rail.
func New() *Rail {
	return &Rail{
		clock:    clockutil.Real{},
		balances: make(map[string]int64),
		holds:    make(map[string]*holdState),
	}
}

// WithClock overrides the rail's time source, for deterministic tests.
func (r *Rail) WithClock(c clockutil.Clock) *Rail {
	r.clock = c
	return r
}

// Seed credits userID with amount, for test and demo fixtures.
func (r *Rail) Seed(userID string, amount int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[userID] += amount
}

// Balance returns userID's current available balance.
func (r *Rail) Balance(userID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[userID]
}

// Block moves amount out of userID's available balance into an order-scoped
// hold valid for duration. It fails with xerrors.KindInsufficientBalance if
// the user's available balance cannot cover amount.
func (r *Rail) Block(userID, orderID string, amount int64, duration time.Duration) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.holds[orderID]; exists {
		return nil, xerrors.Conflict(fmt.Sprintf("order %s already has a block", orderID))
	}

	if r.balances[userID] < amount {
		return nil, xerrors.InsufficientBalance(fmt.Sprintf("user %s balance %d < requested block %d", userID, r.balances[userID], amount))
	}

	now := r.clock.Now()
	r.balances[userID] -= amount
	r.holds[orderID] = &holdState{amount: amount, expiresAt: now.Add(duration)}

	return &Receipt{
		ReceiptID: uuid.NewString(),
		OrderID:   orderID,
		Kind:      "block",
		Amount:    amount,
		At:        now,
	}, nil
}

// Release pays amount from orderID's hold to the seller and returns any
// remainder (e.g. the escrow fee) to nobody: Release pays no part of the
// hold beyond amount to any account. It fails with
// xerrors.KindExpired if the hold's duration has lapsed.
func (r *Rail) Release(orderID, sellerID string, amount int64) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hold, ok := r.holds[orderID]
	if !ok {
		return nil, xerrors.NotFound(fmt.Sprintf("no block for order %s", orderID))
	}
	if hold.released || hold.refunded {
		return nil, xerrors.AlreadySettled(fmt.Sprintf("order %s already settled", orderID))
	}

	now := r.clock.Now()
	if now.After(hold.expiresAt) {
		return nil, xerrors.Expired(fmt.Sprintf("block for order %s expired at %s", orderID, hold.expiresAt))
	}

	r.balances[sellerID] += amount
	hold.released = true

	return &Receipt{
		ReceiptID: uuid.NewString(),
		OrderID:   orderID,
		Kind:      "release",
		Amount:    amount,
		At:        now,
	}, nil
}

// Split settles a hold between both parties in one call: sellerAmount to
// sellerID, buyerAmount to buyerID, covering the partial-delivery case
// where neither a pure Release nor a pure Refund applies. The caller is
// responsible for ensuring sellerAmount+buyerAmount does not exceed the
// held amount; Split does not re-derive it from the hold.
func (r *Rail) Split(orderID, sellerID, buyerID string, sellerAmount, buyerAmount int64) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hold, ok := r.holds[orderID]
	if !ok {
		return nil, xerrors.NotFound(fmt.Sprintf("no block for order %s", orderID))
	}
	if hold.released || hold.refunded {
		return nil, xerrors.AlreadySettled(fmt.Sprintf("order %s already settled", orderID))
	}

	now := r.clock.Now()
	if now.After(hold.expiresAt) {
		return nil, xerrors.Expired(fmt.Sprintf("block for order %s expired at %s", orderID, hold.expiresAt))
	}

	r.balances[sellerID] += sellerAmount
	r.balances[buyerID] += buyerAmount
	hold.released = true
	hold.refunded = true

	return &Receipt{
		ReceiptID: uuid.NewString(),
		OrderID:   orderID,
		Kind:      "split",
		Amount:    sellerAmount + buyerAmount,
		At:        now,
	}, nil
}

// Refund returns the full blocked amount to buyerID.
func (r *Rail) Refund(orderID, buyerID string, amount int64) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hold, ok := r.holds[orderID]
	if !ok {
		return nil, xerrors.NotFound(fmt.Sprintf("no block for order %s", orderID))
	}
	if hold.released || hold.refunded {
		return nil, xerrors.AlreadySettled(fmt.Sprintf("order %s already settled", orderID))
	}

	r.balances[buyerID] += amount
	hold.refunded = true

	return &Receipt{
		ReceiptID: uuid.NewString(),
		OrderID:   orderID,
		Kind:      "refund",
		Amount:    amount,
		At:        r.clock.Now(),
	}, nil
}
