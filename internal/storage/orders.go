// Package storage - Order storage operations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Order errors
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderVersionStale = errors.New("order version is stale")
)

// OrderState represents the state of an order in the trade protocol.
type OrderState string

const (
	OrderStateDraft     OrderState = "DRAFT"
	OrderStatePending   OrderState = "PENDING"
	OrderStateActive    OrderState = "ACTIVE"
	OrderStateCompleted OrderState = "COMPLETED"
	OrderStateCancelled OrderState = "CANCELLED"
)

// Order represents a trade order in the database.
type Order struct {
	ID                string
	BuyerID           string
	SellerID          string
	OfferID           string
	BlockIDs          []string
	QuantityKWh       float64
	TotalPrice        float64
	SettlementType    string
	State             OrderState
	DeliveryHourStart time.Time
	Version           int

	CreatedAt    time.Time
	UpdatedAt    *time.Time
	CompletedAt  *time.Time
	CancelReason string
}

// CreateOrder creates a new order in the database.
func (s *Storage) CreateOrder(order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockIDsJSON, err := json.Marshal(order.BlockIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal block ids: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO orders (
			id, buyer_id, seller_id, offer_id, block_ids, quantity_kwh,
			total_price, settlement_type, state, delivery_hour_start,
			version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`,
		order.ID, order.BuyerID, order.SellerID, order.OfferID,
		string(blockIDsJSON), order.QuantityKWh, order.TotalPrice,
		order.SettlementType, order.State, order.DeliveryHourStart.Unix(),
		order.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	return nil
}

// GetOrder retrieves an order by ID.
func (s *Storage) GetOrder(id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, buyer_id, seller_id, offer_id, block_ids, quantity_kwh,
			total_price, settlement_type, state, delivery_hour_start, version,
			created_at, updated_at, completed_at, cancel_reason
		FROM orders WHERE id = ?
	`, id)

	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// CompareAndSwapState transitions an order's state, enforcing optimistic
// concurrency via the version column. It fails with ErrOrderVersionStale if
// another writer updated the row first.
func (s *Storage) CompareAndSwapState(id string, expectedVersion int, newState OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE orders SET state = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, newState, now, id, expectedVersion)

	if err != nil {
		return fmt.Errorf("failed to update order state: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists int
		_ = s.db.QueryRow("SELECT 1 FROM orders WHERE id = ?", id).Scan(&exists)
		if exists == 0 {
			return ErrOrderNotFound
		}
		return ErrOrderVersionStale
	}

	return nil
}

// CompleteOrder marks an order COMPLETED and stamps completed_at.
func (s *Storage) CompleteOrder(id string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE orders SET state = ?, version = version + 1, updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ?
	`, OrderStateCompleted, now, now, id, expectedVersion)

	if err != nil {
		return fmt.Errorf("failed to complete order: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderVersionStale
	}
	return nil
}

// CancelOrder marks an order CANCELLED with a reason.
func (s *Storage) CancelOrder(id string, expectedVersion int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE orders SET state = ?, version = version + 1, updated_at = ?, cancel_reason = ?
		WHERE id = ? AND version = ?
	`, OrderStateCancelled, now, reason, id, expectedVersion)

	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderVersionStale
	}
	return nil
}

// OrderFilter parameterizes ListOrders.
type OrderFilter struct {
	State    *OrderState
	BuyerID  string
	SellerID string
	Limit    int
	Offset   int
}

// ListOrders returns orders matching the filter.
func (s *Storage) ListOrders(filter OrderFilter) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, buyer_id, seller_id, offer_id, block_ids, quantity_kwh,
			total_price, settlement_type, state, delivery_hour_start, version,
			created_at, updated_at, completed_at, cancel_reason
		FROM orders WHERE 1=1
	`
	args := []interface{}{}

	if filter.State != nil {
		query += " AND state = ?"
		args = append(args, *filter.State)
	}
	if filter.BuyerID != "" {
		query += " AND buyer_id = ?"
		args = append(args, filter.BuyerID)
	}
	if filter.SellerID != "" {
		query += " AND seller_id = ?"
		args = append(args, filter.SellerID)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrderRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	return orders, rows.Err()
}

// ListDraftOrdersOlderThan returns DRAFT orders created before cutoff, used
// by the order-lifecycle reconciler to recover abandoned drafts.
func (s *Storage) ListDraftOrdersOlderThan(cutoff time.Time) ([]*Order, error) {
	state := OrderStateDraft
	all, err := s.ListOrders(OrderFilter{State: &state})
	if err != nil {
		return nil, err
	}

	var stale []*Order
	for _, o := range all {
		if o.CreatedAt.Before(cutoff) {
			stale = append(stale, o)
		}
	}
	return stale, nil
}

// ListActiveOrdersPastDelivery returns ACTIVE orders whose delivery window
// has already elapsed, used by the delivery verifier.
func (s *Storage) ListActiveOrdersPastDelivery(now time.Time) ([]*Order, error) {
	state := OrderStateActive
	all, err := s.ListOrders(OrderFilter{State: &state})
	if err != nil {
		return nil, err
	}

	var past []*Order
	for _, o := range all {
		if o.DeliveryHourStart.Add(time.Hour).Before(now) {
			past = append(past, o)
		}
	}
	return past, nil
}

// CountOrders returns the count of orders by state.
func (s *Storage) CountOrders(state *OrderState) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	var err error

	if state != nil {
		err = s.db.QueryRow("SELECT COUNT(*) FROM orders WHERE state = ?", *state).Scan(&count)
	} else {
		err = s.db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&count)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}

	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var order Order
	var blockIDsJSON string
	var createdAt int64
	var updatedAt, completedAt sql.NullInt64
	var deliveryHourStart int64
	var cancelReason sql.NullString

	err := row.Scan(
		&order.ID, &order.BuyerID, &order.SellerID, &order.OfferID,
		&blockIDsJSON, &order.QuantityKWh, &order.TotalPrice,
		&order.SettlementType, &order.State, &deliveryHourStart, &order.Version,
		&createdAt, &updatedAt, &completedAt, &cancelReason,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(blockIDsJSON), &order.BlockIDs); err != nil {
		return nil, fmt.Errorf("failed to parse block ids: %w", err)
	}

	order.DeliveryHourStart = time.Unix(deliveryHourStart, 0)
	order.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		order.UpdatedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		order.CompletedAt = &t
	}
	if cancelReason.Valid {
		order.CancelReason = cancelReason.String
	}

	return &order, nil
}

func scanOrderRows(rows *sql.Rows) (*Order, error) {
	return scanOrder(rows)
}
