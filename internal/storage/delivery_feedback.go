// Package storage - Delivery feedback storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrDeliveryFeedbackNotFound = errors.New("delivery feedback not found")

// DeliveryOutcome is the oracle's verdict on a completed delivery window.
type DeliveryOutcome string

const (
	DeliveryOutcomeFull    DeliveryOutcome = "FULL"
	DeliveryOutcomePartial DeliveryOutcome = "PARTIAL"
	DeliveryOutcomeFailed  DeliveryOutcome = "FAILED"
)

// DeliveryFeedback records the oracle's verification result for an order.
type DeliveryFeedback struct {
	ID           string
	OrderID      string
	Outcome      DeliveryOutcome
	DeliveredKWh float64
	ExpectedKWh  float64
	Ratio        float64
	RecordedAt   time.Time
}

// CreateDeliveryFeedback records a verification result. The UNIQUE
// constraint on order_id makes this step of process_feedback idempotent:
// invoking it twice for the same order returns ok=false on the second call.
func (s *Storage) CreateDeliveryFeedback(f *DeliveryFeedback) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO delivery_feedback (id, order_id, outcome, delivered_kwh, expected_kwh, ratio, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.OrderID, f.Outcome, f.DeliveredKWh, f.ExpectedKWh, f.Ratio, f.RecordedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to create delivery feedback: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// GetDeliveryFeedbackByOrder retrieves the feedback recorded for an order.
func (s *Storage) GetDeliveryFeedbackByOrder(orderID string) (*DeliveryFeedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var f DeliveryFeedback
	var recordedAt int64

	err := s.db.QueryRow(`
		SELECT id, order_id, outcome, delivered_kwh, expected_kwh, ratio, recorded_at
		FROM delivery_feedback WHERE order_id = ?
	`, orderID).Scan(&f.ID, &f.OrderID, &f.Outcome, &f.DeliveredKWh, &f.ExpectedKWh, &f.Ratio, &recordedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryFeedbackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery feedback: %w", err)
	}

	f.RecordedAt = time.Unix(recordedAt, 0)
	return &f, nil
}
