// Package storage - Trust history and event log storage operations.
package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// TrustHistoryEntry records one trust-score adjustment for a user.
type TrustHistoryEntry struct {
	UserID      string
	OrderID     string
	Delta       float64
	ScoreAfter  float64
	Reason      string
	RecordedAt  time.Time
}

// RecordTrustHistory appends a trust-score adjustment entry.
func (s *Storage) RecordTrustHistory(e *TrustHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO trust_history (user_id, order_id, delta, score_after, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.UserID, e.OrderID, e.Delta, e.ScoreAfter, e.Reason, e.RecordedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record trust history: %w", err)
	}
	return nil
}

// ListTrustHistory returns every trust adjustment for a user, oldest first.
func (s *Storage) ListTrustHistory(userID string) ([]*TrustHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT user_id, order_id, delta, score_after, reason, recorded_at
		FROM trust_history WHERE user_id = ? ORDER BY recorded_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trust history: %w", err)
	}
	defer rows.Close()

	var entries []*TrustHistoryEntry
	for rows.Next() {
		var e TrustHistoryEntry
		var recordedAt int64
		if err := rows.Scan(&e.UserID, &e.OrderID, &e.Delta, &e.ScoreAfter, &e.Reason, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trust history entry: %w", err)
		}
		e.RecordedAt = time.Unix(recordedAt, 0)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Event is one append-only entry in an order's protocol/lifecycle log.
type Event struct {
	ID        int64
	OrderID   string
	EventType string
	Payload   map[string]interface{}
	CreatedAt time.Time
}

// RecordEvent appends an event to an order's log.
func (s *Storage) RecordEvent(orderID, eventType string, payload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payloadJSON []byte
	var err error
	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO events (order_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, orderID, eventType, string(payloadJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEventsForOrder returns an order's event log, oldest first.
func (s *Storage) ListEventsForOrder(orderID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, order_id, event_type, payload, created_at
		FROM events WHERE order_id = ? ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var payloadStr string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.EventType, &payloadStr, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payloadStr != "" {
			if err := json.Unmarshal([]byte(payloadStr), &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to parse event payload: %w", err)
			}
		}
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
