// Package storage - Escrow record, transfer, and payment storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrEscrowNotFound = errors.New("escrow record not found")

// EscrowStatus represents the lifecycle state of a blocked-funds record.
type EscrowStatus string

const (
	EscrowStatusBlocked  EscrowStatus = "BLOCKED"
	EscrowStatusReleased EscrowStatus = "RELEASED"
	EscrowStatusRefunded EscrowStatus = "REFUNDED"
	EscrowStatusExpired  EscrowStatus = "EXPIRED"
)

// EscrowRecord tracks funds blocked against a buyer for the duration of a trade.
type EscrowRecord struct {
	ID         string
	OrderID    string
	BuyerID    string
	Principal  int64
	Fee        int64
	Status     EscrowStatus
	BankRef    string
	ExpiresAt  time.Time
	Version    int
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

// Transfer represents a single movement of funds executed against an escrow.
type Transfer struct {
	ID             string
	OrderID        string
	EscrowID       string
	FromUserID     string
	ToUserID       string
	Amount         int64
	Kind           string // settlement, refund, grid_makeup
	IdempotencyKey string
	CreatedAt      time.Time
}

// PaymentRecord is a debit/credit ledger line for a user on an order.
type PaymentRecord struct {
	ID        string
	OrderID   string
	UserID    string
	Amount    int64
	Direction string // debit, credit
	CreatedAt time.Time
}

// CreateEscrowRecord inserts a new BLOCKED escrow row at version 1.
func (s *Storage) CreateEscrowRecord(e *EscrowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO escrow_records (id, order_id, buyer_id, principal, fee, status, bank_ref, expires_at, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, e.ID, e.OrderID, e.BuyerID, e.Principal, e.Fee, EscrowStatusBlocked, e.BankRef, e.ExpiresAt.Unix(), e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create escrow record: %w", err)
	}
	return nil
}

// GetEscrowRecord retrieves an escrow record by ID.
func (s *Storage) GetEscrowRecord(id string) (*EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEscrowLocked(id)
}

func (s *Storage) getEscrowLocked(id string) (*EscrowRecord, error) {
	var e EscrowRecord
	var expiresAt, createdAt int64
	var updatedAt sql.NullInt64
	var bankRef sql.NullString

	err := s.db.QueryRow(`
		SELECT id, order_id, buyer_id, principal, fee, status, bank_ref, expires_at, version, created_at, updated_at
		FROM escrow_records WHERE id = ?
	`, id).Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.Principal, &e.Fee, &e.Status, &bankRef, &expiresAt, &e.Version, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow record: %w", err)
	}

	if bankRef.Valid {
		e.BankRef = bankRef.String
	}
	e.ExpiresAt = time.Unix(expiresAt, 0)
	e.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		e.UpdatedAt = &t
	}
	return &e, nil
}

// GetEscrowRecordByOrder retrieves the escrow record for an order, if any.
func (s *Storage) GetEscrowRecordByOrder(orderID string) (*EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow("SELECT id FROM escrow_records WHERE order_id = ?", orderID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up escrow record: %w", err)
	}
	return s.getEscrowLocked(id)
}

// UpdateEscrowStatus transitions an escrow record's status with optimistic locking.
func (s *Storage) UpdateEscrowStatus(id string, expectedVersion int, status EscrowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE escrow_records SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, status, now, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update escrow status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderVersionStale
	}
	return nil
}

// ListExpiredEscrowRecords returns BLOCKED records whose expiry has passed,
// used by the escrow expiry reconciler.
func (s *Storage) ListExpiredEscrowRecords(now time.Time) ([]*EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, order_id, buyer_id, principal, fee, status, bank_ref, expires_at, version, created_at, updated_at
		FROM escrow_records WHERE status = ? AND expires_at < ?
	`, EscrowStatusBlocked, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired escrow records: %w", err)
	}
	defer rows.Close()

	var records []*EscrowRecord
	for rows.Next() {
		var e EscrowRecord
		var expiresAt, createdAt int64
		var updatedAt sql.NullInt64
		var bankRef sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.Principal, &e.Fee, &e.Status,
			&bankRef, &expiresAt, &e.Version, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan escrow record: %w", err)
		}
		if bankRef.Valid {
			e.BankRef = bankRef.String
		}
		e.ExpiresAt = time.Unix(expiresAt, 0)
		e.CreatedAt = time.Unix(createdAt, 0)
		if updatedAt.Valid {
			t := time.Unix(updatedAt.Int64, 0)
			e.UpdatedAt = &t
		}
		records = append(records, &e)
	}
	return records, rows.Err()
}

// CreateTransfer records a fund movement idempotently: if IdempotencyKey is
// set and already present, the insert is a no-op and ok reports false.
func (s *Storage) CreateTransfer(t *Transfer) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO transfers (id, order_id, escrow_id, from_user_id, to_user_id, amount, kind, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OrderID, t.EscrowID, t.FromUserID, t.ToUserID, t.Amount, t.Kind, nullIfEmpty(t.IdempotencyKey), t.CreatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to create transfer: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListTransfersForOrder returns every transfer recorded against an order,
// used by the escrow orchestrator to detect a prior settlement on replay.
func (s *Storage) ListTransfersForOrder(orderID string) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, order_id, escrow_id, from_user_id, to_user_id, amount, kind, idempotency_key, created_at
		FROM transfers WHERE order_id = ? ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		var t Transfer
		var createdAt int64
		var idempotencyKey sql.NullString
		if err := rows.Scan(&t.ID, &t.OrderID, &t.EscrowID, &t.FromUserID, &t.ToUserID,
			&t.Amount, &t.Kind, &idempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		if idempotencyKey.Valid {
			t.IdempotencyKey = idempotencyKey.String
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		transfers = append(transfers, &t)
	}
	return transfers, rows.Err()
}

// CreatePaymentRecord appends a ledger line.
func (s *Storage) CreatePaymentRecord(p *PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO payment_records (id, order_id, user_id, amount, direction, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.OrderID, p.UserID, p.Amount, p.Direction, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create payment record: %w", err)
	}
	return nil
}

// ListPaymentRecordsForOrder returns every ledger line for an order.
func (s *Storage) ListPaymentRecordsForOrder(orderID string) ([]*PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, order_id, user_id, amount, direction, created_at
		FROM payment_records WHERE order_id = ? ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment records: %w", err)
	}
	defer rows.Close()

	var records []*PaymentRecord
	for rows.Next() {
		var p PaymentRecord
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Direction, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment record: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, &p)
	}
	return records, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
