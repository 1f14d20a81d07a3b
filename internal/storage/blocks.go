// Package storage - Block (hourly delivery slot) storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrBlockNotFound = errors.New("block not found")

// BlockStatus represents the reservation state of a delivery block.
type BlockStatus string

const (
	BlockStatusAvailable BlockStatus = "available"
	BlockStatusReserved  BlockStatus = "reserved"
	BlockStatusSold      BlockStatus = "sold"
	BlockStatusExpired   BlockStatus = "expired"
)

// Block represents one hourly delivery slot of an offer's inventory.
type Block struct {
	ID                string
	OfferID           string
	DeliveryHourStart time.Time
	QuantityKWh       float64
	Status            BlockStatus
	ReservedByOrderID string
	Version           int
	CreatedAt         time.Time
	UpdatedAt         *time.Time
}

// CreateBlock inserts a new block row at version 1.
func (s *Storage) CreateBlock(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO blocks (id, offer_id, delivery_hour_start, quantity_kwh, status, version, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, b.ID, b.OfferID, b.DeliveryHourStart.Unix(), b.QuantityKWh, BlockStatusAvailable, b.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by ID.
func (s *Storage) GetBlock(id string) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBlockLocked(id)
}

func (s *Storage) getBlockLocked(id string) (*Block, error) {
	var b Block
	var deliveryHourStart, createdAt int64
	var updatedAt sql.NullInt64
	var reservedBy sql.NullString

	err := s.db.QueryRow(`
		SELECT id, offer_id, delivery_hour_start, quantity_kwh, status,
			reserved_by_order_id, version, created_at, updated_at
		FROM blocks WHERE id = ?
	`, id).Scan(&b.ID, &b.OfferID, &deliveryHourStart, &b.QuantityKWh, &b.Status,
		&reservedBy, &b.Version, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	b.DeliveryHourStart = time.Unix(deliveryHourStart, 0)
	b.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		b.UpdatedAt = &t
	}
	if reservedBy.Valid {
		b.ReservedByOrderID = reservedBy.String
	}
	return &b, nil
}

// ListAvailableBlocks returns available blocks for an offer, ordered by
// delivery hour, so inventory reservation can claim the earliest slots first.
func (s *Storage) ListAvailableBlocks(offerID string) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, offer_id, delivery_hour_start, quantity_kwh, status,
			reserved_by_order_id, version, created_at, updated_at
		FROM blocks WHERE offer_id = ? AND status = ?
		ORDER BY delivery_hour_start ASC
	`, offerID, BlockStatusAvailable)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		var b Block
		var deliveryHourStart, createdAt int64
		var updatedAt sql.NullInt64
		var reservedBy sql.NullString
		if err := rows.Scan(&b.ID, &b.OfferID, &deliveryHourStart, &b.QuantityKWh, &b.Status,
			&reservedBy, &b.Version, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		b.DeliveryHourStart = time.Unix(deliveryHourStart, 0)
		b.CreatedAt = time.Unix(createdAt, 0)
		if updatedAt.Valid {
			t := time.Unix(updatedAt.Int64, 0)
			b.UpdatedAt = &t
		}
		if reservedBy.Valid {
			b.ReservedByOrderID = reservedBy.String
		}
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}

// ReserveBlock atomically claims an available block for an order, using the
// version column as a compare-and-swap guard against concurrent reservation.
func (s *Storage) ReserveBlock(id string, expectedVersion int, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE blocks SET status = ?, reserved_by_order_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status = ?
	`, BlockStatusReserved, orderID, now, id, expectedVersion, BlockStatusAvailable)
	if err != nil {
		return fmt.Errorf("failed to reserve block: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderVersionStale
	}
	return nil
}

// ReleaseBlock returns a reserved block to the available pool, used when a
// trade fails to complete or a reservation times out.
func (s *Storage) ReleaseBlock(id string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE blocks SET status = ?, reserved_by_order_id = NULL, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, BlockStatusAvailable, now, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to release block: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderVersionStale
	}
	return nil
}

// MarkBlockSold marks a reserved block sold when its order is confirmed.
func (s *Storage) MarkBlockSold(id string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE blocks SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, BlockStatusSold, now, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to mark block sold: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderVersionStale
	}
	return nil
}
