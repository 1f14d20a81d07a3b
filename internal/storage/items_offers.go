// Package storage - Item and Offer storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrItemNotFound  = errors.New("item not found")
	ErrOfferNotFound = errors.New("offer not found")
)

// OfferStatus represents the lifecycle state of a published offer.
type OfferStatus string

const (
	OfferStatusActive    OfferStatus = "active"
	OfferStatusWithdrawn OfferStatus = "withdrawn"
	OfferStatusExhausted OfferStatus = "exhausted"
)

// Item represents a generation asset a provider lists.
type Item struct {
	ID          string
	ProviderID  string
	SourceType  string
	DeliveryMode string
	CapacityKWh float64
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// Offer represents a seller's published intent to sell energy blocks.
type Offer struct {
	ID           string
	ItemID       string
	SellerID     string
	PricingModel string
	PricePerKWh  float64
	Status       OfferStatus
	Version      int
	CreatedAt    time.Time
	UpdatedAt    *time.Time
}

// CreateItem inserts a new item row.
func (s *Storage) CreateItem(it *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO items (id, provider_id, source_type, delivery_mode, capacity_kwh, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, it.ID, it.ProviderID, it.SourceType, it.DeliveryMode, it.CapacityKWh, it.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID.
func (s *Storage) GetItem(id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var it Item
	var createdAt int64
	var updatedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, provider_id, source_type, delivery_mode, capacity_kwh, created_at, updated_at
		FROM items WHERE id = ?
	`, id).Scan(&it.ID, &it.ProviderID, &it.SourceType, &it.DeliveryMode, &it.CapacityKWh, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	it.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		it.UpdatedAt = &t
	}
	return &it, nil
}

// CreateOffer inserts a new offer row at version 1.
func (s *Storage) CreateOffer(o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO offers (id, item_id, seller_id, pricing_model, price_per_kwh, status, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`, o.ID, o.ItemID, o.SellerID, o.PricingModel, o.PricePerKWh, OfferStatusActive, o.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	return nil
}

// GetOffer retrieves an offer by ID.
func (s *Storage) GetOffer(id string) (*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getOfferLocked(id)
}

func (s *Storage) getOfferLocked(id string) (*Offer, error) {
	var o Offer
	var createdAt int64
	var updatedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, item_id, seller_id, pricing_model, price_per_kwh, status, version, created_at, updated_at
		FROM offers WHERE id = ?
	`, id).Scan(&o.ID, &o.ItemID, &o.SellerID, &o.PricingModel, &o.PricePerKWh, &o.Status, &o.Version, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}

	o.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		o.UpdatedAt = &t
	}
	return &o, nil
}

// ListActiveOffers returns every offer currently marked active.
func (s *Storage) ListActiveOffers() ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, item_id, seller_id, pricing_model, price_per_kwh, status, version, created_at, updated_at
		FROM offers WHERE status = ?
		ORDER BY created_at DESC
	`, OfferStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	var offers []*Offer
	for rows.Next() {
		var o Offer
		var createdAt int64
		var updatedAt sql.NullInt64
		if err := rows.Scan(&o.ID, &o.ItemID, &o.SellerID, &o.PricingModel, &o.PricePerKWh,
			&o.Status, &o.Version, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		o.CreatedAt = time.Unix(createdAt, 0)
		if updatedAt.Valid {
			t := time.Unix(updatedAt.Int64, 0)
			o.UpdatedAt = &t
		}
		offers = append(offers, &o)
	}
	return offers, rows.Err()
}

// UpdateOfferStatus transitions an offer's status with optimistic locking.
func (s *Storage) UpdateOfferStatus(id string, expectedVersion int, status OfferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE offers SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, status, now, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update offer status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderVersionStale
	}
	return nil
}

// UpdateOfferPrice reprices an active offer with optimistic locking, for the
// agent runtime's sell-side repricing proposals.
func (s *Storage) UpdateOfferPrice(id string, expectedVersion int, pricePerKWh float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE offers SET price_per_kwh = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, pricePerKWh, now, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update offer price: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderVersionStale
	}
	return nil
}

// DeleteOffer removes an offer row outright. Called by the delivery verifier
// during post-commit cleanup, once an offer's window has passed and every
// remaining block under it is non-available (sold or expired), so a stale
// listing doesn't keep surfacing in the catalog.
func (s *Storage) DeleteOffer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM offers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete offer: %w", err)
	}
	return nil
}

// CountNonAvailableBlocks returns how many blocks under offerID are NOT in
// the available state, alongside the offer's total block count. The
// verifier's cleanup step deletes an offer only when these two counts match
// (every block has been sold, expired, or otherwise spoken for).
func (s *Storage) CountNonAvailableBlocks(offerID string) (nonAvailable, total int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`SELECT COUNT(*) FROM blocks WHERE offer_id = ?`, offerID).Scan(&total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM blocks WHERE offer_id = ? AND status != ?
	`, offerID, BlockStatusAvailable).Scan(&nonAvailable)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count non-available blocks: %w", err)
	}
	return nonAvailable, total, nil
}
