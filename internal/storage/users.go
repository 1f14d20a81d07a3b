// Package storage - Provider and User storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrUserNotFound     = errors.New("user not found")
)

// Provider represents a prosumer entity that lists generation items.
type Provider struct {
	ID         string
	PeerID     string
	Name       string
	TrustScore float64
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

// UserRole is a participant's role in the exchange.
type UserRole string

const (
	UserRoleSeller UserRole = "seller"
	UserRoleBuyer  UserRole = "buyer"
	UserRoleBoth   UserRole = "both"
)

// User represents a trading participant with a balance and trust score.
type User struct {
	ID         string
	PeerID     string
	Role       UserRole
	Balance    int64 // minor units
	TrustScore float64
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

// CreateProvider inserts a new provider row.
func (s *Storage) CreateProvider(p *Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO providers (id, peer_id, name, trust_score, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.PeerID, p.Name, p.TrustScore, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	return nil
}

// GetProvider retrieves a provider by ID.
func (s *Storage) GetProvider(id string) (*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Provider
	var createdAt int64
	var updatedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, peer_id, name, trust_score, created_at, updated_at
		FROM providers WHERE id = ?
	`, id).Scan(&p.ID, &p.PeerID, &p.Name, &p.TrustScore, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}

	p.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		p.UpdatedAt = &t
	}
	return &p, nil
}

// CreateUser inserts a new user row.
func (s *Storage) CreateUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO users (id, peer_id, role, balance, trust_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.PeerID, u.Role, u.Balance, u.TrustScore, u.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Storage) GetUser(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getUserLocked(id)
}

func (s *Storage) getUserLocked(id string) (*User, error) {
	var u User
	var createdAt int64
	var updatedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, peer_id, role, balance, trust_score, created_at, updated_at
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.PeerID, &u.Role, &u.Balance, &u.TrustScore, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	u.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		u.UpdatedAt = &t
	}
	return &u, nil
}

// AdjustBalance atomically adds delta (positive or negative) to a user's
// balance. It rejects the update if the result would go negative.
func (s *Storage) AdjustBalance(userID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE users SET balance = balance + ?, updated_at = ?
		WHERE id = ? AND balance + ? >= 0
	`, delta, now, userID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("insufficient balance for user %s", userID)
	}
	return nil
}

// UpdateProviderStats overwrites a provider's trust score, the mirror the
// verifier maintains alongside the User-side trust engine so a provider's
// catalog listing can show a seller trust score without joining through
// every order the provider's user identity placed.
func (s *Storage) UpdateProviderStats(providerID string, trustScore float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE providers SET trust_score = ?, updated_at = ? WHERE id = ?
	`, trustScore, now, providerID)
	if err != nil {
		return fmt.Errorf("failed to update provider stats: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// UpdateTrustScore overwrites a user's trust score.
func (s *Storage) UpdateTrustScore(userID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE users SET trust_score = ?, updated_at = ? WHERE id = ?
	`, score, now, userID)
	if err != nil {
		return fmt.Errorf("failed to update trust score: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}
