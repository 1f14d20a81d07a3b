// Package storage - Agent and Proposal storage operations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrProposalNotFound = errors.New("proposal not found")
)

// AgentPolicy controls whether an agent auto-executes or waits for approval.
type AgentPolicy string

const (
	AgentPolicyAutoExecute   AgentPolicy = "auto_execute"
	AgentPolicyHumanApproval AgentPolicy = "human_approval"
)

// AgentCriteria is the risk envelope an agent's proposals must clear before
// policy gating lets them through, per §4.11's config fields.
type AgentCriteria struct {
	MaxPricePerKWh    float64  `json:"max_price_per_unit"`
	MinTrustScore     float64  `json:"min_trust_score"`
	MaxQuantityKWh    float64  `json:"max_qty"`
	DailyLimit        float64  `json:"daily_limit"`
	RiskTolerance     float64  `json:"risk_tolerance"`
	PreferredSources  []string `json:"preferred_sources,omitempty"`
	CustomInstruction string   `json:"custom_instructions,omitempty"`
}

// Agent is an optional autonomous-trading runtime bound to a user.
type Agent struct {
	ID        string
	UserID    string
	Role      UserRole // buyer or seller: which side of the book the agent plays
	Policy    AgentPolicy
	Enabled   bool
	Criteria  AgentCriteria
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// ProposalStatus represents the lifecycle state of an agent's trade proposal.
type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusExpired  ProposalStatus = "expired"
	ProposalStatusExecuted ProposalStatus = "executed"
)

// ProposalAction is the trade direction a proposal recommends.
type ProposalAction string

const (
	ProposalActionBuy  ProposalAction = "buy"
	ProposalActionSell ProposalAction = "sell"
)

// Proposal is a candidate trade an agent generated for approval or execution.
type Proposal struct {
	ID          string
	AgentID     string
	Action      ProposalAction
	OfferID     string
	BlockIDs    []string
	QuantityKWh float64
	PricePerKWh float64
	TotalPrice  float64
	Rationale   string
	Status      ProposalStatus
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// CreateAgent inserts a new agent row.
func (s *Storage) CreateAgent(a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	criteriaJSON, err := json.Marshal(a.Criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal agent criteria: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO agents (id, user_id, role, policy, enabled, criteria, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.Role, a.Policy, boolToInt(a.Enabled), string(criteriaJSON), a.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func scanAgent(scan func(dest ...any) error) (*Agent, error) {
	var a Agent
	var createdAt int64
	var updatedAt sql.NullInt64
	var enabled int
	var criteriaJSON string

	if err := scan(&a.ID, &a.UserID, &a.Role, &a.Policy, &enabled, &criteriaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	a.Enabled = enabled == 1
	if criteriaJSON != "" {
		_ = json.Unmarshal([]byte(criteriaJSON), &a.Criteria)
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		a.UpdatedAt = &t
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID.
func (s *Storage) GetAgent(id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, user_id, role, policy, enabled, criteria, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)

	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// SetAgentEnabled toggles an agent between active and paused.
func (s *Storage) SetAgentEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE agents SET enabled = ?, updated_at = ? WHERE id = ?
	`, boolToInt(enabled), now, id)
	if err != nil {
		return fmt.Errorf("failed to update agent enabled state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// ListEnabledAgents returns every agent currently enabled, for the agent
// runtime's tick loop to iterate over.
func (s *Storage) ListEnabledAgents() ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, role, policy, enabled, criteria, created_at, updated_at
		FROM agents WHERE enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CreateProposal inserts a new pending proposal.
func (s *Storage) CreateProposal(p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockIDsJSON, err := json.Marshal(p.BlockIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal block ids: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO proposals (id, agent_id, action, offer_id, block_ids, quantity_kwh, price_per_kwh, total_price, rationale, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.AgentID, p.Action, p.OfferID, string(blockIDsJSON), p.QuantityKWh, p.PricePerKWh, p.TotalPrice,
		p.Rationale, ProposalStatusPending, p.ExpiresAt.Unix(), p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}
	return nil
}

// GetProposal retrieves a proposal by ID.
func (s *Storage) GetProposal(id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, agent_id, action, offer_id, block_ids, quantity_kwh, price_per_kwh, total_price, rationale, status, expires_at, created_at, updated_at
		FROM proposals WHERE id = ?
	`, id)

	p, err := scanProposal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return p, nil
}

func scanProposal(scan func(dest ...any) error) (*Proposal, error) {
	var p Proposal
	var blockIDsJSON string
	var expiresAt, createdAt int64
	var updatedAt sql.NullInt64

	if err := scan(&p.ID, &p.AgentID, &p.Action, &p.OfferID, &blockIDsJSON, &p.QuantityKWh, &p.PricePerKWh,
		&p.TotalPrice, &p.Rationale, &p.Status, &expiresAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if blockIDsJSON != "" {
		_ = json.Unmarshal([]byte(blockIDsJSON), &p.BlockIDs)
	}
	p.ExpiresAt = time.Unix(expiresAt, 0)
	p.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		p.UpdatedAt = &t
	}
	return &p, nil
}

// UpdateProposalStatus transitions a proposal's status.
func (s *Storage) UpdateProposalStatus(id string, status ProposalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE proposals SET status = ?, updated_at = ? WHERE id = ?
	`, status, now, id)
	if err != nil {
		return fmt.Errorf("failed to update proposal status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProposalNotFound
	}
	return nil
}

// ListPendingProposals returns proposals awaiting approval or execution.
func (s *Storage) ListPendingProposals(agentID string) ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, agent_id, action, offer_id, block_ids, quantity_kwh, price_per_kwh, total_price, rationale, status, expires_at, created_at, updated_at
		FROM proposals WHERE agent_id = ? AND status = ?
		ORDER BY created_at ASC
	`, agentID, ProposalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// ListAllPendingProposals returns every pending proposal across all agents,
// for the runtime's expiry sweep.
func (s *Storage) ListAllPendingProposals() ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, agent_id, action, offer_id, block_ids, quantity_kwh, price_per_kwh, total_price, rationale, status, expires_at, created_at, updated_at
		FROM proposals WHERE status = ?
		ORDER BY created_at ASC
	`, ProposalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// SumExecutedProposalSpend totals the total_price of every proposal an agent
// has had execute since since, for the daily spend limit check.
func (s *Storage) SumExecutedProposalSpend(agentID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT SUM(total_price) FROM proposals
		WHERE agent_id = ? AND status = ? AND updated_at >= ?
	`, agentID, ProposalStatusExecuted, since.Unix()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum executed proposal spend: %w", err)
	}
	return total.Float64, nil
}
