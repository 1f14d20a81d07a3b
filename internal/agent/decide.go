package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kkorel/energy-exchange/internal/matching"
	"github.com/kkorel/energy-exchange/internal/protocol"
	"github.com/kkorel/energy-exchange/internal/storage"
)

// discoveryHorizon bounds how far out a buyer agent looks for delivery
// windows; agents are short-sighted by design, re-evaluating every tick
// rather than planning a full day ahead.
const discoveryHorizon = 6 * time.Hour

// analyze gathers market state for a and, if it finds a trade worth
// proposing, returns a pending Proposal. A nil, nil result means the agent
// had nothing to do this tick — not an error.
func (r *Runtime) analyze(a *storage.Agent) (*storage.Proposal, error) {
	switch a.Role {
	case storage.UserRoleBuyer:
		return r.analyzeBuyer(a)
	case storage.UserRoleSeller:
		return r.analyzeSeller(a)
	default:
		return nil, nil
	}
}

// analyzeBuyer discovers the current offer catalog through the same
// coordinator a protocol message would use, and proposes buying the
// top-ranked offer that clears the agent's price and trust floor.
func (r *Runtime) analyzeBuyer(a *storage.Agent) (*storage.Proposal, error) {
	now := r.clock.Now()
	criteria := protocol.DiscoveryCriteria{
		RequestedQuantityKWh: a.Criteria.MaxQuantityKWh,
		WindowStart:          now,
		WindowEnd:            now.Add(discoveryHorizon),
	}
	if criteria.RequestedQuantityKWh <= 0 {
		return nil, nil
	}

	discovered, err := r.coordinator.Discover(r.ctx, a.UserID, criteria)
	if err != nil {
		return nil, fmt.Errorf("agent: discover failed for agent %s: %w", a.ID, err)
	}

	best, ok := pickBuyCandidate(discovered.Offers, a.Criteria)
	if !ok {
		r.log.Debug("no offer cleared agent criteria", "agent_id", a.ID, "offers_seen", len(discovered.Offers))
		return nil, nil
	}

	qty := best.Offer.MaxQuantityKWh
	if a.Criteria.MaxQuantityKWh > 0 && a.Criteria.MaxQuantityKWh < qty {
		qty = a.Criteria.MaxQuantityKWh
	}

	return &storage.Proposal{
		ID:          discovered.TransactionID,
		AgentID:     a.ID,
		Action:      storage.ProposalActionBuy,
		OfferID:     best.Offer.ID,
		QuantityKWh: qty,
		PricePerKWh: best.Offer.PricePerKWh,
		TotalPrice:  qty * best.Offer.PricePerKWh,
		Rationale: fmt.Sprintf(
			"offer %s scored %.3f (price=%.3f trust=%.3f time_fit=%.3f latency=%.3f) against requested %.2f kWh",
			best.Offer.ID, best.Breakdown.Score, best.Breakdown.PriceScore, best.Breakdown.TrustScore,
			best.Breakdown.TimeFit, best.Breakdown.DeliveryLatency, criteria.RequestedQuantityKWh),
		Status:    storage.ProposalStatusPending,
		ExpiresAt: now.Add(r.cfg.Agent.ProposalExpiry),
		CreatedAt: now,
	}, nil
}

// pickBuyCandidate returns the best-ranked offer (callers receive offers
// pre-sorted best-first by the matching engine) that clears the agent's
// price cap and trust floor. The agent's preferred-source list is not
// checked here.
func pickBuyCandidate(ranked []matching.Result, c storage.AgentCriteria) (matching.Result, bool) {
	for _, r := range ranked {
		if c.MaxPricePerKWh > 0 && r.Offer.PricePerKWh > c.MaxPricePerKWh {
			continue
		}
		if c.MinTrustScore > 0 && r.Offer.ProviderTrustScore < c.MinTrustScore {
			continue
		}
		return r, true
	}
	return matching.Result{}, false
}

// analyzeSeller reviews the agent's own active offers and proposes
// repricing one toward the market reference price, scaled by the agent's
// risk tolerance: a risk-averse seller nudges a small step toward the
// reference, a risk-tolerant one jumps most of the way.
func (r *Runtime) analyzeSeller(a *storage.Agent) (*storage.Proposal, error) {
	offers, err := r.store.ListActiveOffers()
	if err != nil {
		return nil, fmt.Errorf("agent: failed to list active offers: %w", err)
	}

	var mine []*storage.Offer
	var marketSum float64
	var marketCount int
	for _, o := range offers {
		if o.SellerID == a.UserID {
			mine = append(mine, o)
			continue
		}
		marketSum += o.PricePerKWh
		marketCount++
	}
	if len(mine) == 0 || marketCount == 0 {
		return nil, nil
	}
	referencePrice := marketSum / float64(marketCount)

	offer := mine[0]
	step := clampRisk(a.Criteria.RiskTolerance)
	newPrice := offer.PricePerKWh + (referencePrice-offer.PricePerKWh)*step
	if newPrice <= 0 || closeEnough(newPrice, offer.PricePerKWh) {
		return nil, nil
	}
	if a.Criteria.MaxPricePerKWh > 0 && newPrice > a.Criteria.MaxPricePerKWh {
		newPrice = a.Criteria.MaxPricePerKWh
	}

	blocks, err := r.store.ListAvailableBlocks(offer.ID)
	if err != nil {
		return nil, fmt.Errorf("agent: failed to list available blocks for offer %s: %w", offer.ID, err)
	}
	var availableKWh float64
	for _, b := range blocks {
		availableKWh += b.QuantityKWh
	}
	if availableKWh <= 0 {
		return nil, nil
	}

	now := r.clock.Now()
	return &storage.Proposal{
		ID:          uuid.NewString(),
		AgentID:     a.ID,
		Action:      storage.ProposalActionSell,
		OfferID:     offer.ID,
		QuantityKWh: availableKWh,
		PricePerKWh: newPrice,
		TotalPrice:  availableKWh * newPrice,
		Rationale: fmt.Sprintf("reprice offer %s from %.3f toward market reference %.3f (risk_tolerance=%.2f)",
			offer.ID, offer.PricePerKWh, referencePrice, a.Criteria.RiskTolerance),
		Status:    storage.ProposalStatusPending,
		ExpiresAt: now.Add(r.cfg.Agent.ProposalExpiry),
		CreatedAt: now,
	}, nil
}

func clampRisk(v float64) float64 {
	if v <= 0 {
		return 0.25
	}
	if v > 1 {
		return 1
	}
	return v
}

func closeEnough(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 0.0001
}
