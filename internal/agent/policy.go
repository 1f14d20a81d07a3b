package agent

import (
	"fmt"
	"time"

	"github.com/kkorel/energy-exchange/internal/storage"
)

// passesPolicy re-checks proposal against a's risk envelope at gate time —
// analyze already filtered on price and trust once, but the tick interval
// gives the market room to move between analysis and execution, so the
// gate checks again rather than trusting a stale decision. Only the
// quantity cap and daily spend limit are new here; an empty reason with
// true means the gate passed.
func (r *Runtime) passesPolicy(a *storage.Agent, p *storage.Proposal) (string, bool) {
	c := a.Criteria

	if c.MaxPricePerKWh > 0 && p.PricePerKWh > c.MaxPricePerKWh && p.Action == storage.ProposalActionBuy {
		return fmt.Sprintf("price %.3f exceeds cap %.3f", p.PricePerKWh, c.MaxPricePerKWh), false
	}

	if c.MaxQuantityKWh > 0 && p.QuantityKWh > c.MaxQuantityKWh {
		return fmt.Sprintf("quantity %.2f kWh exceeds cap %.2f kWh", p.QuantityKWh, c.MaxQuantityKWh), false
	}

	if p.Action == storage.ProposalActionBuy && c.MinTrustScore > 0 {
		trust := providerTrustScore(r.store, p.OfferID)
		if trust < c.MinTrustScore {
			return fmt.Sprintf("provider trust %.3f below floor %.3f", trust, c.MinTrustScore), false
		}
	}

	if c.DailyLimit > 0 && p.Action == storage.ProposalActionBuy {
		since := r.clock.Now().Add(-24 * time.Hour)
		spent, err := r.store.SumExecutedProposalSpend(a.ID, since)
		if err != nil {
			r.log.Warn("failed to check daily spend limit, holding for approval", "agent_id", a.ID, "err", err)
			return "daily spend check failed", false
		}
		if spent+p.TotalPrice > c.DailyLimit {
			return fmt.Sprintf("daily spend %.2f + proposal %.2f would exceed limit %.2f", spent, p.TotalPrice, c.DailyLimit), false
		}
	}

	return "", true
}

// providerTrustScore looks up the trust score of the offer's seller,
// trying the provider table first and falling back to the user table —
// mirroring protocol's own catalog-building lookup.
func providerTrustScore(store *storage.Storage, offerID string) float64 {
	offer, err := store.GetOffer(offerID)
	if err != nil {
		return 0
	}
	if p, err := store.GetProvider(offer.SellerID); err == nil {
		return p.TrustScore
	}
	if u, err := store.GetUser(offer.SellerID); err == nil {
		return u.TrustScore
	}
	return 0
}
