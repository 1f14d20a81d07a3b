// Package matching implements the pure weighted offer-scoring algorithm:
// filter candidate offers against a buyer's requested quantity and delivery
// window, score survivors on price/trust/time-fit/delivery-latency, and rank
// them. It holds no storage or network dependency, mirroring how the
// teacher keeps fee arithmetic and scoring math free of I/O.
package matching

import (
	"sort"
	"time"

	"github.com/kkorel/energy-exchange/internal/config"
)

// Offer is the matching engine's view of a sell-side offer: just the fields
// the scoring function needs, independent of how storage represents one.
type Offer struct {
	ID                string
	ProviderID        string
	PricePerKWh       float64
	MaxQuantityKWh    float64
	DeliveryStart     time.Time
	DeliveryEnd       time.Time
	ProviderTrustScore float64
}

// Criteria describes what the buyer is looking for.
type Criteria struct {
	RequestedQuantityKWh float64
	WindowStart          time.Time
	WindowEnd            time.Time
}

// Breakdown holds the per-component scores that produced a Score, so callers
// can surface "why this offer ranked here" in logs or API responses.
type Breakdown struct {
	PriceScore       float64
	TrustScore       float64
	TimeFit          float64
	DeliveryLatency  float64
	Score            float64
}

// Result pairs an offer with its score breakdown.
type Result struct {
	Offer     Offer
	Breakdown Breakdown
}

// Engine scores and ranks offers against a MatchingWeights configuration.
type Engine struct {
	weights config.MatchingWeights
}

// New creates an Engine bound to weights.
func New(weights config.MatchingWeights) *Engine {
	return &Engine{weights: weights}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func overlapSeconds(aStart, aEnd, bStart, bEnd time.Time) float64 {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start).Seconds()
}

func windowOverlaps(offer Offer, c Criteria) bool {
	return overlapSeconds(offer.DeliveryStart, offer.DeliveryEnd, c.WindowStart, c.WindowEnd) > 0
}

// Filter returns offers whose delivery window overlaps the requested window
// and whose max quantity covers the request. If no offer satisfies the
// quantity requirement in full, it relaxes to admit partial-fit offers
// (window overlap only), per the matching algorithm's fallback rule.
func Filter(offers []Offer, c Criteria) []Offer {
	var fullFit []Offer
	var partialFit []Offer

	for _, o := range offers {
		if !windowOverlaps(o, c) {
			continue
		}
		partialFit = append(partialFit, o)
		if o.MaxQuantityKWh >= c.RequestedQuantityKWh {
			fullFit = append(fullFit, o)
		}
	}

	if len(fullFit) > 0 {
		return fullFit
	}
	return partialFit
}

// Score computes the weighted score and per-component breakdown for a single
// offer against criteria, evaluated at instant now.
func (e *Engine) Score(offer Offer, c Criteria, referencePrice float64, now time.Time) Breakdown {
	var priceScore float64
	if referencePrice > 0 {
		priceScore = 1 - clamp01(offer.PricePerKWh/referencePrice)
	}

	trustScore := clamp01(offer.ProviderTrustScore)

	requestedSeconds := c.WindowEnd.Sub(c.WindowStart).Seconds()
	var timeFit float64
	if requestedSeconds > 0 {
		timeFit = clamp01(overlapSeconds(offer.DeliveryStart, offer.DeliveryEnd, c.WindowStart, c.WindowEnd) / requestedSeconds)
	}

	horizon := e.weights.Horizon.Seconds()
	var deliveryLatency float64
	if horizon > 0 {
		deliveryLatency = 1 - clamp01(offer.DeliveryStart.Sub(now).Seconds()/horizon)
	}

	score := e.weights.Price*priceScore +
		e.weights.Trust*trustScore +
		e.weights.TimeFit*timeFit +
		e.weights.DeliveryLatency*deliveryLatency

	return Breakdown{
		PriceScore:      priceScore,
		TrustScore:      trustScore,
		TimeFit:         timeFit,
		DeliveryLatency: deliveryLatency,
		Score:           score,
	}
}

// Rank filters, scores, and sorts offers best-first. Ties break by higher
// trust, then lower price, then earlier delivery start, then lexicographic
// offer ID.
func (e *Engine) Rank(offers []Offer, c Criteria, referencePrice float64, now time.Time) []Result {
	filtered := Filter(offers, c)

	results := make([]Result, 0, len(filtered))
	for _, o := range filtered {
		results = append(results, Result{Offer: o, Breakdown: e.Score(o, c, referencePrice, now)})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Breakdown.Score != b.Breakdown.Score {
			return a.Breakdown.Score > b.Breakdown.Score
		}
		if a.Offer.ProviderTrustScore != b.Offer.ProviderTrustScore {
			return a.Offer.ProviderTrustScore > b.Offer.ProviderTrustScore
		}
		if a.Offer.PricePerKWh != b.Offer.PricePerKWh {
			return a.Offer.PricePerKWh < b.Offer.PricePerKWh
		}
		if !a.Offer.DeliveryStart.Equal(b.Offer.DeliveryStart) {
			return a.Offer.DeliveryStart.Before(b.Offer.DeliveryStart)
		}
		return a.Offer.ID < b.Offer.ID
	})

	return results
}

// Best returns the top-ranked offer, or ok=false if none qualify.
func (e *Engine) Best(offers []Offer, c Criteria, referencePrice float64, now time.Time) (result Result, ok bool) {
	ranked := e.Rank(offers, c, referencePrice, now)
	if len(ranked) == 0 {
		return Result{}, false
	}
	return ranked[0], true
}
