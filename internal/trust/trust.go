// Package trust implements the pure trust-scoring engine: how a delivery
// outcome moves a seller's score, how a buyer's score moves on acceptance,
// and how a score maps to an allowed trade-size limit. It is deliberately
// free of storage or network concerns, the way the teacher keeps its fee
// arithmetic in pkg/helpers separate from the ledger that calls it.
package trust

import (
	"sort"

	"github.com/kkorel/energy-exchange/internal/config"
)

// Engine scores delivery outcomes against a TrustConfig.
type Engine struct {
	cfg config.TrustConfig
}

// New creates an Engine bound to cfg.
func New(cfg config.TrustConfig) *Engine {
	return &Engine{cfg: cfg}
}

// clamp bounds a score to [0, 1].
func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// SellerDelta returns the trust-score adjustment for a seller given a
// delivery ratio (deliveredKWh/expectedKWh, clamped to [0,1] by the caller).
//
//   - ratio >= 1.0: +FullDeliveryBonus
//   - 0 < ratio < 1.0: -PartialPenaltyScale * (1 - ratio)
//   - ratio == 0: -FailurePenalty
func (e *Engine) SellerDelta(ratio float64) float64 {
	switch {
	case ratio >= 1.0:
		return e.cfg.FullDeliveryBonus
	case ratio > 0:
		return -e.cfg.PartialPenaltyScale * (1 - ratio)
	default:
		return -e.cfg.FailurePenalty
	}
}

// BuyerDelta returns the small trust-score bump applied to a buyer who
// accepted a completed delivery, scaled by whether it was full or partial.
func (e *Engine) BuyerDelta(ratio float64) float64 {
	if ratio >= 1.0 {
		return e.cfg.BuyerBonusFull
	}
	if ratio > 0 {
		return e.cfg.BuyerBonusPartial
	}
	return 0
}

// ApplyDelta returns current+delta clamped to [0, 1].
func (e *Engine) ApplyDelta(current, delta float64) float64 {
	return clamp(current + delta)
}

// AllowedTradeLimit maps a trust score to an allowed trade-size limit
// (percent of some reference quantity) via piecewise-linear interpolation
// between the configured breakpoints. Scores below the first breakpoint or
// above the last are clamped to the nearest breakpoint's limit.
func (e *Engine) AllowedTradeLimit(score float64) float64 {
	points := e.cfg.LimitBreakpoints
	if len(points) == 0 {
		return 0
	}

	sorted := make([]config.TrustLimitPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score < sorted[j].Score })

	score = clamp(score)

	if score <= sorted[0].Score {
		return sorted[0].Limit
	}
	last := sorted[len(sorted)-1]
	if score >= last.Score {
		return last.Limit
	}

	for i := 0; i < len(sorted)-1; i++ {
		lo, hi := sorted[i], sorted[i+1]
		if score >= lo.Score && score <= hi.Score {
			if hi.Score == lo.Score {
				return lo.Limit
			}
			frac := (score - lo.Score) / (hi.Score - lo.Score)
			return lo.Limit + frac*(hi.Limit-lo.Limit)
		}
	}
	return last.Limit
}
