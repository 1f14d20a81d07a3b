// Package oracle provides a pluggable delivery-verification strategy. The
// default Mock implementation stands in for a real smart-meter/DISCOM
// integration: it decides an outcome probabilistically rather than reading
// a meter, the way the teacher's mock exchange rate source stands in for a
// live price feed until a production integration replaces it.
package oracle

import (
	"math/rand"

	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/storage"
)

// Verdict is the oracle's verification result for a delivery window.
type Verdict struct {
	Outcome      storage.DeliveryOutcome
	DeliveredKWh float64
}

// Verifier decides the delivery outcome for an order's expected quantity.
// Implementations must be safe to swap in for a real meter-reading
// integration without touching any caller.
type Verifier interface {
	Verify(expectedKWh float64) Verdict
}

// Mock is the default demonstration Verifier: it draws FULL with
// probability SuccessRate, otherwise PARTIAL with a delivery ratio drawn
// uniformly from [PartialRatioMin, PartialRatioMax], otherwise FAILED.
type Mock struct {
	cfg config.OracleConfig
	rng *rand.Rand
}

// NewMock creates a Mock oracle using cfg's probability parameters.
func NewMock(cfg config.OracleConfig) *Mock {
	return &Mock{cfg: cfg, rng: rand.New(rand.NewSource(1))}
}

// WithSource replaces the oracle's random source, for deterministic tests.
func (m *Mock) WithSource(src rand.Source) *Mock {
	m.rng = rand.New(src)
	return m
}

// Verify implements Verifier.
func (m *Mock) Verify(expectedKWh float64) Verdict {
	roll := m.rng.Float64()

	if roll < m.cfg.SuccessRate {
		return Verdict{Outcome: storage.DeliveryOutcomeFull, DeliveredKWh: expectedKWh}
	}

	// Split the remaining probability mass evenly between PARTIAL and FAILED.
	remaining := 1 - m.cfg.SuccessRate
	partialShare := remaining / 2
	if roll < m.cfg.SuccessRate+partialShare {
		spread := m.cfg.PartialRatioMax - m.cfg.PartialRatioMin
		ratio := m.cfg.PartialRatioMin + m.rng.Float64()*spread
		return Verdict{Outcome: storage.DeliveryOutcomePartial, DeliveredKWh: expectedKWh * ratio}
	}

	return Verdict{Outcome: storage.DeliveryOutcomeFailed, DeliveredKWh: 0}
}

// Fixed is a deterministic Verifier for tests and scenario scripts: it
// always returns the same Verdict regardless of expectedKWh's ratio, except
// DeliveredKWh is scaled to expectedKWh for FULL/PARTIAL outcomes.
type Fixed struct {
	Outcome storage.DeliveryOutcome
	Ratio   float64
}

// Verify implements Verifier.
func (f Fixed) Verify(expectedKWh float64) Verdict {
	if f.Outcome == storage.DeliveryOutcomeFailed {
		return Verdict{Outcome: storage.DeliveryOutcomeFailed, DeliveredKWh: 0}
	}
	return Verdict{Outcome: f.Outcome, DeliveredKWh: expectedKWh * f.Ratio}
}
