package trust

import (
	"math"
	"testing"

	"github.com/kkorel/energy-exchange/internal/config"
)

func testEngine() *Engine {
	return New(config.DefaultTrustConfig())
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSellerDeltaFullDelivery(t *testing.T) {
	e := testEngine()
	if got := e.SellerDelta(1.0); !almostEqual(got, 0.02) {
		t.Errorf("expected 0.02 for full delivery, got %v", got)
	}
}

func TestSellerDeltaPartialDelivery(t *testing.T) {
	e := testEngine()
	got := e.SellerDelta(0.5)
	want := -0.10 * 0.5
	if !almostEqual(got, want) {
		t.Errorf("expected %v for half delivery, got %v", want, got)
	}
}

func TestSellerDeltaFailure(t *testing.T) {
	e := testEngine()
	if got := e.SellerDelta(0); !almostEqual(got, -0.15) {
		t.Errorf("expected -0.15 for failed delivery, got %v", got)
	}
}

func TestBuyerDelta(t *testing.T) {
	e := testEngine()
	if got := e.BuyerDelta(1.0); !almostEqual(got, 0.01) {
		t.Errorf("expected 0.01 buyer bonus for full, got %v", got)
	}
	if got := e.BuyerDelta(0.6); !almostEqual(got, 0.005) {
		t.Errorf("expected 0.005 buyer bonus for partial, got %v", got)
	}
	if got := e.BuyerDelta(0); got != 0 {
		t.Errorf("expected 0 buyer bonus for failure, got %v", got)
	}
}

func TestApplyDeltaClamps(t *testing.T) {
	e := testEngine()
	if got := e.ApplyDelta(0.99, 0.5); got != 1.0 {
		t.Errorf("expected clamp to 1.0, got %v", got)
	}
	if got := e.ApplyDelta(0.05, -0.5); got != 0.0 {
		t.Errorf("expected clamp to 0.0, got %v", got)
	}
}

func TestAllowedTradeLimitBreakpoints(t *testing.T) {
	e := testEngine()

	cases := []struct {
		score float64
		want  float64
	}{
		{0.0, 0},
		{0.3, 10},
		{0.7, 50},
		{1.0, 100},
	}
	for _, c := range cases {
		if got := e.AllowedTradeLimit(c.score); !almostEqual(got, c.want) {
			t.Errorf("AllowedTradeLimit(%v) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestAllowedTradeLimitInterpolates(t *testing.T) {
	e := testEngine()

	// Midpoint between (0.3, 10) and (0.7, 50) is 0.5 -> 30.
	got := e.AllowedTradeLimit(0.5)
	if !almostEqual(got, 30) {
		t.Errorf("expected interpolated limit of 30 at score 0.5, got %v", got)
	}
}

func TestAllowedTradeLimitClampsOutOfRange(t *testing.T) {
	e := testEngine()

	if got := e.AllowedTradeLimit(-1); got != 0 {
		t.Errorf("expected 0 for below-range score, got %v", got)
	}
	if got := e.AllowedTradeLimit(2); got != 100 {
		t.Errorf("expected 100 for above-range score, got %v", got)
	}
}
