package risk

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
	"github.com/Rajchodisetti/rebalance-executor/internal/portfolio"
)

func baseLimits() Limits {
	return Limits{
		MaxPositionPct:      0.10,
		MaxADVParticipation: 0.10,
		StopLossPct:         0.30,
		MinOrderNotional:    200,
		LotSize:             1,
		MaxGrossExposurePct: 1.0,
	}
}

func buy(symbol string, qty float64) broker.CandidateOrder {
	return broker.CandidateOrder{
		Symbol:         symbol,
		Side:           broker.SideBuy,
		Quantity:       qty,
		Type:           broker.TypeMarket,
		IdempotencyKey: "run-1-" + symbol + "-buy",
	}
}

func snapFor(nav float64, holdings map[string]portfolio.Holding) *portfolio.Snapshot {
	return &portfolio.Snapshot{
		NAV:      nav,
		Summary:  broker.AccountSummary{NetLiquidation: nav},
		Holdings: holdings,
		Quotes:   map[string]broker.Quote{},
	}
}

func TestGateShrinksToLiquidityCap(t *testing.T) {
	snap := snapFor(10000000, map[string]portfolio.Holding{
		"AAA": {Price: 10, ADV: 10000},
	})
	gate := NewGate(baseLimits(), zerolog.Nop())

	approved, rejections := gate.Validate([]broker.CandidateOrder{buy("AAA", 5000)}, snap, "run-1")

	if len(rejections) != 0 {
		t.Fatalf("expected shrink, not rejection: %+v", rejections)
	}
	if len(approved) != 1 {
		t.Fatalf("expected 1 approved order, got %d", len(approved))
	}
	// 10% of ADV 10000 = 1000 shares, exactly at the participation cap.
	if approved[0].Quantity != 1000 {
		t.Errorf("expected quantity shrunk to 1000, got %f", approved[0].Quantity)
	}
}

func TestGateShrinksBuyToPositionCap(t *testing.T) {
	snap := snapFor(100000, map[string]portfolio.Holding{
		"AAA": {Quantity: 50, Price: 100, MarketValue: 5000, ADV: 1000000},
	})
	gate := NewGate(baseLimits(), zerolog.Nop())

	approved, rejections := gate.Validate([]broker.CandidateOrder{buy("AAA", 100)}, snap, "run-1")

	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections %+v", rejections)
	}
	// Cap is 10000, 5000 already held, room for 50 shares at 100.
	if len(approved) != 1 || approved[0].Quantity != 50 {
		t.Fatalf("expected buy shrunk to 50 shares, got %+v", approved)
	}
}

func TestGateRejectsWhenNoRoomUnderCap(t *testing.T) {
	snap := snapFor(100000, map[string]portfolio.Holding{
		"AAA": {Quantity: 100, Price: 100, MarketValue: 10000, ADV: 1000000},
	})
	gate := NewGate(baseLimits(), zerolog.Nop())

	approved, rejections := gate.Validate([]broker.CandidateOrder{buy("AAA", 10)}, snap, "run-1")

	if len(approved) != 0 {
		t.Fatalf("position already at cap, expected rejection, got %+v", approved)
	}
	if len(rejections) != 1 || rejections[0].Code != CodePositionCap {
		t.Fatalf("expected position_cap rejection, got %+v", rejections)
	}
}

func TestGateEnforcesSleeveCap(t *testing.T) {
	limits := baseLimits()
	limits.MaxPositionPct = 0.50
	limits.Sleeves = map[string]string{"AAA": "tech", "BBB": "tech"}
	limits.SleeveCaps = map[string]float64{"tech": 0.10}

	snap := snapFor(100000, map[string]portfolio.Holding{
		"AAA": {Quantity: 80, Price: 100, MarketValue: 8000, ADV: 1000000},
		"BBB": {Price: 100, ADV: 1000000},
	})
	gate := NewGate(limits, zerolog.Nop())

	approved, rejections := gate.Validate([]broker.CandidateOrder{buy("BBB", 100)}, snap, "run-1")

	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections %+v", rejections)
	}
	// Sleeve cap 10000, 8000 in AAA, room for 20 shares of BBB.
	if len(approved) != 1 || approved[0].Quantity != 20 {
		t.Fatalf("expected buy shrunk to 20 by sleeve cap, got %+v", approved)
	}
}

func TestGateForcesStopLossExitDespiteCaps(t *testing.T) {
	snap := snapFor(100000, map[string]portfolio.Holding{
		"LOSS": {Quantity: 400, Price: 65, AvgCost: 100, MarketValue: 26000, UnrealizedPnLPct: -0.35, ADV: 100},
	})
	gate := NewGate(baseLimits(), zerolog.Nop())

	approved, _ := gate.Validate(nil, snap, "run-1")

	if len(approved) != 1 {
		t.Fatalf("expected forced exit, got %+v", approved)
	}
	exit := approved[0]
	if exit.Side != broker.SideSell || !exit.StopLossExit {
		t.Fatalf("expected stop-loss sell, got %+v", exit)
	}
	// Full liquidation, not shrunk by the tiny ADV.
	if exit.Quantity != 400 {
		t.Errorf("exit must liquidate all 400 shares, got %f", exit.Quantity)
	}
	if exit.IdempotencyKey != "run-1-LOSS-sell" {
		t.Errorf("unexpected idempotency key %q", exit.IdempotencyKey)
	}
}

func TestGateIgnoresLossInsideThreshold(t *testing.T) {
	snap := snapFor(100000, map[string]portfolio.Holding{
		"EDGE": {Quantity: 100, Price: 71, AvgCost: 100, MarketValue: 7100, UnrealizedPnLPct: -0.29, ADV: 100000},
	})
	gate := NewGate(baseLimits(), zerolog.Nop())

	approved, rejections := gate.Validate(nil, snap, "run-1")

	if len(approved) != 0 || len(rejections) != 0 {
		t.Fatalf("-29%% is inside the -30%% threshold, got approved=%+v rejections=%+v", approved, rejections)
	}
}

func TestGateReplacesBuyWithStopLossExit(t *testing.T) {
	snap := snapFor(100000, map[string]portfolio.Holding{
		"LOSS": {Quantity: 100, Price: 60, AvgCost: 100, MarketValue: 6000, UnrealizedPnLPct: -0.40, ADV: 1000000},
	})
	gate := NewGate(baseLimits(), zerolog.Nop())

	approved, rejections := gate.Validate([]broker.CandidateOrder{buy("LOSS", 50)}, snap, "run-1")

	if len(rejections) != 1 || rejections[0].Code != CodeStopLossOverride {
		t.Fatalf("buy on a breached position must be rejected, got %+v", rejections)
	}
	if len(approved) != 1 || approved[0].Side != broker.SideSell || approved[0].Quantity != 100 {
		t.Fatalf("expected full liquidation instead, got %+v", approved)
	}
}

func TestGateBoundsAggregateGrossExposure(t *testing.T) {
	limits := baseLimits()
	limits.MaxPositionPct = 0.50
	snap := snapFor(100000, map[string]portfolio.Holding{
		"HELD": {Quantity: 950, Price: 100, MarketValue: 95000},
		"AAA":  {Price: 100, ADV: 1000000},
	})
	gate := NewGate(limits, zerolog.Nop())

	approved, rejections := gate.Validate([]broker.CandidateOrder{buy("AAA", 100)}, snap, "run-1")

	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections %+v", rejections)
	}
	// Only 5000 of exposure headroom remains under 100% of NAV.
	if len(approved) != 1 || approved[0].Quantity != 50 {
		t.Fatalf("expected buy shrunk to 50 by gross exposure, got %+v", approved)
	}
}

func TestGateRejectsWhenShrunkBelowMinNotional(t *testing.T) {
	snap := snapFor(100000, map[string]portfolio.Holding{
		"AAA": {Quantity: 99, Price: 100, MarketValue: 9900, ADV: 1000000},
	})
	gate := NewGate(baseLimits(), zerolog.Nop())

	// Room under the cap is one share, 100 notional, below the 200 floor.
	approved, rejections := gate.Validate([]broker.CandidateOrder{buy("AAA", 50)}, snap, "run-1")

	if len(approved) != 0 {
		t.Fatalf("expected rejection, got %+v", approved)
	}
	if len(rejections) != 1 || rejections[0].Code != CodePositionCap {
		t.Fatalf("expected position_cap rejection, got %+v", rejections)
	}
}
