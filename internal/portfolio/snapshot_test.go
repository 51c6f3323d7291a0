package portfolio

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
)

func seededGateway() *broker.SimGateway {
	gw := broker.NewSimGateway(broker.SimConfig{})
	gw.SetSummary(broker.AccountSummary{
		Account:        "DU000001",
		NetLiquidation: 100000,
		AvailableFunds: 60000,
	})
	gw.SetPosition(broker.Position{Symbol: "AAA", Quantity: 200, AvgCost: 90})
	gw.SetQuote(broker.Quote{Symbol: "AAA", Last: 100})
	gw.SetQuote(broker.Quote{Symbol: "NEW", Last: 50})
	gw.SetHistory("AAA", []broker.Bar{{Volume: 1000}, {Volume: 3000}})
	gw.SetHistory("NEW", []broker.Bar{{Volume: 500}})
	return gw
}

func TestBuildAssemblesSnapshot(t *testing.T) {
	snap, err := Build(context.Background(), seededGateway(), "DU000001", []string{"NEW"}, 20, zerolog.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if snap.NAV != 100000 {
		t.Errorf("NAV should come from net liquidation, got %f", snap.NAV)
	}

	aaa := snap.Holdings["AAA"]
	if aaa.Quantity != 200 || aaa.Price != 100 {
		t.Errorf("AAA holding wrong: %+v", aaa)
	}
	if aaa.MarketValue != 20000 {
		t.Errorf("AAA market value should use the live quote, got %f", aaa.MarketValue)
	}
	if aaa.ADV != 2000 {
		t.Errorf("AAA ADV should average history volume, got %f", aaa.ADV)
	}
	// 90 -> 100 is +11.1% unrealized.
	if aaa.UnrealizedPnLPct < 0.11 || aaa.UnrealizedPnLPct > 0.112 {
		t.Errorf("unexpected unrealized pnl %f", aaa.UnrealizedPnLPct)
	}
}

func TestBuildCarriesTargetedButUnheldSymbols(t *testing.T) {
	snap, err := Build(context.Background(), seededGateway(), "DU000001", []string{"NEW"}, 20, zerolog.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	nw, ok := snap.Holdings["NEW"]
	if !ok {
		t.Fatal("targeted unheld symbol should appear in holdings")
	}
	if nw.Quantity != 0 {
		t.Errorf("unheld symbol should have zero quantity, got %f", nw.Quantity)
	}
	if nw.Price != 50 || nw.ADV != 500 {
		t.Errorf("unheld symbol should still carry price and ADV: %+v", nw)
	}
}

func TestBuildFailsWhenMarketDataMissing(t *testing.T) {
	gw := broker.NewSimGateway(broker.SimConfig{})
	gw.SetSummary(broker.AccountSummary{NetLiquidation: 100000})
	gw.SetPosition(broker.Position{Symbol: "GONE", Quantity: 10, AvgCost: 5})
	// No quote for GONE.

	if _, err := Build(context.Background(), gw, "DU000001", nil, 20, zerolog.Nop()); err == nil {
		t.Fatal("expected error when a held symbol has no quote")
	}
}

func TestTargetAllocationValidation(t *testing.T) {
	if err := (TargetAllocation{"AAA": 0.6, "BBB": 0.4}).Validate(); err != nil {
		t.Errorf("fully invested target should validate: %v", err)
	}
	if err := (TargetAllocation{"AAA": 0.6, "BBB": 0.5}).Validate(); err == nil {
		t.Error("weights above 1.0 in total should fail")
	}
	if err := (TargetAllocation{"AAA": -0.1}).Validate(); err == nil {
		t.Error("negative weight should fail")
	}
	if err := (TargetAllocation{"AAA": 1.2}).Validate(); err == nil {
		t.Error("weight above 1 should fail")
	}
}
