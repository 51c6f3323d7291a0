package diff

import (
	"fmt"
	"math"
	"sort"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
	"github.com/Rajchodisetti/rebalance-executor/internal/portfolio"
)

// Config shapes one diff pass. RunID seeds idempotency keys so a retried
// run stage reuses the same keys instead of minting duplicates.
type Config struct {
	RunID            string
	DriftBand        float64 // minimum |delta|/NAV before an order is emitted
	MinOrderNotional float64
	LotSize          float64
	HeldNotTraded    []string // positions exempt from full-exit when missing from target
}

// Skip records an instrument the engine looked at but emitted no order
// for, so the journal can account for every decision.
type Skip struct {
	Symbol string  `json:"symbol"`
	Reason string  `json:"reason"`
	Delta  float64 `json:"delta"`
}

// Diff converts a target allocation plus the current snapshot into the
// minimal, correctly-signed order list. Orders are independent per
// instrument; there is no netting across instruments. An instrument held
// but absent from the target is treated as target weight zero (full exit)
// unless listed in HeldNotTraded. Sells are ordered before buys so exits
// free cash before new exposure is added.
func Diff(target portfolio.TargetAllocation, snap *portfolio.Snapshot, cfg Config) ([]broker.CandidateOrder, []Skip) {
	if cfg.LotSize <= 0 {
		cfg.LotSize = 1
	}

	held := map[string]bool{}
	for _, s := range cfg.HeldNotTraded {
		held[s] = true
	}

	union := map[string]bool{}
	for sym := range target {
		union[sym] = true
	}
	for _, sym := range snap.Symbols() {
		union[sym] = true
	}
	symbols := make([]string, 0, len(union))
	for sym := range union {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var orders []broker.CandidateOrder
	var skips []Skip

	for _, symbol := range symbols {
		weight, targeted := target[symbol]
		current := snap.Value(symbol)

		if !targeted {
			if current == 0 {
				continue
			}
			if held[symbol] {
				skips = append(skips, Skip{Symbol: symbol, Reason: "held_not_traded"})
				continue
			}
			// Missing from target means full exit.
			weight = 0
		}

		delta := weight*snap.NAV - current
		if snap.NAV <= 0 {
			skips = append(skips, Skip{Symbol: symbol, Reason: "nav_not_positive", Delta: delta})
			continue
		}
		if math.Abs(delta)/snap.NAV <= cfg.DriftBand {
			skips = append(skips, Skip{Symbol: symbol, Reason: "within_drift_band", Delta: delta})
			continue
		}

		price := snap.Price(symbol)
		if price <= 0 {
			skips = append(skips, Skip{Symbol: symbol, Reason: "no_price", Delta: delta})
			continue
		}

		qty := roundToLot(math.Abs(delta)/price, cfg.LotSize)
		side := broker.SideBuy
		if delta < 0 {
			side = broker.SideSell
			// Never sell more than is held; there is no shorting here.
			if heldQty := snap.Holdings[symbol].Quantity; qty > heldQty {
				qty = roundToLot(heldQty, cfg.LotSize)
			}
		}
		if qty <= 0 {
			skips = append(skips, Skip{Symbol: symbol, Reason: "below_lot_size", Delta: delta})
			continue
		}
		if qty*price < cfg.MinOrderNotional {
			skips = append(skips, Skip{Symbol: symbol, Reason: "below_min_notional", Delta: delta})
			continue
		}

		orders = append(orders, broker.CandidateOrder{
			Symbol:         symbol,
			Side:           side,
			Quantity:       qty,
			Type:           broker.TypeMarket,
			IdempotencyKey: broker.IdempotencyKey(cfg.RunID, symbol, side),
			Reason:         fmt.Sprintf("rebalance drift %.2f%% of NAV", 100*delta/snap.NAV),
		})
	}

	// Sells first so exits free cash before buys consume it.
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Side != orders[j].Side {
			return orders[i].Side == broker.SideSell
		}
		return orders[i].Symbol < orders[j].Symbol
	})

	return orders, skips
}

func roundToLot(qty, lot float64) float64 {
	return math.Floor(qty/lot) * lot
}
