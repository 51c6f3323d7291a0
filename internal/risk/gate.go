package risk

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
	"github.com/Rajchodisetti/rebalance-executor/internal/portfolio"
)

// Gate applies position, sleeve, liquidity and exposure limits to the
// candidate orders of one run. It may shrink an order to fit a limit but
// never grows one, with a single exception: a stop-loss breach replaces
// whatever the diff produced with a full liquidation.
type Gate struct {
	limits Limits
	log    zerolog.Logger
}

func NewGate(limits Limits, log zerolog.Logger) *Gate {
	if limits.LotSize <= 0 {
		limits.LotSize = 1
	}
	return &Gate{
		limits: limits,
		log:    log.With().Str("component", "risk_gate").Logger(),
	}
}

// Validate filters candidates against the limits. Every input order ends
// up either in approved (possibly shrunk) or in rejections, and forced
// stop-loss exits are added on top. Sells are evaluated before buys so
// exposure they free is available to the buys.
func (g *Gate) Validate(orders []broker.CandidateOrder, snap *portfolio.Snapshot, runID string) ([]broker.CandidateOrder, []Rejection) {
	var rejections []Rejection

	orders, rejections = g.forceStopLossExits(orders, snap, runID, rejections)

	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Side != orders[j].Side {
			return orders[i].Side == broker.SideSell
		}
		return orders[i].Symbol < orders[j].Symbol
	})

	var approved []broker.CandidateOrder
	projGross := snap.GrossExposure()
	sleeveDelta := map[string]float64{}

	for _, order := range orders {
		if order.StopLossExit {
			// Exits are never blocked or shrunk; a losing position must
			// be able to leave the book.
			projGross = math.Max(0, projGross-order.Quantity*snap.Price(order.Symbol))
			approved = append(approved, order)
			continue
		}

		out, rej := g.check(order, snap, projGross, sleeveDelta)
		if rej != nil {
			rejections = append(rejections, *rej)
			g.log.Warn().
				Str("symbol", order.Symbol).
				Str("side", string(order.Side)).
				Str("code", rej.Code).
				Str("reason", rej.Reason).
				Msg("order rejected")
			continue
		}

		notional := out.Quantity * snap.Price(out.Symbol)
		if out.Side == broker.SideBuy {
			projGross += notional
			if sleeve, ok := g.limits.Sleeves[out.Symbol]; ok {
				sleeveDelta[sleeve] += notional
			}
		} else {
			projGross = math.Max(0, projGross-notional)
		}
		approved = append(approved, out)
	}

	return approved, rejections
}

// check sizes one order against every limit and returns it possibly
// shrunk, or a rejection when no compliant size remains.
func (g *Gate) check(order broker.CandidateOrder, snap *portfolio.Snapshot, projGross float64, sleeveDelta map[string]float64) (broker.CandidateOrder, *Rejection) {
	price := snap.Price(order.Symbol)
	if price <= 0 {
		return order, &Rejection{Order: order, Code: CodeLiquidity, Reason: "no price available"}
	}

	allowed := order.Quantity
	binding := ""

	shrinkTo := func(limit float64, code string) {
		if limit < allowed {
			allowed = limit
			binding = code
		}
	}

	if adv := snap.Holdings[order.Symbol].ADV; adv > 0 && g.limits.MaxADVParticipation > 0 {
		shrinkTo(adv*g.limits.MaxADVParticipation, CodeLiquidity)
	}

	if order.Side == broker.SideBuy {
		nav := snap.NAV
		if g.limits.MaxPositionPct > 0 {
			room := g.limits.MaxPositionPct*nav - snap.Value(order.Symbol)
			shrinkTo(math.Max(0, room)/price, CodePositionCap)
		}
		if sleeve, ok := g.limits.Sleeves[order.Symbol]; ok {
			if frac, capped := g.limits.SleeveCaps[sleeve]; capped {
				room := frac*nav - g.sleeveValue(snap, sleeve) - sleeveDelta[sleeve]
				shrinkTo(math.Max(0, room)/price, CodeSleeveCap)
			}
		}
		if g.limits.MaxGrossExposurePct > 0 {
			room := g.limits.MaxGrossExposurePct*nav - projGross
			shrinkTo(math.Max(0, room)/price, CodeGrossExposure)
		}
	}

	if binding == "" {
		return order, nil
	}

	qty := math.Floor(allowed/g.limits.LotSize) * g.limits.LotSize
	if qty <= 0 {
		return order, &Rejection{
			Order:  order,
			Code:   binding,
			Reason: fmt.Sprintf("no room under %s limit", binding),
		}
	}
	if qty*price < g.limits.MinOrderNotional {
		return order, &Rejection{
			Order:  order,
			Code:   binding,
			Reason: fmt.Sprintf("shrunk below min notional by %s limit", binding),
		}
	}

	g.log.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("requested", order.Quantity).
		Float64("approved", qty).
		Str("binding", binding).
		Msg("order shrunk to fit limit")

	order.Reason = fmt.Sprintf("%s; shrunk %.0f -> %.0f (%s)", order.Reason, order.Quantity, qty, binding)
	order.Quantity = qty
	return order, nil
}

// forceStopLossExits scans the snapshot for positions past the loss
// threshold and replaces any candidate for those symbols with a full
// liquidation. The exit goes out regardless of drift band or caps.
func (g *Gate) forceStopLossExits(orders []broker.CandidateOrder, snap *portfolio.Snapshot, runID string, rejections []Rejection) ([]broker.CandidateOrder, []Rejection) {
	if g.limits.StopLossPct <= 0 {
		return orders, rejections
	}

	breached := map[string]float64{}
	for _, sym := range snap.Symbols() {
		h := snap.Holdings[sym]
		if h.Quantity > 0 && h.UnrealizedPnLPct <= -g.limits.StopLossPct {
			breached[sym] = h.Quantity
		}
	}
	if len(breached) == 0 {
		return orders, rejections
	}

	kept := orders[:0]
	for _, o := range orders {
		if _, hit := breached[o.Symbol]; !hit {
			kept = append(kept, o)
			continue
		}
		if o.Side == broker.SideBuy {
			rejections = append(rejections, Rejection{
				Order:  o,
				Code:   CodeStopLossOverride,
				Reason: "position breached stop loss, buy replaced by liquidation",
			})
		}
		// Any sell for a breached symbol is superseded by the full exit.
	}
	orders = kept

	syms := make([]string, 0, len(breached))
	for sym := range breached {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	for _, sym := range syms {
		qty := math.Floor(breached[sym]/g.limits.LotSize) * g.limits.LotSize
		if qty <= 0 {
			continue
		}
		h := snap.Holdings[sym]
		g.log.Warn().
			Str("symbol", sym).
			Float64("unrealized_pnl_pct", h.UnrealizedPnLPct).
			Float64("quantity", qty).
			Msg("stop loss breached, forcing exit")
		orders = append(orders, broker.CandidateOrder{
			Symbol:         sym,
			Side:           broker.SideSell,
			Quantity:       qty,
			Type:           broker.TypeMarket,
			IdempotencyKey: broker.IdempotencyKey(runID, sym, broker.SideSell),
			StopLossExit:   true,
			Reason:         fmt.Sprintf("stop loss exit at %.1f%% unrealized", 100*h.UnrealizedPnLPct),
		})
	}
	return orders, rejections
}

func (g *Gate) sleeveValue(snap *portfolio.Snapshot, sleeve string) float64 {
	var total float64
	for sym, label := range g.limits.Sleeves {
		if label == sleeve {
			total += snap.Value(sym)
		}
	}
	return total
}
