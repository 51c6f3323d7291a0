package portfolio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
)

// TargetAllocation maps instrument -> target weight as a fraction of NAV.
// Weights need not sum to 1; the residual stays in cash. Read-only for the
// duration of one pipeline run.
type TargetAllocation map[string]float64

// Validate rejects weights outside [0,1] or a sum above 1.
func (t TargetAllocation) Validate() error {
	var sum float64
	for symbol, w := range t {
		if w < 0 || w > 1 {
			return fmt.Errorf("target weight for %s out of range: %f", symbol, w)
		}
		sum += w
	}
	if sum > 1.0001 {
		return fmt.Errorf("target weights sum to %f, must not exceed 1", sum)
	}
	return nil
}

// Symbols returns the allocation's instruments in deterministic order.
func (t TargetAllocation) Symbols() []string {
	out := make([]string, 0, len(t))
	for s := range t {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Holding is one instrument's state inside a snapshot.
type Holding struct {
	Quantity         float64 `json:"quantity"`
	Price            float64 `json:"price"`
	AvgCost          float64 `json:"avg_cost"`
	MarketValue      float64 `json:"market_value"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"` // negative = loss
	ADV              float64 `json:"adv"`                // average daily volume, shares
}

// Snapshot is the immutable, timestamped view of the account a run
// computes against. Built once per run, never mutated, superseded by the
// next run's snapshot.
type Snapshot struct {
	Account  string                  `json:"account"`
	TakenAt  time.Time               `json:"taken_at"`
	NAV      float64                 `json:"nav"`
	Summary  broker.AccountSummary   `json:"summary"`
	Holdings map[string]Holding      `json:"holdings"`
	Quotes   map[string]broker.Quote `json:"quotes"` // union of held and targeted symbols
}

// Value returns the current market value held in symbol, zero if none.
func (s *Snapshot) Value(symbol string) float64 {
	return s.Holdings[symbol].MarketValue
}

// Price returns the best known price for symbol, preferring the quote.
func (s *Snapshot) Price(symbol string) float64 {
	if q, ok := s.Quotes[symbol]; ok && q.Last > 0 {
		return q.Last
	}
	return s.Holdings[symbol].Price
}

// GrossExposure sums absolute market values across holdings.
func (s *Snapshot) GrossExposure() float64 {
	var total float64
	for _, h := range s.Holdings {
		v := h.MarketValue
		if v < 0 {
			v = -v
		}
		total += v
	}
	return total
}

// Symbols returns held instruments in deterministic order.
func (s *Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Holdings))
	for sym := range s.Holdings {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Build fetches positions, account summary, quotes and trade history and
// assembles the snapshot. Read-only fetches are issued concurrently; they
// are idempotent GETs. extraSymbols covers targeted instruments not yet
// held, which still need quotes and ADV.
func Build(ctx context.Context, gw broker.Gateway, account string, extraSymbols []string, advDays int, log zerolog.Logger) (*Snapshot, error) {
	var (
		positions []broker.Position
		summary   broker.AccountSummary
		posErr    error
		sumErr    error
		wg        sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		positions, posErr = gw.GetPositions(ctx, account)
	}()
	go func() {
		defer wg.Done()
		summary, sumErr = gw.GetAccountSummary(ctx, account)
	}()
	wg.Wait()

	if posErr != nil {
		return nil, posErr
	}
	if sumErr != nil {
		return nil, sumErr
	}

	symbols := map[string]bool{}
	for _, p := range positions {
		symbols[p.Symbol] = true
	}
	for _, s := range extraSymbols {
		symbols[s] = true
	}

	quotes := make(map[string]broker.Quote, len(symbols))
	advs := make(map[string]float64, len(symbols))
	var (
		mu       sync.Mutex
		fetchErr error
	)
	for sym := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			q, err := gw.GetQuote(ctx, symbol)
			if err == nil {
				var bars []broker.Bar
				bars, err = gw.GetHistory(ctx, symbol, advDays)
				if err == nil {
					mu.Lock()
					quotes[symbol] = q
					advs[symbol] = averageVolume(bars)
					mu.Unlock()
					return
				}
			}
			mu.Lock()
			if fetchErr == nil {
				fetchErr = fmt.Errorf("failed to fetch market data for %s: %w", symbol, err)
			}
			mu.Unlock()
		}(sym)
	}
	wg.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}

	snap := &Snapshot{
		Account:  account,
		TakenAt:  time.Now().UTC(),
		NAV:      summary.NetLiquidation,
		Summary:  summary,
		Holdings: make(map[string]Holding, len(positions)),
		Quotes:   quotes,
	}

	for _, p := range positions {
		price := p.AvgCost
		if q, ok := quotes[p.Symbol]; ok && q.Last > 0 {
			price = q.Last
		} else if p.Quantity != 0 {
			price = p.MarketValue / p.Quantity
		}
		h := Holding{
			Quantity:    p.Quantity,
			Price:       price,
			AvgCost:     p.AvgCost,
			MarketValue: p.Quantity * price,
			ADV:         advs[p.Symbol],
		}
		if p.AvgCost > 0 {
			h.UnrealizedPnLPct = (price - p.AvgCost) / p.AvgCost
		}
		snap.Holdings[p.Symbol] = h
	}

	// Targeted-but-unheld symbols still carry ADV for the liquidity check.
	for sym := range symbols {
		if _, held := snap.Holdings[sym]; !held {
			snap.Holdings[sym] = Holding{
				Price: quotes[sym].Last,
				ADV:   advs[sym],
			}
		}
	}

	log.Debug().
		Str("account", account).
		Float64("nav", snap.NAV).
		Int("holdings", len(positions)).
		Msg("snapshot built")

	return snap, nil
}

func averageVolume(bars []broker.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var total float64
	for _, b := range bars {
		total += b.Volume
	}
	return total / float64(len(bars))
}
