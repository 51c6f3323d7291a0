package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
	"github.com/Rajchodisetti/rebalance-executor/internal/config"
)

// paperState seeds the simulated venue for paper mode.
type paperState struct {
	Summary struct {
		NetLiquidation float64 `yaml:"net_liquidation"`
		TotalCash      float64 `yaml:"total_cash"`
		AvailableFunds float64 `yaml:"available_funds"`
		BuyingPower    float64 `yaml:"buying_power"`
	} `yaml:"summary"`
	Positions []struct {
		Symbol   string  `yaml:"symbol"`
		Quantity float64 `yaml:"quantity"`
		AvgCost  float64 `yaml:"avg_cost"`
	} `yaml:"positions"`
	Quotes []struct {
		Symbol string  `yaml:"symbol"`
		Last   float64 `yaml:"last"`
		Bid    float64 `yaml:"bid"`
		Ask    float64 `yaml:"ask"`
		ADV    float64 `yaml:"adv"` // expanded into a flat history window
	} `yaml:"quotes"`
}

// newPaperGateway builds the simulated venue from the paper state file.
func newPaperGateway(cfg config.Paper, account string) (*broker.SimGateway, error) {
	b, err := os.ReadFile(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read paper state: %w", err)
	}
	var state paperState
	if err := yaml.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("failed to parse paper state: %w", err)
	}

	gw := broker.NewSimGateway(broker.SimConfig{
		LatencyMsMin:   cfg.LatencyMsMin,
		LatencyMsMax:   cfg.LatencyMsMax,
		SlippageBpsMin: cfg.SlippageBpsMin,
		SlippageBpsMax: cfg.SlippageBpsMax,
	})

	gw.SetSummary(broker.AccountSummary{
		Account:        account,
		NetLiquidation: state.Summary.NetLiquidation,
		TotalCash:      state.Summary.TotalCash,
		AvailableFunds: state.Summary.AvailableFunds,
		BuyingPower:    state.Summary.BuyingPower,
	})
	for _, p := range state.Positions {
		gw.SetPosition(broker.Position{
			Symbol:   p.Symbol,
			Quantity: p.Quantity,
			AvgCost:  p.AvgCost,
		})
	}
	now := time.Now().UTC()
	for _, q := range state.Quotes {
		gw.SetQuote(broker.Quote{
			Symbol:    q.Symbol,
			Last:      q.Last,
			Bid:       q.Bid,
			Ask:       q.Ask,
			Timestamp: now,
		})
		if q.ADV > 0 {
			bars := make([]broker.Bar, 20)
			for i := range bars {
				bars[i] = broker.Bar{
					Date:   now.AddDate(0, 0, i-len(bars)).Format("2006-01-02"),
					Close:  q.Last,
					Volume: q.ADV,
				}
			}
			gw.SetHistory(q.Symbol, bars)
		}
	}
	return gw, nil
}
