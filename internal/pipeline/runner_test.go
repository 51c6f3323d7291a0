package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
	"github.com/Rajchodisetti/rebalance-executor/internal/executor"
	"github.com/Rajchodisetti/rebalance-executor/internal/journal"
	"github.com/Rajchodisetti/rebalance-executor/internal/portfolio"
	"github.com/Rajchodisetti/rebalance-executor/internal/risk"
)

func flatHistory(volume float64) []broker.Bar {
	bars := make([]broker.Bar, 20)
	for i := range bars {
		bars[i] = broker.Bar{Volume: volume}
	}
	return bars
}

func seededGateway() *broker.SimGateway {
	gw := broker.NewSimGateway(broker.SimConfig{})
	gw.SetSummary(broker.AccountSummary{
		Account:        "DU000001",
		NetLiquidation: 100000,
		TotalCash:      65000,
		AvailableFunds: 65000,
	})
	gw.SetPosition(broker.Position{Symbol: "AAA", Quantity: 200, AvgCost: 100})
	gw.SetPosition(broker.Position{Symbol: "BBB", Quantity: 300, AvgCost: 50})
	gw.SetQuote(broker.Quote{Symbol: "AAA", Last: 100})
	gw.SetQuote(broker.Quote{Symbol: "BBB", Last: 50})
	gw.SetHistory("AAA", flatHistory(1000000))
	gw.SetHistory("BBB", flatHistory(1000000))
	return gw
}

func testRunner(t *testing.T, gw broker.Gateway) *Runner {
	t.Helper()
	jl, err := journal.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { jl.Close() })
	return runnerWith(gw, jl)
}

func runnerWith(gw broker.Gateway, jl *journal.Log) *Runner {
	return NewRunner(map[string]broker.Gateway{"paper": gw}, Options{
		Account:   "DU000001",
		ADVDays:   20,
		DriftBand: 0.03,
		Limits: risk.Limits{
			MaxPositionPct:      0.50,
			MaxADVParticipation: 0.10,
			StopLossPct:         0.30,
			MinOrderNotional:    200,
			LotSize:             1,
			MaxGrossExposurePct: 1.0,
		},
		Exec: executor.Config{PollIntervalMs: 10, FillTimeoutMs: 2000},
	}, jl, zerolog.Nop())
}

func TestRunOnceRebalancesToTarget(t *testing.T) {
	gw := seededGateway()
	r := testRunner(t, gw)

	// AAA is at 20%, target 30%; BBB is at 15%, target 10%.
	report, err := r.RunOnce(context.Background(), "paper",
		portfolio.TargetAllocation{"AAA": 0.30, "BBB": 0.10})
	require.NoError(t, err)

	require.Len(t, report.Orders, 2)
	require.Equal(t, "BBB", report.Orders[0].Symbol, "sell should execute first")
	require.Equal(t, broker.SideSell, report.Orders[0].Side)
	require.Equal(t, float64(100), report.Orders[0].Filled)
	require.Equal(t, "AAA", report.Orders[1].Symbol)
	require.Equal(t, broker.SideBuy, report.Orders[1].Side)
	require.Equal(t, float64(100), report.Orders[1].Filled)

	for _, o := range report.Orders {
		require.Equal(t, executor.StateFilled, o.State)
		require.False(t, o.Ambiguous)
	}
	require.Empty(t, report.Rejections)
	require.Equal(t, float64(100000), report.NAV)
}

func TestRunOnceAccountsForEveryInstrument(t *testing.T) {
	gw := seededGateway()
	gw.SetPosition(broker.Position{Symbol: "HOLD", Quantity: 10, AvgCost: 400})
	gw.SetQuote(broker.Quote{Symbol: "HOLD", Last: 400})
	gw.SetHistory("HOLD", flatHistory(1000000))
	gw.SetReject("AAA", "instrument restricted")
	r := testRunner(t, gw)

	report, err := r.RunOnce(context.Background(), "paper",
		portfolio.TargetAllocation{"AAA": 0.30, "BBB": 0.15, "HOLD": 0.04})
	require.NoError(t, err)

	// Each instrument lands in exactly one bucket: AAA reaches the
	// executor and is rejected by the broker, BBB and HOLD sit inside
	// the drift band.
	seen := map[string]int{}
	for _, s := range report.Skips {
		seen[s.Symbol]++
	}
	for _, rej := range report.Rejections {
		seen[rej.Order.Symbol]++
	}
	for _, o := range report.Orders {
		seen[o.Symbol]++
	}
	for _, sym := range []string{"AAA", "BBB", "HOLD"} {
		require.Equal(t, 1, seen[sym], "instrument %s must be accounted exactly once", sym)
	}

	require.Len(t, report.Orders, 1)
	require.Equal(t, executor.StateRejected, report.Orders[0].State)
}

func TestRunOnceRejectsOverlappingRuns(t *testing.T) {
	// Latency keeps the first run busy long enough for the second to hit
	// the guard.
	gw := broker.NewSimGateway(broker.SimConfig{LatencyMsMin: 50, LatencyMsMax: 60})
	gw.SetSummary(broker.AccountSummary{NetLiquidation: 100000})
	r := testRunner(t, gw)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := r.RunOnce(context.Background(), "paper", portfolio.TargetAllocation{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var active int
	for err := range errs {
		if err == ErrRunActive {
			active++
		}
	}
	require.Equal(t, 1, active, "exactly one of two concurrent runs must be refused")
}

func TestRunOnceStopLossExitBypassesDriftBand(t *testing.T) {
	gw := seededGateway()
	// LOSS sits at -40% unrealized and only 2% of NAV, inside the drift
	// band; the stop loss must still force it out.
	gw.SetPosition(broker.Position{Symbol: "LOSS", Quantity: 50, AvgCost: 70})
	gw.SetQuote(broker.Quote{Symbol: "LOSS", Last: 42})
	gw.SetHistory("LOSS", flatHistory(1000000))
	r := testRunner(t, gw)

	report, err := r.RunOnce(context.Background(), "paper",
		portfolio.TargetAllocation{"AAA": 0.20, "BBB": 0.15, "LOSS": 0.021})
	require.NoError(t, err)

	var exit *OrderOutcome
	for i := range report.Orders {
		if report.Orders[i].Symbol == "LOSS" {
			exit = &report.Orders[i]
		}
	}
	require.NotNil(t, exit, "stop-loss exit missing from report")
	require.Equal(t, broker.SideSell, exit.Side)
	require.True(t, exit.StopLossExit)
	require.Equal(t, float64(50), exit.Filled)
}

func TestRunOnceJournalsStageOutcomes(t *testing.T) {
	gw := seededGateway()
	dir := t.TempDir()
	jl, err := journal.Open(dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { jl.Close() })
	r := runnerWith(gw, jl)

	_, err = r.RunOnce(context.Background(), "paper",
		portfolio.TargetAllocation{"AAA": 0.30, "BBB": 0.10})
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(dir, "journal-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	type key struct{ stage, symbol, decision string }
	seen := map[key]int{}
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		var e journal.Entry
		require.NoError(t, json.Unmarshal(line, &e))
		seen[key{e.Stage, e.Symbol, e.Decision}]++
	}

	// The trail records what survived each stage, not only what fell out.
	for _, sym := range []string{"AAA", "BBB"} {
		require.Equal(t, 1, seen[key{journal.StageRisk, sym, "approved"}], "%s missing risk approval", sym)
		require.Equal(t, 1, seen[key{journal.StageWhatIf, sym, "simulated"}], "%s missing simulation pass", sym)
		require.Equal(t, 1, seen[key{journal.StageExec, sym, string(executor.StateSimulated)}], "%s missing SIMULATED transition", sym)
		require.Equal(t, 1, seen[key{journal.StageExec, sym, string(executor.StateFilled)}], "%s missing FILLED transition", sym)
	}
}

func TestRunOnceUnknownModeFails(t *testing.T) {
	r := testRunner(t, seededGateway())
	_, err := r.RunOnce(context.Background(), "live", portfolio.TargetAllocation{})
	require.Error(t, err)
}
