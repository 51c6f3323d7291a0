package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
	"github.com/Rajchodisetti/rebalance-executor/internal/diff"
	"github.com/Rajchodisetti/rebalance-executor/internal/executor"
	"github.com/Rajchodisetti/rebalance-executor/internal/journal"
	"github.com/Rajchodisetti/rebalance-executor/internal/observ"
	"github.com/Rajchodisetti/rebalance-executor/internal/portfolio"
	"github.com/Rajchodisetti/rebalance-executor/internal/risk"
	"github.com/Rajchodisetti/rebalance-executor/internal/whatif"
)

// ErrRunActive is returned when a run is requested while another is
// still in flight. Runs never overlap.
var ErrRunActive = errors.New("a rebalance run is already active")

// Options wires one Runner. Gateways holds one Gateway per trading mode
// so paper and live stay selectable per run without rewiring.
type Options struct {
	Account       string
	ADVDays       int
	DriftBand     float64
	HeldNotTraded []string
	Limits        risk.Limits
	Exec          executor.Config
	Confirmer     executor.Confirmer
}

// Runner owns the snapshot -> diff -> risk -> simulate -> execute
// sequence for a single account.
type Runner struct {
	gateways map[string]broker.Gateway
	opts     Options
	jl       *journal.Log
	log      zerolog.Logger

	runMu sync.Mutex
}

func NewRunner(gateways map[string]broker.Gateway, opts Options, jl *journal.Log, log zerolog.Logger) *Runner {
	if opts.ADVDays <= 0 {
		opts.ADVDays = 20
	}
	return &Runner{
		gateways: gateways,
		opts:     opts,
		jl:       jl,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// RunOnce executes one full rebalance pass against the target. Only one
// run may be active at a time; a second caller gets ErrRunActive rather
// than queuing, since its target may be stale by the time it would run.
func (r *Runner) RunOnce(ctx context.Context, mode string, target portfolio.TargetAllocation) (*ExecutionReport, error) {
	if !r.runMu.TryLock() {
		return nil, ErrRunActive
	}
	defer r.runMu.Unlock()

	gw, ok := r.gateways[mode]
	if !ok {
		return nil, fmt.Errorf("no gateway configured for mode %q", mode)
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target allocation: %w", err)
	}

	runID := uuid.NewString()
	log := r.log.With().Str("run_id", runID).Str("mode", mode).Logger()
	started := time.Now().UTC()
	observ.IncCounter("runs_total", map[string]string{"mode": mode})

	targetDigest := journal.Digest(target)
	if err := r.jl.Record(journal.Entry{
		RunID:       runID,
		Stage:       journal.StageRun,
		InputDigest: targetDigest,
		Decision:    "started",
		Details:     map[string]any{"mode": mode, "account": r.opts.Account},
	}); err != nil {
		return nil, err
	}

	report, err := r.run(ctx, gw, mode, runID, target, targetDigest, log)
	finished := time.Now().UTC()
	observ.RecordDuration("run_duration", finished.Sub(started), map[string]string{"mode": mode})

	decision := "completed"
	reason := ""
	if err != nil {
		decision = "failed"
		reason = err.Error()
		observ.IncCounter("runs_failed_total", map[string]string{"mode": mode})
	}
	if jerr := r.jl.Record(journal.Entry{
		RunID:       runID,
		Stage:       journal.StageRun,
		InputDigest: targetDigest,
		Decision:    decision,
		Reason:      reason,
	}); jerr != nil && err == nil {
		err = jerr
	}
	if report != nil {
		report.StartedAt = started
		report.FinishedAt = finished
	}
	return report, err
}

func (r *Runner) run(ctx context.Context, gw broker.Gateway, mode, runID string, target portfolio.TargetAllocation, targetDigest string, log zerolog.Logger) (*ExecutionReport, error) {
	snap, err := portfolio.Build(ctx, gw, r.opts.Account, target.Symbols(), r.opts.ADVDays, log)
	if err != nil {
		return nil, fmt.Errorf("snapshot failed: %w", err)
	}
	snapDigest := journal.Digest(snap)
	if err := r.jl.Record(journal.Entry{
		RunID:       runID,
		Stage:       journal.StageSnapshot,
		InputDigest: snapDigest,
		Decision:    "built",
		Details:     map[string]any{"nav": snap.NAV, "holdings": len(snap.Holdings)},
	}); err != nil {
		return nil, err
	}
	observ.SetGauge("nav", snap.NAV, map[string]string{"mode": mode})

	report := &ExecutionReport{
		RunID:   runID,
		Mode:    mode,
		Account: r.opts.Account,
		NAV:     snap.NAV,
		Summary: snap.Summary,
	}

	candidates, skips := diff.Diff(target, snap, diff.Config{
		RunID:            runID,
		DriftBand:        r.opts.DriftBand,
		MinOrderNotional: r.opts.Limits.MinOrderNotional,
		LotSize:          r.opts.Limits.LotSize,
		HeldNotTraded:    r.opts.HeldNotTraded,
	})
	report.Skips = skips
	for _, s := range skips {
		if err := r.jl.Record(journal.Entry{
			RunID:       runID,
			Stage:       journal.StageDiff,
			Symbol:      s.Symbol,
			InputDigest: snapDigest,
			Decision:    "skipped",
			Reason:      s.Reason,
			Details:     map[string]any{"delta": s.Delta},
		}); err != nil {
			return report, err
		}
	}
	for _, o := range candidates {
		if err := r.jl.Record(journal.Entry{
			RunID:       runID,
			Stage:       journal.StageDiff,
			Symbol:      o.Symbol,
			InputDigest: snapDigest,
			Decision:    "candidate",
			Reason:      o.Reason,
			Details:     map[string]any{"side": o.Side, "quantity": o.Quantity},
		}); err != nil {
			return report, err
		}
	}

	gate := risk.NewGate(r.opts.Limits, log)
	approved, rejections := gate.Validate(candidates, snap, runID)
	if err := r.recordRejections(runID, journal.StageRisk, snapDigest, rejections); err != nil {
		return report, err
	}
	report.Rejections = append(report.Rejections, rejections...)
	if err := r.recordApproved(runID, journal.StageRisk, snapDigest, "approved", approved); err != nil {
		return report, err
	}

	validator := whatif.NewValidator(gw, r.opts.Account, log)
	passed, simRejections := validator.Check(ctx, approved, snap)
	if err := r.recordRejections(runID, journal.StageWhatIf, snapDigest, simRejections); err != nil {
		return report, err
	}
	report.Rejections = append(report.Rejections, simRejections...)
	if err := r.recordApproved(runID, journal.StageWhatIf, snapDigest, "simulated", passed); err != nil {
		return report, err
	}

	exec := executor.New(gw, r.opts.Account, r.jl, r.opts.Confirmer, r.opts.Exec, log)
	for _, order := range passed {
		// A cancelled run submits nothing further; orders already in the
		// book are seen through by the executor's own polling context.
		if ctx.Err() != nil {
			rej := risk.Rejection{Order: order, Code: risk.CodeRunCancelled, Reason: "run cancelled before submission"}
			if err := r.recordRejections(runID, journal.StageExec, snapDigest, []risk.Rejection{rej}); err != nil {
				return report, err
			}
			report.Rejections = append(report.Rejections, rej)
			continue
		}
		lo, err := exec.Execute(ctx, runID, order)
		if lo != nil {
			report.Orders = append(report.Orders, OrderOutcome{
				Symbol:         order.Symbol,
				Side:           order.Side,
				Requested:      order.Quantity,
				Filled:         lo.FilledQuantity,
				AvgFillPrice:   lo.AvgFillPrice,
				State:          lo.State,
				BrokerID:       lo.BrokerID,
				Ambiguous:      lo.Ambiguous,
				StopLossExit:   order.StopLossExit,
				Reason:         lo.FailureReason,
				IdempotencyKey: order.IdempotencyKey,
			})
			observ.IncCounter("orders_total", map[string]string{
				"mode":  mode,
				"state": string(lo.State),
			})
		}
		if err != nil {
			// Journal write failure. Stop submitting; what already went
			// out stays accounted for in the report.
			return report, err
		}
	}

	log.Info().
		Int("orders", len(report.Orders)).
		Int("rejections", len(report.Rejections)).
		Int("skips", len(report.Skips)).
		Float64("filled_notional", report.FilledNotional()).
		Bool("ambiguous", report.Ambiguous()).
		Msg("run complete")
	return report, nil
}

// recordApproved journals every order a stage let through, so the trail
// shows what survived each gate, not just what fell out. Shrink
// annotations travel in the order's Reason.
func (r *Runner) recordApproved(runID, stage, digest, decision string, orders []broker.CandidateOrder) error {
	for _, o := range orders {
		if err := r.jl.Record(journal.Entry{
			RunID:       runID,
			Stage:       stage,
			Symbol:      o.Symbol,
			InputDigest: digest,
			Decision:    decision,
			Reason:      o.Reason,
			Details:     map[string]any{"side": o.Side, "quantity": o.Quantity, "stop_loss_exit": o.StopLossExit},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) recordRejections(runID, stage, digest string, rejections []risk.Rejection) error {
	for _, rej := range rejections {
		observ.IncCounter("orders_rejected_total", map[string]string{"stage": stage, "code": rej.Code})
		if err := r.jl.Record(journal.Entry{
			RunID:       runID,
			Stage:       stage,
			Symbol:      rej.Order.Symbol,
			InputDigest: digest,
			Decision:    "rejected",
			Reason:      rej.Reason,
			Details:     map[string]any{"code": rej.Code, "side": rej.Order.Side, "quantity": rej.Order.Quantity},
		}); err != nil {
			return err
		}
	}
	return nil
}
