package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
	"github.com/Rajchodisetti/rebalance-executor/internal/journal"
	"github.com/Rajchodisetti/rebalance-executor/internal/transport"
)

// Confirmer decides whether a simulated order may be submitted. Confirm
// blocks until a decision arrives or ctx ends; a ctx timeout counts as a
// denial.
type Confirmer interface {
	Confirm(ctx context.Context, order broker.CandidateOrder) (bool, error)
}

// AutoApprove is the confirmer for unattended runs.
type AutoApprove struct{}

func (AutoApprove) Confirm(ctx context.Context, order broker.CandidateOrder) (bool, error) {
	return true, nil
}

type Config struct {
	PollIntervalMs   int
	FillTimeoutMs    int
	ManualConfirm    bool
	ConfirmTimeoutMs int
}

// Executor drives one order at a time from simulation pass to a terminal
// state. Submissions are serialized; polling for fills is not cancelled
// when the run's context is, because an order already in the book has to
// be seen through.
type Executor struct {
	gw        broker.Gateway
	account   string
	jl        *journal.Log
	confirmer Confirmer
	cfg       Config
	log       zerolog.Logger

	submitMu sync.Mutex
}

func New(gw broker.Gateway, account string, jl *journal.Log, confirmer Confirmer, cfg Config, log zerolog.Logger) *Executor {
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 1000
	}
	if cfg.FillTimeoutMs <= 0 {
		cfg.FillTimeoutMs = 120000
	}
	if cfg.ConfirmTimeoutMs <= 0 {
		cfg.ConfirmTimeoutMs = 60000
	}
	if confirmer == nil {
		confirmer = AutoApprove{}
	}
	return &Executor{
		gw:        gw,
		account:   account,
		jl:        jl,
		confirmer: confirmer,
		cfg:       cfg,
		log:       log.With().Str("component", "executor").Logger(),
	}
}

// Execute takes an order that passed simulation and returns it in a
// terminal state. The only non-nil error is a journal write failure,
// which aborts the run; every gateway outcome is folded into the order's
// state instead.
func (e *Executor) Execute(ctx context.Context, runID string, order broker.CandidateOrder) (*LiveOrder, error) {
	lo := &LiveOrder{Order: order, State: StateCreated}
	if err := e.transition(lo, StateSimulated, runID, "simulation passed"); err != nil {
		return lo, err
	}

	ok, err := e.confirm(ctx, order)
	if err != nil || !ok {
		reason := "confirmation denied"
		if err != nil {
			reason = fmt.Sprintf("confirmation failed: %v", err)
		}
		return lo, e.transition(lo, StateRejected, runID, reason)
	}
	if err := e.transition(lo, StateApproved, runID, "confirmed"); err != nil {
		return lo, err
	}

	if err := e.submit(ctx, runID, lo); err != nil {
		return lo, err
	}
	if lo.State.IsTerminal() {
		return lo, nil
	}

	return lo, e.pollToTerminal(ctx, runID, lo)
}

func (e *Executor) confirm(ctx context.Context, order broker.CandidateOrder) (bool, error) {
	if !e.cfg.ManualConfirm {
		return e.confirmer.Confirm(ctx, order)
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.ConfirmTimeoutMs)*time.Millisecond)
	defer cancel()
	ok, err := e.confirmer.Confirm(cctx, order)
	if errors.Is(err, context.DeadlineExceeded) {
		// Nobody answered in time. Silence is a denial.
		return false, nil
	}
	return ok, err
}

// submit places the order once. A retry after an ambiguous failure is
// never issued here; the idempotency key means the transport's own
// retries are already safe, and anything beyond that is resolved by
// querying, not resending.
func (e *Executor) submit(ctx context.Context, runID string, lo *LiveOrder) error {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	ack, err := e.gw.PlaceOrder(ctx, e.account, lo.Order)
	if err == nil {
		lo.BrokerID = ack.OrderID
		return e.transition(lo, StateSubmitted, runID, "placed")
	}

	var rej *transport.BrokerRejection
	if errors.As(err, &rej) {
		lo.FailureReason = rej.Body
		return e.transition(lo, StateRejected, runID, fmt.Sprintf("broker rejected: %s", rej.Body))
	}
	if errors.Is(err, transport.ErrAuthRejected) {
		lo.FailureReason = err.Error()
		return e.transition(lo, StateRejected, runID, "authentication rejected")
	}

	// The placement may or may not have reached the book. Ask before
	// concluding anything.
	status, qerr := e.gw.GetOrderStatus(context.WithoutCancel(ctx), lo.Order.IdempotencyKey)
	if qerr == nil {
		lo.BrokerID = status.OrderID
		e.log.Warn().
			Str("symbol", lo.Order.Symbol).
			Str("broker_id", status.OrderID).
			Msg("placement errored but order exists, adopting it")
		return e.transition(lo, StateSubmitted, runID, "placed (recovered after transport error)")
	}

	// A not-found reply can be placement visibility lag at the gateway;
	// either way the outcome is unconfirmed and needs manual review.
	lo.Ambiguous = true
	lo.FailureReason = err.Error()
	return e.transition(lo, StateTimedOut, runID, fmt.Sprintf("placement failed: %v", err))
}

// pollToTerminal watches the order until it fills, dies, or times out.
// The poll context deliberately survives run cancellation.
func (e *Executor) pollToTerminal(ctx context.Context, runID string, lo *LiveOrder) error {
	pollCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		time.Duration(e.cfg.FillTimeoutMs)*time.Millisecond,
	)
	defer cancel()

	ticker := time.NewTicker(time.Duration(e.cfg.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			return e.resolveTimeout(context.WithoutCancel(ctx), runID, lo)
		case <-ticker.C:
		}

		status, err := e.gw.GetOrderStatus(pollCtx, lo.BrokerID)
		if err != nil {
			e.log.Warn().Err(err).
				Str("symbol", lo.Order.Symbol).
				Str("broker_id", lo.BrokerID).
				Msg("status poll failed, will retry")
			continue
		}
		done, err := e.applyStatus(runID, lo, status)
		if err != nil || done {
			return err
		}
	}
}

// applyStatus folds one gateway status into the state machine. Returns
// done=true once the order is terminal.
func (e *Executor) applyStatus(runID string, lo *LiveOrder, status broker.OrderStatus) (bool, error) {
	lo.FilledQuantity = status.FilledQuantity
	lo.AvgFillPrice = status.AvgFillPrice

	switch status.Status {
	case broker.StatusFilled:
		return true, e.transition(lo, StateFilled, runID, "")
	case broker.StatusPartial:
		if lo.State != StatePartiallyFilled {
			if err := e.transition(lo, StatePartiallyFilled, runID,
				fmt.Sprintf("filled %.0f of %.0f", status.FilledQuantity, lo.Order.Quantity)); err != nil {
				return true, err
			}
		}
		return false, nil
	case broker.StatusCancelled:
		return true, e.transition(lo, StateCancelled, runID, "cancelled at gateway")
	case broker.StatusRejected:
		lo.FailureReason = "rejected at gateway"
		return true, e.transition(lo, StateRejected, runID, "rejected at gateway")
	default:
		return false, nil
	}
}

// resolveTimeout runs after the fill window closes. One last status
// query, then a cancel attempt if the order is untouched, then a final
// verdict. An order we cannot account for is marked ambiguous.
func (e *Executor) resolveTimeout(ctx context.Context, runID string, lo *LiveOrder) error {
	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if status, err := e.gw.GetOrderStatus(qctx, lo.BrokerID); err == nil {
		done, terr := e.applyStatus(runID, lo, status)
		if terr != nil || done {
			return terr
		}
	}

	if lo.canCancel() {
		if err := e.gw.CancelOrder(qctx, e.account, lo.BrokerID); err != nil {
			e.log.Warn().Err(err).
				Str("broker_id", lo.BrokerID).
				Msg("cancel after timeout failed")
		} else if status, err := e.gw.GetOrderStatus(qctx, lo.BrokerID); err == nil {
			done, terr := e.applyStatus(runID, lo, status)
			if terr != nil || done {
				return terr
			}
		}
	}

	lo.Ambiguous = true
	lo.FailureReason = "no fill within timeout"
	return e.transition(lo, StateTimedOut, runID, "no fill within timeout")
}

// transition validates the move, journals it, and logs it. A journal
// failure is returned to abort the run; the in-memory state has already
// moved, which is the safer direction to be wrong in.
func (e *Executor) transition(lo *LiveOrder, to State, runID, reason string) error {
	if err := lo.moveTo(to); err != nil {
		return err
	}
	e.log.Info().
		Str("symbol", lo.Order.Symbol).
		Str("side", string(lo.Order.Side)).
		Str("state", string(to)).
		Str("broker_id", lo.BrokerID).
		Float64("filled", lo.FilledQuantity).
		Bool("ambiguous", lo.Ambiguous).
		Msg("order transition")

	return e.jl.Record(journal.Entry{
		RunID:    runID,
		Stage:    journal.StageExec,
		Symbol:   lo.Order.Symbol,
		Decision: string(to),
		Reason:   reason,
		Details: map[string]any{
			"broker_id":       lo.BrokerID,
			"idempotency_key": lo.Order.IdempotencyKey,
			"filled":          lo.FilledQuantity,
			"avg_fill_price":  lo.AvgFillPrice,
			"ambiguous":       lo.Ambiguous,
		},
	})
}
