package executor

import (
	"fmt"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
)

// State is an order's lifecycle position. An order that passed the
// pre-trade simulation enters at Simulated; everything after that is
// driven by the confirmer and the gateway.
type State string

const (
	StateCreated         State = "CREATED"
	StateSimulated       State = "SIMULATED"
	StateApproved        State = "APPROVED"
	StateSubmitted       State = "SUBMITTED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelled       State = "CANCELLED"
	StateRejected        State = "REJECTED"
	StateTimedOut        State = "TIMED_OUT"
)

// transitions is the full set of legal moves. Anything not listed is a
// bug, not a recoverable condition.
var transitions = map[State][]State{
	StateCreated:         {StateSimulated, StateRejected},
	StateSimulated:       {StateApproved, StateRejected},
	StateApproved:        {StateSubmitted, StateRejected, StateTimedOut},
	StateSubmitted:       {StatePartiallyFilled, StateFilled, StateCancelled, StateRejected, StateTimedOut},
	StatePartiallyFilled: {StateFilled, StateCancelled, StateTimedOut},
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateTimedOut:
		return true
	}
	return false
}

func (s State) canMoveTo(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// LiveOrder tracks one order from simulation pass to terminal state.
type LiveOrder struct {
	Order          broker.CandidateOrder `json:"order"`
	State          State                 `json:"state"`
	BrokerID       string                `json:"broker_id,omitempty"`
	FilledQuantity float64               `json:"filled_quantity"`
	AvgFillPrice   float64               `json:"avg_fill_price"`
	// Ambiguous means the terminal state was reached without the gateway
	// confirming what happened; the order must be reconciled by hand and
	// never resubmitted blindly.
	Ambiguous     bool   `json:"ambiguous,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (o *LiveOrder) moveTo(to State) error {
	if !o.State.canMoveTo(to) {
		return fmt.Errorf("illegal order transition %s -> %s for %s", o.State, to, o.Order.Symbol)
	}
	o.State = to
	return nil
}

// canCancel limits cancellation to a working order with nothing filled.
// A partial fill stays in the book; cancelling it would leave a position
// the run never accounted for.
func (o *LiveOrder) canCancel() bool {
	return o.State == StateSubmitted && o.FilledQuantity == 0
}
