package pipeline

import (
	"time"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
	"github.com/Rajchodisetti/rebalance-executor/internal/diff"
	"github.com/Rajchodisetti/rebalance-executor/internal/executor"
	"github.com/Rajchodisetti/rebalance-executor/internal/risk"
)

// OrderOutcome is the terminal record of one order that reached the
// executor.
type OrderOutcome struct {
	Symbol         string         `json:"symbol"`
	Side           broker.Side    `json:"side"`
	Requested      float64        `json:"requested"`
	Filled         float64        `json:"filled"`
	AvgFillPrice   float64        `json:"avg_fill_price,omitempty"`
	State          executor.State `json:"state"`
	BrokerID       string         `json:"broker_id,omitempty"`
	Ambiguous      bool           `json:"ambiguous,omitempty"`
	StopLossExit   bool           `json:"stop_loss_exit,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// ExecutionReport accounts for one run. Every instrument the diff looked
// at appears exactly once: as a skip, a rejection, or an order outcome.
type ExecutionReport struct {
	RunID      string                `json:"run_id"`
	Mode       string                `json:"mode"`
	Account    string                `json:"account"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	NAV        float64               `json:"nav"`
	Summary    broker.AccountSummary `json:"summary"`
	Skips      []diff.Skip           `json:"skips,omitempty"`
	Rejections []risk.Rejection      `json:"rejections,omitempty"`
	Orders     []OrderOutcome        `json:"orders,omitempty"`
}

// FilledNotional sums filled value across all orders.
func (r *ExecutionReport) FilledNotional() float64 {
	var total float64
	for _, o := range r.Orders {
		total += o.Filled * o.AvgFillPrice
	}
	return total
}

// Ambiguous reports whether any order needs manual reconciliation.
func (r *ExecutionReport) Ambiguous() bool {
	for _, o := range r.Orders {
		if o.Ambiguous {
			return true
		}
	}
	return false
}
