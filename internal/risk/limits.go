package risk

import "github.com/Rajchodisetti/rebalance-executor/internal/broker"

// Limits are the hard bounds the gate enforces on every run. They come
// from config and never change mid-run.
type Limits struct {
	MaxPositionPct      float64            // per-position cap as fraction of NAV
	SleeveCaps          map[string]float64 // sleeve label -> cap fraction of NAV
	Sleeves             map[string]string  // symbol -> sleeve label
	MaxADVParticipation float64            // order qty <= ADV * this
	StopLossPct         float64            // unrealized loss fraction forcing an exit
	MinOrderNotional    float64
	LotSize             float64
	MaxGrossExposurePct float64
}

// Rejection codes. A rejected order is a terminal run outcome for that
// instrument, never a retry.
const (
	CodeLiquidity          = "liquidity"
	CodePositionCap        = "position_cap"
	CodeSleeveCap          = "sleeve_cap"
	CodeGrossExposure      = "gross_exposure"
	CodeStopLossOverride   = "stop_loss_override"
	CodeSimulationNegative = "simulation_negative"
	CodeSimulationFailed   = "simulation_unavailable"
	CodeRunCancelled       = "run_cancelled"
)

// Rejection records an order the gate (or the pre-trade simulation)
// refused, with the order as it stood when refused.
type Rejection struct {
	Order  broker.CandidateOrder `json:"order"`
	Code   string                `json:"code"`
	Reason string                `json:"reason"`
}
