package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType uses the gateway's order type codes.
type OrderType string

const (
	TypeMarket OrderType = "MKT"
	TypeLimit  OrderType = "LMT"
)

// Gateway-side order status strings.
const (
	StatusSubmitted = "submitted"
	StatusPartial   = "partial"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
)

// ErrOrderNotFound means the gateway has no record of the order id or
// idempotency key it was asked about.
var ErrOrderNotFound = errors.New("order not found")

// CandidateOrder is a not-yet-submitted order. The diff engine creates
// them; the risk gate may reject, shrink, or force-include them.
type CandidateOrder struct {
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Quantity       float64   `json:"quantity"`
	Type           OrderType `json:"type"`
	LimitPrice     float64   `json:"limit_price,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	StopLossExit   bool      `json:"stop_loss_exit,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// IdempotencyKey is deterministic per run, symbol and side so a retried
// stage reuses the same key instead of minting a duplicate order.
func IdempotencyKey(runID, symbol string, side Side) string {
	return fmt.Sprintf("%s-%s-%s", runID, symbol, strings.ToLower(string(side)))
}

// SignedQuantity returns quantity with buy positive and sell negative.
func (o CandidateOrder) SignedQuantity() float64 {
	if o.Side == SideSell {
		return -o.Quantity
	}
	return o.Quantity
}

// Quote is a normalized market data snapshot.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	Halted    bool      `json:"halted"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one day of trade history, used for average daily volume.
type Bar struct {
	Date   string  `json:"date"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Position is a holding as reported by the gateway.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgCost       float64 `json:"avg_cost"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// AccountSummary holds the account-level values a run needs.
type AccountSummary struct {
	Account        string  `json:"account"`
	NetLiquidation float64 `json:"net_liquidation"`
	TotalCash      float64 `json:"total_cash"`
	AvailableFunds float64 `json:"available_funds"`
	BuyingPower    float64 `json:"buying_power"`
}

// WhatIfResult is the gateway's pre-trade simulation verdict. Error set
// means the order would be refused; Warn may or may not be blocking.
type WhatIfResult struct {
	Equity            Amount `json:"equity"`
	InitialMargin     Amount `json:"initial"`
	MaintenanceMargin Amount `json:"maintenance"`
	Warn              string `json:"warn,omitempty"`
	Error             string `json:"error,omitempty"`
}

// OrderAck is the gateway's response to a placement.
type OrderAck struct {
	OrderID      string `json:"order_id"`
	LocalOrderID string `json:"local_order_id,omitempty"`
	Status       string `json:"status"`
}

// OrderStatus is the gateway's view of a live order.
type OrderStatus struct {
	OrderID        string  `json:"order_id"`
	Status         string  `json:"status"`
	FilledQuantity float64 `json:"filled_quantity"`
	Remaining      float64 `json:"remaining"`
	AvgFillPrice   float64 `json:"avg_fill_price"`
}

// Gateway is the brokerage surface the pipeline consumes. Implemented by
// Client for the live gateway and SimGateway for paper mode and tests.
type Gateway interface {
	GetPositions(ctx context.Context, account string) ([]Position, error)
	GetAccountSummary(ctx context.Context, account string) (AccountSummary, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	GetHistory(ctx context.Context, symbol string, days int) ([]Bar, error)
	WhatIf(ctx context.Context, account string, order CandidateOrder) (WhatIfResult, error)
	PlaceOrder(ctx context.Context, account string, order CandidateOrder) (OrderAck, error)
	// GetOrderStatus resolves either the broker order id or the client
	// idempotency key, so an order whose placement timed out can still be
	// located. Returns ErrOrderNotFound when the gateway has no record.
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, account, orderID string) error
}
