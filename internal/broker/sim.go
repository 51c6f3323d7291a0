package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Rajchodisetti/rebalance-executor/internal/transport"
)

// SimConfig shapes paper-mode execution noise.
type SimConfig struct {
	LatencyMsMin   int
	LatencyMsMax   int
	SlippageBpsMin int
	SlippageBpsMax int
	// FillAfterPolls is how many status polls an order stays working
	// before it fills. Zero fills on the first poll.
	FillAfterPolls int
	// PartialBeforeFill reports one half-filled status before the full fill.
	PartialBeforeFill bool
}

type simOrder struct {
	order    CandidateOrder
	brokerID string
	polls    int
	status   string
	filled   float64
	avgPrice float64
}

// SimGateway is an in-memory Gateway used for paper mode and tests. It
// deduplicates placements by idempotency key the way the real gateway
// does, so retry behavior can be exercised without capital at risk.
type SimGateway struct {
	cfg SimConfig

	mu           sync.Mutex
	positions    map[string]Position
	summary      AccountSummary
	quotes       map[string]Quote
	history      map[string][]Bar
	whatifErrors map[string]string
	whatifWarns  map[string]string
	rejects      map[string]string
	vanish       map[string]bool
	orders       map[string]*simOrder // broker id -> order
	byKey        map[string]string    // idempotency key -> broker id

	placeCalls  int
	whatifCalls int
	nextID      int
	rng         *rand.Rand
}

func NewSimGateway(cfg SimConfig) *SimGateway {
	return &SimGateway{
		cfg:          cfg,
		positions:    make(map[string]Position),
		quotes:       make(map[string]Quote),
		history:      make(map[string][]Bar),
		whatifErrors: make(map[string]string),
		whatifWarns:  make(map[string]string),
		rejects:      make(map[string]string),
		vanish:       make(map[string]bool),
		orders:       make(map[string]*simOrder),
		byKey:        make(map[string]string),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Scenario setup -----------------------------------------------------------

func (s *SimGateway) SetPosition(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Symbol] = p
}

func (s *SimGateway) SetSummary(sum AccountSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = sum
}

func (s *SimGateway) SetQuote(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.Symbol] = q
}

func (s *SimGateway) SetHistory(symbol string, bars []Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[symbol] = bars
}

// SetWhatIfError makes the pre-trade simulation fail for a symbol.
func (s *SimGateway) SetWhatIfError(symbol, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whatifErrors[symbol] = msg
}

// SetWhatIfWarn attaches a warning to the simulation result for a symbol.
func (s *SimGateway) SetWhatIfWarn(symbol, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whatifWarns[symbol] = msg
}

// SetReject makes placement fail terminally for a symbol.
func (s *SimGateway) SetReject(symbol, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[symbol] = msg
}

// SetVanish makes placement time out for a symbol with no order recorded,
// reproducing the ambiguous-outcome case.
func (s *SimGateway) SetVanish(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vanish[symbol] = true
}

// Counters -----------------------------------------------------------------

func (s *SimGateway) PlaceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeCalls
}

func (s *SimGateway) WhatIfCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.whatifCalls
}

// LiveOrderCount reports how many distinct orders the gateway holds.
func (s *SimGateway) LiveOrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Gateway ------------------------------------------------------------------

func (s *SimGateway) GetPositions(ctx context.Context, account string) ([]Position, error) {
	s.sleep(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *SimGateway) GetAccountSummary(ctx context.Context, account string) (AccountSummary, error) {
	s.sleep(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := s.summary
	if sum.Account == "" {
		sum.Account = account
	}
	return sum, nil
}

func (s *SimGateway) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	s.sleep(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

func (s *SimGateway) GetHistory(ctx context.Context, symbol string, days int) ([]Bar, error) {
	s.sleep(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	bars, ok := s.history[symbol]
	if !ok {
		return nil, nil
	}
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

func (s *SimGateway) WhatIf(ctx context.Context, account string, order CandidateOrder) (WhatIfResult, error) {
	s.sleep(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whatifCalls++

	res := WhatIfResult{
		Equity: Amount{Value: s.summary.NetLiquidation, Set: true},
	}
	if msg, ok := s.whatifErrors[order.Symbol]; ok {
		res.Error = msg
		return res, nil
	}
	if msg, ok := s.whatifWarns[order.Symbol]; ok {
		res.Warn = msg
	}
	if q, ok := s.quotes[order.Symbol]; ok {
		notional := order.Quantity * q.Last
		res.InitialMargin = Amount{Value: notional * 0.25, Set: true}
		res.MaintenanceMargin = Amount{Value: notional * 0.20, Set: true}
	}
	return res, nil
}

func (s *SimGateway) PlaceOrder(ctx context.Context, account string, order CandidateOrder) (OrderAck, error) {
	s.sleep(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeCalls++

	if s.vanish[order.Symbol] {
		return OrderAck{}, &transport.TransientNetworkError{
			Attempts: 1,
			Err:      errors.New("request timed out"),
		}
	}
	if msg, ok := s.rejects[order.Symbol]; ok {
		return OrderAck{}, &transport.BrokerRejection{StatusCode: 422, Body: msg}
	}

	// Same idempotency key resolves to the same live order.
	if id, ok := s.byKey[order.IdempotencyKey]; ok {
		return OrderAck{OrderID: id, Status: s.orders[id].status}, nil
	}

	s.nextID++
	id := fmt.Sprintf("sim-%06d", s.nextID)
	s.orders[id] = &simOrder{order: order, brokerID: id, status: StatusSubmitted}
	if order.IdempotencyKey != "" {
		s.byKey[order.IdempotencyKey] = id
	}
	return OrderAck{OrderID: id, LocalOrderID: order.IdempotencyKey, Status: StatusSubmitted}, nil
}

func (s *SimGateway) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	s.sleep(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		if id, mapped := s.byKey[orderID]; mapped {
			o = s.orders[id]
		} else {
			return OrderStatus{}, ErrOrderNotFound
		}
	}

	if o.status == StatusSubmitted || o.status == StatusPartial {
		o.polls++
		s.advanceLocked(o)
	}
	return OrderStatus{
		OrderID:        o.brokerID,
		Status:         o.status,
		FilledQuantity: o.filled,
		Remaining:      o.order.Quantity - o.filled,
		AvgFillPrice:   o.avgPrice,
	}, nil
}

func (s *SimGateway) CancelOrder(ctx context.Context, account, orderID string) error {
	s.sleep(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.status == StatusSubmitted {
		o.status = StatusCancelled
	}
	return nil
}

func (s *SimGateway) advanceLocked(o *simOrder) {
	if o.polls <= s.cfg.FillAfterPolls {
		return
	}
	price := o.order.LimitPrice
	if q, ok := s.quotes[o.order.Symbol]; ok && q.Last > 0 {
		price = s.slip(q.Last, o.order.Side)
	}
	if s.cfg.PartialBeforeFill && o.status == StatusSubmitted {
		o.status = StatusPartial
		o.filled = float64(int(o.order.Quantity / 2))
		o.avgPrice = price
		return
	}
	o.status = StatusFilled
	o.filled = o.order.Quantity
	o.avgPrice = price
}

func (s *SimGateway) slip(price float64, side Side) float64 {
	span := s.cfg.SlippageBpsMax - s.cfg.SlippageBpsMin
	bps := s.cfg.SlippageBpsMin
	if span > 0 {
		bps += s.rng.Intn(span + 1)
	}
	adj := price * float64(bps) / 10000
	if side == SideSell {
		return price - adj
	}
	return price + adj
}

func (s *SimGateway) sleep(ctx context.Context) {
	if s.cfg.LatencyMsMax <= 0 {
		return
	}
	span := s.cfg.LatencyMsMax - s.cfg.LatencyMsMin
	ms := s.cfg.LatencyMsMin
	if span > 0 {
		s.mu.Lock()
		ms += s.rng.Intn(span + 1)
		s.mu.Unlock()
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
}
