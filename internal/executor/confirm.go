package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
)

// HTTPConfirmer implements Confirmer over a small local HTTP surface so
// an operator can approve or deny pending orders:
//
//	GET  /orders                    list pending confirmations
//	POST /orders/{key}/approve      approve by idempotency key
//	POST /orders/{key}/deny         deny by idempotency key
type HTTPConfirmer struct {
	log zerolog.Logger

	mu      sync.Mutex
	pending map[string]pendingOrder
}

type pendingOrder struct {
	order broker.CandidateOrder
	reply chan bool
}

func NewHTTPConfirmer(log zerolog.Logger) *HTTPConfirmer {
	return &HTTPConfirmer{
		log:     log.With().Str("component", "confirmer").Logger(),
		pending: make(map[string]pendingOrder),
	}
}

// Confirm parks the order until an operator decides or ctx ends.
func (c *HTTPConfirmer) Confirm(ctx context.Context, order broker.CandidateOrder) (bool, error) {
	reply := make(chan bool, 1)

	c.mu.Lock()
	c.pending[order.IdempotencyKey] = pendingOrder{order: order, reply: reply}
	c.mu.Unlock()

	c.log.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Str("key", order.IdempotencyKey).
		Msg("order awaiting confirmation")

	defer func() {
		c.mu.Lock()
		delete(c.pending, order.IdempotencyKey)
		c.mu.Unlock()
	}()

	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *HTTPConfirmer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/orders" && r.Method == http.MethodGet {
		c.listPending(w)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "orders" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	key, action := parts[1], parts[2]
	if action != "approve" && action != "deny" {
		http.NotFound(w, r)
		return
	}

	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		http.Error(w, "no pending order for key", http.StatusNotFound)
		return
	}

	p.reply <- action == "approve"
	c.log.Info().Str("key", key).Str("action", action).Msg("confirmation received")
	w.WriteHeader(http.StatusOK)
}

func (c *HTTPConfirmer) listPending(w http.ResponseWriter) {
	c.mu.Lock()
	out := make([]broker.CandidateOrder, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.order)
	}
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"pending": out})
}
