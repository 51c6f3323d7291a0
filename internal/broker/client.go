package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/rebalance-executor/internal/session"
	"github.com/Rajchodisetti/rebalance-executor/internal/transport"
)

// Client implements Gateway against the local gateway process. Every call
// goes through the retrying transport; the session token is acquired per
// call so a refresh mid-run is picked up transparently.
type Client struct {
	baseURL  string
	tr       *transport.Transport
	sessions *session.Manager
	log      zerolog.Logger
}

func NewClient(baseURL string, tr *transport.Transport, sessions *session.Manager, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		tr:       tr,
		sessions: sessions,
		log:      log.With().Str("component", "gateway").Logger(),
	}
}

func (c *Client) GetPositions(ctx context.Context, account string) ([]Position, error) {
	var result struct {
		Positions []Position `json:"positions"`
	}
	path := fmt.Sprintf("/portfolio/%s/positions", url.PathEscape(account))
	if err := c.get(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	return result.Positions, nil
}

func (c *Client) GetAccountSummary(ctx context.Context, account string) (AccountSummary, error) {
	var result AccountSummary
	path := fmt.Sprintf("/portfolio/%s/summary", url.PathEscape(account))
	if err := c.get(ctx, path, &result); err != nil {
		return AccountSummary{}, fmt.Errorf("failed to fetch account summary: %w", err)
	}
	return result, nil
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	var result Quote
	path := fmt.Sprintf("/marketdata/%s/snapshot", url.PathEscape(symbol))
	if err := c.get(ctx, path, &result); err != nil {
		return Quote{}, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
	}
	return result, nil
}

func (c *Client) GetHistory(ctx context.Context, symbol string, days int) ([]Bar, error) {
	var result struct {
		Bars []Bar `json:"bars"`
	}
	path := fmt.Sprintf("/marketdata/%s/history?days=%d", url.PathEscape(symbol), days)
	if err := c.get(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", symbol, err)
	}
	return result.Bars, nil
}

func (c *Client) WhatIf(ctx context.Context, account string, order CandidateOrder) (WhatIfResult, error) {
	var result WhatIfResult
	path := fmt.Sprintf("/account/%s/orders/whatif", url.PathEscape(account))
	req := transport.Request{
		Method:     http.MethodPost,
		URL:        c.baseURL + path,
		Body:       order,
		Idempotent: true, // simulation is non-binding, safe to retry
	}
	if err := c.do(ctx, req, &result); err != nil {
		return WhatIfResult{}, fmt.Errorf("failed to simulate order for %s: %w", order.Symbol, err)
	}
	return result, nil
}

func (c *Client) PlaceOrder(ctx context.Context, account string, order CandidateOrder) (OrderAck, error) {
	var result OrderAck
	path := fmt.Sprintf("/account/%s/orders", url.PathEscape(account))
	req := transport.Request{
		Method:         http.MethodPost,
		URL:            c.baseURL + path,
		Body:           order,
		IdempotencyKey: order.IdempotencyKey,
	}
	if err := c.do(ctx, req, &result); err != nil {
		return OrderAck{}, err
	}
	return result, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var result OrderStatus
	path := fmt.Sprintf("/order/%s/status", url.PathEscape(orderID))
	err := c.get(ctx, path, &result)
	if err != nil {
		var rej *transport.BrokerRejection
		if errors.As(err, &rej) && rej.StatusCode == http.StatusNotFound {
			return OrderStatus{}, ErrOrderNotFound
		}
		return OrderStatus{}, fmt.Errorf("failed to fetch order status: %w", err)
	}
	return result, nil
}

func (c *Client) CancelOrder(ctx context.Context, account, orderID string) error {
	path := fmt.Sprintf("/account/%s/order/%s", url.PathEscape(account), url.PathEscape(orderID))
	req := transport.Request{
		Method:         http.MethodDelete,
		URL:            c.baseURL + path,
		IdempotencyKey: "cancel-" + orderID,
	}
	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, transport.Request{
		Method:     http.MethodGet,
		URL:        c.baseURL + path,
		Idempotent: true,
	}, out)
}

func (c *Client) do(ctx context.Context, req transport.Request, out any) error {
	sess, err := c.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	if req.Header == nil {
		req.Header = map[string]string{}
	}
	req.Header["Authorization"] = "Bearer " + sess.Token

	resp, err := c.tr.Do(ctx, req)
	if err != nil {
		return err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
