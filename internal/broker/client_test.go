package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/rebalance-executor/internal/session"
	"github.com/Rajchodisetti/rebalance-executor/internal/transport"
)

type staticAuth struct{}

func (staticAuth) Authenticate(ctx context.Context) (string, time.Duration, error) {
	return "tok-test", 10 * time.Minute, nil
}
func (staticAuth) KeepAlive(ctx context.Context, token string) error { return nil }
func (staticAuth) Logout(ctx context.Context, token string) error    { return nil }

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sessions := session.NewManager(staticAuth{}, session.Config{}, zerolog.Nop())
	tr := transport.New(srv.Client(), transport.Config{
		MaxAttempts:     2,
		BackoffBaseMs:   1,
		RateLimitPerSec: 10000,
		RateBurst:       100,
	}, sessions, zerolog.Nop())
	return NewClient(srv.URL, tr, sessions, zerolog.Nop())
}

func TestClientSendsBearerToken(t *testing.T) {
	var got string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"positions": []any{}})
	}))

	if _, err := c.GetPositions(context.Background(), "DU000001"); err != nil {
		t.Fatalf("get positions failed: %v", err)
	}
	if got != "Bearer tok-test" {
		t.Errorf("expected bearer token header, got %q", got)
	}
}

func TestClientParsesPositions(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/portfolio/DU000001/positions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"positions": []map[string]any{
				{"symbol": "AAA", "quantity": 200.0, "avg_cost": 95.5, "market_value": 20000.0},
			},
		})
	}))

	positions, err := c.GetPositions(context.Background(), "DU000001")
	if err != nil {
		t.Fatalf("get positions failed: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "AAA" || positions[0].Quantity != 200 {
		t.Fatalf("unexpected positions %+v", positions)
	}
}

func TestClientPlaceOrderCarriesIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotOrder CandidateOrder
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(transport.IdempotencyHeader)
		_ = json.NewDecoder(r.Body).Decode(&gotOrder)
		_ = json.NewEncoder(w).Encode(OrderAck{OrderID: "gw-1", Status: StatusSubmitted})
	}))

	order := CandidateOrder{
		Symbol:         "AAA",
		Side:           SideBuy,
		Quantity:       100,
		Type:           TypeMarket,
		IdempotencyKey: "run-1-AAA-buy",
	}
	ack, err := c.PlaceOrder(context.Background(), "DU000001", order)
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if ack.OrderID != "gw-1" {
		t.Errorf("unexpected ack %+v", ack)
	}
	if gotKey != "run-1-AAA-buy" {
		t.Errorf("idempotency key not forwarded, got %q", gotKey)
	}
	if gotOrder.Symbol != "AAA" || gotOrder.Quantity != 100 {
		t.Errorf("order body mangled: %+v", gotOrder)
	}
}

func TestClientUnknownOrderIsErrOrderNotFound(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such order", http.StatusNotFound)
	}))

	_, err := c.GetOrderStatus(context.Background(), "missing-id")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestClientWhatIfParsesMarginAmounts(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"equity":      map[string]any{"amount": 100000.0, "currency": "USD"},
			"initial":     "25,000.00 USD",
			"maintenance": 20000.0,
		})
	}))

	res, err := c.WhatIf(context.Background(), "DU000001", CandidateOrder{Symbol: "AAA"})
	if err != nil {
		t.Fatalf("whatif failed: %v", err)
	}
	if !res.InitialMargin.Set || res.InitialMargin.Value != 25000 {
		t.Errorf("initial margin parsed wrong: %+v", res.InitialMargin)
	}
}
