package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// gateway-stub serves the brokerage gateway surface over plain HTTP so
// the executor can be exercised end to end without a real gateway
// process. State is in-memory and seeded from a YAML file.

type stateFile struct {
	Summary struct {
		NetLiquidation float64 `yaml:"net_liquidation"`
		TotalCash      float64 `yaml:"total_cash"`
		AvailableFunds float64 `yaml:"available_funds"`
		BuyingPower    float64 `yaml:"buying_power"`
	} `yaml:"summary"`
	Positions []struct {
		Symbol   string  `yaml:"symbol"`
		Quantity float64 `yaml:"quantity"`
		AvgCost  float64 `yaml:"avg_cost"`
	} `yaml:"positions"`
	Quotes []struct {
		Symbol string  `yaml:"symbol"`
		Last   float64 `yaml:"last"`
		Bid    float64 `yaml:"bid"`
		Ask    float64 `yaml:"ask"`
		ADV    float64 `yaml:"adv"`
	} `yaml:"quotes"`
}

type stubOrder struct {
	ID       string  `json:"order_id"`
	Key      string  `json:"-"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Status   string  `json:"status"`
	Filled   float64 `json:"filled_quantity"`
	Polls    int     `json:"-"`
}

type stub struct {
	mu            sync.Mutex
	state         stateFile
	tokens        map[string]time.Time
	orders        map[string]*stubOrder
	byKey         map[string]string
	nextID        int
	ttl           time.Duration
	fillAfter     int
	quoteBySymbol map[string]int
}

func newStub(state stateFile, ttl time.Duration, fillAfter int) *stub {
	s := &stub{
		state:         state,
		tokens:        map[string]time.Time{},
		orders:        map[string]*stubOrder{},
		byKey:         map[string]string{},
		ttl:           ttl,
		fillAfter:     fillAfter,
		quoteBySymbol: map[string]int{},
	}
	for i, q := range state.Quotes {
		s.quoteBySymbol[q.Symbol] = i
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *stub) authed(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.tokens[token]
	return ok && time.Now().Before(exp)
}

func (s *stub) handleSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.nextID++
	token := fmt.Sprintf("tok-%06d", s.nextID)
	s.tokens[token] = time.Now().Add(s.ttl)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"token":       token,
		"ttl_seconds": int(s.ttl.Seconds()),
	})
}

func (s *stub) handleTickle(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token]; !ok {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}
	s.tokens[token] = time.Now().Add(s.ttl)
	w.WriteHeader(http.StatusOK)
}

func (s *stub) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *stub) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	positions := make([]map[string]any, 0, len(s.state.Positions))
	for _, p := range s.state.Positions {
		last := p.AvgCost
		if i, ok := s.quoteBySymbol[p.Symbol]; ok {
			last = s.state.Quotes[i].Last
		}
		positions = append(positions, map[string]any{
			"symbol":         p.Symbol,
			"quantity":       p.Quantity,
			"avg_cost":       p.AvgCost,
			"market_value":   p.Quantity * last,
			"unrealized_pnl": p.Quantity * (last - p.AvgCost),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *stub) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"net_liquidation": s.state.Summary.NetLiquidation,
		"total_cash":      s.state.Summary.TotalCash,
		"available_funds": s.state.Summary.AvailableFunds,
		"buying_power":    s.state.Summary.BuyingPower,
	})
}

func (s *stub) handleSnapshot(w http.ResponseWriter, r *http.Request, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.quoteBySymbol[symbol]
	if !ok {
		http.Error(w, "unknown symbol", http.StatusNotFound)
		return
	}
	q := s.state.Quotes[i]
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    q.Symbol,
		"last":      q.Last,
		"bid":       q.Bid,
		"ask":       q.Ask,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *stub) handleHistory(w http.ResponseWriter, r *http.Request, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.quoteBySymbol[symbol]
	if !ok {
		http.Error(w, "unknown symbol", http.StatusNotFound)
		return
	}
	q := s.state.Quotes[i]
	bars := make([]map[string]any, 20)
	for d := range bars {
		bars[d] = map[string]any{
			"date":   time.Now().UTC().AddDate(0, 0, d-len(bars)).Format("2006-01-02"),
			"close":  q.Last,
			"volume": q.ADV,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bars": bars})
}

func (s *stub) handleWhatIf(w http.ResponseWriter, r *http.Request) {
	var order struct {
		Symbol   string  `json:"symbol"`
		Quantity float64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last := 0.0
	if i, ok := s.quoteBySymbol[order.Symbol]; ok {
		last = s.state.Quotes[i].Last
	}
	notional := order.Quantity * last
	writeJSON(w, http.StatusOK, map[string]any{
		"equity":      map[string]any{"amount": s.state.Summary.NetLiquidation, "currency": "USD"},
		"initial":     map[string]any{"amount": notional * 0.25, "currency": "USD"},
		"maintenance": map[string]any{"amount": notional * 0.20, "currency": "USD"},
	})
}

func (s *stub) handlePlace(w http.ResponseWriter, r *http.Request) {
	var order struct {
		Symbol   string  `json:"symbol"`
		Side     string  `json:"side"`
		Quantity float64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	key := r.Header.Get("X-Idempotency-Key")

	s.mu.Lock()
	defer s.mu.Unlock()
	if key != "" {
		if id, seen := s.byKey[key]; seen {
			o := s.orders[id]
			log.Printf("duplicate placement for key %s, returning existing order %s", key, id)
			writeJSON(w, http.StatusOK, map[string]any{
				"order_id": o.ID, "local_order_id": key, "status": o.Status,
			})
			return
		}
	}
	s.nextID++
	o := &stubOrder{
		ID:       fmt.Sprintf("stub-%06d", s.nextID),
		Key:      key,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: order.Quantity,
		Status:   "submitted",
	}
	s.orders[o.ID] = o
	if key != "" {
		s.byKey[key] = o.ID
	}
	log.Printf("order placed: %s %s %.0f %s", o.ID, o.Side, o.Quantity, o.Symbol)
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": o.ID, "local_order_id": key, "status": o.Status,
	})
}

func (s *stub) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		if mapped, seen := s.byKey[id]; seen {
			o = s.orders[mapped]
		} else {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
	}
	if o.Status == "submitted" {
		o.Polls++
		if o.Polls > s.fillAfter {
			o.Status = "filled"
			o.Filled = o.Quantity
		}
	}
	last := 0.0
	if i, seen := s.quoteBySymbol[o.Symbol]; seen {
		last = s.state.Quotes[i].Last
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":        o.ID,
		"status":          o.Status,
		"filled_quantity": o.Filled,
		"remaining":       o.Quantity - o.Filled,
		"avg_fill_price":  last,
	})
}

func (s *stub) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if o.Status == "submitted" {
		o.Status = "cancelled"
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": o.ID, "status": o.Status})
}

func (s *stub) route(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/api")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case path == "/session" && r.Method == http.MethodPost:
		s.handleSession(w, r)
		return
	case path == "/tickle" && r.Method == http.MethodPost:
		s.handleTickle(w, r)
		return
	case path == "/logout" && r.Method == http.MethodPost:
		s.handleLogout(w, r)
		return
	}

	if !s.authed(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case len(parts) == 3 && parts[0] == "portfolio" && parts[2] == "positions":
		s.handlePositions(w, r)
	case len(parts) == 3 && parts[0] == "portfolio" && parts[2] == "summary":
		s.handleSummary(w, r)
	case len(parts) == 3 && parts[0] == "marketdata" && parts[2] == "snapshot":
		s.handleSnapshot(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "marketdata" && parts[2] == "history":
		s.handleHistory(w, r, parts[1])
	case len(parts) == 4 && parts[0] == "account" && parts[2] == "orders" && parts[3] == "whatif":
		s.handleWhatIf(w, r)
	case len(parts) == 3 && parts[0] == "account" && parts[2] == "orders" && r.Method == http.MethodPost:
		s.handlePlace(w, r)
	case len(parts) == 3 && parts[0] == "order" && parts[2] == "status":
		s.handleStatus(w, r, parts[1])
	case len(parts) == 4 && parts[0] == "account" && parts[2] == "order" && r.Method == http.MethodDelete:
		s.handleCancel(w, r, parts[3])
	default:
		http.NotFound(w, r)
	}
}

func main() {
	addr := flag.String("addr", ":8765", "listen address")
	statePath := flag.String("state", "data/paper_state.yaml", "seed state file")
	ttlSeconds := flag.Int("ttl", 600, "session ttl seconds")
	fillAfter := flag.Int("fill-after-polls", 1, "status polls before an order fills")
	flag.Parse()

	b, err := os.ReadFile(*statePath)
	if err != nil {
		log.Fatalf("read state: %v", err)
	}
	var state stateFile
	if err := yaml.Unmarshal(b, &state); err != nil {
		log.Fatalf("parse state: %v", err)
	}

	s := newStub(state, time.Duration(*ttlSeconds)*time.Second, *fillAfter)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/", s.route)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	log.Printf("gateway stub listening on %s (state: %s)", *addr, *statePath)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
