package broker

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Amount tolerates the gateway's inconsistent money encodings: a bare
// number, a formatted string ("1,234.50 USD"), or an object like
// {"amount": 1000.0, "currency": "USD"}.
type Amount struct {
	Value    float64
	Currency string
	Set      bool
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		a.Value = f
		a.Set = true
		return nil
	}

	var obj struct {
		Amount   *float64 `json:"amount"`
		Value    *float64 `json:"value"`
		Currency string   `json:"currency"`
	}
	if err := json.Unmarshal(b, &obj); err == nil {
		a.Currency = obj.Currency
		if obj.Amount != nil {
			a.Value = *obj.Amount
			a.Set = true
			return nil
		}
		if obj.Value != nil {
			a.Value = *obj.Value
			a.Set = true
			return nil
		}
	}

	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		clean := strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '.' || r == '-' {
				return r
			}
			return -1
		}, str)
		if clean == "" || clean == "-" {
			return nil
		}
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return nil // unparseable amounts are treated as absent, not fatal
		}
		a.Value = f
		a.Set = true
		return nil
	}

	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.Set {
		return []byte("null"), nil
	}
	return json.Marshal(a.Value)
}
