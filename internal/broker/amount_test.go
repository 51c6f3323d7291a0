package broker

import (
	"encoding/json"
	"testing"
)

func TestAmountUnmarshalTolerantForms(t *testing.T) {
	cases := []struct {
		name  string
		input string
		value float64
		set   bool
	}{
		{"bare number", `1234.5`, 1234.5, true},
		{"object amount", `{"amount": 1000.0, "currency": "USD"}`, 1000, true},
		{"object value", `{"value": -42.5, "currency": "EUR"}`, -42.5, true},
		{"formatted string", `"1,234.50 USD"`, 1234.50, true},
		{"negative string", `"-987.25"`, -987.25, true},
		{"null", `null`, 0, false},
		{"empty string", `""`, 0, false},
		{"garbage string", `"N/A"`, 0, false},
	}

	for _, c := range cases {
		var a Amount
		if err := json.Unmarshal([]byte(c.input), &a); err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
			continue
		}
		if a.Set != c.set {
			t.Errorf("%s: Set = %v, want %v", c.name, a.Set, c.set)
			continue
		}
		if c.set && a.Value != c.value {
			t.Errorf("%s: Value = %f, want %f", c.name, a.Value, c.value)
		}
	}
}

func TestAmountRoundTripInWhatIfResult(t *testing.T) {
	payload := `{
		"equity": {"amount": 100000.0, "currency": "USD"},
		"initial": "25,000.00 USD",
		"maintenance": 20000,
		"warn": ""
	}`
	var res WhatIfResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !res.Equity.Set || res.Equity.Value != 100000 {
		t.Errorf("equity parsed wrong: %+v", res.Equity)
	}
	if !res.InitialMargin.Set || res.InitialMargin.Value != 25000 {
		t.Errorf("initial margin parsed wrong: %+v", res.InitialMargin)
	}
	if !res.MaintenanceMargin.Set || res.MaintenanceMargin.Value != 20000 {
		t.Errorf("maintenance margin parsed wrong: %+v", res.MaintenanceMargin)
	}
}
