package whatif

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
	"github.com/Rajchodisetti/rebalance-executor/internal/portfolio"
	"github.com/Rajchodisetti/rebalance-executor/internal/risk"
)

// blockingWarnTerms mark gateway warnings that mean the real order would
// be refused or would breach margin, as opposed to informational notices.
var blockingWarnTerms = []string{
	"insufficient",
	"exceeds",
	"margin call",
	"not enough",
	"restricted",
}

// Validator runs the gateway's pre-trade simulation for each approved
// order. No order is submitted without a clean simulation verdict; a
// failed simulation call counts as a negative verdict, not a retry.
type Validator struct {
	gw      broker.Gateway
	account string
	log     zerolog.Logger
}

func NewValidator(gw broker.Gateway, account string, log zerolog.Logger) *Validator {
	return &Validator{
		gw:      gw,
		account: account,
		log:     log.With().Str("component", "whatif").Logger(),
	}
}

// Check simulates every order and splits them into passed and rejected.
// Each input order lands in exactly one of the two.
func (v *Validator) Check(ctx context.Context, orders []broker.CandidateOrder, snap *portfolio.Snapshot) ([]broker.CandidateOrder, []risk.Rejection) {
	var passed []broker.CandidateOrder
	var rejections []risk.Rejection

	for _, order := range orders {
		if rej := v.checkOne(ctx, order, snap); rej != nil {
			rejections = append(rejections, *rej)
			v.log.Warn().
				Str("symbol", order.Symbol).
				Str("code", rej.Code).
				Str("reason", rej.Reason).
				Msg("simulation rejected order")
			continue
		}
		passed = append(passed, order)
	}
	return passed, rejections
}

func (v *Validator) checkOne(ctx context.Context, order broker.CandidateOrder, snap *portfolio.Snapshot) *risk.Rejection {
	res, err := v.gw.WhatIf(ctx, v.account, order)
	if err != nil {
		// Transport exhausted its retries. Treating this as a rejection
		// keeps the invariant that nothing reaches the book unsimulated.
		return &risk.Rejection{
			Order:  order,
			Code:   risk.CodeSimulationFailed,
			Reason: fmt.Sprintf("simulation unavailable: %v", err),
		}
	}

	if res.Error != "" {
		return &risk.Rejection{
			Order:  order,
			Code:   risk.CodeSimulationNegative,
			Reason: res.Error,
		}
	}
	if res.Warn != "" && isBlockingWarn(res.Warn) {
		return &risk.Rejection{
			Order:  order,
			Code:   risk.CodeSimulationNegative,
			Reason: res.Warn,
		}
	}

	if order.Side == broker.SideBuy && res.InitialMargin.Set {
		if funds := snap.Summary.AvailableFunds; funds > 0 && res.InitialMargin.Value > funds {
			return &risk.Rejection{
				Order: order,
				Code:  risk.CodeSimulationNegative,
				Reason: fmt.Sprintf("initial margin %.2f exceeds available funds %.2f",
					res.InitialMargin.Value, funds),
			}
		}
	}

	v.log.Debug().
		Str("symbol", order.Symbol).
		Float64("initial_margin", res.InitialMargin.Value).
		Str("warn", res.Warn).
		Msg("simulation passed")
	return nil
}

func isBlockingWarn(warn string) bool {
	w := strings.ToLower(warn)
	for _, term := range blockingWarnTerms {
		if strings.Contains(w, term) {
			return true
		}
	}
	return false
}
