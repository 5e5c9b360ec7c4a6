// Package profitability decides whether a capital move pays for itself.
//
// Evaluate is pure: the same input always yields the same verdict. A rejected
// move is a value with reasons, not an error.
package profitability

import (
	"fmt"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	hundred    = decimal.NewFromInt(100)
	daysInYear = decimal.NewFromInt(365)
)

// Costs are the one-off execution costs of a move, in USD
type Costs struct {
	GasWithdraw decimal.Decimal
	GasApprove  decimal.Decimal
	GasSwap     decimal.Decimal
	GasDeposit  decimal.Decimal
	Slippage    decimal.Decimal
}

// Total sums the costs; swap gas only counts when a swap is needed
func (c Costs) Total(requiresSwap bool) decimal.Decimal {
	total := c.GasWithdraw.Add(c.GasApprove).Add(c.GasDeposit).Add(c.Slippage)
	if requiresSwap {
		total = total.Add(c.GasSwap)
	}
	return total
}

// Input describes one candidate move
type Input struct {
	CurrentAPY         decimal.Decimal // percent
	TargetAPY          decimal.Decimal // percent
	PositionSizeUSD    decimal.Decimal
	ProtocolFeePercent decimal.Decimal
	Costs              Costs
	RequiresSwap       bool
}

// Thresholds are the configurable gate limits
type Thresholds struct {
	MinAnnualGainUSD decimal.Decimal
	MaxBreakEvenDays decimal.Decimal
	MaxCostFraction  decimal.Decimal // 0.01 = 1% of position size
}

// Gate evaluates moves against Thresholds
type Gate struct {
	thresholds Thresholds
}

// NewGate creates a gate
func NewGate(t Thresholds) *Gate {
	return &Gate{thresholds: t}
}

// Thresholds returns the configured limits
func (g *Gate) Thresholds() Thresholds {
	return g.thresholds
}

// Evaluate computes the economics of a move and applies all four gates.
// Every failing gate contributes its own reason.
func (g *Gate) Evaluate(in Input) domain.MoveProfitability {
	gap := in.TargetAPY.Sub(in.CurrentAPY)
	annualGross := in.PositionSizeUSD.Mul(gap).Div(hundred)
	daily := annualGross.Div(daysInYear)

	fee := in.PositionSizeUSD.Mul(in.ProtocolFeePercent).Div(hundred)
	cost := in.Costs.Total(in.RequiresSwap).Add(fee)
	annual := annualGross.Sub(cost)

	result := domain.MoveProfitability{
		DailyGrossGainUSD: daily,
		AnnualGainUSD:     annual,
		TotalCostUSD:      cost,
		RejectionReasons:  []string{},
	}

	if daily.IsPositive() {
		result.BreakEvenDays = cost.Div(daily)
	} else {
		result.NeverBreaksEven = true
	}
	if cost.IsPositive() {
		result.ROIOnCostsPercent = annual.Div(cost).Mul(hundred)
	}

	if !in.TargetAPY.GreaterThan(in.CurrentAPY) {
		result.RejectionReasons = append(result.RejectionReasons,
			fmt.Sprintf("no APY improvement: target %s%% vs current %s%%", in.TargetAPY, in.CurrentAPY))
	}
	if annual.LessThan(g.thresholds.MinAnnualGainUSD) {
		result.RejectionReasons = append(result.RejectionReasons,
			fmt.Sprintf("annual gain $%s below minimum $%s", annual.StringFixed(2), g.thresholds.MinAnnualGainUSD))
	}
	switch {
	case result.NeverBreaksEven:
		result.RejectionReasons = append(result.RejectionReasons, "move never breaks even")
	case result.BreakEvenDays.GreaterThan(g.thresholds.MaxBreakEvenDays):
		result.RejectionReasons = append(result.RejectionReasons,
			fmt.Sprintf("break-even %s days exceeds maximum %s days",
				result.BreakEvenDays.StringFixed(1), g.thresholds.MaxBreakEvenDays))
	}
	if !in.PositionSizeUSD.IsPositive() {
		result.RejectionReasons = append(result.RejectionReasons, "position size must be positive")
	} else if fraction := cost.Div(in.PositionSizeUSD); fraction.GreaterThan(g.thresholds.MaxCostFraction) {
		result.RejectionReasons = append(result.RejectionReasons,
			fmt.Sprintf("cost is %s%% of position, above maximum %s%%",
				fraction.Mul(hundred).StringFixed(3), g.thresholds.MaxCostFraction.Mul(hundred)))
	}

	result.IsProfitable = len(result.RejectionReasons) == 0
	return result
}
