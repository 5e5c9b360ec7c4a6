package profitability

import "github.com/shopspring/decimal"

var basisPoints = decimal.NewFromInt(10_000)

// Move is what a cost model needs to price an execution
type Move struct {
	SizeUSD      decimal.Decimal
	NewDeposit   bool // no withdrawal step
	RequiresSwap bool
}

// CostModel estimates execution costs for a move
type CostModel interface {
	Estimate(m Move) Costs
}

// StaticCostModel charges fixed USD gas per step plus proportional slippage
type StaticCostModel struct {
	GasWithdrawUSD decimal.Decimal
	GasApproveUSD  decimal.Decimal
	GasSwapUSD     decimal.Decimal
	GasDepositUSD  decimal.Decimal
	SlippageBps    decimal.Decimal
}

// Estimate implements CostModel
func (s StaticCostModel) Estimate(m Move) Costs {
	c := Costs{
		GasApprove: s.GasApproveUSD,
		GasDeposit: s.GasDepositUSD,
		Slippage:   m.SizeUSD.Mul(s.SlippageBps).Div(basisPoints),
	}
	if !m.NewDeposit {
		c.GasWithdraw = s.GasWithdrawUSD
	}
	if m.RequiresSwap {
		c.GasSwap = s.GasSwapUSD
	}
	return c
}

// FlatCostModel charges the same total cost for every move.
// The whole amount is booked as deposit gas.
type FlatCostModel struct {
	TotalUSD decimal.Decimal
}

// Estimate implements CostModel
func (f FlatCostModel) Estimate(Move) Costs {
	return Costs{GasDeposit: f.TotalUSD}
}
