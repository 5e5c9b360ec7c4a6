package profitability

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func worked() Thresholds {
	return Thresholds{
		MinAnnualGainUSD: d("2"),
		MaxBreakEvenDays: d("30"),
		MaxCostFraction:  d("0.01"),
	}
}

func cents(total string) Costs {
	return FlatCostModel{TotalUSD: d(total)}.Estimate(Move{})
}

func TestEvaluate_WorkedScenarioProfitable(t *testing.T) {
	g := NewGate(worked())

	res := g.Evaluate(Input{
		CurrentAPY:      d("3.27"),
		TargetAPY:       d("5.00"),
		PositionSizeUSD: d("200"),
		Costs:           cents("0.01"),
	})

	assert.True(t, res.IsProfitable)
	assert.Empty(t, res.RejectionReasons)
	assert.InDelta(t, 3.45, res.AnnualGainUSD.InexactFloat64(), 0.01)
	assert.InDelta(t, 1.05, res.BreakEvenDays.InexactFloat64(), 0.01)
	assert.True(t, res.TotalCostUSD.Equal(d("0.01")))
	assert.False(t, res.NeverBreaksEven)
	assert.True(t, res.ROIOnCostsPercent.GreaterThan(d("34000")))
}

func TestEvaluate_WorkedScenarioCongestedChain(t *testing.T) {
	g := NewGate(worked())

	res := g.Evaluate(Input{
		CurrentAPY:      d("3.27"),
		TargetAPY:       d("5.00"),
		PositionSizeUSD: d("200"),
		Costs:           cents("50"),
	})

	assert.False(t, res.IsProfitable)
	assert.True(t, res.BreakEvenDays.GreaterThan(d("5000")))
	assert.Len(t, res.RejectionReasons, 3, "gain, break-even and cost fraction all fail")
	assert.Contains(t, res.RejectionReasons[0], "annual gain")
	assert.Contains(t, res.RejectionReasons[1], "break-even")
	assert.Contains(t, res.RejectionReasons[2], "cost is")
}

// Each case flips exactly one gate from a passing baseline.
func TestEvaluate_EachGateFlipsVerdictWithDistinctReason(t *testing.T) {
	base := Input{
		CurrentAPY:      d("3"),
		TargetAPY:       d("8"),
		PositionSizeUSD: d("10000"),
		Costs:           cents("5"),
	}
	thresholds := Thresholds{MinAnnualGainUSD: d("10"), MaxBreakEvenDays: d("30"), MaxCostFraction: d("0.01")}
	require.True(t, NewGate(thresholds).Evaluate(base).IsProfitable)

	tests := []struct {
		name       string
		mutate     func(*Input, *Thresholds)
		wantReason string
	}{
		{
			name:       "no APY improvement",
			mutate:     func(in *Input, _ *Thresholds) { in.TargetAPY = in.CurrentAPY },
			wantReason: "no APY improvement",
		},
		{
			name:       "annual gain below minimum",
			mutate:     func(_ *Input, th *Thresholds) { th.MinAnnualGainUSD = d("1000") },
			wantReason: "annual gain",
		},
		{
			name:       "break-even too slow",
			mutate:     func(_ *Input, th *Thresholds) { th.MaxBreakEvenDays = d("1") },
			wantReason: "break-even",
		},
		{
			name:       "cost fraction too high",
			mutate:     func(_ *Input, th *Thresholds) { th.MaxCostFraction = d("0.0001") },
			wantReason: "cost is",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, th := base, thresholds
			tt.mutate(&in, &th)

			res := NewGate(th).Evaluate(in)

			assert.False(t, res.IsProfitable)
			require.NotEmpty(t, res.RejectionReasons)
			found := false
			for _, r := range res.RejectionReasons {
				if strings.Contains(r, tt.wantReason) {
					found = true
				}
			}
			assert.True(t, found, "reasons %v should mention %q", res.RejectionReasons, tt.wantReason)
		})
	}
}

func TestEvaluate_NegativeGapNeverBreaksEven(t *testing.T) {
	res := NewGate(worked()).Evaluate(Input{
		CurrentAPY:      d("5"),
		TargetAPY:       d("4"),
		PositionSizeUSD: d("1000"),
		Costs:           cents("0.01"),
	})

	assert.False(t, res.IsProfitable)
	assert.True(t, res.NeverBreaksEven)
	assert.Contains(t, res.RejectionReasons, "move never breaks even")
}

func TestEvaluate_ZeroSizeIsRejected(t *testing.T) {
	res := NewGate(worked()).Evaluate(Input{
		CurrentAPY: d("1"),
		TargetAPY:  d("5"),
		Costs:      cents("0.01"),
	})

	assert.False(t, res.IsProfitable)
	assert.Contains(t, res.RejectionReasons, "position size must be positive")
}

func TestEvaluate_SwapAndProtocolFeeAddToCost(t *testing.T) {
	g := NewGate(worked())
	costs := Costs{GasWithdraw: d("1"), GasApprove: d("1"), GasSwap: d("2"), GasDeposit: d("1"), Slippage: d("0.5")}

	noSwap := g.Evaluate(Input{CurrentAPY: d("1"), TargetAPY: d("5"), PositionSizeUSD: d("1000"), Costs: costs})
	swap := g.Evaluate(Input{CurrentAPY: d("1"), TargetAPY: d("5"), PositionSizeUSD: d("1000"), Costs: costs,
		RequiresSwap: true, ProtocolFeePercent: d("0.1")})

	assert.True(t, noSwap.TotalCostUSD.Equal(d("3.5")))
	assert.True(t, swap.TotalCostUSD.Equal(d("6.5")), "3.5 + 2 swap + 1 fee, got %s", swap.TotalCostUSD)
}

func TestEvaluate_IsPure(t *testing.T) {
	g := NewGate(worked())
	in := Input{CurrentAPY: d("3.27"), TargetAPY: d("5"), PositionSizeUSD: d("200"), Costs: cents("0.01")}

	assert.Equal(t, g.Evaluate(in), g.Evaluate(in))
}

func TestStaticCostModel(t *testing.T) {
	m := StaticCostModel{
		GasWithdrawUSD: d("0.05"),
		GasApproveUSD:  d("0.02"),
		GasSwapUSD:     d("0.10"),
		GasDepositUSD:  d("0.05"),
		SlippageBps:    d("5"),
	}

	move := m.Estimate(Move{SizeUSD: d("1000")})
	assert.True(t, move.Total(false).Equal(d("0.62")), "0.12 gas + 0.5 slippage, got %s", move.Total(false))

	fresh := m.Estimate(Move{SizeUSD: d("1000"), NewDeposit: true})
	assert.True(t, fresh.GasWithdraw.IsZero())

	swap := m.Estimate(Move{SizeUSD: d("1000"), RequiresSwap: true})
	assert.True(t, swap.Total(true).Equal(d("0.72")))
}
