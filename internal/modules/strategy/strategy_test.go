package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/modules/profitability"
	"github.com/aristath/yieldrouter/internal/modules/risk"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scanTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func q(venue, token, apy, tvl, util string) domain.YieldQuote {
	return domain.YieldQuote{
		ObservedAt:       scanTime,
		Venue:            venue,
		Token:            token,
		SupplyAPY:        d(apy),
		TotalValueLocked: d(tvl),
		Utilization:      d(util),
	}
}

func pos(id int64, venue, token, amount, apy string) domain.Position {
	return domain.Position{
		ID:         id,
		Venue:      venue,
		Token:      token,
		Amount:     d(amount),
		EntryAPY:   d(apy),
		CurrentAPY: d(apy),
		Status:     domain.PositionActive,
		OpenedAt:   scanTime.Add(-24 * time.Hour),
	}
}

func testConfig() Config {
	return Config{
		MinAPYImprovement: d("0.25"),
		MinRebalanceUSD:   d("100"),
		MaxConcentration:  d("0.5"),
		NewCapitalVenues:  3,
	}
}

func build(t *testing.T, name string, cfg Config, totalCost string) Strategy {
	t.Helper()
	gate := profitability.NewGate(profitability.Thresholds{
		MinAnnualGainUSD: d("2"),
		MaxBreakEvenDays: d("30"),
		MaxCostFraction:  d("0.01"),
	})
	assessor := risk.NewAssessor(risk.Config{
		VenueRatings:     map[string]int{"aave": 9, "compound": 8},
		DefaultRating:    5,
		TVLFloorUSD:      d("1000000"),
		TVLComfortUSD:    d("500000000"),
		HighUtilization:  d("0.95"),
		SwapPenalty:      15,
		TargetVenueCount: 3,
	})
	s, err := New(name, cfg, gate, profitability.FlatCostModel{TotalUSD: d(totalCost)}, assessor, nil,
		zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	return s
}

func workedSnapshot() domain.YieldSnapshot {
	return domain.NewYieldSnapshot(scanTime,
		q("aave", "USDC", "3.27", "900000000", "0.72"),
		q("compound", "USDC", "5.00", "400000000", "0.81"),
	)
}

var both = []string{NameYieldMax, NameRiskAdjusted}

func TestProposeForPositions_WorkedScenario(t *testing.T) {
	for _, name := range both {
		t.Run(name, func(t *testing.T) {
			s := build(t, name, testConfig(), "0.01")

			recs := s.ProposeForPositions(context.Background(),
				[]domain.Position{pos(1, "aave", "USDC", "200", "3.27")}, workedSnapshot())

			require.Len(t, recs, 1)
			rec := recs[0]
			assert.Equal(t, "aave", rec.SourceVenue)
			assert.Equal(t, "compound", rec.DestinationVenue)
			assert.True(t, rec.Amount.Equal(d("200")))
			assert.True(t, rec.ExpectedAPY.Equal(d("5")))
			require.NotNil(t, rec.CurrentAPY)
			assert.True(t, rec.CurrentAPY.Equal(d("3.27")))
			assert.True(t, rec.Profitability.IsProfitable)
			assert.InDelta(t, 3.45, rec.Profitability.AnnualGainUSD.InexactFloat64(), 0.01)
			assert.Equal(t, name, rec.Strategy)
			assert.NotEmpty(t, rec.ID)
			assert.NotEmpty(t, rec.Reason)
			assert.False(t, rec.RequiresSwap)
			assert.True(t, rec.ConfidenceScore > 0 && rec.ConfidenceScore <= 100)
		})
	}
}

func TestProposeForPositions_CongestedChainYieldsNothing(t *testing.T) {
	for _, name := range both {
		t.Run(name, func(t *testing.T) {
			s := build(t, name, testConfig(), "50")

			recs := s.ProposeForPositions(context.Background(),
				[]domain.Position{pos(1, "aave", "USDC", "200", "3.27")}, workedSnapshot())

			assert.Empty(t, recs)
		})
	}
}

func TestProposeForPositions_EdgeCases(t *testing.T) {
	closed := pos(2, "aave", "USDC", "500", "3.27")
	closed.Status = domain.PositionClosed

	tests := []struct {
		name      string
		positions []domain.Position
	}{
		{"no positions", nil},
		{"already in best venue", []domain.Position{pos(1, "compound", "USDC", "500", "5")}},
		{"below minimum rebalance size", []domain.Position{pos(1, "aave", "USDC", "50", "3.27")}},
		{"closed position", []domain.Position{closed}},
		{"token without price", []domain.Position{pos(1, "aave", "WIF", "500", "3.27")}},
		{"token not in snapshot", []domain.Position{pos(1, "aave", "DAI", "500", "3.27")}},
	}

	for _, name := range both {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				s := build(t, name, testConfig(), "0.01")
				recs := s.ProposeForPositions(context.Background(), tt.positions, workedSnapshot())
				assert.NotNil(t, recs)
				assert.Empty(t, recs)
			})
		}
	}
}

func TestProposeForPositions_MinimumImprovement(t *testing.T) {
	snap := domain.NewYieldSnapshot(scanTime,
		q("aave", "USDC", "3.27", "900000000", "0.72"),
		q("compound", "USDC", "3.40", "400000000", "0.81"),
	)
	for _, name := range both {
		s := build(t, name, testConfig(), "0.01")
		assert.Empty(t, s.ProposeForPositions(context.Background(),
			[]domain.Position{pos(1, "aave", "USDC", "100000", "3.27")}, snap), name)
	}
}

func TestProposeForPositions_AmountNeverExceedsPosition(t *testing.T) {
	positions := []domain.Position{
		pos(1, "aave", "USDC", "200", "3.27"),
		pos(2, "aave", "USDC", "12345.678901", "3.27"),
		pos(3, "spark", "USDC", "1000", "2"),
	}
	snap := workedSnapshot().Merge(domain.NewYieldSnapshot(scanTime, q("spark", "USDC", "2", "600000000", "0.5")))

	for _, name := range both {
		s := build(t, name, testConfig(), "0.01")
		recs := s.ProposeForPositions(context.Background(), positions, snap)
		require.Len(t, recs, 3, name)
		for _, rec := range recs {
			bounded := false
			for _, p := range positions {
				if p.Venue == rec.SourceVenue && p.Token == rec.Token && rec.Amount.LessThanOrEqual(p.Amount) {
					bounded = true
				}
			}
			assert.True(t, bounded, "%s: %s from %s exceeds every source position", name, rec.Amount, rec.SourceVenue)
		}
	}
}

func TestProposeForPositions_TieBreaks(t *testing.T) {
	t.Run("equal yield prefers lower risk", func(t *testing.T) {
		snap := domain.NewYieldSnapshot(scanTime,
			q("aave", "USDC", "6", "900000000", "0.72"),
			q("newcomer", "USDC", "6", "900000000", "0.72"),
			q("spark", "USDC", "2", "900000000", "0.5"),
		)
		s := build(t, NameYieldMax, testConfig(), "0.01")
		recs := s.ProposeForPositions(context.Background(), []domain.Position{pos(1, "spark", "USDC", "1000", "2")}, snap)
		require.Len(t, recs, 1)
		assert.Equal(t, "aave", recs[0].DestinationVenue)
	})

	t.Run("equal yield and risk prefers larger TVL", func(t *testing.T) {
		snap := domain.NewYieldSnapshot(scanTime,
			q("alpha", "USDC", "6", "600000000", "0.5"),
			q("beta", "USDC", "6", "800000000", "0.5"),
			q("spark", "USDC", "2", "900000000", "0.5"),
		)
		s := build(t, NameYieldMax, testConfig(), "0.01")
		recs := s.ProposeForPositions(context.Background(), []domain.Position{pos(1, "spark", "USDC", "1000", "2")}, snap)
		require.Len(t, recs, 1)
		assert.Equal(t, "beta", recs[0].DestinationVenue)
	})
}

func TestRiskAdjusted_SkipsRiskyTopCandidate(t *testing.T) {
	snap := workedSnapshot().Merge(domain.NewYieldSnapshot(scanTime,
		q("degen", "USDC", "12", "500000", "0.97"),
	))
	positions := []domain.Position{pos(1, "aave", "USDC", "200", "3.27")}

	yieldMax := build(t, NameYieldMax, testConfig(), "0.01").ProposeForPositions(context.Background(), positions, snap)
	riskAdj := build(t, NameRiskAdjusted, testConfig(), "0.01").ProposeForPositions(context.Background(), positions, snap)

	require.Len(t, yieldMax, 1)
	assert.Equal(t, "degen", yieldMax[0].DestinationVenue)
	require.Len(t, riskAdj, 1)
	assert.Equal(t, "compound", riskAdj[0].DestinationVenue)
}

func TestRiskAdjusted_HighRiskRequiresOptIn(t *testing.T) {
	// default rating, thin TVL and busy pool: HIGH but not CRITICAL
	snap := domain.NewYieldSnapshot(scanTime,
		q("aave", "USDC", "3.27", "900000000", "0.72"),
		q("midcap", "USDC", "9", "5000000", "0.8"),
	)
	positions := []domain.Position{pos(1, "aave", "USDC", "200", "3.27")}

	assert.Empty(t, build(t, NameRiskAdjusted, testConfig(), "0.01").ProposeForPositions(context.Background(), positions, snap))

	cfg := testConfig()
	cfg.AllowHighRisk = true
	recs := build(t, NameRiskAdjusted, cfg, "0.01").ProposeForPositions(context.Background(), positions, snap)
	require.Len(t, recs, 1)
	assert.Equal(t, "midcap", recs[0].DestinationVenue)
}

func TestProposeForPositions_SortedByConfidence(t *testing.T) {
	snap := workedSnapshot().Merge(domain.NewYieldSnapshot(scanTime,
		q("aave", "DAI", "2", "900000000", "0.6"),
		q("compound", "DAI", "7", "900000000", "0.6"),
	))
	positions := []domain.Position{
		pos(1, "aave", "USDC", "200", "3.27"),
		pos(2, "aave", "DAI", "100000", "2"),
	}

	for _, name := range both {
		recs := build(t, name, testConfig(), "0.01").ProposeForPositions(context.Background(), positions, snap)
		require.Len(t, recs, 2, name)
		assert.Equal(t, "DAI", recs[0].Token, name)
		assert.GreaterOrEqual(t, recs[0].ConfidenceScore, recs[1].ConfidenceScore)
	}
}

func TestYieldMaximizer_NewCapitalAllInBestVenue(t *testing.T) {
	s := build(t, NameYieldMax, testConfig(), "0.01")

	alloc := s.ProposeForNewCapital(context.Background(), "USDC", d("1000"), workedSnapshot())

	require.Len(t, alloc, 1)
	assert.True(t, alloc["compound"].Equal(d("1000")))
}

func TestRiskAdjusted_NewCapitalSplitAndCapped(t *testing.T) {
	snap := domain.NewYieldSnapshot(scanTime,
		q("aave", "USDC", "10", "900000000", "0.6"),
		q("compound", "USDC", "2", "900000000", "0.6"),
		q("spark", "USDC", "1", "900000000", "0.6"),
	)
	s := build(t, NameRiskAdjusted, testConfig(), "0.01")

	alloc := s.ProposeForNewCapital(context.Background(), "USDC", d("1000"), snap)

	require.Len(t, alloc, 3)
	assert.True(t, alloc["aave"].Equal(d("500")), "capped at half, got %s", alloc["aave"])
	assert.InDelta(t, 333.33, alloc["compound"].InexactFloat64(), 0.01)
	assert.InDelta(t, 166.67, alloc["spark"].InexactFloat64(), 0.01)

	total := decimal.Zero
	for _, v := range alloc {
		total = total.Add(v)
	}
	assert.True(t, total.LessThanOrEqual(d("1000")))
}

func TestRiskAdjusted_NewCapitalLeavesRemainderIdle(t *testing.T) {
	snap := domain.NewYieldSnapshot(scanTime, q("aave", "USDC", "4", "900000000", "0.6"))
	s := build(t, NameRiskAdjusted, testConfig(), "0.01")

	alloc := s.ProposeForNewCapital(context.Background(), "USDC", d("1000"), snap)

	require.Len(t, alloc, 1)
	assert.True(t, alloc["aave"].Equal(d("500")))
}

func TestProposeForNewCapital_NothingProfitable(t *testing.T) {
	for _, name := range both {
		s := build(t, name, testConfig(), "50")
		assert.Empty(t, s.ProposeForNewCapital(context.Background(), "USDC", d("200"), workedSnapshot()), name)
		assert.Empty(t, s.ProposeForNewCapital(context.Background(), "USDC", decimal.Zero, workedSnapshot()), name)
	}
}

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New("martingale", testConfig(), nil, nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestStaticPricer(t *testing.T) {
	p := DefaultPricer()

	price, ok := p.PriceUSD("usdc")
	assert.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(1)))

	_, ok = p.PriceUSD("ETH")
	assert.False(t, ok)
}

func TestRiskAdjusted_BatchConcentrationAccountsForEarlierMoves(t *testing.T) {
	snap := domain.NewYieldSnapshot(scanTime,
		q("aave", "USDC", "3", "900000000", "0.5"),
		q("spark", "USDC", "3", "900000000", "0.5"),
		q("morpho", "USDC", "3", "900000000", "0.5"),
		q("compound", "USDC", "6", "900000000", "0.5"),
	)
	positions := []domain.Position{
		pos(1, "aave", "USDC", "1000", "3"),
		pos(2, "spark", "USDC", "1000", "3"),
		pos(3, "morpho", "USDC", "1000", "3"),
	}

	recs := build(t, NameRiskAdjusted, testConfig(), "0.01").ProposeForPositions(context.Background(), positions, snap)

	require.Len(t, recs, 2)
	holdings := []risk.Holding{
		{Venue: "aave", ValueUSD: d("1000")},
		{Venue: "spark", ValueUSD: d("1000")},
		{Venue: "morpho", ValueUSD: d("1000")},
	}
	for _, rec := range recs {
		assert.Equal(t, "compound", rec.DestinationVenue)
		assert.NotEqual(t, "morpho", rec.SourceVenue)
		holdings = applyMove(holdings, rec.SourceVenue, rec.DestinationVenue, rec.Amount)
	}

	assessor := risk.NewAssessor(risk.Config{TargetVenueCount: 3})
	after := assessor.AssessConcentration(holdings, risk.Reallocation{})
	assert.NotEqual(t, domain.RiskCritical, after.Level)

	// yield-max has no concentration gate and moves all three
	assert.Len(t, build(t, NameYieldMax, testConfig(), "0.01").ProposeForPositions(context.Background(), positions, snap), 3)
}

func TestProposeForPositions_ImprovementMustExceedMinimum(t *testing.T) {
	snap := domain.NewYieldSnapshot(scanTime,
		q("aave", "USDC", "3.00", "900000000", "0.5"),
		q("compound", "USDC", "3.25", "900000000", "0.5"),
	)
	positions := []domain.Position{pos(1, "aave", "USDC", "100000", "3")}

	for _, name := range both {
		s := build(t, name, testConfig(), "0.01")
		assert.Empty(t, s.ProposeForPositions(context.Background(), positions, snap), name)

		cfg := testConfig()
		cfg.MinAPYImprovement = d("0.24")
		assert.Len(t, build(t, name, cfg, "0.01").ProposeForPositions(context.Background(), positions, snap), 1, name)
	}
}
