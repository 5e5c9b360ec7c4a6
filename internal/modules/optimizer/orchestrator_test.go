package optimizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/modules/profitability"
	"github.com/aristath/yieldrouter/internal/modules/risk"
	"github.com/aristath/yieldrouter/internal/modules/scanner"
	"github.com/aristath/yieldrouter/internal/modules/strategy"
	"github.com/aristath/yieldrouter/internal/venue"
	"github.com/aristath/yieldrouter/internal/venue/paper"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type mockAuditSink struct {
	mock.Mock
}

func (m *mockAuditSink) RecordRecommendations(ctx context.Context, recs []domain.RebalanceRecommendation) error {
	args := m.Called(ctx, recs)
	return args.Error(0)
}

func (m *mockAuditSink) RecordExecution(ctx context.Context, exec *domain.RebalanceExecution) error {
	args := m.Called(ctx, exec)
	return args.Error(0)
}

type mockStrategy struct {
	mock.Mock
}

func (m *mockStrategy) Name() string { return "mock" }

func (m *mockStrategy) ProposeForPositions(ctx context.Context, positions []domain.Position, snapshot domain.YieldSnapshot) []domain.RebalanceRecommendation {
	args := m.Called(ctx, positions, snapshot)
	return args.Get(0).([]domain.RebalanceRecommendation)
}

func (m *mockStrategy) ProposeForNewCapital(ctx context.Context, token string, amount decimal.Decimal, snapshot domain.YieldSnapshot) map[string]decimal.Decimal {
	args := m.Called(ctx, token, amount, snapshot)
	return args.Get(0).(map[string]decimal.Decimal)
}

type env struct {
	ledger   *paper.Ledger
	venues   map[string]*paper.Venue
	registry *venue.Registry
	scanner  *scanner.Scanner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ledger := paper.NewLedger()
	venues, err := paper.Configure(ledger,
		"aave:USDC:3.27:900000000:0.72,compound:USDC:5.00:400000000:0.81,aave:DAI:2:900000000:0.6,compound:DAI:2.1:900000000:0.6", "")
	require.NoError(t, err)

	e := &env{ledger: ledger, venues: make(map[string]*paper.Venue), registry: venue.NewRegistry()}
	for _, v := range venues {
		e.venues[v.Name()] = v
		e.registry.Register(v)
	}
	e.scanner = scanner.NewScanner(e.registry, scanner.Config{
		VenueTimeout: time.Second,
		Breaker:      scanner.BreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Minute},
	}, nil, zerolog.Nop())
	return e
}

func realStrategy(t *testing.T) strategy.Strategy {
	t.Helper()
	s, err := strategy.New(strategy.NameRiskAdjusted,
		strategy.Config{MinAPYImprovement: d("0.25"), MinRebalanceUSD: d("100"), MaxConcentration: d("0.5"), NewCapitalVenues: 3},
		profitability.NewGate(profitability.Thresholds{MinAnnualGainUSD: d("2"), MaxBreakEvenDays: d("30"), MaxCostFraction: d("0.01")}),
		profitability.FlatCostModel{TotalUSD: d("0.01")},
		risk.NewAssessor(risk.Config{
			VenueRatings:     map[string]int{"aave": 9, "compound": 8},
			TVLFloorUSD:      d("1000000"),
			TVLComfortUSD:    d("500000000"),
			HighUtilization:  d("0.95"),
			TargetVenueCount: 3,
		}),
		nil, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func position(venue, token, amount, apy string) domain.Position {
	return domain.Position{ID: 1, Venue: venue, Token: token, Amount: d(amount), CurrentAPY: d(apy), Status: domain.PositionActive}
}

func TestFindOpportunities_WorkedScenario(t *testing.T) {
	e := newEnv(t)
	audit := new(mockAuditSink)
	audit.On("RecordRecommendations", mock.Anything, mock.MatchedBy(func(recs []domain.RebalanceRecommendation) bool {
		return len(recs) == 1
	})).Return(nil).Once()

	o := NewOrchestrator(e.scanner, e.registry, realStrategy(t), audit, nil, zerolog.Nop())

	recs, err := o.FindOpportunities(context.Background(), []domain.Position{position("aave", "USDC", "200", "3.27")})

	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "aave", recs[0].SourceVenue)
	assert.Equal(t, "compound", recs[0].DestinationVenue)
	audit.AssertExpectations(t)
}

func TestFindOpportunities_VenueFailureBecomesSkip(t *testing.T) {
	e := newEnv(t)
	e.venues["compound"].FailYield(domain.NewVenueError("compound", "read_yield", domain.ErrKindTimeout, errors.New("deadline")))
	strat := new(mockStrategy)
	strat.On("ProposeForPositions", mock.Anything, mock.Anything, mock.MatchedBy(func(s domain.YieldSnapshot) bool {
		_, hasCompound := s.Get("compound", "USDC")
		_, hasAave := s.Get("aave", "USDC")
		return hasAave && !hasCompound
	})).Return([]domain.RebalanceRecommendation{}).Once()

	o := NewOrchestrator(e.scanner, e.registry, strat, nil, nil, zerolog.Nop())

	recs, err := o.FindOpportunities(context.Background(), []domain.Position{position("aave", "USDC", "200", "3.27")})

	require.NoError(t, err)
	assert.Empty(t, recs)
	strat.AssertExpectations(t)
}

func TestFindOpportunities_ScansEveryTokenAndExtras(t *testing.T) {
	e := newEnv(t)
	strat := new(mockStrategy)
	strat.On("ProposeForPositions", mock.Anything, mock.Anything, mock.MatchedBy(func(s domain.YieldSnapshot) bool {
		return s.Len() == 4
	})).Return([]domain.RebalanceRecommendation{}).Once()

	o := NewOrchestrator(e.scanner, e.registry, strat, nil, []string{"DAI"}, zerolog.Nop())

	_, err := o.FindOpportunities(context.Background(), []domain.Position{position("aave", "USDC", "200", "3.27")})

	require.NoError(t, err)
	strat.AssertExpectations(t)
	assert.Equal(t, 2, e.venues["aave"].ReadCalls())
}

func TestFindOpportunities_NoPositions(t *testing.T) {
	e := newEnv(t)
	strat := new(mockStrategy)
	o := NewOrchestrator(e.scanner, e.registry, strat, nil, nil, zerolog.Nop())

	recs, err := o.FindOpportunities(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, recs)
	strat.AssertNotCalled(t, "ProposeForPositions", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, e.venues["aave"].ReadCalls())
}

func TestFindOpportunities_AuditFailureDoesNotDropRecommendations(t *testing.T) {
	e := newEnv(t)
	audit := new(mockAuditSink)
	audit.On("RecordRecommendations", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	o := NewOrchestrator(e.scanner, e.registry, realStrategy(t), audit, nil, zerolog.Nop())

	recs, err := o.FindOpportunities(context.Background(), []domain.Position{position("aave", "USDC", "200", "3.27")})

	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestFindOpportunities_Cancelled(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(e.scanner, e.registry, new(mockStrategy), nil, nil, zerolog.Nop())

	_, err := o.FindOpportunities(ctx, []domain.Position{position("aave", "USDC", "200", "3.27")})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestProposeNewCapital(t *testing.T) {
	e := newEnv(t)
	o := NewOrchestrator(e.scanner, e.registry, realStrategy(t), nil, nil, zerolog.Nop())

	alloc, err := o.ProposeNewCapital(context.Background(), "USDC", d("1000"))

	require.NoError(t, err)
	assert.Len(t, alloc, 2)
	total := decimal.Zero
	for _, v := range alloc {
		total = total.Add(v)
	}
	assert.True(t, total.LessThanOrEqual(d("1000")))
	assert.Equal(t, strategy.NameRiskAdjusted, o.StrategyName())
}
