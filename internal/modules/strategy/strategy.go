// Package strategy turns a yield snapshot and current positions into
// candidate moves.
//
// Two interchangeable variants exist: YieldMaximizer takes the single best
// venue, RiskAdjusted takes the best venue that also clears the risk gates.
package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/modules/profitability"
	"github.com/aristath/yieldrouter/internal/modules/risk"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Strategy names accepted by New
const (
	NameYieldMax     = "yield_max"
	NameRiskAdjusted = "risk_adjusted"
)

// Strategy proposes moves for existing positions and splits idle capital
type Strategy interface {
	Name() string
	ProposeForPositions(ctx context.Context, positions []domain.Position, snapshot domain.YieldSnapshot) []domain.RebalanceRecommendation
	// ProposeForNewCapital returns venue -> token amount; the sum never exceeds amount
	ProposeForNewCapital(ctx context.Context, token string, amount decimal.Decimal, snapshot domain.YieldSnapshot) map[string]decimal.Decimal
}

// Config tunes both strategies
type Config struct {
	MinAPYImprovement  decimal.Decimal // percentage points; the gap must exceed it
	MinRebalanceUSD    decimal.Decimal
	MaxConcentration   decimal.Decimal // max fraction of new capital per venue
	NewCapitalVenues   int
	ProtocolFeePercent decimal.Decimal
	AllowHighRisk      bool
}

// New builds the strategy registered under name
func New(name string, cfg Config, gate *profitability.Gate, costs profitability.CostModel,
	assessor *risk.Assessor, pricer Pricer, log zerolog.Logger) (Strategy, error) {
	b := newBase(name, cfg, gate, costs, assessor, pricer, log)
	switch name {
	case NameYieldMax:
		return &YieldMaximizer{base: b}, nil
	case NameRiskAdjusted:
		return &RiskAdjusted{base: b}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// base holds what both variants share
type base struct {
	name     string
	cfg      Config
	gate     *profitability.Gate
	costs    profitability.CostModel
	assessor *risk.Assessor
	pricer   Pricer
	now      func() time.Time
	log      zerolog.Logger
}

func newBase(name string, cfg Config, gate *profitability.Gate, costs profitability.CostModel,
	assessor *risk.Assessor, pricer Pricer, log zerolog.Logger) base {
	if pricer == nil {
		pricer = DefaultPricer()
	}
	if cfg.NewCapitalVenues < 1 {
		cfg.NewCapitalVenues = 1
	}
	return base{
		name:     name,
		cfg:      cfg,
		gate:     gate,
		costs:    costs,
		assessor: assessor,
		pricer:   pricer,
		now:      time.Now,
		log:      log.With().Str("component", "strategy").Str("strategy", name).Logger(),
	}
}

// Name returns the strategy identifier
func (b *base) Name() string {
	return b.name
}

// SetClock overrides the time source for recommendation timestamps
func (b *base) SetClock(now func() time.Time) {
	b.now = now
}

// rank orders quotes by APY desc, then venue risk asc, then TVL desc
func (b *base) rank(quotes []domain.YieldQuote) []domain.YieldQuote {
	scores := make(map[string]int, len(quotes))
	for _, q := range quotes {
		scores[q.Venue] = b.assessor.AssessVenue(q).Score
	}
	ranked := append([]domain.YieldQuote(nil), quotes...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, c := ranked[i], ranked[j]
		if cmp := a.SupplyAPY.Cmp(c.SupplyAPY); cmp != 0 {
			return cmp > 0
		}
		if scores[a.Venue] != scores[c.Venue] {
			return scores[a.Venue] < scores[c.Venue]
		}
		if cmp := a.TotalValueLocked.Cmp(c.TotalValueLocked); cmp != 0 {
			return cmp > 0
		}
		return a.Venue < c.Venue
	})
	return ranked
}

// candidate is a position with its USD value and the APY it earns now
type candidate struct {
	position   domain.Position
	sizeUSD    decimal.Decimal
	currentAPY decimal.Decimal
}

// eligible filters positions down to those worth evaluating
func (b *base) eligible(positions []domain.Position, snapshot domain.YieldSnapshot) []candidate {
	out := make([]candidate, 0, len(positions))
	for _, p := range positions {
		if !p.IsActive() {
			continue
		}
		price, ok := b.pricer.PriceUSD(p.Token)
		if !ok {
			b.log.Warn().Str("token", p.Token).Int64("position_id", p.ID).Msg("No USD price for token, skipping position")
			continue
		}
		size := p.Amount.Mul(price)
		if size.LessThan(b.cfg.MinRebalanceUSD) {
			b.log.Debug().
				Str("venue", p.Venue).
				Str("size_usd", size.StringFixed(2)).
				Msg("Position below minimum rebalance size")
			continue
		}
		current := p.CurrentAPY
		if q, ok := snapshot.Get(p.Venue, p.Token); ok {
			current = q.SupplyAPY
		}
		out = append(out, candidate{position: p, sizeUSD: size, currentAPY: current})
	}
	return out
}

// evaluate runs the profitability gate for moving c into dest
func (b *base) evaluate(c candidate, dest domain.YieldQuote) domain.MoveProfitability {
	return b.gate.Evaluate(profitability.Input{
		CurrentAPY:         c.currentAPY,
		TargetAPY:          dest.SupplyAPY,
		PositionSizeUSD:    c.sizeUSD,
		ProtocolFeePercent: b.cfg.ProtocolFeePercent,
		Costs:              b.costs.Estimate(profitability.Move{SizeUSD: c.sizeUSD}),
	})
}

// evaluateNew runs the gate for a fresh deposit, which earns nothing today
func (b *base) evaluateNew(sizeUSD decimal.Decimal, dest domain.YieldQuote) domain.MoveProfitability {
	return b.gate.Evaluate(profitability.Input{
		CurrentAPY:         decimal.Zero,
		TargetAPY:          dest.SupplyAPY,
		PositionSizeUSD:    sizeUSD,
		ProtocolFeePercent: b.cfg.ProtocolFeePercent,
		Costs:              b.costs.Estimate(profitability.Move{SizeUSD: sizeUSD, NewDeposit: true}),
	})
}

func (b *base) recommend(c candidate, dest domain.YieldQuote, prof domain.MoveProfitability, confidence int) domain.RebalanceRecommendation {
	current := c.currentAPY
	gap := dest.SupplyAPY.Sub(current)
	return domain.RebalanceRecommendation{
		ID:               uuid.NewString(),
		CreatedAt:        b.now(),
		SourceVenue:      c.position.Venue,
		DestinationVenue: dest.Venue,
		Token:            c.position.Token,
		Amount:           c.position.Amount,
		ExpectedAPY:      dest.SupplyAPY,
		CurrentAPY:       &current,
		Reason: fmt.Sprintf("%s%% at %s beats %s%% at %s by %s points, break-even in %s days",
			dest.SupplyAPY, dest.Venue, current, c.position.Venue, gap, prof.BreakEvenDays.StringFixed(1)),
		Strategy:        b.name,
		ConfidenceScore: confidence,
		Profitability:   prof,
	}
}

// roiScore maps ROI-on-costs onto 0-100 logarithmically; 100000% scores 100
func roiScore(prof domain.MoveProfitability) float64 {
	roi := prof.ROIOnCostsPercent.InexactFloat64()
	if prof.TotalCostUSD.IsZero() && prof.IsProfitable {
		return 100
	}
	if roi <= 0 {
		return 0
	}
	return math.Max(0, math.Min(100, math.Log10(1+roi)/5*100))
}

func clampScore(v float64) int {
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

// byConfidence sorts highest confidence first, keeping input order on ties
func byConfidence(recs []domain.RebalanceRecommendation) []domain.RebalanceRecommendation {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].ConfidenceScore > recs[j].ConfidenceScore
	})
	return recs
}
