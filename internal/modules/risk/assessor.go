// Package risk scores venues, moves and portfolio concentration.
//
// Scores are additive over capped factors, clamped to 0-100 (higher is
// riskier) and banded into levels. All entry points are pure.
package risk

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/shopspring/decimal"
)

// Factor caps
const (
	maxRatingPoints          = 40.0
	maxTVLPoints             = 30.0
	maxUtilizationPoints     = 30.0
	maxSizePoints            = 20.0
	maxDiversificationPoints = 20.0
)

const (
	utilizationComfort  = 0.5    // utilisation at or below this scores nothing
	sizePenaltyBaseUSD  = 1000.0 // moves up to this size carry no size penalty
	sizePointsPerDecade = 5.0
)

// Config tunes the assessor
type Config struct {
	VenueRatings     map[string]int // safety rating 1 (worst) to 10 (best)
	DefaultRating    int
	TVLFloorUSD      decimal.Decimal
	TVLComfortUSD    decimal.Decimal
	HighUtilization  decimal.Decimal
	SwapPenalty      float64
	TargetVenueCount int
}

// MoveInput describes a candidate move for AssessMove
type MoveInput struct {
	Destination  domain.YieldQuote
	AmountUSD    decimal.Decimal
	RequiresSwap bool
}

// Holding is the USD value held in one venue
type Holding struct {
	Venue    string
	ValueUSD decimal.Decimal
}

// Reallocation moves AmountUSD from Source (empty for new capital) to Destination.
// The zero value assesses the portfolio as it stands.
type Reallocation struct {
	Source      string
	Destination string
	AmountUSD   decimal.Decimal
}

// Assessor computes risk assessments
type Assessor struct {
	cfg Config
}

// NewAssessor creates an assessor
func NewAssessor(cfg Config) *Assessor {
	if cfg.DefaultRating == 0 {
		cfg.DefaultRating = 5
	}
	return &Assessor{cfg: cfg}
}

// Rating returns the configured safety rating of a venue, clamped to 1..10
func (a *Assessor) Rating(venue string) int {
	r, ok := a.cfg.VenueRatings[venue]
	if !ok {
		r = a.cfg.DefaultRating
	}
	switch {
	case r < 1:
		return 1
	case r > 10:
		return 10
	}
	return r
}

// AssessVenue scores a venue from its safety rating, TVL and utilisation
func (a *Assessor) AssessVenue(q domain.YieldQuote) domain.RiskAssessment {
	factors := a.venueFactors(q)
	return build(domain.SubjectVenue, q.Venue, factors)
}

// AssessMove scores moving capital into a destination
func (a *Assessor) AssessMove(in MoveInput) domain.RiskAssessment {
	venue := a.venueFactors(in.Destination)
	factors := map[string]float64{
		"destination_venue": venue["venue_rating"] + venue["tvl"] + venue["utilization"],
		"swap":              0,
		"size":              sizePoints(in.AmountUSD),
	}
	if in.RequiresSwap {
		factors["swap"] = a.cfg.SwapPenalty
	}
	return build(domain.SubjectMove, in.Destination.Venue, factors)
}

// AssessConcentration scores the portfolio after applying move. The target is
// the move's destination, or the largest holding when no destination is given.
func (a *Assessor) AssessConcentration(holdings []Holding, move Reallocation) domain.RiskAssessment {
	byVenue := make(map[string]float64, len(holdings)+1)
	for _, h := range holdings {
		byVenue[h.Venue] += h.ValueUSD.InexactFloat64()
	}
	amount := move.AmountUSD.InexactFloat64()
	if move.Source != "" {
		byVenue[move.Source] = math.Max(0, byVenue[move.Source]-amount)
	}
	if move.Destination != "" {
		byVenue[move.Destination] += amount
	}

	venues := make([]string, 0, len(byVenue))
	for v, value := range byVenue {
		if value > 0 {
			venues = append(venues, v)
		}
	}
	sort.Strings(venues)

	target := move.Destination
	share := 0.0
	if len(venues) > 0 {
		values := make([]float64, len(venues))
		for i, v := range venues {
			values[i] = byVenue[v]
		}
		floats.Scale(1/floats.Sum(values), values)
		if target == "" {
			target = venues[floats.MaxIdx(values)]
		}
		if i := sort.SearchStrings(venues, target); i < len(venues) && venues[i] == target {
			share = values[i]
		}
	}

	factors := map[string]float64{
		"concentration":   sharePoints(share),
		"diversification": 0,
	}
	if missing := a.cfg.TargetVenueCount - len(venues); missing > 0 {
		factors["diversification"] = math.Min(maxDiversificationPoints, float64(missing)*10)
	}
	return build(domain.SubjectConcentration, target, factors)
}

// ShouldProceed allows LOW and MEDIUM, HIGH only when opted in, never CRITICAL
func ShouldProceed(a domain.RiskAssessment, allowHighRisk bool) bool {
	switch a.Level {
	case domain.RiskLow, domain.RiskMedium:
		return true
	case domain.RiskHigh:
		return allowHighRisk
	default:
		return false
	}
}

// LevelForScore maps a 0-100 score onto its band
func LevelForScore(score int) domain.RiskLevel {
	switch {
	case score <= 25:
		return domain.RiskLow
	case score <= 50:
		return domain.RiskMedium
	case score <= 75:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

func (a *Assessor) venueFactors(q domain.YieldQuote) map[string]float64 {
	return map[string]float64{
		"venue_rating": float64(10-a.Rating(q.Venue)) / 9 * maxRatingPoints,
		"tvl":          a.tvlPoints(q.TotalValueLocked),
		"utilization":  a.utilizationPoints(q.Utilization),
	}
}

// tvlPoints is max at or below the floor, zero at the comfortable TVL,
// log-interpolated in between.
func (a *Assessor) tvlPoints(tvl decimal.Decimal) float64 {
	if tvl.LessThanOrEqual(a.cfg.TVLFloorUSD) || !tvl.IsPositive() {
		return maxTVLPoints
	}
	if tvl.GreaterThanOrEqual(a.cfg.TVLComfortUSD) {
		return 0
	}
	floor := math.Log(a.cfg.TVLFloorUSD.InexactFloat64())
	comfort := math.Log(a.cfg.TVLComfortUSD.InexactFloat64())
	if comfort <= floor || math.IsInf(floor, -1) {
		return 0
	}
	return maxTVLPoints * (comfort - math.Log(tvl.InexactFloat64())) / (comfort - floor)
}

func (a *Assessor) utilizationPoints(u decimal.Decimal) float64 {
	util := u.InexactFloat64()
	high := a.cfg.HighUtilization.InexactFloat64()
	switch {
	case util >= high:
		return maxUtilizationPoints
	case util <= utilizationComfort:
		return 0
	}
	return maxUtilizationPoints * (util - utilizationComfort) / (high - utilizationComfort)
}

func sizePoints(amount decimal.Decimal) float64 {
	usd := amount.InexactFloat64()
	if usd <= sizePenaltyBaseUSD {
		return 0
	}
	return math.Min(maxSizePoints, math.Log10(usd/sizePenaltyBaseUSD)*sizePointsPerDecade)
}

// sharePoints: nothing up to a quarter, up to 25 at half, then 50-80 above half
func sharePoints(share float64) float64 {
	switch {
	case share <= 0.25:
		return 0
	case share <= 0.5:
		return (share - 0.25) / 0.25 * 25
	default:
		return 50 + (share-0.5)/0.5*30
	}
}

func build(subject domain.RiskSubject, target string, factors map[string]float64) domain.RiskAssessment {
	total := 0.0
	for _, p := range factors {
		total += p
	}
	score := int(math.Round(math.Max(0, math.Min(100, total))))
	level := LevelForScore(score)
	return domain.RiskAssessment{
		Subject:        subject,
		Target:         target,
		Level:          level,
		Score:          score,
		Factors:        factors,
		Recommendation: recommendation(subject, target, level),
	}
}

func recommendation(subject domain.RiskSubject, target string, level domain.RiskLevel) string {
	switch level {
	case domain.RiskLow:
		return fmt.Sprintf("%s %s: acceptable", subject, target)
	case domain.RiskMedium:
		return fmt.Sprintf("%s %s: acceptable, monitor closely", subject, target)
	case domain.RiskHigh:
		return fmt.Sprintf("%s %s: proceed only with explicit high-risk opt-in", subject, target)
	default:
		return fmt.Sprintf("%s %s: do not proceed", subject, target)
	}
}
