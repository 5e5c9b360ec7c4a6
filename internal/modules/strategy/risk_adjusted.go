package strategy

import (
	"context"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/modules/risk"
	"github.com/shopspring/decimal"
)

// allocation precision for new-capital splits, in token decimals
const allocationPlaces = 6

// RiskAdjusted takes the first venue, in yield order, that clears the
// profitability gate, the move risk gate and the concentration gate.
// A CRITICAL concentration is accepted when the move leaves it no worse than
// before, so a single-venue book can still move. Each accepted move is
// applied to the holdings before the next candidate is scored.
type RiskAdjusted struct {
	base
}

// ProposeForPositions emits at most one move per position
func (s *RiskAdjusted) ProposeForPositions(_ context.Context, positions []domain.Position, snapshot domain.YieldSnapshot) []domain.RebalanceRecommendation {
	candidates := s.eligible(positions, snapshot)
	holdings := s.holdings(positions)
	before := s.assessor.AssessConcentration(holdings, risk.Reallocation{})

	recs := make([]domain.RebalanceRecommendation, 0)
	for _, c := range candidates {
		for _, dest := range s.rank(snapshot.ForToken(c.position.Token)) {
			// everything after the current venue yields no more than it
			if dest.Venue == c.position.Venue {
				break
			}
			if dest.SupplyAPY.Sub(c.currentAPY).LessThanOrEqual(s.cfg.MinAPYImprovement) {
				break
			}

			prof := s.evaluate(c, dest)
			if !prof.IsProfitable {
				s.log.Debug().Str("to", dest.Venue).Strs("reasons", prof.RejectionReasons).Msg("Candidate rejected by profitability gate")
				continue
			}

			move := s.assessor.AssessMove(risk.MoveInput{Destination: dest, AmountUSD: c.sizeUSD})
			if !risk.ShouldProceed(move, s.cfg.AllowHighRisk) {
				s.log.Debug().Str("to", dest.Venue).Int("score", move.Score).Str("level", string(move.Level)).Msg("Candidate rejected by move risk")
				continue
			}

			after := s.assessor.AssessConcentration(holdings, risk.Reallocation{
				Source:      c.position.Venue,
				Destination: dest.Venue,
				AmountUSD:   c.sizeUSD,
			})
			// a critical result only blocks moves that make concentration worse
			if after.Level == domain.RiskCritical && after.Score > before.Score {
				s.log.Debug().Str("to", dest.Venue).Int("score", after.Score).Msg("Candidate rejected by concentration risk")
				continue
			}

			confidence := 0.5*roiScore(prof) + 0.5*float64(100-move.Score)
			recs = append(recs, s.recommend(c, dest, prof, clampScore(confidence)))
			holdings = applyMove(holdings, c.position.Venue, dest.Venue, c.sizeUSD)
			before = s.assessor.AssessConcentration(holdings, risk.Reallocation{})
			break
		}
	}
	return byConfidence(recs)
}

// ProposeForNewCapital spreads amount over the top profitable, acceptable-risk
// venues weighted by APY, capping each at MaxConcentration of the total.
// Whatever the caps leave unplaced stays idle.
func (s *RiskAdjusted) ProposeForNewCapital(_ context.Context, token string, amount decimal.Decimal, snapshot domain.YieldSnapshot) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	price, ok := s.pricer.PriceUSD(token)
	if !ok || !amount.IsPositive() {
		return out
	}
	size := amount.Mul(price)

	var picked []domain.YieldQuote
	for _, q := range s.rank(snapshot.ForToken(token)) {
		if len(picked) == s.cfg.NewCapitalVenues {
			break
		}
		if !s.evaluateNew(size, q).IsProfitable {
			continue
		}
		if !risk.ShouldProceed(s.assessor.AssessVenue(q), s.cfg.AllowHighRisk) {
			continue
		}
		picked = append(picked, q)
	}
	if len(picked) == 0 {
		return out
	}

	limit := amount.Mul(s.cfg.MaxConcentration)
	if !s.cfg.MaxConcentration.IsPositive() {
		limit = amount
	}
	remaining := amount
	open := picked
	for len(open) > 0 && remaining.IsPositive() {
		weights := make([]decimal.Decimal, len(open))
		total := decimal.Zero
		for i, q := range open {
			weights[i] = q.SupplyAPY
			total = total.Add(q.SupplyAPY)
		}
		if !total.IsPositive() {
			for i := range weights {
				weights[i] = decimal.NewFromInt(1)
			}
			total = decimal.NewFromInt(int64(len(open)))
		}

		var next []domain.YieldQuote
		placed := decimal.Zero
		for i, q := range open {
			share := remaining.Mul(weights[i]).Div(total).Truncate(allocationPlaces)
			room := limit.Sub(out[q.Venue])
			if share.GreaterThanOrEqual(room) {
				share = room
			} else {
				next = append(next, q)
			}
			if share.IsPositive() {
				out[q.Venue] = out[q.Venue].Add(share)
				placed = placed.Add(share)
			}
		}
		remaining = remaining.Sub(placed)
		// nothing got capped, so the split is final
		if len(next) == len(open) || placed.IsZero() {
			break
		}
		open = next
	}

	for venue, v := range out {
		if !v.IsPositive() {
			delete(out, venue)
		}
	}
	if remaining.IsPositive() {
		s.log.Info().
			Str("token", token).
			Str("idle", remaining.String()).
			Msg("New capital left idle by concentration caps")
	}
	return out
}

// holdings values every active position in USD for concentration checks
func (s *RiskAdjusted) holdings(positions []domain.Position) []risk.Holding {
	out := make([]risk.Holding, 0, len(positions))
	for _, p := range positions {
		if !p.IsActive() {
			continue
		}
		price, ok := s.pricer.PriceUSD(p.Token)
		if !ok {
			continue
		}
		out = append(out, risk.Holding{Venue: p.Venue, ValueUSD: p.Amount.Mul(price)})
	}
	return out
}

// applyMove returns holdings as they stand once amountUSD has moved from
// source to destination
func applyMove(holdings []risk.Holding, source, destination string, amountUSD decimal.Decimal) []risk.Holding {
	return append(holdings,
		risk.Holding{Venue: source, ValueUSD: amountUSD.Neg()},
		risk.Holding{Venue: destination, ValueUSD: amountUSD},
	)
}
