package strategy

import (
	"context"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/shopspring/decimal"
)

// YieldMaximizer moves each position to the single highest-yield venue
type YieldMaximizer struct {
	base
}

// ProposeForPositions emits at most one full-amount move per position
func (s *YieldMaximizer) ProposeForPositions(_ context.Context, positions []domain.Position, snapshot domain.YieldSnapshot) []domain.RebalanceRecommendation {
	recs := make([]domain.RebalanceRecommendation, 0)
	for _, c := range s.eligible(positions, snapshot) {
		ranked := s.rank(snapshot.ForToken(c.position.Token))
		if len(ranked) == 0 {
			continue
		}
		best := ranked[0]
		if best.Venue == c.position.Venue {
			continue
		}
		if best.SupplyAPY.Sub(c.currentAPY).LessThanOrEqual(s.cfg.MinAPYImprovement) {
			continue
		}

		prof := s.evaluate(c, best)
		if !prof.IsProfitable {
			s.log.Debug().
				Str("from", c.position.Venue).
				Str("to", best.Venue).
				Strs("reasons", prof.RejectionReasons).
				Msg("Best venue rejected by profitability gate")
			continue
		}

		recs = append(recs, s.recommend(c, best, prof, clampScore(roiScore(prof))))
	}
	return byConfidence(recs)
}

// ProposeForNewCapital places everything into the best profitable venue
func (s *YieldMaximizer) ProposeForNewCapital(_ context.Context, token string, amount decimal.Decimal, snapshot domain.YieldSnapshot) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	price, ok := s.pricer.PriceUSD(token)
	if !ok || !amount.IsPositive() {
		return out
	}
	size := amount.Mul(price)
	for _, q := range s.rank(snapshot.ForToken(token)) {
		if s.evaluateNew(size, q).IsProfitable {
			out[q.Venue] = amount
			break
		}
	}
	return out
}
