// Package optimizer composes one decision cycle: scan every venue for every
// held token, hand the snapshot to the strategy and audit what comes out.
// It never retries and never touches a chain.
package optimizer

import (
	"context"
	"fmt"
	"sort"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/modules/scanner"
	"github.com/aristath/yieldrouter/internal/modules/strategy"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// YieldScanner is the scan capability the orchestrator needs
type YieldScanner interface {
	Scan(ctx context.Context, venues []string, token string) (domain.YieldSnapshot, []scanner.VenueFailure)
}

// VenueLister lists registered venues
type VenueLister interface {
	Names() []string
}

// Orchestrator runs scanner -> strategy for a cycle
type Orchestrator struct {
	scanner     YieldScanner
	venues      VenueLister
	strategy    strategy.Strategy
	audit       domain.AuditSink
	extraTokens []string
	log         zerolog.Logger
}

// NewOrchestrator creates an orchestrator. audit may be nil.
// extraTokens are scanned every cycle even with no position in them.
func NewOrchestrator(
	yieldScanner YieldScanner,
	venues VenueLister,
	strat strategy.Strategy,
	audit domain.AuditSink,
	extraTokens []string,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		scanner:     yieldScanner,
		venues:      venues,
		strategy:    strat,
		audit:       audit,
		extraTokens: extraTokens,
		log:         log.With().Str("service", "optimizer").Logger(),
	}
}

// StrategyName returns the configured strategy
func (o *Orchestrator) StrategyName() string {
	return o.strategy.Name()
}

// FindOpportunities returns the strategy's recommendations for positions.
// Venue failures become a logged skip-list; only cancellation is an error.
func (o *Orchestrator) FindOpportunities(ctx context.Context, positions []domain.Position) ([]domain.RebalanceRecommendation, error) {
	tokens := o.tokens(positions)
	if len(tokens) == 0 {
		o.log.Debug().Msg("No active positions or configured tokens, nothing to scan")
		return []domain.RebalanceRecommendation{}, nil
	}

	snapshot, err := o.scan(ctx, tokens)
	if err != nil {
		return nil, err
	}

	recs := o.strategy.ProposeForPositions(ctx, positions, snapshot)
	for _, rec := range recs {
		o.log.Info().
			Str("recommendation_id", rec.ID).
			Str("from", rec.SourceVenue).
			Str("to", rec.DestinationVenue).
			Str("token", rec.Token).
			Str("amount", rec.Amount.String()).
			Str("expected_apy", rec.ExpectedAPY.String()).
			Str("annual_gain_usd", rec.Profitability.AnnualGainUSD.StringFixed(2)).
			Int("confidence", rec.ConfidenceScore).
			Msg("Rebalance opportunity")
	}

	if o.audit != nil && len(recs) > 0 {
		if err := o.audit.RecordRecommendations(ctx, recs); err != nil {
			o.log.Error().Err(err).Int("count", len(recs)).Msg("Failed to audit recommendations")
		}
	}

	o.log.Info().
		Int("positions", len(positions)).
		Strs("tokens", tokens).
		Int("quotes", snapshot.Len()).
		Int("recommendations", len(recs)).
		Msg("Decision cycle complete")

	return recs, nil
}

// ProposeNewCapital splits idle token capital across venues
func (o *Orchestrator) ProposeNewCapital(ctx context.Context, token string, amount decimal.Decimal) (map[string]decimal.Decimal, error) {
	snapshot, err := o.scan(ctx, []string{token})
	if err != nil {
		return nil, err
	}
	return o.strategy.ProposeForNewCapital(ctx, token, amount, snapshot), nil
}

func (o *Orchestrator) scan(ctx context.Context, tokens []string) (domain.YieldSnapshot, error) {
	venues := o.venues.Names()
	var snapshot domain.YieldSnapshot
	skipped := make(map[string]error)

	for _, token := range tokens {
		snap, failures := o.scanner.Scan(ctx, venues, token)
		snapshot = snapshot.Merge(snap)
		for _, f := range failures {
			skipped[f.Venue+"/"+token] = f.Err
		}
	}

	if err := ctx.Err(); err != nil {
		return domain.YieldSnapshot{}, fmt.Errorf("scan cancelled: %w", err)
	}

	if len(skipped) > 0 {
		keys := make([]string, 0, len(skipped))
		for k := range skipped {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			o.log.Warn().Err(skipped[k]).Str("venue_token", k).Msg("Skipping venue this cycle")
		}
	}
	return snapshot, nil
}

// tokens returns the sorted distinct tokens of active positions plus extras
func (o *Orchestrator) tokens(positions []domain.Position) []string {
	seen := make(map[string]struct{})
	for _, p := range positions {
		if p.IsActive() {
			seen[p.Token] = struct{}{}
		}
	}
	for _, t := range o.extraTokens {
		seen[t] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
