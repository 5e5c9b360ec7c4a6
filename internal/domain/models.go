// Package domain provides core domain models and types.
//
// The domain layer is pure: no infrastructure dependencies. Monetary values,
// APYs, TVL and utilisation are fixed-point decimals.
package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// YieldQuote is a single venue's observed supply yield for a token.
// Immutable once produced; superseded by the next scan.
type YieldQuote struct {
	ObservedAt       time.Time       `json:"observed_at"`
	Venue            string          `json:"venue"`
	Token            string          `json:"token"`
	SupplyAPY        decimal.Decimal `json:"supply_apy"` // percent, e.g. 4.25
	TotalValueLocked decimal.Decimal `json:"total_value_locked"`
	Utilization      decimal.Decimal `json:"utilization"` // 0..1
}

// QuoteKey identifies a quote within a snapshot
type QuoteKey struct {
	Venue string
	Token string
}

// YieldSnapshot is the read-only result of one scan cycle.
// The zero value is an empty snapshot.
type YieldSnapshot struct {
	scannedAt time.Time
	quotes    map[QuoteKey]YieldQuote
}

// NewYieldSnapshot builds a snapshot from a set of quotes.
// A later quote for the same (venue, token) replaces an earlier one.
func NewYieldSnapshot(scannedAt time.Time, quotes ...YieldQuote) YieldSnapshot {
	m := make(map[QuoteKey]YieldQuote, len(quotes))
	for _, q := range quotes {
		m[QuoteKey{Venue: q.Venue, Token: q.Token}] = q
	}
	return YieldSnapshot{scannedAt: scannedAt, quotes: m}
}

// ScannedAt returns when the snapshot was produced
func (s YieldSnapshot) ScannedAt() time.Time {
	return s.scannedAt
}

// Len returns the number of quotes
func (s YieldSnapshot) Len() int {
	return len(s.quotes)
}

// Get returns the quote for a venue and token
func (s YieldSnapshot) Get(venue, token string) (YieldQuote, bool) {
	q, ok := s.quotes[QuoteKey{Venue: venue, Token: token}]
	return q, ok
}

// ForToken returns every quote for a token, sorted by venue name
func (s YieldSnapshot) ForToken(token string) []YieldQuote {
	out := make([]YieldQuote, 0)
	for k, q := range s.quotes {
		if k.Token == token {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Quotes returns a copy of all quotes, sorted by token then venue
func (s YieldSnapshot) Quotes() []YieldQuote {
	out := make([]YieldQuote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token < out[j].Token
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}

// Merge returns a new snapshot containing the quotes of both.
// Quotes in other win on key collision; the later scan time is kept.
func (s YieldSnapshot) Merge(other YieldSnapshot) YieldSnapshot {
	merged := make([]YieldQuote, 0, len(s.quotes)+len(other.quotes))
	merged = append(merged, s.Quotes()...)
	merged = append(merged, other.Quotes()...)
	at := s.scannedAt
	if other.scannedAt.After(at) {
		at = other.scannedAt
	}
	return NewYieldSnapshot(at, merged...)
}

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// Position is capital held in one venue. Owned by the persistence layer;
// the core reads positions but never mutates them.
type Position struct {
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty"`
	Venue      string          `json:"venue"`
	Token      string          `json:"token"`
	Status     PositionStatus  `json:"status"`
	ID         int64           `json:"id"`
	Amount     decimal.Decimal `json:"amount"` // token units
	EntryAPY   decimal.Decimal `json:"entry_apy"`
	CurrentAPY decimal.Decimal `json:"current_apy"`
}

// IsActive reports whether the position still holds capital
func (p Position) IsActive() bool {
	return p.Status == PositionActive && p.Amount.IsPositive()
}

// MoveProfitability is the verdict of the profitability gate for one candidate move.
type MoveProfitability struct {
	IsProfitable      bool            `json:"is_profitable"`
	NeverBreaksEven   bool            `json:"never_breaks_even"`
	DailyGrossGainUSD decimal.Decimal `json:"daily_gross_gain_usd"`
	AnnualGainUSD     decimal.Decimal `json:"annual_gain_usd"`
	TotalCostUSD      decimal.Decimal `json:"total_cost_usd"`
	BreakEvenDays     decimal.Decimal `json:"break_even_days"` // meaningless when NeverBreaksEven
	ROIOnCostsPercent decimal.Decimal `json:"roi_on_costs_percent"`
	RejectionReasons  []string        `json:"rejection_reasons"`
}

// RebalanceRecommendation is a candidate move produced by a strategy.
// An empty SourceVenue means a fresh deposit of idle wallet capital.
type RebalanceRecommendation struct {
	CreatedAt        time.Time         `json:"created_at"`
	CurrentAPY       *decimal.Decimal  `json:"current_apy,omitempty"`
	ID               string            `json:"id"`
	SourceVenue      string            `json:"source_venue,omitempty"`
	DestinationVenue string            `json:"destination_venue"`
	Token            string            `json:"token"`
	Reason           string            `json:"reason"`
	Strategy         string            `json:"strategy"`
	Amount           decimal.Decimal   `json:"amount"`
	ExpectedAPY      decimal.Decimal   `json:"expected_apy"`
	Profitability    MoveProfitability `json:"profitability"`
	ConfidenceScore  int               `json:"confidence_score"`
	RequiresSwap     bool              `json:"requires_swap"`
}

// IsNewDeposit reports whether no withdrawal is needed
func (r RebalanceRecommendation) IsNewDeposit() bool {
	return r.SourceVenue == ""
}
