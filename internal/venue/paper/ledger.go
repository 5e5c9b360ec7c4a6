// Package paper implements an in-memory paper-trading venue set.
//
// A Ledger holds wallet balances, per-venue deposits, allowances and market
// quotes. Venue, the ledger's Signer and the Ledger itself satisfy the
// VenueClient, TransactionSigner and Wallet interfaces, so the full decision
// and execution pipeline can run without touching a chain.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/shopspring/decimal"
)

// Market is the state a paper venue reports for one token
type Market struct {
	APY         decimal.Decimal
	TVL         decimal.Decimal
	Utilization decimal.Decimal
}

// Ledger is the shared state behind every paper venue
type Ledger struct {
	mu         sync.Mutex
	wallet     map[string]decimal.Decimal
	deposits   map[string]map[string]decimal.Decimal
	allowances map[string]map[string]decimal.Decimal
	markets    map[string]map[string]Market
	gasUSD     decimal.Decimal
	txSeq      uint64
	now        func() time.Time
}

// NewLedger creates an empty ledger with a one-cent gas cost per transaction
func NewLedger() *Ledger {
	return &Ledger{
		wallet:     make(map[string]decimal.Decimal),
		deposits:   make(map[string]map[string]decimal.Decimal),
		allowances: make(map[string]map[string]decimal.Decimal),
		markets:    make(map[string]map[string]Market),
		gasUSD:     decimal.RequireFromString("0.01"),
		now:        time.Now,
	}
}

// SetClock overrides the time source used for quote timestamps
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SetGasCostUSD sets the USD cost charged per submitted transaction
func (l *Ledger) SetGasCostUSD(cost decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gasUSD = cost
}

// SetMarket lists a token on a venue
func (l *Ledger) SetMarket(venue, token string, m Market) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.markets[venue] == nil {
		l.markets[venue] = make(map[string]Market)
	}
	l.markets[venue][token] = m
}

// Fund sets the idle wallet balance of a token
func (l *Ledger) Fund(token string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wallet[token] = amount
}

// SetDeposit sets the wallet's position in a venue
func (l *Ledger) SetDeposit(venue, token string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	setNested(l.deposits, venue, token, amount)
}

// SeedFromPositions mirrors stored active positions into venue deposits
func (l *Ledger) SeedFromPositions(positions []domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		if p.IsActive() {
			setNested(l.deposits, p.Venue, p.Token, p.Amount)
		}
	}
}

// Balance returns the idle wallet balance; it makes *Ledger a domain.Wallet
func (l *Ledger) Balance(_ context.Context, token string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wallet[token], nil
}

// Deposit returns the wallet's position in a venue
func (l *Ledger) Deposit(venue, token string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deposits[venue][token]
}

// Allowance returns the allowance granted to a venue
func (l *Ledger) Allowance(venue, token string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[venue][token]
}

func (l *Ledger) market(venue, token string) (Market, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.markets[venue][token]
	return m, l.now(), ok
}

// apply executes a transaction against the ledger
func (l *Ledger) apply(req domain.TxRequest) (domain.TxReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !req.Amount.IsPositive() && req.Kind != domain.TxApprove {
		return domain.TxReceipt{}, domain.NewVenueError(req.Venue, string(req.Kind), domain.ErrKindRejected,
			fmt.Errorf("amount must be positive"))
	}

	var gas uint64
	switch req.Kind {
	case domain.TxWithdraw:
		held := l.deposits[req.Venue][req.Token]
		if held.LessThan(req.Amount) {
			return domain.TxReceipt{}, domain.NewVenueError(req.Venue, "withdraw", domain.ErrKindRejected,
				fmt.Errorf("insufficient deposit: have %s, want %s", held, req.Amount))
		}
		setNested(l.deposits, req.Venue, req.Token, held.Sub(req.Amount))
		l.wallet[req.Token] = l.wallet[req.Token].Add(req.Amount)
		gas = 180_000
	case domain.TxApprove:
		setNested(l.allowances, req.Venue, req.Token, req.Amount)
		gas = 46_000
	case domain.TxDeposit:
		allowance := l.allowances[req.Venue][req.Token]
		if allowance.LessThan(req.Amount) {
			return domain.TxReceipt{}, domain.NewVenueError(req.Venue, "deposit", domain.ErrKindRejected,
				fmt.Errorf("allowance %s below amount %s", allowance, req.Amount))
		}
		idle := l.wallet[req.Token]
		if idle.LessThan(req.Amount) {
			return domain.TxReceipt{}, domain.NewVenueError(req.Venue, "deposit", domain.ErrKindRejected,
				fmt.Errorf("insufficient wallet balance: have %s, want %s", idle, req.Amount))
		}
		l.wallet[req.Token] = idle.Sub(req.Amount)
		setNested(l.allowances, req.Venue, req.Token, allowance.Sub(req.Amount))
		setNested(l.deposits, req.Venue, req.Token, l.deposits[req.Venue][req.Token].Add(req.Amount))
		gas = 210_000
	default:
		return domain.TxReceipt{}, domain.NewVenueError(req.Venue, string(req.Kind), domain.ErrKindMalformed,
			fmt.Errorf("unknown transaction kind"))
	}

	l.txSeq++
	return domain.TxReceipt{
		Reference:  fmt.Sprintf("0xpaper%08x", l.txSeq),
		GasUsed:    gas,
		GasCostUSD: l.gasUSD,
	}, nil
}

func setNested(m map[string]map[string]decimal.Decimal, venue, token string, v decimal.Decimal) {
	if m[venue] == nil {
		m[venue] = make(map[string]decimal.Decimal)
	}
	m[venue][token] = v
}
